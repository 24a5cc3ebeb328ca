// Package influxdb records entity state history in InfluxDB.
//
// It wraps influxdb-client-go v2 with connection checks, batched
// non-blocking writes and a health check. The registry database stays the
// source of truth for current values; this package only keeps history.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // history is optional
//	}
//	defer client.Close()
//
//	client.WriteEntityState(influxdb.EntitySample{
//	    TenantID:   tenantID,
//	    DeviceID:   "COMP01",
//	    EntityID:   "temp_oil",
//	    EntityType: "sensor",
//	    Unit:       "°C",
//	    Value:      71.5,
//	})
//
// # Error Handling
//
// Write failures arrive asynchronously through the SetOnError callback.
// Connection and health check errors are returned directly.
package influxdb
