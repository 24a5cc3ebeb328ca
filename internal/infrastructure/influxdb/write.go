package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// MeasurementEntityState is the measurement name used for entity history.
const MeasurementEntityState = "entity_state"

// EntitySample is one observed entity value.
//
// Value must be a bool, a float64 or a string. Other values are dropped.
type EntitySample struct {
	TenantID   string
	DeviceID   string
	EntityID   string
	EntityType string
	Unit       string
	Value      any
	At         time.Time
}

// EntityPoint builds the line-protocol point for a sample, or nil when the
// sample carries no writable value.
func EntityPoint(s EntitySample) *write.Point {
	fields := make(map[string]interface{}, 2)
	switch v := s.Value.(type) {
	case bool:
		fields["state"] = v
		if v {
			fields["value"] = 1.0
		} else {
			fields["value"] = 0.0
		}
	case float64:
		fields["value"] = v
	case string:
		fields["text"] = v
	default:
		return nil
	}

	tags := map[string]string{
		"tenant_id":   s.TenantID,
		"device_id":   s.DeviceID,
		"entity_id":   s.EntityID,
		"entity_type": s.EntityType,
	}
	if s.Unit != "" {
		tags["unit"] = s.Unit
	}

	ts := s.At
	if ts.IsZero() {
		ts = time.Now()
	}
	return write.NewPoint(MeasurementEntityState, tags, fields, ts)
}
