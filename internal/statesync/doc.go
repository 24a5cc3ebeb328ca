// Package statesync binds the topic router to the entity store.
//
// Topics handled:
//
//	devices/{TOKEN}/{entity_id}/state   entity value reports (one route per bound topic)
//	devices/{TOKEN}/status              "online" / "offline"
//	devices/{TOKEN}/discovery           {"entities":[...]} announcements
//
// Values written through the API go the other way, to the entity's
// command topic ({state topic} with /state replaced by /set).
//
// Every accepted change is broadcast to the owning tenant's WebSocket
// clients and, when a TelemetryWriter is configured, written to InfluxDB.
package statesync
