// Package entity models device state points and persists them.
//
// An entity is one switch, sensor, number, text or binary sensor on a
// device. Its value is a tagged union (Value) whose stored shape depends on
// the entity kind:
//
//	switch, binary_sensor  {"state": bool}
//	sensor, number         {"value": number}
//	text                   {"value": string}
//
// Coerce, Encode and Decode are the value codec. They are pure functions;
// JSON blobs only exist inside SQLiteRepository, which decodes values and
// configs on every read and encodes them on every write.
//
// Value updates run the lookup and the write in one transaction so two
// concurrent updates of the same entity cannot interleave. Entities whose
// config is locked cannot be deleted individually; they go away with their
// device.
package entity
