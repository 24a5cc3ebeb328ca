// Package template holds the catalog of device types and the entity
// blueprints they provision.
//
// A blueprint's discovery mode is the default for devices of that type:
//   - auto: the device announces its entities at runtime
//   - template: exactly the blueprint's entities exist
//   - hybrid: blueprint entities plus runtime announcements
//
// The catalog is built once and never mutated. Get returns copies, so
// callers may edit what they receive.
package template
