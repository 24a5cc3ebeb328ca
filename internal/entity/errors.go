package entity

import "errors"

// Domain errors for the entity package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, entity.ErrLocked) {
//	    // refuse the delete
//	}
var (
	// ErrMissingField is returned when device_id, entity_id, entity_type or name is empty.
	ErrMissingField = errors.New("entity: missing required field")

	// ErrInvalidType is returned when entity_type is not one of the supported kinds.
	ErrInvalidType = errors.New("entity: invalid entity type")

	// ErrInvalidValue is returned when a raw value cannot be coerced to the entity's kind.
	ErrInvalidValue = errors.New("entity: invalid value")

	// ErrDuplicateEntity is returned when (device_id, entity_id) already exists.
	ErrDuplicateEntity = errors.New("entity: already exists")

	// ErrNotFound is returned when an entity does not exist.
	ErrNotFound = errors.New("entity: not found")

	// ErrLocked is returned when deleting a locked entity, or writing a
	// readonly entity from the API.
	ErrLocked = errors.New("entity: locked")

	// ErrNoFields is returned when an update patch carries no fields.
	ErrNoFields = errors.New("entity: no fields to update")
)
