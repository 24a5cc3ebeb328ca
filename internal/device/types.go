package device

import (
	"maps"
	"time"

	"github.com/easysmart/iot-core/internal/entity"
)

// Status is a device's connectivity state.
type Status string

// Connectivity states.
const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	return s == StatusOnline || s == StatusOffline
}

// Device is a physical or virtual endpoint owned by one tenant.
// This matches the devices table in migrations/20260301_090000_initial_schema.up.sql.
type Device struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`

	// DeviceID is the caller-supplied identifier, unique within the tenant.
	DeviceID string `json:"device_id"`
	// TopicToken is DeviceID normalised for use in bus topics.
	TopicToken string `json:"topic_token"`

	Name          string               `json:"name"`
	Type          string               `json:"type"`
	DiscoveryMode entity.DiscoveryMode `json:"discovery_mode"`
	Status        Status               `json:"status"`
	Config        map[string]any       `json:"config,omitempty"`
	LastSeen      *time.Time           `json:"last_seen,omitempty"`

	// EntityCount is filled by list queries only.
	EntityCount int `json:"entities_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DeepCopy creates an independent copy of the Device.
func (d *Device) DeepCopy() *Device {
	if d == nil {
		return nil
	}
	cpy := *d
	cpy.Config = maps.Clone(d.Config)
	if d.LastSeen != nil {
		t := *d.LastSeen
		cpy.LastSeen = &t
	}
	return &cpy
}

// Update is a partial device update. Nil fields are left unchanged.
type Update struct {
	Name          *string               `json:"name,omitempty" validate:"omitempty,max=100"`
	Type          *string               `json:"type,omitempty" validate:"omitempty,max=64"`
	Status        *Status               `json:"status,omitempty" validate:"omitempty,oneof=online offline"`
	DiscoveryMode *entity.DiscoveryMode `json:"discovery_mode,omitempty" validate:"omitempty,oneof=auto template hybrid"`
	Config        map[string]any        `json:"config,omitempty"`
}

// IsEmpty reports whether the update changes nothing.
func (u Update) IsEmpty() bool {
	return u.Name == nil && u.Type == nil && u.Status == nil && u.DiscoveryMode == nil && u.Config == nil
}
