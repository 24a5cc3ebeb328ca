package entity

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"time"
)

// Type is the kind of state point an entity represents.
type Type string

// Entity kinds.
const (
	TypeSwitch       Type = "switch"
	TypeSensor       Type = "sensor"
	TypeNumber       Type = "number"
	TypeText         Type = "text"
	TypeBinarySensor Type = "binary_sensor"
)

// AllTypes returns every supported entity kind.
func AllTypes() []Type {
	return []Type{TypeSwitch, TypeSensor, TypeNumber, TypeText, TypeBinarySensor}
}

// IsValid reports whether t is a supported entity kind.
func (t Type) IsValid() bool {
	switch t {
	case TypeSwitch, TypeSensor, TypeNumber, TypeText, TypeBinarySensor:
		return true
	}
	return false
}

// IsBoolean reports whether values of t are stored as {state: bool}.
func (t Type) IsBoolean() bool {
	return t == TypeSwitch || t == TypeBinarySensor
}

// IsNumeric reports whether values of t are stored as {value: number}.
func (t Type) IsNumeric() bool {
	return t == TypeSensor || t == TypeNumber
}

// DiscoveryMode tells how an entity, or a device's entity set, came to exist.
type DiscoveryMode string

// Discovery modes. Entities are only ever auto or template; hybrid is a
// device-level mode.
const (
	DiscoveryAuto     DiscoveryMode = "auto"
	DiscoveryTemplate DiscoveryMode = "template"
	DiscoveryHybrid   DiscoveryMode = "hybrid"
)

// IsValid reports whether m is a known discovery mode.
func (m DiscoveryMode) IsValid() bool {
	return m == DiscoveryAuto || m == DiscoveryTemplate || m == DiscoveryHybrid
}

// AcceptsDiscovery reports whether a device in this mode may gain
// entities announced at runtime.
func (m DiscoveryMode) AcceptsDiscovery() bool {
	return m == DiscoveryAuto || m == DiscoveryHybrid
}

// ProvisionsTemplate reports whether a device in this mode gets its
// blueprint entities at creation time.
func (m DiscoveryMode) ProvisionsTemplate() bool {
	return m == DiscoveryTemplate || m == DiscoveryHybrid
}

// Config holds per-entity settings. Unknown keys are kept in Extra and
// written back unchanged.
type Config struct {
	Locked    bool
	Readonly  bool
	Momentary bool
	Min       *float64
	Max       *float64
	Extra     map[string]any
}

// IsZero reports whether the config carries nothing worth storing.
func (c Config) IsZero() bool {
	return !c.Locked && !c.Readonly && !c.Momentary && c.Min == nil && c.Max == nil && len(c.Extra) == 0
}

// Clone returns a copy that shares no pointers with c.
func (c Config) Clone() Config {
	cpy := c
	if c.Min != nil {
		v := *c.Min
		cpy.Min = &v
	}
	if c.Max != nil {
		v := *c.Max
		cpy.Max = &v
	}
	cpy.Extra = maps.Clone(c.Extra)
	return cpy
}

// MarshalJSON writes known flags only when set, merged with Extra.
func (c Config) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(c.Extra)+5)
	maps.Copy(out, c.Extra)
	if c.Locked {
		out["locked"] = true
	}
	if c.Readonly {
		out["readonly"] = true
	}
	if c.Momentary {
		out["momentary"] = true
	}
	if c.Min != nil {
		out["min"] = *c.Min
	}
	if c.Max != nil {
		out["max"] = *c.Max
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts any JSON object. A null or empty document yields
// the zero Config.
func (c *Config) UnmarshalJSON(data []byte) error {
	*c = Config{}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("config must be an object: %w", err)
	}

	for key, msg := range raw {
		var err error
		switch key {
		case "locked":
			c.Locked, err = truthy(msg)
		case "readonly":
			c.Readonly, err = truthy(msg)
		case "momentary":
			c.Momentary, err = truthy(msg)
		case "min":
			c.Min, err = optionalFloat(msg)
		case "max":
			c.Max, err = optionalFloat(msg)
		default:
			var v any
			err = json.Unmarshal(msg, &v)
			if err == nil {
				if c.Extra == nil {
					c.Extra = make(map[string]any)
				}
				c.Extra[key] = v
			}
		}
		if err != nil {
			return fmt.Errorf("config %q: %w", key, err)
		}
	}
	return nil
}

// truthy decodes a flag that may have been written as a bool, a number or
// a string by older clients.
func truthy(msg json.RawMessage) (bool, error) {
	var v any
	if err := json.Unmarshal(msg, &v); err != nil {
		return false, err
	}
	if v == nil {
		return false, nil
	}
	return coerceBool(v)
}

func optionalFloat(msg json.RawMessage) (*float64, error) {
	var v *float64
	if err := json.Unmarshal(msg, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Entity is one addressable state point on a device.
type Entity struct {
	ID            string        `json:"id"`
	DeviceID      string        `json:"device_id"`
	EntityID      string        `json:"entity_id"`
	Type          Type          `json:"entity_type"`
	Name          string        `json:"name"`
	Value         Value         `json:"value"`
	Unit          string        `json:"unit,omitempty"`
	Icon          string        `json:"icon,omitempty"`
	Config        Config        `json:"config"`
	DiscoveryMode DiscoveryMode `json:"discovery_mode"`
	MQTTTopic     string        `json:"mqtt_topic,omitempty"`
	LastUpdated   *time.Time    `json:"last_updated,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

// Spec is a request to create one entity.
//
// Value is a raw initial value coerced by the entity's kind; nil means no
// value yet. An empty DiscoveryMode defaults to auto.
type Spec struct {
	DeviceID      string        `json:"device_id" validate:"required"`
	EntityID      string        `json:"entity_id" validate:"required,max=64,entityid"`
	Type          Type          `json:"entity_type" validate:"required,entitytype"`
	Name          string        `json:"name" validate:"required,max=100"`
	Unit          string        `json:"unit,omitempty" validate:"max=16"`
	Icon          string        `json:"icon,omitempty" validate:"max=64"`
	Config        Config        `json:"config"`
	Value         any           `json:"value,omitempty"`
	DiscoveryMode DiscoveryMode `json:"discovery_mode,omitempty" validate:"omitempty,oneof=auto template"`
	MQTTTopic     string        `json:"mqtt_topic,omitempty" validate:"omitempty,max=256,mqtttopic"`
}

// Patch is a partial update of an entity's presentation and config.
// Nil fields are left unchanged.
type Patch struct {
	Name   *string `json:"name,omitempty" validate:"omitempty,min=1,max=100"`
	Unit   *string `json:"unit,omitempty" validate:"omitempty,max=16"`
	Icon   *string `json:"icon,omitempty" validate:"omitempty,max=64"`
	Config *Config `json:"config,omitempty"`
}

// IsEmpty reports whether the patch changes nothing.
func (p Patch) IsEmpty() bool {
	return p.Name == nil && p.Unit == nil && p.Icon == nil && p.Config == nil
}

// TopicCount is a bound topic and the number of entities that claim it.
type TopicCount struct {
	Topic string
	Count int
}
