package template

import (
	"errors"
	"fmt"

	"github.com/easysmart/iot-core/internal/entity"
)

var (
	// ErrUnknownTemplate is returned when a device type has no blueprint.
	ErrUnknownTemplate = errors.New("template: unknown device type")

	// ErrInvalidBlueprint is returned by NewCatalog for malformed blueprints.
	ErrInvalidBlueprint = errors.New("template: invalid blueprint")
)

// Skeleton is one entity a blueprint provisions.
type Skeleton struct {
	EntityID string
	Type     entity.Type
	Name     string
	Unit     string
	Icon     string
	Config   entity.Config
	// Initial is the raw starting value; nil means none.
	Initial any
	// MQTTTopic overrides the generated state topic when set.
	MQTTTopic string
}

// Blueprint describes how a device type is provisioned.
type Blueprint struct {
	Type          string
	Name          string
	Description   string
	Icon          string
	DiscoveryMode entity.DiscoveryMode
	Entities      []Skeleton
}

// clone returns a copy that shares no mutable state with b.
func (b Blueprint) clone() Blueprint {
	cpy := b
	cpy.Entities = make([]Skeleton, len(b.Entities))
	for i, s := range b.Entities {
		s.Config = s.Config.Clone()
		cpy.Entities[i] = s
	}
	return cpy
}

// Summary is the listing form of a blueprint.
type Summary struct {
	Type          string               `json:"type"`
	Name          string               `json:"name"`
	Description   string               `json:"description"`
	Icon          string               `json:"icon"`
	DiscoveryMode entity.DiscoveryMode `json:"discovery_mode"`
	EntityCount   int                  `json:"entity_count"`
}

// Catalog is an immutable lookup of device type to blueprint. It is safe
// for concurrent use; every read returns a copy.
type Catalog struct {
	order  []string
	byType map[string]Blueprint
}

// NewCatalog validates blueprints and builds a catalog that lists them in
// the given order.
func NewCatalog(blueprints []Blueprint) (*Catalog, error) {
	c := &Catalog{
		order:  make([]string, 0, len(blueprints)),
		byType: make(map[string]Blueprint, len(blueprints)),
	}

	for _, bp := range blueprints {
		if err := validateBlueprint(bp); err != nil {
			return nil, err
		}
		if _, dup := c.byType[bp.Type]; dup {
			return nil, fmt.Errorf("%w: duplicate type %q", ErrInvalidBlueprint, bp.Type)
		}
		c.order = append(c.order, bp.Type)
		c.byType[bp.Type] = bp.clone()
	}
	return c, nil
}

func validateBlueprint(bp Blueprint) error {
	if bp.Type == "" {
		return fmt.Errorf("%w: empty type", ErrInvalidBlueprint)
	}
	if !bp.DiscoveryMode.IsValid() {
		return fmt.Errorf("%w: %s: discovery mode %q", ErrInvalidBlueprint, bp.Type, bp.DiscoveryMode)
	}

	seen := make(map[string]struct{}, len(bp.Entities))
	for _, s := range bp.Entities {
		if s.EntityID == "" || s.Name == "" {
			return fmt.Errorf("%w: %s: skeleton needs entity_id and name", ErrInvalidBlueprint, bp.Type)
		}
		if !s.Type.IsValid() {
			return fmt.Errorf("%w: %s/%s: entity type %q", ErrInvalidBlueprint, bp.Type, s.EntityID, s.Type)
		}
		if _, dup := seen[s.EntityID]; dup {
			return fmt.Errorf("%w: %s: duplicate entity %q", ErrInvalidBlueprint, bp.Type, s.EntityID)
		}
		seen[s.EntityID] = struct{}{}

		if s.Initial != nil {
			if _, err := entity.Coerce(s.Type, s.Initial); err != nil {
				return fmt.Errorf("%w: %s/%s: initial value: %w", ErrInvalidBlueprint, bp.Type, s.EntityID, err)
			}
		}
	}
	return nil
}

// Get returns the blueprint for a device type.
func (c *Catalog) Get(deviceType string) (Blueprint, error) {
	bp, ok := c.byType[deviceType]
	if !ok {
		return Blueprint{}, fmt.Errorf("%w: %q", ErrUnknownTemplate, deviceType)
	}
	return bp.clone(), nil
}

// List returns every blueprint summary in catalog order.
func (c *Catalog) List() []Summary {
	out := make([]Summary, 0, len(c.order))
	for _, t := range c.order {
		bp := c.byType[t]
		out = append(out, Summary{
			Type:          bp.Type,
			Name:          bp.Name,
			Description:   bp.Description,
			Icon:          bp.Icon,
			DiscoveryMode: bp.DiscoveryMode,
			EntityCount:   len(bp.Entities),
		})
	}
	return out
}

// Types returns the known device types in catalog order.
func (c *Catalog) Types() []string {
	return append([]string(nil), c.order...)
}

// IsValidType reports whether deviceType has a blueprint.
func (c *Catalog) IsValidType(deviceType string) bool {
	_, ok := c.byType[deviceType]
	return ok
}

// DiscoveryMode returns the default provisioning mode for a device type.
// Free-form types discover their entities at runtime.
func (c *Catalog) DiscoveryMode(deviceType string) entity.DiscoveryMode {
	if bp, ok := c.byType[deviceType]; ok {
		return bp.DiscoveryMode
	}
	return entity.DiscoveryAuto
}
