package provisioning

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/easysmart/iot-core/internal/audit"
	"github.com/easysmart/iot-core/internal/device"
	"github.com/easysmart/iot-core/internal/entity"
	"github.com/easysmart/iot-core/internal/infrastructure/database"
	"github.com/easysmart/iot-core/internal/infrastructure/mqtt"
	"github.com/easysmart/iot-core/internal/template"
	"github.com/easysmart/iot-core/internal/tenant"
)

// Binder attaches entity state topics to the inbound message path.
// statesync.Service implements it.
type Binder interface {
	Bind(topic string) error
	Unbind(ctx context.Context, topic string) error
}

// Logger is the logging interface used by the engine.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Deps are the collaborators of an Engine.
type Deps struct {
	// DB is the connection pool the engine opens transactions on.
	DB       *sql.DB
	Catalog  *template.Catalog
	Tenants  *tenant.SQLiteRepository
	Devices  *device.SQLiteRepository
	Entities *entity.SQLiteRepository
	Audit    *audit.SQLiteRepository
	Logger   Logger
}

// DeviceRequest asks for one device to be provisioned.
type DeviceRequest struct {
	DeviceID string         `json:"device_id" validate:"required,max=64"`
	Name     string         `json:"name" validate:"required,max=100"`
	Type     string         `json:"type" validate:"required,max=64"`
	Config   map[string]any `json:"config,omitempty"`
	// DiscoveryMode defaults to the catalog mode of Type.
	DiscoveryMode entity.DiscoveryMode `json:"discovery_mode,omitempty" validate:"omitempty,oneof=auto template hybrid"`
}

// Provisioned is the result of CreateDevice.
type Provisioned struct {
	Device   *device.Device
	Quota    tenant.Decision
	Entities BatchResult
}

// Engine expands device types into entities and performs every
// registry mutation that changes which topics exist.
//
// Thread Safety: all methods are safe for concurrent use.
type Engine struct {
	db       *sql.DB
	catalog  *template.Catalog
	tenants  *tenant.SQLiteRepository
	devices  *device.SQLiteRepository
	entities *entity.SQLiteRepository
	audit    *audit.SQLiteRepository
	binder   Binder
	logger   Logger
	topics   mqtt.Topics
}

// NewEngine creates an engine. Call SetBinder before serving traffic so
// new entities are routed.
func NewEngine(d Deps) *Engine {
	logger := d.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	catalog := d.Catalog
	if catalog == nil {
		catalog = template.Builtin()
	}
	return &Engine{
		db:       d.DB,
		catalog:  catalog,
		tenants:  d.Tenants,
		devices:  d.Devices,
		entities: d.Entities,
		audit:    d.Audit,
		binder:   noopBinder{},
		logger:   logger,
	}
}

// SetBinder installs the component that routes new topics.
func (e *Engine) SetBinder(b Binder) {
	if b == nil {
		b = noopBinder{}
	}
	e.binder = b
}

// Catalog returns the template catalog in use.
func (e *Engine) Catalog() *template.Catalog { return e.catalog }

// Quota reports a tenant's device usage against its plan.
func (e *Engine) Quota(ctx context.Context, tenantID string) (tenant.Decision, error) {
	return tenant.NewQuotaGuard(e.tenants, e.devices).CanProvision(ctx, tenantID)
}

// Expand turns a device type into entity creation requests for the device
// with the given identifier. Every request is stamped discovery mode
// template, and gets the topic devices/{TOKEN}/{entity_id}/state unless
// its blueprint entry names one. DeviceID is left for the caller to fill.
func (e *Engine) Expand(deviceType, identifier string) ([]entity.Spec, error) {
	bp, err := e.catalog.Get(deviceType)
	if err != nil {
		return nil, err
	}
	token, err := topicToken(identifier)
	if err != nil {
		return nil, err
	}

	specs := make([]entity.Spec, 0, len(bp.Entities))
	for _, sk := range bp.Entities {
		topic := sk.MQTTTopic
		if topic == "" {
			topic = e.topics.EntityState(token, sk.EntityID)
		}
		specs = append(specs, entity.Spec{
			EntityID:      sk.EntityID,
			Type:          sk.Type,
			Name:          sk.Name,
			Unit:          sk.Unit,
			Icon:          sk.Icon,
			Config:        sk.Config,
			Value:         sk.Initial,
			DiscoveryMode: entity.DiscoveryTemplate,
			MQTTTopic:     topic,
		})
	}
	return specs, nil
}

// CreateMultiple creates each spec for the device independently. A
// failure is recorded in its ItemResult and logged; it never stops the
// remaining items.
func (e *Engine) CreateMultiple(ctx context.Context, deviceID string, specs []entity.Spec) BatchResult {
	res := BatchResult{Items: make([]ItemResult, 0, len(specs))}
	for _, spec := range specs {
		spec.DeviceID = deviceID
		item := ItemResult{EntityID: spec.EntityID}
		item.Entity, item.Err = e.entities.Create(ctx, spec)
		if item.Err != nil {
			e.logger.Warn("entity not created",
				"device_id", deviceID,
				"entity_id", spec.EntityID,
				"error", item.Err,
			)
		}
		res.Items = append(res.Items, item)
	}
	return res
}

// CreateDevice checks the tenant's quota and inserts the device in one
// transaction, then provisions the blueprint entities when the device's
// discovery mode calls for them.
//
// Returns tenant.ErrQuotaExceeded, device.ErrDeviceExists or
// device.ErrInvalidDevice without creating anything.
func (e *Engine) CreateDevice(ctx context.Context, tenantID string, req DeviceRequest) (*Provisioned, error) {
	token, err := topicToken(req.DeviceID)
	if err != nil {
		return nil, err
	}

	mode := req.DiscoveryMode
	if mode == "" {
		mode = e.catalog.DiscoveryMode(req.Type)
	}

	d := &device.Device{
		TenantID:      tenantID,
		DeviceID:      req.DeviceID,
		TopicToken:    token,
		Name:          req.Name,
		Type:          req.Type,
		DiscoveryMode: mode,
		Config:        req.Config,
	}
	if err := device.ValidateDevice(d); err != nil {
		return nil, err
	}

	var decision tenant.Decision
	err = database.RunInTx(ctx, e.db, func(q database.Querier) error {
		devices := e.devices.WithQuerier(q)
		guard := tenant.NewQuotaGuard(e.tenants.WithQuerier(q), devices)

		var err error
		if decision, err = guard.Check(ctx, tenantID); err != nil {
			return err
		}
		if err := devices.Create(ctx, d); err != nil {
			return err
		}
		return e.audit.WithQuerier(q).Create(ctx, &audit.Entry{
			TenantID:   tenantID,
			Action:     audit.ActionDeviceCreate,
			EntityType: "device",
			EntityID:   d.ID,
			Source:     audit.SourceAPI,
			Details:    map[string]any{"device_id": d.DeviceID, "type": d.Type, "discovery_mode": string(d.DiscoveryMode)},
		})
	})
	if err != nil {
		return nil, err
	}
	decision.Current++

	e.logger.Info("device created",
		"tenant_id", tenantID,
		"device_id", d.DeviceID,
		"type", d.Type,
		"discovery_mode", d.DiscoveryMode,
	)

	out := &Provisioned{Device: d, Quota: decision}
	if !mode.ProvisionsTemplate() || !e.catalog.IsValidType(req.Type) {
		return out, nil
	}

	specs, err := e.Expand(req.Type, req.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("expanding %s: %w", req.Type, err)
	}
	out.Entities = e.CreateMultiple(ctx, d.ID, specs)
	e.bindAll(out.Entities.Topics())
	e.record(ctx, tenantID, audit.ActionEntityBulkCreate, "device", d.ID, audit.SourceAPI, batchDetails(out.Entities))

	created := len(out.Entities.Created())
	d.EntityCount = created
	e.logger.Info("device provisioned from template",
		"device_id", d.DeviceID,
		"template", req.Type,
		"created", created,
		"failed", len(out.Entities.Items)-created,
	)
	return out, nil
}

// DeleteDevice removes a tenant's device and its entities and unbinds
// their topics.
func (e *Engine) DeleteDevice(ctx context.Context, tenantID, id string) error {
	d, err := e.devices.GetForTenant(ctx, tenantID, id)
	if err != nil {
		return err
	}
	ents, err := e.entities.ListByDevice(ctx, d.ID)
	if err != nil {
		return err
	}

	if err := e.devices.Delete(ctx, tenantID, d.ID); err != nil {
		return err
	}
	for _, ent := range ents {
		e.unbind(ctx, ent.MQTTTopic)
	}

	e.record(ctx, tenantID, audit.ActionDeviceDelete, "device", d.ID, audit.SourceAPI,
		map[string]any{"device_id": d.DeviceID, "entities": len(ents)})
	e.logger.Info("device deleted", "tenant_id", tenantID, "device_id", d.DeviceID, "entities", len(ents))
	return nil
}

// AddEntity creates one entity on a tenant's device. The topic defaults
// to the device's state topic for the entity.
func (e *Engine) AddEntity(ctx context.Context, tenantID, deviceID string, spec entity.Spec) (*entity.Entity, error) {
	d, err := e.devices.GetForTenant(ctx, tenantID, deviceID)
	if err != nil {
		return nil, err
	}

	spec = e.prepare(d, spec, entity.DiscoveryAuto)
	ent, err := e.entities.Create(ctx, spec)
	if err != nil {
		return nil, err
	}
	e.bindAll([]string{ent.MQTTTopic})
	e.record(ctx, tenantID, audit.ActionEntityCreate, "entity", ent.ID, audit.SourceAPI,
		map[string]any{"device_id": d.DeviceID, "entity_id": ent.EntityID, "entity_type": string(ent.Type)})
	return ent, nil
}

// AddEntities creates several entities on a tenant's device with the
// same partial-failure semantics as CreateMultiple.
func (e *Engine) AddEntities(ctx context.Context, tenantID, deviceID string, specs []entity.Spec) (BatchResult, error) {
	d, err := e.devices.GetForTenant(ctx, tenantID, deviceID)
	if err != nil {
		return BatchResult{}, err
	}
	return e.addBatch(ctx, d, specs, audit.SourceAPI), nil
}

// Discover creates the announced entities a device does not have yet.
// Devices whose mode does not accept discovery are left untouched.
func (e *Engine) Discover(ctx context.Context, d *device.Device, specs []entity.Spec) BatchResult {
	if !d.DiscoveryMode.AcceptsDiscovery() {
		e.logger.Debug("discovery ignored", "device_id", d.DeviceID, "discovery_mode", d.DiscoveryMode)
		return BatchResult{}
	}

	var fresh []entity.Spec
	for _, spec := range specs {
		_, err := e.entities.GetByDeviceAndEntityID(ctx, d.ID, spec.EntityID)
		switch {
		case err == nil:
			continue
		case !errors.Is(err, entity.ErrNotFound):
			e.logger.Warn("discovery lookup failed", "device_id", d.DeviceID, "entity_id", spec.EntityID, "error", err)
			continue
		}
		fresh = append(fresh, spec)
	}
	if len(fresh) == 0 {
		return BatchResult{}
	}
	return e.addBatch(ctx, d, fresh, audit.SourceDiscovery)
}

// DeleteEntity removes an entity on a tenant's device. Locked entities
// are refused with entity.ErrLocked.
func (e *Engine) DeleteEntity(ctx context.Context, tenantID, id string) error {
	ent, err := e.EntityForTenant(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if _, err := e.entities.Delete(ctx, ent.ID); err != nil {
		return err
	}
	e.unbind(ctx, ent.MQTTTopic)
	e.record(ctx, tenantID, audit.ActionEntityDelete, "entity", ent.ID, audit.SourceAPI,
		map[string]any{"entity_id": ent.EntityID})
	return nil
}

// EntityForTenant loads an entity, reporting entity.ErrNotFound when its
// device belongs to another tenant.
func (e *Engine) EntityForTenant(ctx context.Context, tenantID, id string) (*entity.Entity, error) {
	ent, err := e.entities.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := e.devices.GetForTenant(ctx, tenantID, ent.DeviceID); err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			return nil, entity.ErrNotFound
		}
		return nil, err
	}
	return ent, nil
}

func (e *Engine) addBatch(ctx context.Context, d *device.Device, specs []entity.Spec, source string) BatchResult {
	prepared := make([]entity.Spec, len(specs))
	for i, spec := range specs {
		prepared[i] = e.prepare(d, spec, entity.DiscoveryAuto)
	}
	res := e.CreateMultiple(ctx, d.ID, prepared)
	e.bindAll(res.Topics())
	e.record(ctx, d.TenantID, audit.ActionEntityBulkCreate, "device", d.ID, source, batchDetails(res))
	return res
}

// prepare fills the device-derived fields of a spec.
func (e *Engine) prepare(d *device.Device, spec entity.Spec, mode entity.DiscoveryMode) entity.Spec {
	spec.DeviceID = d.ID
	if spec.DiscoveryMode == "" {
		spec.DiscoveryMode = mode
	}
	if spec.MQTTTopic == "" && spec.EntityID != "" {
		spec.MQTTTopic = e.topics.EntityState(d.TopicToken, spec.EntityID)
	}
	return spec
}

func (e *Engine) bindAll(topics []string) {
	for _, topic := range topics {
		if topic == "" {
			continue
		}
		if err := e.binder.Bind(topic); err != nil {
			e.logger.Warn("binding entity topic failed", "topic", topic, "error", err)
		}
	}
}

func (e *Engine) unbind(ctx context.Context, topic string) {
	if topic == "" {
		return
	}
	if err := e.binder.Unbind(ctx, topic); err != nil {
		e.logger.Warn("unbinding entity topic failed", "topic", topic, "error", err)
	}
}

// record writes an audit entry. Audit failures are logged, not returned.
func (e *Engine) record(ctx context.Context, tenantID, action, entityType, entityID, source string, details map[string]any) {
	err := e.audit.Create(ctx, &audit.Entry{
		TenantID:   tenantID,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Source:     source,
		Details:    details,
	})
	if err != nil {
		e.logger.Error("failed to write audit log", "action", action, "error", err)
	}
}

func batchDetails(b BatchResult) map[string]any {
	failed := b.Failed()
	ids := make([]string, 0, len(failed))
	for _, f := range failed {
		ids = append(ids, f.EntityID)
	}
	return map[string]any{
		"created": len(b.Items) - len(failed),
		"failed":  ids,
	}
}

// topicToken normalises identifier and rejects identifiers with nothing left.
func topicToken(identifier string) (string, error) {
	token := NormalizeIdentifier(identifier)
	if token == "" {
		if strings.TrimSpace(identifier) == "" {
			return "", fmt.Errorf("%w: %w: device_id", device.ErrInvalidDevice, entity.ErrMissingField)
		}
		return "", fmt.Errorf("%w: %w: device_id %q has no letters or digits", device.ErrInvalidDevice, entity.ErrInvalidValue, identifier)
	}
	return token, nil
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

type noopBinder struct{}

func (noopBinder) Bind(string) error                    { return nil }
func (noopBinder) Unbind(context.Context, string) error { return nil }
