package statesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/easysmart/iot-core/internal/device"
	"github.com/easysmart/iot-core/internal/entity"
	"github.com/easysmart/iot-core/internal/infrastructure/influxdb"
	"github.com/easysmart/iot-core/internal/infrastructure/mqtt"
	"github.com/easysmart/iot-core/internal/provisioning"
)

// WebSocket channels events are broadcast on.
const (
	ChannelEntityState     = "entity.state_changed"
	ChannelDeviceStatus    = "device.status_changed"
	ChannelEntityDiscovery = "entity.discovered"
)

// Event sources.
const (
	SourceMQTT = "mqtt"
	SourceAPI  = "api"
)

var (
	// ErrNoTopic is returned when commanding an entity that has no topic.
	ErrNoTopic = errors.New("statesync: entity has no topic")

	// ErrInvalidStatus is returned for an availability payload other than online/offline.
	ErrInvalidStatus = errors.New("statesync: invalid device status")
)

// Router is the part of *mqtt.Router the service drives.
type Router interface {
	Subscribe(pattern string, handler mqtt.Handler) error
	Unsubscribe(pattern string) error
	PublishAsync(topic string, payload []byte, onDone func(error))
}

// Broadcaster pushes events to a tenant's WebSocket clients.
type Broadcaster interface {
	Broadcast(tenantID, channel string, payload any)
}

// TelemetryWriter records entity values as time series.
type TelemetryWriter interface {
	WriteEntityState(s influxdb.EntitySample)
}

// Discoverer creates the entities a device announces.
type Discoverer interface {
	Discover(ctx context.Context, d *device.Device, specs []entity.Spec) provisioning.BatchResult
}

// Logger is the logging interface used by the service.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Deps are the collaborators of a Service. Hub, Telemetry and Discoverer
// are optional.
type Deps struct {
	Router     Router
	Entities   entity.Repository
	Devices    device.Repository
	Hub        Broadcaster
	Telemetry  TelemetryWriter
	Discoverer Discoverer
	Logger     Logger
}

// StateEvent is broadcast whenever an entity value changes.
type StateEvent struct {
	DeviceID   string       `json:"device_id"`
	EntityID   string       `json:"entity_id"`
	EntityType entity.Type  `json:"entity_type"`
	Value      entity.Value `json:"value"`
	Topic      string       `json:"mqtt_topic,omitempty"`
	Source     string       `json:"source"`
	At         time.Time    `json:"timestamp"`
}

// StatusEvent is broadcast when a device's connectivity changes.
type StatusEvent struct {
	DeviceID string        `json:"device_id"`
	Status   device.Status `json:"status"`
	At       time.Time     `json:"timestamp"`
}

// DiscoveryEvent is broadcast after a discovery announcement created entities.
type DiscoveryEvent struct {
	DeviceID string          `json:"device_id"`
	Entities []entity.Entity `json:"entities"`
}

// Service keeps the entity store and the message bus in step.
//
// Inbound: each entity topic is bound to a handler that decodes the
// payload, stores the value and marks the device online. Availability
// and discovery messages arrive on the wildcard patterns registered by
// Start. Outbound: API value writes are published to the entity's
// command topic.
//
// Thread Safety: all methods are safe for concurrent use.
type Service struct {
	router    Router
	entities  entity.Repository
	devices   device.Repository
	hub       Broadcaster
	telemetry TelemetryWriter
	logger    Logger
	topics    mqtt.Topics

	// bindMu serialises Bind, Unbind and Rebuild so a topic's claim
	// check and the router change it leads to happen as one step.
	bindMu sync.Mutex

	mu         sync.Mutex
	bound      map[string]struct{}
	discoverer Discoverer
}

// New creates a Service. Call Start to bind topics.
func New(d Deps) *Service {
	logger := d.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	return &Service{
		router:     d.Router,
		entities:   d.Entities,
		devices:    d.Devices,
		hub:        d.Hub,
		telemetry:  d.Telemetry,
		discoverer: d.Discoverer,
		logger:     logger,
		bound:      make(map[string]struct{}),
	}
}

// SetDiscoverer installs the component that handles discovery announcements.
func (s *Service) SetDiscoverer(d Discoverer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discoverer = d
}

// Start subscribes to availability and discovery traffic and binds every
// entity topic in the store.
func (s *Service) Start(ctx context.Context) error {
	if err := s.router.Subscribe(s.topics.AllDeviceStatus(), s.handleStatus); err != nil {
		return fmt.Errorf("subscribing to device status: %w", err)
	}
	if err := s.router.Subscribe(s.topics.AllDeviceDiscovery(), s.handleDiscovery); err != nil {
		return fmt.Errorf("subscribing to discovery: %w", err)
	}

	n, err := s.Rebuild(ctx)
	if err != nil {
		return err
	}
	s.logger.Info("state sync started", "entity_topics", n)
	return nil
}

// Rebuild makes the bound topics equal to the topics in the store and
// returns how many are bound. A topic claimed by more than one entity is
// bound once and resolves to the earliest entity. Stored topics that are
// not literal are skipped.
func (s *Service) Rebuild(ctx context.Context) (int, error) {
	s.bindMu.Lock()
	defer s.bindMu.Unlock()

	counts, err := s.entities.ListTopics(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing entity topics: %w", err)
	}

	want := make(map[string]struct{}, len(counts))
	for _, tc := range counts {
		want[tc.Topic] = struct{}{}
		if tc.Count > 1 {
			s.logger.Warn("topic claimed by several entities", "topic", tc.Topic, "entities", tc.Count)
		}
	}

	s.mu.Lock()
	var stale []string
	for topic := range s.bound {
		if _, ok := want[topic]; !ok {
			stale = append(stale, topic)
		}
	}
	s.mu.Unlock()

	for _, topic := range stale {
		if err := s.unsubscribe(topic); err != nil {
			s.logger.Warn("unbinding stale topic failed", "topic", topic, "error", err)
		}
	}
	for topic := range want {
		if err := s.bind(topic); err != nil {
			s.logger.Warn("binding entity topic failed", "topic", topic, "error", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bound), nil
}

// Bind routes topic to the entity state handler. Binding a topic twice
// is a no-op. Topics with wildcards or empty segments are refused with
// mqtt.ErrInvalidTopic: an entity owns exactly one topic.
func (s *Service) Bind(topic string) error {
	s.bindMu.Lock()
	defer s.bindMu.Unlock()
	return s.bind(topic)
}

// Unbind removes the route for topic unless another entity still claims it.
func (s *Service) Unbind(ctx context.Context, topic string) error {
	s.bindMu.Lock()
	defer s.bindMu.Unlock()

	_, err := s.entities.FindByTopic(ctx, topic)
	switch {
	case err == nil:
		return nil
	case !errors.Is(err, entity.ErrNotFound):
		return fmt.Errorf("checking topic %s: %w", topic, err)
	}
	return s.unsubscribe(topic)
}

// bind and unsubscribe expect bindMu to be held.
func (s *Service) bind(topic string) error {
	if !entity.IsLiteralTopic(topic) {
		return fmt.Errorf("%w: %q is not a literal topic", mqtt.ErrInvalidTopic, topic)
	}

	s.mu.Lock()
	_, ok := s.bound[topic]
	s.mu.Unlock()
	if ok {
		return nil
	}

	if err := s.router.Subscribe(topic, s.stateHandler(topic)); err != nil {
		return err
	}
	s.mu.Lock()
	s.bound[topic] = struct{}{}
	s.mu.Unlock()
	return nil
}

// BoundTopics returns the number of entity topics currently routed.
func (s *Service) BoundTopics() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bound)
}

func (s *Service) unsubscribe(topic string) error {
	s.mu.Lock()
	delete(s.bound, topic)
	s.mu.Unlock()
	return s.router.Unsubscribe(topic)
}

// stateHandler returns the handler for one bound entity topic.
func (s *Service) stateHandler(topic string) mqtt.Handler {
	return func(ctx context.Context, msg mqtt.Message) error {
		return s.handleState(ctx, topic, msg)
	}
}

func (s *Service) handleState(ctx context.Context, topic string, msg mqtt.Message) error {
	ent, err := s.entities.FindByTopic(ctx, topic)
	if err != nil {
		if errors.Is(err, entity.ErrNotFound) {
			s.logger.Debug("no entity for topic", "topic", topic)
			return nil
		}
		return err
	}

	raw := entity.DecodePayload(msg.Payload)
	if raw == nil {
		return fmt.Errorf("%w: empty payload on %s", entity.ErrInvalidValue, msg.Topic)
	}

	updated, err := s.entities.UpdateValue(ctx, ent.DeviceID, ent.EntityID, raw)
	if err != nil {
		return fmt.Errorf("updating %s/%s: %w", ent.DeviceID, ent.EntityID, err)
	}

	d, err := s.devices.GetByID(ctx, ent.DeviceID)
	if err != nil {
		return fmt.Errorf("loading device %s: %w", ent.DeviceID, err)
	}
	s.markOnline(ctx, d, msg.ReceivedAt)
	s.publishState(d, updated, SourceMQTT)

	s.logger.Debug("entity state updated", "topic", msg.Topic, "entity_id", updated.EntityID, "value", updated.Value.String())
	return nil
}

func (s *Service) handleStatus(ctx context.Context, msg mqtt.Message) error {
	d, ok, err := s.resolveDevice(ctx, msg.Topic)
	if err != nil || !ok {
		return err
	}

	raw, _ := entity.DecodePayload(msg.Payload).(string) //nolint:errcheck // non-strings fall through to the default case
	status := device.Status(strings.ToLower(strings.TrimSpace(raw)))
	if !status.IsValid() {
		return fmt.Errorf("%w: %q on %s", ErrInvalidStatus, msg.Payload, msg.Topic)
	}

	if err := s.devices.UpdateStatus(ctx, d.ID, status, at(msg)); err != nil {
		return fmt.Errorf("updating status of %s: %w", d.DeviceID, err)
	}
	if d.Status != status {
		s.broadcast(d.TenantID, ChannelDeviceStatus, StatusEvent{DeviceID: d.ID, Status: status, At: at(msg)})
	}
	s.logger.Debug("device status", "device_id", d.DeviceID, "status", status)
	return nil
}

// announcement is the body of a discovery message.
type announcement struct {
	Entities []entity.Spec `json:"entities"`
}

func (s *Service) handleDiscovery(ctx context.Context, msg mqtt.Message) error {
	d, ok, err := s.resolveDevice(ctx, msg.Topic)
	if err != nil || !ok {
		return err
	}

	var a announcement
	if err := json.Unmarshal(msg.Payload, &a); err != nil {
		return fmt.Errorf("%w: discovery payload on %s: %w", entity.ErrInvalidValue, msg.Topic, err)
	}
	for i := range a.Entities {
		a.Entities[i].DeviceID = d.ID
		a.Entities[i].DiscoveryMode = entity.DiscoveryAuto
		a.Entities[i].MQTTTopic = ""
	}

	s.mu.Lock()
	discoverer := s.discoverer
	s.mu.Unlock()
	if discoverer == nil {
		s.logger.Warn("discovery received but no discoverer is configured", "device_id", d.DeviceID)
		return nil
	}

	s.markOnline(ctx, d, at(msg))

	res := discoverer.Discover(ctx, d, a.Entities)
	created := res.Created()
	if len(created) > 0 {
		s.broadcast(d.TenantID, ChannelEntityDiscovery, DiscoveryEvent{DeviceID: d.ID, Entities: created})
		s.logger.Info("entities discovered", "device_id", d.DeviceID, "created", len(created), "failed", len(res.Failed()))
	}
	return nil
}

// resolveDevice finds the device addressed by a devices/{TOKEN}/... topic.
// Unknown and ambiguous tokens resolve to nothing.
func (s *Service) resolveDevice(ctx context.Context, topic string) (*device.Device, bool, error) {
	token, ok := mqtt.DeviceToken(topic)
	if !ok {
		return nil, false, nil
	}

	devices, err := s.devices.ListByTopicToken(ctx, token)
	if err != nil {
		return nil, false, err
	}
	switch len(devices) {
	case 0:
		s.logger.Debug("message for unknown device", "topic", topic)
		return nil, false, nil
	case 1:
		return &devices[0], true, nil
	default:
		s.logger.Warn("device token shared by several devices, ignoring message", "token", token, "devices", len(devices))
		return nil, false, nil
	}
}

// Command stores a value written through the API and publishes it to
// the entity's command topic. Readonly entities are refused with
// entity.ErrLocked. The caller has already checked tenant ownership.
//
// onDone, when non-nil, receives the asynchronous publish outcome.
func (s *Service) Command(ctx context.Context, ent *entity.Entity, raw any, onDone func(error)) (*entity.Entity, error) {
	if ent.Config.Readonly {
		return nil, fmt.Errorf("%w: %s is readonly", entity.ErrLocked, ent.EntityID)
	}

	updated, err := s.entities.UpdateValue(ctx, ent.DeviceID, ent.EntityID, raw)
	if err != nil {
		return nil, err
	}

	d, err := s.devices.GetByID(ctx, ent.DeviceID)
	if err != nil {
		return nil, err
	}
	s.publishState(d, updated, SourceAPI)

	if updated.MQTTTopic == "" {
		if onDone != nil {
			onDone(ErrNoTopic)
		}
		return updated, nil
	}

	topic := mqtt.CommandTopicFor(updated.MQTTTopic)
	s.router.PublishAsync(topic, entity.EncodePayload(updated.Value), func(err error) {
		if err != nil {
			s.logger.Warn("command publish failed", "topic", topic, "error", err)
		}
		if onDone != nil {
			onDone(err)
		}
	})
	return updated, nil
}

func (s *Service) markOnline(ctx context.Context, d *device.Device, seen time.Time) {
	if seen.IsZero() {
		seen = time.Now()
	}
	if err := s.devices.UpdateStatus(ctx, d.ID, device.StatusOnline, seen); err != nil {
		s.logger.Warn("marking device online failed", "device_id", d.DeviceID, "error", err)
		return
	}
	if d.Status != device.StatusOnline {
		d.Status = device.StatusOnline
		s.broadcast(d.TenantID, ChannelDeviceStatus, StatusEvent{DeviceID: d.ID, Status: device.StatusOnline, At: seen})
	}
}

// DeviceStatusChanged broadcasts a connectivity change made outside the
// bus, such as a presence sweep marking a silent device offline.
func (s *Service) DeviceStatusChanged(d *device.Device, at time.Time) {
	s.broadcast(d.TenantID, ChannelDeviceStatus, StatusEvent{DeviceID: d.ID, Status: d.Status, At: at})
}

func (s *Service) publishState(d *device.Device, ent *entity.Entity, source string) {
	when := time.Now()
	if ent.LastUpdated != nil {
		when = *ent.LastUpdated
	}

	if s.telemetry != nil {
		s.telemetry.WriteEntityState(influxdb.EntitySample{
			TenantID:   d.TenantID,
			DeviceID:   d.DeviceID,
			EntityID:   ent.EntityID,
			EntityType: string(ent.Type),
			Unit:       ent.Unit,
			Value:      ent.Value.Raw(),
			At:         when,
		})
	}

	s.broadcast(d.TenantID, ChannelEntityState, StateEvent{
		DeviceID:   d.ID,
		EntityID:   ent.EntityID,
		EntityType: ent.Type,
		Value:      ent.Value,
		Topic:      ent.MQTTTopic,
		Source:     source,
		At:         when,
	})
}

func (s *Service) broadcast(tenantID, channel string, payload any) {
	if s.hub != nil {
		s.hub.Broadcast(tenantID, channel, payload)
	}
}

func at(msg mqtt.Message) time.Time {
	if msg.ReceivedAt.IsZero() {
		return time.Now()
	}
	return msg.ReceivedAt
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
