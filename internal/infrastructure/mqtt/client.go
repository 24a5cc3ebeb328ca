package mqtt

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/easysmart/iot-core/internal/infrastructure/config"
)

// Client is the process's single broker connection. It implements the
// Transport the Router runs on: every inbound message, whatever pattern
// matched it at the broker, reaches the one inbound handler.
//
// All methods are safe for concurrent use. Subscriptions are replayed to
// the broker after every reconnect.
type Client struct {
	paho pahomqtt.Client
	cfg  config.MQTTConfig

	mu           sync.RWMutex
	connected    bool
	onConnect    func()
	onDisconnect func(error)
	inbound      func(topic string, payload []byte)
	logger       Logger

	subMu sync.Mutex
	subs  map[string]byte // pattern -> QoS
}

var _ Transport = (*Client)(nil)

// Logger is satisfied by logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Connect dials the broker once and waits for the CONNACK. paho's own
// auto-reconnect takes over for connections dropped later.
func Connect(cfg config.MQTTConfig) (*Client, error) {
	c := newClient(cfg)

	tok := c.paho.Connect()
	if !tok.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	// The OnConnect callback fires asynchronously.
	c.setConnected(true)
	return c, nil
}

// ConnectWithRetry calls Connect until it succeeds, backing off
// exponentially from cfg.Reconnect.InitialDelay up to MaxDelay. It stops
// when ctx ends or after MaxAttempts tries (0 means no limit).
func ConnectWithRetry(ctx context.Context, cfg config.MQTTConfig, logger Logger) (*Client, error) {
	var b backoff.BackOff = newBackOff(cfg.Reconnect)
	if n := cfg.Reconnect.MaxAttempts; n > 0 {
		b = backoff.WithMaxRetries(b, uint64(n-1))
	}
	b = backoff.WithContext(b, ctx)

	attempts := 0
	c, err := backoff.RetryNotifyWithData(func() (*Client, error) {
		attempts++
		return Connect(cfg)
	}, b, func(err error, wait time.Duration) {
		if logger != nil {
			logger.Warn("mqtt connect failed, retrying", "attempt", attempts, "retry_in", wait.String(), "error", err)
		}
	})
	switch {
	case err == nil:
		return c, nil
	case ctx.Err() != nil:
		return nil, fmt.Errorf("mqtt connect: %w", ctx.Err())
	default:
		return nil, fmt.Errorf("giving up after %d attempts: %w", attempts, err)
	}
}

// newBackOff builds the reconnect schedule. Delays below one second are
// raised to one second, and the cap never sits below the first delay.
func newBackOff(cfg config.MQTTReconnectConfig) *backoff.ExponentialBackOff {
	initial := max(time.Duration(cfg.InitialDelay)*time.Second, time.Second)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max(time.Duration(cfg.MaxDelay)*time.Second, initial)
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func newClient(cfg config.MQTTConfig) *Client {
	c := &Client{cfg: cfg, subs: make(map[string]byte)}

	opts := buildClientOptions(cfg).
		SetOnConnectHandler(func(pahomqtt.Client) { c.handleConnect() }).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.handleConnectionLost(err) }).
		SetReconnectingHandler(func(pahomqtt.Client, *pahomqtt.ClientOptions) {
			if l := c.getLogger(); l != nil {
				l.Info("mqtt reconnecting")
			}
		}).
		// Subscriptions carry no callback, so every message lands here
		// exactly once however many patterns overlap.
		SetDefaultPublishHandler(func(_ pahomqtt.Client, msg pahomqtt.Message) { c.handleInbound(msg) })

	c.paho = pahomqtt.NewClient(opts)
	return c
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

func (c *Client) handleConnect() {
	c.setConnected(true)
	c.replaySubscriptions()

	payload := statusPayload(c.cfg.Broker.ClientID, "online", "", time.Now())
	c.paho.Publish(Topics{}.SystemStatus(), willQoS(c.cfg.QoS), true, payload)

	c.mu.RLock()
	fn := c.onConnect
	c.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

func (c *Client) handleConnectionLost(err error) {
	c.mu.Lock()
	c.connected = false
	fn := c.onDisconnect
	c.mu.Unlock()

	if fn != nil {
		fn(err)
	}
}

// handleInbound runs on paho's delivery goroutine. A panicking receiver
// must not take the connection down with it.
func (c *Client) handleInbound(msg pahomqtt.Message) {
	c.mu.RLock()
	fn := c.inbound
	c.mu.RUnlock()
	if fn == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			if l := c.getLogger(); l != nil {
				l.Error("mqtt inbound handler panic recovered", "topic", msg.Topic(), "panic", r)
			}
		}
	}()
	fn(msg.Topic(), msg.Payload())
}

func (c *Client) replaySubscriptions() {
	c.subMu.Lock()
	filters := make(map[string]byte, len(c.subs))
	for pattern, qos := range c.subs {
		filters[pattern] = qos
	}
	c.subMu.Unlock()

	if len(filters) == 0 {
		return
	}
	if err := await(c.paho.SubscribeMultiple(filters, nil), ErrSubscribeFailed); err != nil {
		if l := c.getLogger(); l != nil {
			l.Error("mqtt resubscribe failed", "patterns", len(filters), "error", err)
		}
	}
}

// Close publishes the graceful offline status and disconnects.
func (c *Client) Close() error {
	if c == nil || c.paho == nil {
		return nil
	}

	if c.IsConnected() {
		payload := statusPayload(c.cfg.Broker.ClientID, "offline", reasonShutdown, time.Now())
		c.paho.Publish(Topics{}.SystemStatus(), willQoS(c.cfg.QoS), true, payload).
			WaitTimeout(defaultPublishTimeout)
	}
	c.paho.Disconnect(defaultDisconnectQuiesce)
	c.setConnected(false)
	return nil
}

// HealthCheck reports whether the broker connection is up.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mqtt health check: %w", err)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// IsConnected returns the last known connection state.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected && c.paho != nil && c.paho.IsConnected()
}

// SetOnConnect sets a callback run after the initial connect and every
// reconnect, once subscriptions have been replayed.
func (c *Client) SetOnConnect(fn func()) {
	c.mu.Lock()
	c.onConnect = fn
	c.mu.Unlock()
}

// SetOnDisconnect sets a callback run when the connection drops.
func (c *Client) SetOnDisconnect(fn func(err error)) {
	c.mu.Lock()
	c.onDisconnect = fn
	c.mu.Unlock()
}

// SetInboundHandler sets the receiver of every inbound message.
func (c *Client) SetInboundHandler(fn func(topic string, payload []byte)) {
	c.mu.Lock()
	c.inbound = fn
	c.mu.Unlock()
}

// SetLogger sets the logger for reconnects and receiver panics.
func (c *Client) SetLogger(logger Logger) {
	c.mu.Lock()
	c.logger = logger
	c.mu.Unlock()
}

func (c *Client) getLogger() Logger {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.logger
}

// await waits for a paho token and wraps a failure in kind.
func await(tok pahomqtt.Token, kind error) error {
	if !tok.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", kind, defaultPublishTimeout)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("%w: %w", kind, err)
	}
	return nil
}
