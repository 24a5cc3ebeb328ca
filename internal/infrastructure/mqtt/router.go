package mqtt

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Message is one inbound bus message.
type Message struct {
	Topic      string
	Payload    []byte
	ReceivedAt time.Time
}

// Handler processes a routed message. A returned error is logged by the
// router and never affects other handlers or later messages.
type Handler func(ctx context.Context, msg Message) error

// Transport is the broker connection a Router sits on. *Client implements it.
type Transport interface {
	SubscribeInbound(topic string, qos byte) error
	UnsubscribeInbound(topic string) error
	SetInboundHandler(fn func(topic string, payload []byte))
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// RouterOptions configures a Router.
type RouterOptions struct {
	// QoS is used for broker subscriptions and publishes.
	QoS byte

	// MaxInflight caps concurrently running dispatches. 0 means unbounded.
	MaxInflight int

	Logger Logger
}

// Router maps topic patterns to handlers and dispatches every inbound
// message to each handler whose pattern matches.
//
// Inbound messages are handed off to their own goroutine so a slow handler
// never stalls the transport's receive loop. Outbound publishes go through
// the same transport.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Router struct {
	transport Transport
	qos       byte
	logger    Logger

	mu     sync.RWMutex
	routes map[string]Handler
	order  []string

	inflight chan struct{}
	wg       sync.WaitGroup

	lifeMu  sync.RWMutex
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	stopped bool
}

// NewRouter creates a Router over transport. Call Start to begin receiving.
func NewRouter(transport Transport, opts RouterOptions) *Router {
	r := &Router{
		transport: transport,
		qos:       opts.QoS,
		logger:    opts.Logger,
		routes:    make(map[string]Handler),
	}
	if r.logger == nil {
		r.logger = noopLogger{}
	}
	if opts.MaxInflight > 0 {
		r.inflight = make(chan struct{}, opts.MaxInflight)
	}
	return r
}

// Start installs the router as the transport's inbound receiver.
//
// Dispatches run with a context derived from ctx that is not cancelled
// when ctx is; in-flight work is drained by Stop instead.
func (r *Router) Start(ctx context.Context) error {
	r.lifeMu.Lock()
	defer r.lifeMu.Unlock()

	if r.stopped {
		return ErrRouterStopped
	}
	if r.running {
		return nil
	}

	r.ctx, r.cancel = context.WithCancel(context.WithoutCancel(ctx))
	r.running = true
	r.transport.SetInboundHandler(r.Deliver)

	r.logger.Info("topic router started", "patterns", r.PatternCount())
	return nil
}

// Stop stops accepting inbound messages and waits for in-flight dispatches
// and async publishes to finish. If ctx expires first, their context is
// cancelled and ctx's error is returned.
func (r *Router) Stop(ctx context.Context) error {
	r.lifeMu.Lock()
	if !r.running {
		r.stopped = true
		r.lifeMu.Unlock()
		return nil
	}
	r.running = false
	r.stopped = true
	cancel := r.cancel
	r.lifeMu.Unlock()

	r.transport.SetInboundHandler(nil)

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		cancel()
		r.logger.Info("topic router stopped")
		return nil
	case <-ctx.Done():
		cancel()
		<-done
		return fmt.Errorf("stopping router: %w", ctx.Err())
	}
}

// Subscribe registers pattern -> handler, replacing any handler already
// registered for the same pattern. Patterns use "/"-delimited segments
// with "+" for one segment and a final "#" for the remainder.
//
// The route is kept even when the broker subscription fails; that error
// is returned and Resync retries it after a reconnect.
func (r *Router) Subscribe(pattern string, handler Handler) error {
	if err := ValidatePattern(pattern); err != nil {
		return err
	}
	if handler == nil {
		return fmt.Errorf("%w: handler cannot be nil", ErrSubscribeFailed)
	}

	r.mu.Lock()
	_, existed := r.routes[pattern]
	r.routes[pattern] = handler
	if !existed {
		r.order = append(r.order, pattern)
	}
	r.mu.Unlock()

	if existed {
		return nil
	}
	if err := r.transport.SubscribeInbound(pattern, r.qos); err != nil {
		r.logger.Warn("broker subscription failed", "pattern", pattern, "error", err)
		return fmt.Errorf("subscribing %q: %w", pattern, err)
	}
	return nil
}

// Unsubscribe removes the handler for pattern and drops the broker subscription.
func (r *Router) Unsubscribe(pattern string) error {
	r.mu.Lock()
	if _, ok := r.routes[pattern]; !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.routes, pattern)
	for i, p := range r.order {
		if p == pattern {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	if err := r.transport.UnsubscribeInbound(pattern); err != nil {
		return fmt.Errorf("unsubscribing %q: %w", pattern, err)
	}
	return nil
}

// Resync re-issues broker subscriptions for every registered pattern.
// Wire it to the client's on-connect callback.
func (r *Router) Resync() {
	for _, pattern := range r.Patterns() {
		if err := r.transport.SubscribeInbound(pattern, r.qos); err != nil {
			r.logger.Warn("broker resubscribe failed", "pattern", pattern, "error", err)
		}
	}
}

// Patterns returns the registered patterns in registration order.
func (r *Router) Patterns() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// PatternCount returns the number of registered patterns.
func (r *Router) PatternCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Deliver accepts one inbound message from the transport and dispatches it
// on a new goroutine. It never blocks on handlers.
func (r *Router) Deliver(topic string, payload []byte) {
	r.lifeMu.RLock()
	if !r.running {
		r.lifeMu.RUnlock()
		r.logger.Debug("router not running, dropping message", "topic", topic)
		return
	}
	ctx := r.ctx
	r.wg.Add(1)
	r.lifeMu.RUnlock()

	msg := Message{
		Topic:      topic,
		Payload:    bytes.Clone(payload),
		ReceivedAt: time.Now(),
	}

	go func() {
		defer r.wg.Done()

		if r.inflight != nil {
			select {
			case r.inflight <- struct{}{}:
				defer func() { <-r.inflight }()
			case <-ctx.Done():
				return
			}
		}

		r.Dispatch(ctx, msg)
	}()
}

// Dispatch synchronously invokes every handler whose pattern matches
// msg.Topic, in registration order. Handler errors and panics are logged
// and do not stop the remaining handlers. It returns the number of
// handlers invoked.
func (r *Router) Dispatch(ctx context.Context, msg Message) int {
	type route struct {
		pattern string
		handler Handler
	}

	r.mu.RLock()
	var matched []route
	for _, p := range r.order {
		if Match(p, msg.Topic) {
			matched = append(matched, route{pattern: p, handler: r.routes[p]})
		}
	}
	r.mu.RUnlock()

	if len(matched) == 0 {
		r.logger.Debug("no route for topic", "topic", msg.Topic)
		return 0
	}

	for _, rt := range matched {
		r.invoke(ctx, rt.pattern, rt.handler, msg)
	}
	return len(matched)
}

func (r *Router) invoke(ctx context.Context, pattern string, handler Handler, msg Message) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("route handler panic recovered",
				"pattern", pattern,
				"topic", msg.Topic,
				"panic", rec,
			)
		}
	}()

	if err := handler(ctx, msg); err != nil {
		r.logger.Warn("route handler returned error",
			"pattern", pattern,
			"topic", msg.Topic,
			"error", err,
		)
	}
}

// Publish hands payload to the transport and waits for the result.
// Failures are logged and returned.
func (r *Router) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := validatePublishTopic(topic); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}

	if err := r.transport.Publish(topic, payload, r.qos, false); err != nil {
		r.logger.Error("publish failed", "topic", topic, "error", err)
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	return nil
}

// PublishAsync publishes on a background goroutine and returns immediately.
// The outcome is logged on failure and passed to onDone when it is non-nil.
func (r *Router) PublishAsync(topic string, payload []byte, onDone func(error)) {
	r.lifeMu.RLock()
	if !r.running {
		r.lifeMu.RUnlock()
		r.logger.Error("publish rejected", "topic", topic, "error", ErrRouterStopped)
		if onDone != nil {
			onDone(ErrRouterStopped)
		}
		return
	}
	ctx := r.ctx
	r.wg.Add(1)
	r.lifeMu.RUnlock()

	data := bytes.Clone(payload)
	go func() {
		defer r.wg.Done()
		err := r.Publish(ctx, topic, data)
		if onDone != nil {
			onDone(err)
		}
	}()
}

// Match reports whether topic matches pattern.
//
// Both are split on "/". A pattern with more segments than the topic never
// matches. Segments are compared left to right: "#" matches the rest
// immediately, "+" matches any single segment, anything else must be
// identical. Without an early "#", the segment counts must be equal.
func Match(pattern, topic string) bool {
	p := strings.Split(pattern, "/")
	t := strings.Split(topic, "/")

	if len(p) > len(t) {
		return false
	}

	for i, seg := range p {
		switch seg {
		case "#":
			return true
		case "+":
			continue
		default:
			if seg != t[i] {
				return false
			}
		}
	}

	return len(p) == len(t)
}

// ValidatePattern checks that wildcards occupy whole segments and that
// "#" only appears last.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("%w: empty", ErrInvalidPattern)
	}

	segs := strings.Split(pattern, "/")
	for i, seg := range segs {
		switch {
		case seg == "#":
			if i != len(segs)-1 {
				return fmt.Errorf("%w: %q has '#' before the last segment", ErrInvalidPattern, pattern)
			}
		case seg == "+":
		case strings.ContainsAny(seg, "+#"):
			return fmt.Errorf("%w: %q mixes a wildcard into segment %q", ErrInvalidPattern, pattern, seg)
		}
	}
	return nil
}

func validatePublishTopic(topic string) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if strings.ContainsAny(topic, "+#") {
		return fmt.Errorf("%w: wildcards not allowed in %q", ErrInvalidTopic, topic)
	}
	return nil
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
