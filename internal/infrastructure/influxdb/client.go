package influxdb

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/easysmart/iot-core/internal/infrastructure/config"
)

const (
	connectTimeout = 10 * time.Second
	pingTimeout    = 5 * time.Second

	defaultBatchSize     = 100
	defaultFlushInterval = 10 * time.Second
)

// pointWriter is the part of the batching write API the client uses.
type pointWriter interface {
	WritePoint(p *write.Point)
	Flush()
	Errors() <-chan error
}

// pinger checks server health.
type pinger interface {
	Ping(ctx context.Context) (bool, error)
	Close()
}

// Stats counts samples since Connect.
type Stats struct {
	Queued  uint64 `json:"queued"`
	Dropped uint64 `json:"dropped"`
	Failed  uint64 `json:"failed"`
}

// Client records entity state history in InfluxDB.
//
// Writes are non-blocking and batched by the underlying write API. Failures
// surface through SetOnError and the Failed counter. All methods are safe
// for concurrent use.
type Client struct {
	server pinger
	writer pointWriter

	closed atomic.Bool

	queued  atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64

	mu      sync.RWMutex
	onError func(err error)
}

// Connect pings the server and prepares a batching write API for
// cfg.Org/cfg.Bucket. It returns ErrDisabled when history is switched off.
func Connect(cfg config.InfluxDBConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	batch := uint(defaultBatchSize)
	if cfg.BatchSize > 0 {
		batch = uint(cfg.BatchSize)
	}
	flush := defaultFlushInterval
	if cfg.FlushInterval > 0 {
		flush = time.Duration(cfg.FlushInterval) * time.Second
	}

	server := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(batch).
			SetFlushInterval(uint(flush.Milliseconds())), //nolint:gosec // positive by construction
	)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	healthy, err := server.Ping(ctx)
	if err != nil {
		server.Close()
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		server.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	return newClient(server, server.WriteAPI(cfg.Org, cfg.Bucket)), nil
}

func newClient(server pinger, writer pointWriter) *Client {
	c := &Client{server: server, writer: writer}
	go c.drainErrors(writer.Errors())
	return c
}

func (c *Client) drainErrors(errs <-chan error) {
	for err := range errs {
		c.failed.Add(1)

		c.mu.RLock()
		callback := c.onError
		c.mu.RUnlock()
		if callback != nil {
			callback(err)
		}
	}
}

// WriteEntityState queues an entity sample for the next batch. Samples
// written after Close, or carrying no writable value, are counted as
// dropped.
func (c *Client) WriteEntityState(s EntitySample) {
	if c.closed.Load() {
		c.dropped.Add(1)
		return
	}

	point := EntityPoint(s)
	if point == nil {
		c.dropped.Add(1)
		return
	}
	c.writer.WritePoint(point)
	c.queued.Add(1)
}

// Stats returns the sample counters.
func (c *Client) Stats() Stats {
	return Stats{
		Queued:  c.queued.Load(),
		Dropped: c.dropped.Load(),
		Failed:  c.failed.Load(),
	}
}

// Flush blocks until buffered points are written. It is a no-op after Close.
func (c *Client) Flush() {
	if c.closed.Load() {
		return
	}
	c.writer.Flush()
}

// Close flushes pending points and releases the connection.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.writer.Flush()
	c.server.Close()
	return nil
}

// HealthCheck pings the server.
func (c *Client) HealthCheck(ctx context.Context) error {
	if c.closed.Load() {
		return ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	healthy, err := c.server.Ping(ctx)
	if err != nil {
		return fmt.Errorf("influxdb health check: %w", err)
	}
	if !healthy {
		return fmt.Errorf("influxdb health check: server not healthy")
	}
	return nil
}

// IsConnected reports whether the client is still open. Use HealthCheck
// for an active probe.
func (c *Client) IsConnected() bool {
	return !c.closed.Load()
}

// SetOnError installs the callback for asynchronous write failures.
func (c *Client) SetOnError(callback func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = callback
}
