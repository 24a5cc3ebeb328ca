package api

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/easysmart/iot-core/internal/infrastructure/config"
	"github.com/easysmart/iot-core/internal/infrastructure/logging"
)

// Hub fans registry events out to WebSocket clients. Every client belongs
// to one tenant and only receives that tenant's events on channels it
// subscribed to.
type Hub struct {
	cfg    config.WebSocketConfig
	logger *logging.Logger

	mu      sync.RWMutex
	clients map[*WSClient]struct{}

	// dropped counts events skipped because a client's buffer was full.
	dropped atomic.Uint64
}

// NewHub creates a hub. Call Run to tie its lifetime to a context.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*WSClient]struct{}),
	}
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// Register adds a client to the hub.
func (h *Hub) Register(client *WSClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug("websocket client connected",
		"tenant_id", client.tenantID,
		"subject", client.subject,
		"role", client.role,
		"clients", n,
	)
}

// Unregister removes a client and closes its send queue. It is safe to
// call more than once.
func (h *Hub) Unregister(client *WSClient) {
	h.mu.Lock()
	delete(h.clients, client)
	n := len(h.clients)
	h.mu.Unlock()

	client.closeSend()
	h.logger.Debug("websocket client disconnected", "tenant_id", client.tenantID, "clients", n)
}

// Broadcast sends an event to the tenant's clients subscribed to channel.
// Slow clients whose queue is full miss the event.
func (h *Hub) Broadcast(tenantID, channel string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      WSTypeEvent,
		EventType: channel,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		h.logger.Error("marshalling websocket event", "channel", channel, "error", err)
		return
	}

	var sent, skipped int
	for _, client := range h.tenantClients(tenantID) {
		if !client.isSubscribed(channel) {
			continue
		}
		if client.deliver(data) {
			sent++
		} else {
			skipped++
		}
	}

	if skipped > 0 {
		h.dropped.Add(uint64(skipped)) //nolint:gosec // non-negative count
		h.logger.Warn("websocket event dropped for slow clients",
			"tenant_id", tenantID,
			"channel", channel,
			"clients", skipped,
		)
	}
	if sent > 0 {
		h.logger.Debug("websocket event sent", "tenant_id", tenantID, "channel", channel, "recipients", sent)
	}
}

// tenantClients snapshots the tenant's clients so delivery runs without
// the hub lock.
func (h *Hub) tenantClients(tenantID string) []*WSClient {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]*WSClient, 0, len(h.clients))
	for c := range h.clients {
		if c.tenantID == tenantID {
			out = append(out, c)
		}
	}
	return out
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many events were skipped for slow clients.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*WSClient]struct{})
	h.mu.Unlock()

	for c := range clients {
		c.closeSend()
		if c.conn != nil {
			c.conn.Close()
		}
	}
}
