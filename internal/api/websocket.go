package api

import (
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/easysmart/iot-core/internal/auth"
	"github.com/easysmart/iot-core/internal/infrastructure/config"
	"github.com/easysmart/iot-core/internal/statesync"
)

// WebSocket message types.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"

	wsSendBufferSize = 256
)

// wsChannels are the event channels a client may subscribe to.
var wsChannels = []string{
	statesync.ChannelEntityState,
	statesync.ChannelDeviceStatus,
	statesync.ChannelEntityDiscovery,
}

// WSMessage is the envelope of every WebSocket frame.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// wsRequest is an inbound frame; the payload is decoded per type.
type wsRequest struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// WSSubscribePayload is the payload of subscribe and unsubscribe frames.
type WSSubscribePayload struct {
	Channels []string `json:"channels"`
}

// WSClient is one connected WebSocket session.
type WSClient struct {
	hub  *Hub
	conn *websocket.Conn

	mu            sync.RWMutex
	send          chan []byte
	closed        bool
	subscriptions map[string]struct{}

	tenantID string
	subject  string
	role     auth.Role
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are enforced by the CORS middleware.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleWebSocket upgrades the connection for an authenticated caller.
// Browsers authenticate with a ticket query parameter (from POST
// /auth/ws-ticket); other clients may send a bearer token instead.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.wsIdentity(r)
	if !ok {
		writeUnauthorized(w, "valid ticket or bearer token is required")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "tenant_id", claims.TenantID, "error", err)
		return
	}

	client := &WSClient{
		hub:           s.hub,
		conn:          conn,
		send:          make(chan []byte, wsSendBufferSize),
		subscriptions: make(map[string]struct{}),
		tenantID:      claims.TenantID,
		subject:       claims.Subject,
		role:          claims.Role,
	}
	s.hub.Register(client)

	t := newWSTimings(s.wsCfg)
	go client.writePump(t)
	go client.readPump(t, int64(s.wsCfg.MaxMessageSize))
}

// wsIdentity resolves the caller of a WebSocket upgrade.
func (s *Server) wsIdentity(r *http.Request) (auth.TenantClaims, bool) {
	if ticket := r.URL.Query().Get("ticket"); ticket != "" {
		return s.tickets.redeem(ticket, time.Now())
	}
	token, ok := bearerToken(r)
	if !ok {
		return auth.TenantClaims{}, false
	}
	claims, err := auth.ParseToken(token, s.secCfg.JWT.Secret)
	if err != nil {
		return auth.TenantClaims{}, false
	}
	return *claims, true
}

// wsTimings are the keepalive intervals of a connection.
type wsTimings struct {
	ping      time.Duration
	writeWait time.Duration
	// readWait is how long a silent connection survives.
	readWait time.Duration
}

func newWSTimings(cfg config.WebSocketConfig) wsTimings {
	ping := time.Duration(cfg.PingInterval) * time.Second
	pong := time.Duration(cfg.PongTimeout) * time.Second
	return wsTimings{ping: ping, writeWait: pong, readWait: ping + pong}
}

func (c *WSClient) readPump(t wsTimings, limit int64) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	extend := func() error { return c.conn.SetReadDeadline(time.Now().Add(t.readWait)) }

	c.conn.SetReadLimit(limit)
	//nolint:errcheck // a failed deadline surfaces as a read error
	extend()
	c.conn.SetPongHandler(func(string) error { return extend() })

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "tenant_id", c.tenantID, "error", err)
			}
			return
		}
		// Application frames count as liveness for browsers that never
		// answer protocol pings.
		//nolint:errcheck // a failed deadline surfaces as a read error
		extend()
		c.handleMessage(data)
	}
}

func (c *WSClient) writePump(t wsTimings) {
	ticker := time.NewTicker(t.ping)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	write := func(kind int, data []byte) error {
		//nolint:errcheck // a failed deadline surfaces as a write error
		c.conn.SetWriteDeadline(time.Now().Add(t.writeWait))
		return c.conn.WriteMessage(kind, data)
	}

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				//nolint:errcheck // the connection is closing anyway
				write(websocket.CloseMessage, nil)
				return
			}
			if err := write(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) handleMessage(data []byte) {
	var req wsRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.replyError("", "invalid JSON message")
		return
	}

	switch req.Type {
	case WSTypeSubscribe:
		c.updateSubscriptions(req, true)
	case WSTypeUnsubscribe:
		c.updateSubscriptions(req, false)
	case WSTypePing:
		c.reply(req.ID, WSTypePong, nil)
	default:
		c.replyError(req.ID, "unknown message type: "+req.Type)
	}
}

// updateSubscriptions adds or removes channels. Subscribing to an unknown
// channel fails the whole request.
func (c *WSClient) updateSubscriptions(req wsRequest, subscribe bool) {
	var p WSSubscribePayload
	if len(req.Payload) == 0 || json.Unmarshal(req.Payload, &p) != nil || len(p.Channels) == 0 {
		c.replyError(req.ID, "payload must list channels")
		return
	}
	if subscribe {
		for _, ch := range p.Channels {
			if !slices.Contains(wsChannels, ch) {
				c.replyError(req.ID, "unknown channel: "+ch)
				return
			}
		}
	}

	c.mu.Lock()
	for _, ch := range p.Channels {
		if subscribe {
			c.subscriptions[ch] = struct{}{}
		} else {
			delete(c.subscriptions, ch)
		}
	}
	c.mu.Unlock()

	key := "unsubscribed"
	if subscribe {
		key = "subscribed"
		c.hub.logger.Debug("websocket client subscribed", "tenant_id", c.tenantID, "channels", p.Channels)
	}
	c.reply(req.ID, WSTypeResponse, map[string]any{key: p.Channels})
}

// deliver queues data without blocking. It reports false when the queue is
// full or already closed.
func (c *WSClient) deliver(data []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// closeSend closes the send queue once; writePump then says goodbye.
func (c *WSClient) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *WSClient) isSubscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.subscriptions[channel]
	return ok
}

func (c *WSClient) reply(id, msgType string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		return
	}
	c.deliver(data)
}

func (c *WSClient) replyError(id, message string) {
	c.reply(id, WSTypeError, map[string]string{"message": message})
}
