package sink

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const writeWait = 10 * time.Second

// OriginChecker returns a CheckOrigin function accepting the allowed origins.
// A "*" entry allows every origin; requests without an Origin header are
// accepted for non-browser clients.
func OriginChecker(allowedOrigins []string, logger *zap.Logger) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		for _, allowed := range allowedOrigins {
			if allowed == "*" {
				return true
			}
		}

		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}

		for _, allowed := range allowedOrigins {
			if origin == allowed {
				return true
			}
		}

		logger.Warn("Origin not allowed",
			zap.String("origin", origin),
			zap.Strings("allowed_origins", allowedOrigins))
		return false
	}
}

// WebSocketTransport streams encoded frames to websocket clients. Each client
// subscribes to one topic with ?topic=<name>.
type WebSocketTransport struct {
	hub       *Hub
	upgrader  websocket.Upgrader
	queueSize int
	logger    *zap.Logger

	mu      sync.RWMutex
	clients map[string]*frameClient
}

type frameClient struct {
	id      string
	topic   string
	conn    *websocket.Conn
	send    chan []byte
	logger  *zap.Logger
	sent    atomic.Uint64
	dropped atomic.Uint64
	once    sync.Once
	done    chan struct{}
}

// NewWebSocketTransport creates the transport and registers it with hub
func NewWebSocketTransport(hub *Hub, allowedOrigins []string, queueSize int, logger *zap.Logger) *WebSocketTransport {
	if queueSize <= 0 {
		queueSize = 2
	}

	t := &WebSocketTransport{
		hub:       hub,
		queueSize: queueSize,
		logger:    logger.With(zap.String("transport", "websocket")),
		clients:   make(map[string]*frameClient),
	}
	t.upgrader = websocket.Upgrader{
		CheckOrigin:     OriginChecker(allowedOrigins, t.logger),
		ReadBufferSize:  1024,
		WriteBufferSize: 64 * 1024,
	}

	hub.AddTransport(t)
	return t
}

// Name identifies the transport
func (t *WebSocketTransport) Name() string {
	return "websocket"
}

// ServeHTTP upgrades the request and subscribes the client to its topic
func (t *WebSocketTransport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	if !t.hub.HasTopic(topic) {
		http.Error(w, "unknown topic", http.StatusNotFound)
		return
	}

	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}

	id := uuid.New().String()
	client := &frameClient{
		id:     id,
		topic:  topic,
		conn:   conn,
		send:   make(chan []byte, t.queueSize),
		logger: t.logger.With(zap.String("client_id", id), zap.String("topic", topic)),
		done:   make(chan struct{}),
	}

	t.mu.Lock()
	t.clients[id] = client
	t.mu.Unlock()

	client.logger.Info("Frame subscriber connected", zap.String("remote_addr", r.RemoteAddr))
	t.hub.SubscribersChanged()

	go t.writePump(client)
	go t.readPump(client)
}

// readPump discards client messages and detects disconnects
func (t *WebSocketTransport) readPump(c *frameClient) {
	defer t.remove(c)

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("WebSocket read error", zap.Error(err))
			}
			return
		}
	}
}

// writePump writes queued frames to the client
func (t *WebSocketTransport) writePump(c *frameClient) {
	defer c.conn.Close()

	for {
		select {
		case <-c.done:
			c.conn.WriteControl(websocket.CloseMessage, []byte{}, time.Now().Add(time.Second))
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				c.logger.Warn("WebSocket write error", zap.Error(err))
				go t.remove(c)
				return
			}
			c.sent.Add(1)
		}
	}
}

func (t *WebSocketTransport) remove(c *frameClient) {
	c.once.Do(func() {
		close(c.done)

		t.mu.Lock()
		delete(t.clients, c.id)
		t.mu.Unlock()

		c.logger.Info("Frame subscriber disconnected",
			zap.Uint64("sent", c.sent.Load()),
			zap.Uint64("dropped", c.dropped.Load()))
		t.hub.SubscribersChanged()
	})
}

// Send queues msg for every client of topic, dropping it for clients that are behind
func (t *WebSocketTransport) Send(topic string, msg []byte) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, c := range t.clients {
		if c.topic != topic {
			continue
		}
		select {
		case c.send <- msg:
		default:
			if c.dropped.Add(1)%100 == 1 {
				c.logger.Debug("Client too slow, dropping frames", zap.Uint64("dropped", c.dropped.Load()))
			}
		}
	}
}

// Subscribers returns the clients subscribed to topic
func (t *WebSocketTransport) Subscribers(topic string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for _, c := range t.clients {
		if c.topic == topic {
			n++
		}
	}
	return n
}

// GetStats returns per-client delivery counters
func (t *WebSocketTransport) GetStats() map[string]interface{} {
	t.mu.RLock()
	defer t.mu.RUnlock()

	clients := make(map[string]interface{}, len(t.clients))
	for id, c := range t.clients {
		clients[id] = map[string]interface{}{
			"topic":   c.topic,
			"sent":    c.sent.Load(),
			"dropped": c.dropped.Load(),
		}
	}
	return map[string]interface{}{
		"client_count": len(t.clients),
		"clients":      clients,
	}
}

// Close disconnects every client
func (t *WebSocketTransport) Close() {
	t.mu.RLock()
	clients := make([]*frameClient, 0, len(t.clients))
	for _, c := range t.clients {
		clients = append(clients, c)
	}
	t.mu.RUnlock()

	for _, c := range clients {
		t.remove(c)
	}
	t.logger.Info("WebSocket transport closed")
}
