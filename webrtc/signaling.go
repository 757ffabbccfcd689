package webrtc

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"gige-streamer/sink"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// SignalingServer handles WebSocket signaling for WebRTC
type SignalingServer struct {
	upgrader websocket.Upgrader
	logger   *zap.Logger

	// Connected clients
	clients map[string]*SignalingClient
	mu      sync.RWMutex

	// Message handlers
	onOffer      func(client *SignalingClient, offer webrtc.SessionDescription) error
	onAnswer     func(client *SignalingClient, answer webrtc.SessionDescription) error
	onICE        func(client *SignalingClient, candidate webrtc.ICECandidateInit) error
	onDisconnect func(client *SignalingClient)

	// Configuration
	allowedOrigins []string
	sendBufferSize int
	sendTimeout    time.Duration
	maxClients     int
}

// SignalingClient represents a connected WebSocket client
type SignalingClient struct {
	id     string
	conn   *websocket.Conn
	server *SignalingServer
	logger *zap.Logger

	// Send channel for outgoing messages
	send chan []byte
	done chan struct{}

	closed bool
	mu     sync.RWMutex

	connectedAt time.Time
	lastPing    time.Time
}

// SignalingMessage represents a WebRTC signaling message
type SignalingMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// NewSignalingServer creates a new signaling server. maxClients of zero
// accepts any number of clients.
func NewSignalingServer(allowedOrigins []string, sendBufferSize int, sendTimeout time.Duration, maxClients int, logger *zap.Logger) *SignalingServer {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	if sendBufferSize <= 0 {
		sendBufferSize = 1024
	}
	if sendTimeout <= 0 {
		sendTimeout = 5 * time.Second
	}

	s := &SignalingServer{
		logger:         logger,
		clients:        make(map[string]*SignalingClient),
		allowedOrigins: allowedOrigins,
		sendBufferSize: sendBufferSize,
		sendTimeout:    sendTimeout,
		maxClients:     maxClients,
	}

	s.upgrader = websocket.Upgrader{
		CheckOrigin:     sink.OriginChecker(allowedOrigins, logger),
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}

	return s
}

// SetHandlers sets the message handlers
func (s *SignalingServer) SetHandlers(
	onOffer func(client *SignalingClient, offer webrtc.SessionDescription) error,
	onAnswer func(client *SignalingClient, answer webrtc.SessionDescription) error,
	onICE func(client *SignalingClient, candidate webrtc.ICECandidateInit) error,
	onDisconnect func(client *SignalingClient),
) {
	s.onOffer = onOffer
	s.onAnswer = onAnswer
	s.onICE = onICE
	s.onDisconnect = onDisconnect
}

// HandleWebSocket handles WebSocket connections
func (s *SignalingServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.maxClients > 0 && s.GetClientCount() >= s.maxClients {
		s.logger.Warn("Rejecting signaling client, limit reached", zap.Int("max_clients", s.maxClients))
		http.Error(w, "too many clients", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}

	clientID := uuid.New().String()

	now := time.Now()
	client := &SignalingClient{
		id:          clientID,
		conn:        conn,
		server:      s,
		logger:      s.logger.With(zap.String("client_id", clientID)),
		send:        make(chan []byte, s.sendBufferSize),
		done:        make(chan struct{}),
		connectedAt: now,
		lastPing:    now,
	}

	s.mu.Lock()
	s.clients[clientID] = client
	s.mu.Unlock()

	client.logger.Info("Client connected",
		zap.String("remote_addr", r.RemoteAddr),
		zap.String("user_agent", r.Header.Get("User-Agent")))

	go client.writePump()
	go client.readPump()
}

// readPump handles incoming messages from the client
func (c *SignalingClient) readPump() {
	defer c.close()

	for {
		var msg SignalingMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket read error", zap.Error(err))
			}
			return
		}

		c.logger.Debug("Received message", zap.String("type", msg.Type))

		if err := c.handleMessage(msg); err != nil {
			c.logger.Error("Error handling message", zap.Error(err))
			c.sendError(fmt.Sprintf("Error handling message: %v", err))
		}
	}
}

// writePump handles outgoing messages to the client
func (c *SignalingClient) writePump() {
	defer c.conn.Close()

	for {
		select {
		case <-c.done:
			c.conn.WriteControl(websocket.CloseMessage, []byte{}, time.Now().Add(time.Second))
			return
		case message := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Error("WebSocket write error", zap.Error(err))
				return
			}
		}
	}
}

// handleMessage processes incoming signaling messages
func (c *SignalingClient) handleMessage(msg SignalingMessage) error {
	switch msg.Type {
	case "offer":
		var offer webrtc.SessionDescription
		if err := c.unmarshalData(msg.Data, &offer); err != nil {
			return fmt.Errorf("invalid offer format: %w", err)
		}
		if c.server.onOffer != nil {
			return c.server.onOffer(c, offer)
		}

	case "answer":
		var answer webrtc.SessionDescription
		if err := c.unmarshalData(msg.Data, &answer); err != nil {
			return fmt.Errorf("invalid answer format: %w", err)
		}
		if c.server.onAnswer != nil {
			return c.server.onAnswer(c, answer)
		}

	case "ice-candidate":
		var candidate webrtc.ICECandidateInit
		if err := c.unmarshalData(msg.Data, &candidate); err != nil {
			return fmt.Errorf("invalid ICE candidate format: %w", err)
		}
		if c.server.onICE != nil {
			return c.server.onICE(c, candidate)
		}

	case "ping":
		c.mu.Lock()
		c.lastPing = time.Now()
		c.mu.Unlock()
		return c.sendMessage("pong", nil)

	default:
		return fmt.Errorf("unknown message type: %s", msg.Type)
	}

	return nil
}

// unmarshalData converts the generic message payload into target
func (c *SignalingClient) unmarshalData(data interface{}, target interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(jsonData, target)
}

// SendAnswer sends a WebRTC answer to the client
func (c *SignalingClient) SendAnswer(answer webrtc.SessionDescription) error {
	return c.sendMessage("answer", answer)
}

// SendICECandidate sends an ICE candidate to the client
func (c *SignalingClient) SendICECandidate(candidate *webrtc.ICECandidate) error {
	if candidate == nil {
		return nil
	}
	return c.sendMessage("ice-candidate", candidate.ToJSON())
}

// sendMessage queues a message for the client. A client that does not drain
// its queue within the send timeout is disconnected.
func (c *SignalingClient) sendMessage(msgType string, data interface{}) error {
	jsonData, err := json.Marshal(SignalingMessage{Type: msgType, Data: data})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	timer := time.NewTimer(c.server.sendTimeout)
	defer timer.Stop()

	select {
	case c.send <- jsonData:
		return nil
	case <-c.done:
		return fmt.Errorf("client connection closed")
	case <-timer.C:
		c.logger.Error("Send timeout - client too slow, closing connection",
			zap.String("message_type", msgType))
		go c.close()
		return fmt.Errorf("send timeout - client too slow")
	}
}

// sendError sends an error message to the client
func (c *SignalingClient) sendError(errorMsg string) {
	c.sendMessage("error", map[string]string{"message": errorMsg})
}

// close closes the client connection and unregisters it
func (c *SignalingClient) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	c.server.mu.Lock()
	delete(c.server.clients, c.id)
	c.server.mu.Unlock()

	if c.server.onDisconnect != nil {
		c.server.onDisconnect(c)
	}

	c.logger.Info("Client disconnected")
}

// GetID returns the client ID
func (c *SignalingClient) GetID() string {
	return c.id
}

// IsClosed returns whether the client connection is closed
func (c *SignalingClient) IsClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// GetClientCount returns the number of connected clients
func (s *SignalingServer) GetClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// GetClients returns a list of connected client IDs
func (s *SignalingServer) GetClients() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clients := make([]string, 0, len(s.clients))
	for id := range s.clients {
		clients = append(clients, id)
	}
	return clients
}

// Close closes all client connections
func (s *SignalingServer) Close() {
	s.logger.Info("Closing signaling server")

	s.mu.RLock()
	clients := make([]*SignalingClient, 0, len(s.clients))
	for _, client := range s.clients {
		clients = append(clients, client)
	}
	s.mu.RUnlock()

	for _, client := range clients {
		client.close()
	}
}
