package webrtc

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"gige-streamer/config"
	"gige-streamer/sink"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Server streams encoded frames to browsers over WebRTC data channels. It
// registers itself as a transport of the hub; each peer subscribes to a topic
// by opening a data channel labelled with it.
type Server struct {
	port   int
	config *config.Config
	hub    *sink.Hub
	logger *zap.Logger

	webrtcConfig webrtc.Configuration
	signaling    *SignalingServer
	chunkSize    int

	peers map[string]*PeerConnection
	mu    sync.RWMutex

	httpServer *http.Server
	seq        atomic.Uint32
	chunkErrs  atomic.Uint64
}

// NewServer creates the WebRTC server and adds it to hub
func NewServer(cfg *config.Config, hub *sink.Hub, logger *zap.Logger) (*Server, error) {
	if cfg.WebRTC.ChunkSize <= sink.ChunkHeaderSize {
		return nil, fmt.Errorf("webrtc chunk size %d must exceed the %d byte chunk header",
			cfg.WebRTC.ChunkSize, sink.ChunkHeaderSize)
	}

	iceServers := []webrtc.ICEServer{}
	if len(cfg.WebRTC.STUNServers) > 0 {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs: cfg.WebRTC.STUNServers,
		})
	}
	if len(cfg.WebRTC.TURNServers) > 0 {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       cfg.WebRTC.TURNServers,
			Username:   cfg.WebRTC.TURNUsername,
			Credential: cfg.WebRTC.TURNCredential,
		})
	}

	server := &Server{
		port:         cfg.WebRTC.Port,
		config:       cfg,
		hub:          hub,
		logger:       logger.With(zap.String("transport", "webrtc"), zap.Int("port", cfg.WebRTC.Port)),
		webrtcConfig: webrtc.Configuration{ICEServers: iceServers},
		chunkSize:    cfg.WebRTC.ChunkSize,
		peers:        make(map[string]*PeerConnection),
	}

	server.signaling = NewSignalingServer(
		cfg.Server.AllowedOrigins,
		cfg.Buffers.WebSocketSendBuffer,
		time.Duration(cfg.Timeouts.SendTimeoutMS)*time.Millisecond,
		cfg.WebRTC.MaxClients,
		server.logger,
	)
	server.signaling.SetHandlers(
		server.handleOffer,
		server.handleAnswer,
		server.handleICECandidate,
		server.handleDisconnect,
	)

	hub.AddTransport(server)

	server.logger.Info("WebRTC server created",
		zap.Int("stun_servers", len(cfg.WebRTC.STUNServers)),
		zap.Int("turn_servers", len(cfg.WebRTC.TURNServers)),
		zap.Int("chunk_size", cfg.WebRTC.ChunkSize),
		zap.Strings("allowed_origins", cfg.Server.AllowedOrigins))

	return server, nil
}

// Name identifies the transport
func (s *Server) Name() string {
	return "webrtc"
}

// handleOffer answers a client offer with a new peer connection
func (s *Server) handleOffer(client *SignalingClient, offer webrtc.SessionDescription) error {
	id := client.GetID()
	s.logger.Info("Received offer from client", zap.String("client_id", id))

	// A renegotiating client replaces its previous connection
	s.removePeer(id)

	peer, err := NewPeerConnection(id, s.webrtcConfig, s.hub.HasTopic, s.hub.SubscribersChanged, s.logger)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.peers[id] = peer
	s.mu.Unlock()

	peer.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		if err := client.SendICECandidate(candidate); err != nil {
			s.logger.Error("Failed to send ICE candidate", zap.String("client_id", id), zap.Error(err))
		}
	})

	peer.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.logger.Info("Peer connection state changed",
			zap.String("client_id", id),
			zap.String("state", state.String()))

		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			// The callback runs on a pion goroutine which Close waits for
			go s.removePeerIf(id, peer)
		}
	})

	if err := peer.SetRemoteDescription(offer); err != nil {
		s.removePeer(id)
		return err
	}

	answer, err := peer.CreateAnswer()
	if err != nil {
		s.removePeer(id)
		return err
	}

	if err := client.SendAnswer(*answer); err != nil {
		s.removePeer(id)
		return fmt.Errorf("failed to send answer: %w", err)
	}

	s.logger.Info("WebRTC answer sent", zap.String("client_id", id))
	return nil
}

// handleAnswer applies an answer to an existing peer connection
func (s *Server) handleAnswer(client *SignalingClient, answer webrtc.SessionDescription) error {
	peer, exists := s.peer(client.GetID())
	if !exists {
		return fmt.Errorf("no peer connection found for client %s", client.GetID())
	}
	return peer.SetRemoteDescription(answer)
}

// handleICECandidate handles incoming ICE candidates
func (s *Server) handleICECandidate(client *SignalingClient, candidate webrtc.ICECandidateInit) error {
	peer, exists := s.peer(client.GetID())
	if !exists {
		return fmt.Errorf("no peer connection found for client %s", client.GetID())
	}
	return peer.AddICECandidate(candidate)
}

// handleDisconnect drops the peer of a client whose signaling socket closed
func (s *Server) handleDisconnect(client *SignalingClient) {
	s.removePeer(client.GetID())
}

func (s *Server) peer(id string) (*PeerConnection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	peer, ok := s.peers[id]
	return peer, ok
}

// removePeer removes and closes a peer connection
func (s *Server) removePeer(id string) {
	s.mu.Lock()
	peer, exists := s.peers[id]
	delete(s.peers, id)
	s.mu.Unlock()

	if exists {
		peer.Close()
		s.logger.Info("Peer removed", zap.String("client_id", id))
	}
}

// removePeerIf removes the peer registered under id only if it is still peer
func (s *Server) removePeerIf(id string, peer *PeerConnection) {
	s.mu.Lock()
	current, exists := s.peers[id]
	if !exists || current != peer {
		s.mu.Unlock()
		return
	}
	delete(s.peers, id)
	s.mu.Unlock()

	peer.Close()
	s.logger.Info("Peer removed", zap.String("client_id", id))
}

// Send splits msg into data channel messages and writes them to every peer
// subscribed to topic
func (s *Server) Send(topic string, msg []byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var chunks [][]byte
	for _, peer := range s.peers {
		if !peer.Subscribed(topic) {
			continue
		}
		if chunks == nil {
			var err error
			chunks, err = sink.SplitFrame(msg, s.seq.Add(1), s.chunkSize)
			if err != nil {
				s.chunkErrs.Add(1)
				s.logger.Warn("Frame not sent over WebRTC", zap.String("topic", topic), zap.Int("size", len(msg)), zap.Error(err))
				return
			}
		}
		peer.SendChunks(topic, chunks)
	}
}

// Subscribers returns the number of peers with an open channel for topic
func (s *Server) Subscribers(topic string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, peer := range s.peers {
		if peer.Subscribed(topic) {
			n++
		}
	}
	return n
}

// Handler returns the signaling endpoint and a short description on /
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.signaling.HandleWebSocket)
	mux.HandleFunc("/", s.handleRoot)
	return mux
}

// Start starts the signaling HTTP server
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.config.Server.BindIP, s.port),
		Handler: s.Handler(),
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	s.logger.Info("WebRTC server started", zap.String("addr", s.httpServer.Addr))
	return nil
}

// handleRoot provides basic information about the WebRTC server
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintf(w, "WebRTC frame server\nPort: %d\nWebSocket: ws://localhost:%d/ws\nTopics: %v\n",
		s.port, s.port, s.hub.Topics())
}

// Stop shuts the HTTP server down and closes every peer
func (s *Server) Stop() error {
	s.logger.Info("Stopping WebRTC server")

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(s.config.Timeouts.HTTPShutdownTimeout)*time.Second)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Error("Error shutting down HTTP server", zap.Error(err))
		}
	}

	s.signaling.Close()

	s.mu.Lock()
	peers := s.peers
	s.peers = make(map[string]*PeerConnection)
	s.mu.Unlock()

	for _, peer := range peers {
		peer.Close()
	}

	s.logger.Info("WebRTC server stopped")
	return nil
}

// GetStats returns server statistics
func (s *Server) GetStats() map[string]interface{} {
	s.mu.RLock()
	peerStats := make(map[string]interface{}, len(s.peers))
	for id, peer := range s.peers {
		peerStats[id] = peer.GetStats()
	}
	peerCount := len(s.peers)
	s.mu.RUnlock()

	return map[string]interface{}{
		"port":         s.port,
		"peer_count":   peerCount,
		"client_count": s.signaling.GetClientCount(),
		"chunk_size":   s.chunkSize,
		"chunk_errors": s.chunkErrs.Load(),
		"peers":        peerStats,
	}
}

// GetPeerCount returns the number of peer connections
func (s *Server) GetPeerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

// GetPort returns the server port
func (s *Server) GetPort() int {
	return s.port
}
