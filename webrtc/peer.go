package webrtc

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// maxBufferedAmount is the queued byte count above which a data channel
// skips frames until the peer catches up
const maxBufferedAmount = 4 << 20

// PeerConnection manages a single WebRTC peer connection. The client opens
// one data channel per topic, labelled with the topic name.
type PeerConnection struct {
	id     string
	pc     *webrtc.PeerConnection
	logger *zap.Logger

	acceptTopic func(topic string) bool
	onChange    func()

	mu       sync.RWMutex
	channels map[string]*webrtc.DataChannel
	closed   bool

	framesSent    atomic.Uint64
	framesDropped atomic.Uint64
}

// NewPeerConnection creates a peer connection. acceptTopic decides which data
// channel labels are served; onChange runs when a channel opens or closes.
func NewPeerConnection(id string, config webrtc.Configuration, acceptTopic func(topic string) bool, onChange func(), logger *zap.Logger) (*PeerConnection, error) {
	pc, err := webrtc.NewPeerConnection(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	peer := &PeerConnection{
		id:          id,
		pc:          pc,
		logger:      logger.With(zap.String("peer_id", id)),
		acceptTopic: acceptTopic,
		onChange:    onChange,
		channels:    make(map[string]*webrtc.DataChannel),
	}
	peer.setupEventHandlers()

	peer.logger.Info("Peer connection created")
	return peer, nil
}

// setupEventHandlers configures WebRTC event handlers
func (p *PeerConnection) setupEventHandlers() {
	p.pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		p.logger.Info("ICE connection state changed", zap.String("state", state.String()))
	})

	p.pc.OnDataChannel(p.handleDataChannel)
}

// handleDataChannel registers a client channel under its topic
func (p *PeerConnection) handleDataChannel(dc *webrtc.DataChannel) {
	topic := dc.Label()
	if p.acceptTopic != nil && !p.acceptTopic(topic) {
		p.logger.Warn("Data channel for unknown topic, closing", zap.String("topic", topic))
		dc.Close()
		return
	}

	dc.OnOpen(func() {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return
		}
		if old, exists := p.channels[topic]; exists && old != dc {
			old.Close()
		}
		p.channels[topic] = dc
		p.mu.Unlock()

		p.logger.Info("Data channel opened", zap.String("topic", topic))
		p.changed()
	})

	dc.OnClose(func() {
		p.mu.Lock()
		removed := p.channels[topic] == dc
		if removed {
			delete(p.channels, topic)
		}
		p.mu.Unlock()

		if removed {
			p.logger.Info("Data channel closed", zap.String("topic", topic))
			p.changed()
		}
	})
}

func (p *PeerConnection) changed() {
	if p.onChange != nil {
		p.onChange()
	}
}

// SetRemoteDescription sets the remote description from the client
func (p *PeerConnection) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(sdp); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	return nil
}

// CreateAnswer creates a WebRTC answer and sets it as local description
func (p *PeerConnection) CreateAnswer() (*webrtc.SessionDescription, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}

	if err := p.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}

	p.logger.Info("WebRTC answer created")
	return &answer, nil
}

// AddICECandidate adds an ICE candidate
func (p *PeerConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	if err := p.pc.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("failed to add ICE candidate: %w", err)
	}
	return nil
}

// OnICECandidate sets the ICE candidate handler
func (p *PeerConnection) OnICECandidate(handler func(*webrtc.ICECandidate)) {
	p.pc.OnICECandidate(handler)
}

// OnConnectionStateChange sets the connection state handler
func (p *PeerConnection) OnConnectionStateChange(handler func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(handler)
}

// Subscribed reports whether the peer has an open channel for topic
func (p *PeerConnection) Subscribed(topic string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.channels[topic]
	return ok
}

// Topics returns the topics the peer has open channels for, sorted
func (p *PeerConnection) Topics() []string {
	p.mu.RLock()
	topics := make([]string, 0, len(p.channels))
	for topic := range p.channels {
		topics = append(topics, topic)
	}
	p.mu.RUnlock()

	sort.Strings(topics)
	return topics
}

// SendChunks writes the chunks of one frame to the channel of topic. The
// frame is skipped when the channel is congested.
func (p *PeerConnection) SendChunks(topic string, chunks [][]byte) {
	p.mu.RLock()
	dc := p.channels[topic]
	p.mu.RUnlock()

	if dc == nil {
		return
	}
	if dc.BufferedAmount() > maxBufferedAmount {
		p.framesDropped.Add(1)
		return
	}

	for _, chunk := range chunks {
		if err := dc.Send(chunk); err != nil {
			p.logger.Debug("Data channel send failed", zap.String("topic", topic), zap.Error(err))
			p.framesDropped.Add(1)
			return
		}
	}
	p.framesSent.Add(1)
}

// GetStats returns connection statistics
func (p *PeerConnection) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"id":                   p.id,
		"connection_state":     p.pc.ConnectionState().String(),
		"ice_connection_state": p.pc.ICEConnectionState().String(),
		"signaling_state":      p.pc.SignalingState().String(),
		"topics":               p.Topics(),
		"frames_sent":          p.framesSent.Load(),
		"frames_dropped":       p.framesDropped.Load(),
	}
}

// Close closes the peer connection and forgets its channels
func (p *PeerConnection) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	hadChannels := len(p.channels) > 0
	p.channels = make(map[string]*webrtc.DataChannel)
	p.mu.Unlock()

	if hadChannels {
		p.changed()
	}

	if err := p.pc.Close(); err != nil {
		p.logger.Error("Error closing peer connection", zap.Error(err))
		return err
	}

	p.logger.Info("Peer connection closed")
	return nil
}

// GetID returns the peer connection ID
func (p *PeerConnection) GetID() string {
	return p.id
}

// IsConnected returns whether the peer is currently connected
func (p *PeerConnection) IsConnected() bool {
	return p.pc.ConnectionState() == webrtc.PeerConnectionStateConnected
}
