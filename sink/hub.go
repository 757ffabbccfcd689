package sink

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"gige-streamer/calibration"
	"gige-streamer/metrics"
	"gige-streamer/pool"

	"go.uber.org/zap"
)

// Publisher hands the finished images of one topic to downstream consumers
type Publisher interface {
	// Publish delivers img. The publisher does not keep img after returning.
	Publish(img *pool.Image, info *calibration.CameraInfo) error
	// HasSubscribers reports whether anyone would receive a published image
	HasSubscribers() bool
}

// Transport delivers encoded frames to remote subscribers
type Transport interface {
	Name() string
	// Send queues msg for every subscriber of topic without blocking
	Send(topic string, msg []byte)
	Subscribers(topic string) int
}

// Hub owns the topics of the application and fans frames out to transports
// and in-process subscriptions.
type Hub struct {
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu         sync.RWMutex
	transports []Transport
	topics     map[string]*topicPublisher
	local      map[string]map[*Subscription]struct{}
	listeners  []func()
}

// NewHub creates an empty hub
func NewHub(m *metrics.Metrics, logger *zap.Logger) *Hub {
	return &Hub{
		logger:  logger,
		metrics: m,
		topics:  make(map[string]*topicPublisher),
		local:   make(map[string]map[*Subscription]struct{}),
	}
}

// AddTransport registers a remote transport
func (h *Hub) AddTransport(t Transport) {
	h.mu.Lock()
	h.transports = append(h.transports, t)
	h.mu.Unlock()

	h.logger.Info("Transport registered", zap.String("transport", t.Name()))
}

// Publisher returns the publisher for topic, creating the topic on first use
func (h *Hub) Publisher(topic string) Publisher {
	h.mu.Lock()
	defer h.mu.Unlock()

	if p, ok := h.topics[topic]; ok {
		return p
	}
	p := &topicPublisher{topic: topic, hub: h}
	h.topics[topic] = p
	return p
}

// HasTopic reports whether a publisher exists for topic
func (h *Hub) HasTopic(topic string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.topics[topic]
	return ok
}

// Topics returns the topic names, sorted
func (h *Hub) Topics() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	topics := make([]string, 0, len(h.topics))
	for topic := range h.topics {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

// OnSubscribersChanged registers fn to run whenever a subscriber comes or goes
func (h *Hub) OnSubscribersChanged(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = append(h.listeners, fn)
}

// SubscribersChanged is called by transports when their subscriber set changes
func (h *Hub) SubscribersChanged() {
	h.mu.RLock()
	listeners := append([]func(){}, h.listeners...)
	h.mu.RUnlock()

	for _, topic := range h.Topics() {
		h.metrics.Subscribers.WithLabelValues(topic).Set(float64(h.SubscriberCount(topic)))
	}
	for _, fn := range listeners {
		fn()
	}
}

// SubscriberCount returns the subscribers of topic across all transports
func (h *Hub) SubscriberCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := len(h.local[topic])
	for _, t := range h.transports {
		n += t.Subscribers(topic)
	}
	return n
}

// AnySubscribers reports whether any topic has a subscriber
func (h *Hub) AnySubscribers() bool {
	for _, topic := range h.Topics() {
		if h.SubscriberCount(topic) > 0 {
			return true
		}
	}
	return false
}

// Subscription receives the frames of one topic in-process
type Subscription struct {
	C <-chan *Frame

	topic   string
	ch      chan *Frame
	hub     *Hub
	dropped atomic.Uint64
	once    sync.Once
}

// Subscribe opens an in-process subscription. Frames are dropped when the
// subscriber falls more than queue frames behind.
func (h *Hub) Subscribe(topic string, queue int) (*Subscription, error) {
	if !h.HasTopic(topic) {
		return nil, fmt.Errorf("unknown topic %q", topic)
	}
	if queue <= 0 {
		queue = 1
	}

	ch := make(chan *Frame, queue)
	s := &Subscription{C: ch, topic: topic, ch: ch, hub: h}

	h.mu.Lock()
	if h.local[topic] == nil {
		h.local[topic] = make(map[*Subscription]struct{})
	}
	h.local[topic][s] = struct{}{}
	h.mu.Unlock()

	h.SubscribersChanged()
	return s, nil
}

// Dropped returns the frames this subscription missed because it was full
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close ends the subscription and closes C
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.local[s.topic], s)
		close(s.ch)
		s.hub.mu.Unlock()

		s.hub.SubscribersChanged()
	})
}

type topicPublisher struct {
	topic string
	hub   *Hub
}

func (p *topicPublisher) HasSubscribers() bool {
	return p.hub.SubscriberCount(p.topic) > 0
}

func (p *topicPublisher) Publish(img *pool.Image, info *calibration.CameraInfo) error {
	h := p.hub
	frame := NewFrame(p.topic, img, info)

	h.mu.RLock()
	defer h.mu.RUnlock()

	for s := range h.local[p.topic] {
		select {
		case s.ch <- frame:
		default:
			s.dropped.Add(1)
		}
	}

	var msg []byte
	for _, t := range h.transports {
		if t.Subscribers(p.topic) == 0 {
			continue
		}
		if msg == nil {
			var err error
			if msg, err = frame.MarshalBinary(); err != nil {
				return fmt.Errorf("failed to encode frame: %w", err)
			}
		}
		t.Send(p.topic, msg)
	}
	return nil
}
