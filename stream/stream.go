package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"gige-streamer/device"
	"gige-streamer/metrics"
	"gige-streamer/pixfmt"
	"gige-streamer/pool"

	"go.uber.org/zap"
)

// ErrAlreadyRunning is returned when starting a stream twice
var ErrAlreadyRunning = errors.New("stream already running")

// Options configure one hardware stream
type Options struct {
	// Index is the device channel the stream reads from
	Index int
	Name  string

	Buffers          int
	ClockSource      string
	WaitTimeout      time.Duration
	Retry            device.RetryPolicy
	ImagePoolWarnAt  int
	FrameLogInterval int
	Benchmark        bool

	Substreams []SubstreamConfig
}

// Stats is a snapshot of a stream and its substreams
type Stats struct {
	Name       string               `json:"name"`
	Running    bool                 `json:"running"`
	Channel    device.Statistics    `json:"channel"`
	Pool       pool.BufferPoolStats `json:"pool"`
	Routed     uint64               `json:"routed"`
	Failed     uint64               `json:"failed"`
	Idle       uint64               `json:"idle"`
	ChunkData  uint64               `json:"chunk_data"`
	Unknown    uint64               `json:"unknown"`
	Grown      uint64               `json:"grown"`
	Substreams []SubstreamStats     `json:"substreams"`
}

// Stream routes the buffers of one device channel to its substream workers.
//
// The router runs on a single event goroutine. Each filled buffer is wrapped
// into a reference-counted image, one reference is deposited into the mailbox
// of every substream that has a part in it, and the buffer returns to the
// hardware once all of them are released.
type Stream struct {
	opts    Options
	device  device.Device
	metrics *metrics.Metrics
	logger  *zap.Logger

	substreams []*Substream

	mu         sync.RWMutex
	channel    device.Channel
	buffers    *pool.BufferPool
	running    bool
	starting   bool
	closed     bool
	cancel     context.CancelFunc
	eventsDone chan struct{}
	workers    sync.WaitGroup

	routed     atomic.Uint64
	failed     atomic.Uint64
	idle       atomic.Uint64
	chunkData  atomic.Uint64
	unknown    atomic.Uint64
	grown      atomic.Uint64
	extraParts atomic.Bool
	chunkOnce  sync.Once
}

// New creates a stream for opts. Nothing touches the device until Start.
func New(opts Options, dev device.Device, registry *pixfmt.Registry, m *metrics.Metrics, logger *zap.Logger) (*Stream, error) {
	if len(opts.Substreams) == 0 {
		return nil, fmt.Errorf("stream %q has no substreams", opts.Name)
	}
	for _, sub := range opts.Substreams {
		if sub.Publisher == nil {
			return nil, fmt.Errorf("substream %q of stream %q has no publisher", sub.Name, opts.Name)
		}
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = time.Second
	}
	if opts.Buffers <= 0 {
		opts.Buffers = 10
	}
	if opts.ClockSource == "" {
		opts.ClockSource = ClockSystem
	}

	s := &Stream{
		opts:    opts,
		device:  dev,
		metrics: m,
		logger:  logger.With(zap.String("stream", opts.Name), zap.Int("channel", opts.Index)),
	}

	for i, cfg := range opts.Substreams {
		sub := newSubstream(i, cfg, opts, registry, m, s.logger)
		if sub.convert == nil {
			s.logger.Info("Pixel format will be published without conversion",
				zap.String("substream", cfg.Name),
				zap.String("pixel_format", cfg.conversionFormat()))
		}
		s.substreams = append(s.substreams, sub)
	}
	return s, nil
}

// Name returns the stream name
func (s *Stream) Name() string {
	return s.opts.Name
}

// Substreams returns the substream workers in part order
func (s *Stream) Substreams() []*Substream {
	return s.substreams
}

// HasSubscribers reports whether any substream has a downstream subscriber
func (s *Stream) HasSubscribers() bool {
	for _, sub := range s.substreams {
		if sub.cfg.Publisher.HasSubscribers() {
			return true
		}
	}
	return false
}

// IsRunning reports whether the stream is started
func (s *Stream) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Start opens the channel, allocates buffers and starts the workers and the
// event loop. Opening the channel is retried per the retry policy without
// holding the stream lock, so stats stay readable meanwhile. A stream that was
// stopped but not closed restarts on its open channel and buffers.
func (s *Stream) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running || s.starting {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.starting = true
	ch := s.channel
	s.mu.Unlock()

	opened := false
	if ch == nil {
		var err error
		ch, err = device.OpenChannelWithRetry(ctx, s.device, s.opts.Index, s.opts.Retry, s.logger)
		if err != nil {
			s.mu.Lock()
			s.starting = false
			s.mu.Unlock()
			return fmt.Errorf("failed to open channel for stream %s: %w", s.opts.Name, err)
		}
		opened = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.starting = false

	payload := s.device.PayloadSize(s.opts.Index)
	if opened {
		s.channel = ch
		s.buffers = pool.NewBufferPool(ch, payload, s.opts.Buffers, s.logger)
		s.metrics.PoolSize.WithLabelValues(s.opts.Name).Set(float64(s.buffers.Size()))
	}

	for _, sub := range s.substreams {
		if opened && s.closed {
			sub.images.Store(pool.NewImagePool(s.opts.ImagePoolWarnAt, sub.logger))
		}
		sub.mailbox.rearm()
		s.workers.Add(1)
		go sub.run(&s.workers)
	}
	s.closed = false

	eventCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.eventsDone = make(chan struct{})
	go s.eventLoop(eventCtx, ch, s.eventsDone)

	ch.SetEmitSignals(true)
	s.running = true

	s.logger.Info("Stream started",
		zap.Int("payload_size", payload),
		zap.Int("buffers", s.buffers.Size()),
		zap.Int("substreams", len(s.substreams)),
		zap.Bool("channel_opened", opened),
		zap.String("clock", s.opts.ClockSource))
	return nil
}

// eventLoop runs the router for every buffer notification
func (s *Stream) eventLoop(ctx context.Context, ch device.Channel, done chan struct{}) {
	defer close(done)

	events := ch.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-events:
			if !ok {
				return
			}
			s.onBufferReady()
		}
	}
}

// onBufferReady drains the filled buffers of the channel. The pool grows by
// one buffer whenever the hardware has no empty buffer left to fill.
func (s *Stream) onBufferReady() {
	for {
		buf := s.channel.TryPopBuffer()

		if s.channel.AvailableCount() == 0 {
			total := s.buffers.Allocate(1)
			s.grown.Add(1)
			s.metrics.PoolGrowth.WithLabelValues(s.opts.Name).Inc()
			s.metrics.PoolSize.WithLabelValues(s.opts.Name).Set(float64(total))
			s.logger.Debug("Hardware ran out of buffers, growing pool", zap.Int("buffers", total))
		}

		if buf == nil {
			return
		}
		s.route(buf)
	}
}

// route hands one popped buffer to the delegate or back to the hardware
func (s *Stream) route(buf *device.Buffer) {
	if buf.Status != device.StatusSuccess {
		s.failed.Add(1)
		s.metrics.BuffersRejected.WithLabelValues(s.opts.Name, "failed").Inc()
		s.logger.Warn("Buffer not filled successfully, returning it",
			zap.Stringer("status", buf.Status),
			zap.Uint64("frame_id", buf.FrameID))
		s.channel.PushBuffer(buf)
		return
	}

	if !s.HasSubscribers() {
		s.idle.Add(1)
		s.metrics.BuffersRejected.WithLabelValues(s.opts.Name, "idle").Inc()
		s.channel.PushBuffer(buf)
		return
	}

	s.delegate(buf)
}

// delegate distributes a successful buffer according to its payload type
func (s *Stream) delegate(buf *device.Buffer) {
	switch buf.Payload {
	case device.PayloadImage:
		s.fanOut(buf, 1)

	case device.PayloadMultipart:
		parts := buf.PartCount()
		if parts > len(s.substreams) {
			if s.extraParts.CompareAndSwap(false, true) {
				s.logger.Warn("Buffer has more parts than substreams, ignoring the extra parts",
					zap.Int("parts", parts),
					zap.Int("substreams", len(s.substreams)))
			}
			parts = len(s.substreams)
		}
		if parts == 0 {
			s.unknown.Add(1)
			s.metrics.BuffersRejected.WithLabelValues(s.opts.Name, "empty").Inc()
			s.logger.Warn("Multipart buffer has no parts, returning it", zap.Uint64("frame_id", buf.FrameID))
			s.channel.PushBuffer(buf)
			return
		}
		s.fanOut(buf, parts)

	case device.PayloadChunkData:
		s.chunkData.Add(1)
		s.metrics.BuffersRejected.WithLabelValues(s.opts.Name, "chunk_data").Inc()
		s.chunkOnce.Do(func() {
			s.logger.Warn("Chunk data payloads are not implemented, returning buffers")
		})
		s.channel.PushBuffer(buf)

	default:
		s.unknown.Add(1)
		s.metrics.BuffersRejected.WithLabelValues(s.opts.Name, "unknown").Inc()
		s.logger.Error("Unknown payload type, returning buffer",
			zap.Stringer("payload", buf.Payload),
			zap.Uint64("frame_id", buf.FrameID))
		s.channel.PushBuffer(buf)
	}
}

// fanOut deposits one reference per part and drops the router's own reference
func (s *Stream) fanOut(buf *device.Buffer, parts int) {
	img := s.buffers.Wrap(buf)
	s.routed.Add(1)

	for i := 0; i < parts; i++ {
		sub := s.substreams[i]
		if seq, dropped := sub.mailbox.Deposit(buf, img.Retain()); dropped {
			s.metrics.FramesDropped.WithLabelValues(s.opts.Name, sub.cfg.Name).Inc()
			sub.logger.Warn("Worker busy, dropping frame",
				zap.Uint64("dropped_seq", seq),
				zap.Uint64("seq", buf.FrameID))
		}
	}

	img.Release()
}

// Stop disables buffer signals, stops the event loop and joins the workers.
// Deliveries still in a mailbox are released without being published. The
// channel stays open for a later Start until Close.
func (s *Stream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.running = false

	s.channel.SetEmitSignals(false)
	s.cancel()
	<-s.eventsDone

	for _, sub := range s.substreams {
		sub.mailbox.Stop()
	}
	s.workers.Wait()

	stats := s.channel.Statistics()
	s.logger.Info("Stream stopped",
		zap.Uint64("completed", stats.Completed),
		zap.Uint64("failures", stats.Failures),
		zap.Uint64("underruns", stats.Underruns),
		zap.Uint64("resent_packets", stats.ResentPackets),
		zap.Uint64("missing_packets", stats.MissingPackets),
		zap.Uint64("routed", s.routed.Load()))
}

// Close stops the stream and releases the pools and the channel
func (s *Stream) Close() error {
	s.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.channel == nil {
		return nil
	}

	s.buffers.Close()
	for _, sub := range s.substreams {
		sub.images.Load().Close()
	}

	err := s.channel.Close()
	s.channel = nil
	s.closed = true
	if err != nil {
		return fmt.Errorf("failed to close channel for stream %s: %w", s.opts.Name, err)
	}
	return nil
}

// Stats returns a snapshot of the stream counters
func (s *Stream) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{
		Name:      s.opts.Name,
		Running:   s.running,
		Routed:    s.routed.Load(),
		Failed:    s.failed.Load(),
		Idle:      s.idle.Load(),
		ChunkData: s.chunkData.Load(),
		Unknown:   s.unknown.Load(),
		Grown:     s.grown.Load(),
	}
	if s.channel != nil {
		stats.Channel = s.channel.Statistics()
	}
	if s.buffers != nil {
		stats.Pool = s.buffers.Stats()
	}
	for _, sub := range s.substreams {
		stats.Substreams = append(stats.Substreams, sub.Stats())
	}
	return stats
}

// GetStats returns the stream statistics as a map
func (s *Stream) GetStats() map[string]interface{} {
	stats := s.Stats()
	return map[string]interface{}{
		"name":       stats.Name,
		"running":    stats.Running,
		"channel":    stats.Channel,
		"pool":       stats.Pool,
		"routed":     stats.Routed,
		"failed":     stats.Failed,
		"idle":       stats.Idle,
		"chunk_data": stats.ChunkData,
		"unknown":    stats.Unknown,
		"grown":      stats.Grown,
		"substreams": stats.Substreams,
	}
}
