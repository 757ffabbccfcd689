package camera

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gige-streamer/calibration"
	"gige-streamer/config"
	"gige-streamer/device"
	"gige-streamer/metrics"
	"gige-streamer/pixfmt"
	"gige-streamer/sink"
	"gige-streamer/stream"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Manager owns the camera device and its streams. Acquisition runs only
// while some topic has a subscriber.
type Manager struct {
	config  *config.Config
	logger  *zap.Logger
	device  device.Device
	hub     *sink.Hub
	metrics *metrics.Metrics

	streams      []*stream.Stream
	calibrations []*calibration.Manager
	byTopic      map[string]*calibration.Manager

	mu            sync.Mutex
	running       bool
	acquiring     bool
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	onControlLost func()
}

// NewManager builds one stream per configured stream. Every substream
// publishes to its topic on hub.
func NewManager(cfg *config.Config, dev device.Device, hub *sink.Hub, m *metrics.Metrics, logger *zap.Logger) (*Manager, error) {
	if len(cfg.Streams) > dev.ChannelCount() {
		return nil, fmt.Errorf("%d streams configured but the device has %d channels",
			len(cfg.Streams), dev.ChannelCount())
	}

	mgr := &Manager{
		config:  cfg,
		logger:  logger,
		device:  dev,
		hub:     hub,
		metrics: m,
		byTopic: make(map[string]*calibration.Manager),
	}

	registry := pixfmt.DefaultRegistry()
	for i, sc := range cfg.Streams {
		if limit := cfg.Limits.MaxPayloadSizeMB << 20; limit > 0 && dev.PayloadSize(i) > limit {
			return nil, fmt.Errorf("stream %s payload of %d bytes exceeds the %d MB limit",
				sc.Name, dev.PayloadSize(i), cfg.Limits.MaxPayloadSizeMB)
		}

		opts := stream.Options{
			Index:       i,
			Name:        sc.Name,
			Buffers:     sc.Buffers,
			ClockSource: cfg.Pipeline.ClockSource,
			WaitTimeout: time.Duration(cfg.Pipeline.WaitTimeoutMS) * time.Millisecond,
			Retry: device.RetryPolicy{
				Delay:      time.Duration(cfg.Pipeline.OpenRetryDelayMS) * time.Millisecond,
				MaxRetries: cfg.Pipeline.OpenMaxRetries,
			},
			ImagePoolWarnAt:  cfg.Pipeline.ImagePoolWarnAt,
			FrameLogInterval: cfg.Logging.FrameLogInterval,
			Benchmark:        cfg.Pipeline.Benchmark,
		}

		for _, sub := range sc.Substreams {
			opts.Substreams = append(opts.Substreams, mgr.substreamConfig(sc, sub))
		}

		st, err := stream.New(opts, dev, registry, m, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create stream %s: %w", sc.Name, err)
		}
		mgr.streams = append(mgr.streams, st)
	}

	hub.OnSubscribersChanged(mgr.updateAcquisition)
	return mgr, nil
}

// substreamConfig resolves pixel formats, calibration and topic of one substream
func (m *Manager) substreamConfig(sc config.StreamConfig, sub config.SubstreamConfig) stream.SubstreamConfig {
	topic := sc.Topic(sub)
	logger := m.logger.With(zap.String("stream", sc.Name), zap.String("substream", sub.Name))

	bpp, ok := pixfmt.BitsPerPixel(sub.PixelFormat)
	if !ok {
		logger.Warn("Unknown pixel format, image step will be zero", zap.String("pixel_format", sub.PixelFormat))
	}

	if sub.PixelFormatInternal != "" && sub.PixelFormatInternal != sub.PixelFormat {
		logger.Warn("Overriding the pixel format used for conversion",
			zap.String("pixel_format", sub.PixelFormat),
			zap.String("pixel_format_internal", sub.PixelFormatInternal))
	}

	cal := calibration.NewManager(m.config.Device.Name, sub.CameraInfoURL, logger)
	m.calibrations = append(m.calibrations, cal)
	m.byTopic[topic] = cal

	return stream.SubstreamConfig{
		Name:           sub.Name,
		Topic:          topic,
		FrameID:        sub.FrameID,
		PixelFormat:    sub.PixelFormat,
		InternalFormat: sub.PixelFormatInternal,
		BitsPerPixel:   bpp,
		ROI: stream.ROI{
			X:         sub.ROI.X,
			Y:         sub.ROI.Y,
			Width:     sub.ROI.Width,
			Height:    sub.ROI.Height,
			WidthMin:  sub.ROI.WidthMin,
			WidthMax:  sub.ROI.WidthMax,
			HeightMin: sub.ROI.HeightMin,
			HeightMax: sub.ROI.HeightMax,
		},
		Publisher:   m.hub.Publisher(topic),
		Calibration: cal,
	}
}

// SetControlLostHandler registers fn to run when the device stops answering.
// fn runs on a manager goroutine and must not call Stop or Close itself.
func (m *Manager) SetControlLostHandler(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onControlLost = fn
}

// Start starts every stream and the background loops. Acquisition follows
// the subscribers of the hub from then on.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("camera manager already running")
	}
	m.mu.Unlock()

	for i, st := range m.streams {
		if err := st.Start(ctx); err != nil {
			for _, started := range m.streams[:i] {
				started.Stop()
			}
			return fmt.Errorf("failed to start stream %s: %w", st.Name(), err)
		}
	}

	loopCtx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	m.running = true
	m.cancel = cancel
	m.mu.Unlock()

	for _, cal := range m.calibrations {
		cal := cal
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if err := cal.Watch(loopCtx); err != nil {
				m.logger.Warn("Calibration hot reload disabled", zap.String("path", cal.Path()), zap.Error(err))
			}
		}()
	}

	m.wg.Add(1)
	go m.watchControl(loopCtx)

	if rate := m.config.Trigger.SoftwareRate; rate > 0 {
		m.wg.Add(1)
		go m.triggerLoop(loopCtx, rate)
	}

	if interval := m.config.Logging.StatsLogInterval; interval > 0 {
		m.wg.Add(1)
		go m.statsLoop(loopCtx, time.Duration(interval)*time.Second)
	}

	m.updateAcquisition()

	m.logger.Info("Camera manager started", zap.Int("streams", len(m.streams)))
	return nil
}

// updateAcquisition starts acquisition when a subscriber exists and stops it
// when the last one leaves
func (m *Manager) updateAcquisition() {
	want := m.HasSubscribers()

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running || want == m.acquiring {
		return
	}

	command := device.CommandAcquisitionStop
	if want {
		command = device.CommandAcquisitionStart
	}
	if err := m.device.ExecuteCommand(command); err != nil {
		m.logger.Error("Failed to change acquisition", zap.String("command", command), zap.Error(err))
		return
	}
	m.acquiring = want

	if want {
		m.logger.Info("Subscribers connected, acquisition started")
	} else {
		m.logger.Info("No subscribers left, acquisition stopped")
	}
}

// HasSubscribers reports whether any stream has a downstream subscriber
func (m *Manager) HasSubscribers() bool {
	for _, st := range m.streams {
		if st.HasSubscribers() {
			return true
		}
	}
	return false
}

// IsAcquiring reports whether the device is acquiring
func (m *Manager) IsAcquiring() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquiring
}

// watchControl runs the control lost handler when the device disappears
func (m *Manager) watchControl(ctx context.Context) {
	defer m.wg.Done()

	select {
	case <-ctx.Done():
		return
	case <-m.device.ControlLost():
	}

	m.logger.Error("Control of the camera lost, shutting down")

	m.mu.Lock()
	fn := m.onControlLost
	m.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// statsLoop logs the channel counters of every stream periodically
func (m *Manager) statsLoop(ctx context.Context, interval time.Duration) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, st := range m.streams {
				stats := st.Stats()
				m.logger.Info("Stream statistics",
					zap.String("stream", stats.Name),
					zap.Uint64("completed", stats.Channel.Completed),
					zap.Uint64("failures", stats.Channel.Failures),
					zap.Uint64("underruns", stats.Channel.Underruns),
					zap.Uint64("resent_packets", stats.Channel.ResentPackets),
					zap.Uint64("missing_packets", stats.Channel.MissingPackets),
					zap.Uint64("routed", stats.Routed),
					zap.Int("buffers", stats.Pool.Allocated))
			}
		}
	}
}

// Stop stops the background loops and the streams, then stops acquisition
func (m *Manager) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	cancel := m.cancel
	m.mu.Unlock()

	cancel()
	m.wg.Wait()

	for _, st := range m.streams {
		st.Stop()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var err error
	if m.acquiring {
		if stopErr := m.device.ExecuteCommand(device.CommandAcquisitionStop); stopErr != nil {
			err = fmt.Errorf("failed to stop acquisition: %w", stopErr)
		}
		m.acquiring = false
	}

	m.logger.Info("Camera manager stopped")
	return err
}

// Close stops everything and releases the streams and the device
func (m *Manager) Close() error {
	m.logger.Info("Shutting down camera manager")

	err := m.Stop()
	for _, st := range m.streams {
		err = multierr.Append(err, st.Close())
	}
	if closeErr := m.device.Close(); closeErr != nil {
		err = multierr.Append(err, fmt.Errorf("failed to close device: %w", closeErr))
	}

	m.logger.Info("Camera manager shutdown complete")
	return err
}

// Calibration returns the calibration of the substream publishing topic
func (m *Manager) Calibration(topic string) (*calibration.Manager, bool) {
	cal, ok := m.byTopic[topic]
	return cal, ok
}

// Streams returns the managed streams
func (m *Manager) Streams() []*stream.Stream {
	return m.streams
}

// GetStatus returns status information for the device and its streams
func (m *Manager) GetStatus() map[string]interface{} {
	m.mu.Lock()
	running, acquiring := m.running, m.acquiring
	m.mu.Unlock()

	streams := make(map[string]interface{}, len(m.streams))
	for _, st := range m.streams {
		var topics []string
		for _, sub := range st.Substreams() {
			topics = append(topics, sub.Stats().Topic)
		}
		streams[st.Name()] = map[string]interface{}{
			"running": st.IsRunning(),
			"topics":  topics,
		}
	}

	return map[string]interface{}{
		"device": map[string]interface{}{
			"kind":   m.config.Device.Kind,
			"name":   m.config.Device.Name,
			"serial": m.config.Device.Serial,
		},
		"running":   running,
		"acquiring": acquiring,
		"trigger":   m.config.Trigger.SoftwareRate,
		"streams":   streams,
	}
}

// GetStats returns the statistics of every stream
func (m *Manager) GetStats() map[string]interface{} {
	streams := make(map[string]interface{}, len(m.streams))
	for _, st := range m.streams {
		streams[st.Name()] = st.Stats()
	}
	return map[string]interface{}{
		"acquiring": m.IsAcquiring(),
		"streams":   streams,
	}
}
