package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const simulatedEventQueue = 64

// SimulatedPart describes one component image produced by the simulated camera
type SimulatedPart struct {
	Region       Region
	PixelFormat  string
	BitsPerPixel int
}

// Size returns the byte length of the part at the given region
func (p SimulatedPart) Size(r Region) int {
	return r.Width * r.Height * p.BitsPerPixel / 8
}

// SimulatedChannelConfig describes what one simulated channel produces
type SimulatedChannelConfig struct {
	Payload PayloadType
	Parts   []SimulatedPart
}

// SimulatedOptions configures the simulated camera
type SimulatedOptions struct {
	FPS            int // 0 produces frames only on TriggerSoftware
	FailEvery      int // every n-th frame completes with missing packets
	ROIChangeAfter int // after n frames every part region is halved
	Channels       []SimulatedChannelConfig
}

// Simulated is a software camera implementing Device
type Simulated struct {
	opts   SimulatedOptions
	logger *zap.Logger
	start  time.Time

	mu        sync.Mutex
	channels  []*simulatedChannel
	acquiring bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	failOpens int
	closed    bool

	controlLost chan struct{}
	lostOnce    sync.Once
}

// NewSimulated creates a simulated camera
func NewSimulated(opts SimulatedOptions, logger *zap.Logger) *Simulated {
	return &Simulated{
		opts:        opts,
		logger:      logger.With(zap.String("device", "simulated")),
		start:       time.Now(),
		channels:    make([]*simulatedChannel, len(opts.Channels)),
		controlLost: make(chan struct{}),
	}
}

// FailOpens makes the next n OpenChannel calls fail
func (s *Simulated) FailOpens(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failOpens = n
}

// ChannelCount returns the number of configured channels
func (s *Simulated) ChannelCount() int {
	return len(s.opts.Channels)
}

// OpenChannel opens channel index
func (s *Simulated) OpenChannel(index int) (Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("device closed")
	}
	if index < 0 || index >= len(s.opts.Channels) {
		return nil, fmt.Errorf("channel %d does not exist", index)
	}
	if s.failOpens > 0 {
		s.failOpens--
		return nil, fmt.Errorf("channel %d busy", index)
	}
	if s.channels[index] != nil && !s.channels[index].isClosed() {
		return nil, fmt.Errorf("channel %d already open", index)
	}

	ch := &simulatedChannel{
		index:  index,
		cfg:    s.opts.Channels[index],
		events: make(chan BufferEvent, simulatedEventQueue),
	}
	s.channels[index] = ch

	s.logger.Info("Channel opened", zap.Int("channel", index), zap.Int("payload_size", s.PayloadSize(index)))
	return ch, nil
}

// PayloadSize returns the size of a full-resolution buffer on channel index
func (s *Simulated) PayloadSize(index int) int {
	if index < 0 || index >= len(s.opts.Channels) {
		return 0
	}
	size := 0
	for _, p := range s.opts.Channels[index].Parts {
		size += p.Size(p.Region)
	}
	return size
}

// ExecuteCommand runs a device command
func (s *Simulated) ExecuteCommand(name string) error {
	switch name {
	case CommandAcquisitionStart:
		return s.startAcquisition()
	case CommandAcquisitionStop:
		s.stopAcquisition()
		return nil
	case CommandTriggerSoftware:
		s.mu.Lock()
		acquiring := s.acquiring
		channels := append([]*simulatedChannel(nil), s.channels...)
		s.mu.Unlock()

		if !acquiring {
			return fmt.Errorf("trigger while acquisition stopped")
		}
		for _, ch := range channels {
			if ch != nil {
				ch.produce(s.opts, s.start)
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}
}

func (s *Simulated) startAcquisition() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("device closed")
	}
	if s.acquiring {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.acquiring = true

	if s.opts.FPS > 0 {
		for _, ch := range s.channels {
			if ch == nil {
				continue
			}
			s.wg.Add(1)
			go s.generateLoop(ctx, ch)
		}
	}

	s.logger.Info("Acquisition started", zap.Int("fps", s.opts.FPS))
	return nil
}

func (s *Simulated) stopAcquisition() {
	s.mu.Lock()
	if !s.acquiring {
		s.mu.Unlock()
		return
	}
	s.acquiring = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("Acquisition stopped")
}

// generateLoop produces frames at the configured rate
func (s *Simulated) generateLoop(ctx context.Context, ch *simulatedChannel) {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Second / time.Duration(s.opts.FPS))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ch.produce(s.opts, s.start)
		}
	}
}

// IsAcquiring reports whether acquisition is running
func (s *Simulated) IsAcquiring() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acquiring
}

// ControlLost is closed by LoseControl
func (s *Simulated) ControlLost() <-chan struct{} {
	return s.controlLost
}

// LoseControl simulates the camera dropping off the network
func (s *Simulated) LoseControl() {
	s.lostOnce.Do(func() {
		s.logger.Error("Control lost")
		close(s.controlLost)
	})
}

// Close stops acquisition and releases the device
func (s *Simulated) Close() error {
	s.stopAcquisition()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type simulatedChannel struct {
	index  int
	cfg    SimulatedChannelConfig
	events chan BufferEvent

	mu      sync.Mutex
	input   []*Buffer
	output  []*Buffer
	emit    bool
	closed  bool
	frameID uint64
	stats   Statistics
}

func (c *simulatedChannel) Events() <-chan BufferEvent {
	return c.events
}

func (c *simulatedChannel) TryPopBuffer() *Buffer {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.output) == 0 {
		return nil
	}
	buf := c.output[0]
	c.output = c.output[1:]
	return buf
}

func (c *simulatedChannel) PushBuffer(buf *Buffer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || buf == nil {
		return
	}
	buf.Reset()
	c.input = append(c.input, buf)
}

func (c *simulatedChannel) AvailableCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.input)
}

func (c *simulatedChannel) SetEmitSignals(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emit = enabled
}

func (c *simulatedChannel) Statistics() Statistics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *simulatedChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrChannelClosed
	}
	c.closed = true
	c.emit = false
	c.input = nil
	c.output = nil
	close(c.events)
	return nil
}

func (c *simulatedChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// produce fills the next queued buffer, or counts an underrun when none is queued
func (c *simulatedChannel) produce(opts SimulatedOptions, start time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	if len(c.input) == 0 {
		c.stats.Underruns++
		return
	}

	buf := c.input[0]
	c.input = c.input[1:]

	c.frameID++
	now := time.Now()
	buf.FrameID = c.frameID
	buf.Timestamp = uint64(now.Sub(start).Nanoseconds())
	buf.SystemTimestamp = uint64(now.UnixNano())
	buf.Payload = c.cfg.Payload
	buf.Status = StatusSuccess

	if opts.FailEvery > 0 && c.frameID%uint64(opts.FailEvery) == 0 {
		buf.Status = StatusMissingPackets
		c.stats.Failures++
		c.stats.MissingPackets++
	} else {
		c.stats.Completed++
	}

	shrink := opts.ROIChangeAfter > 0 && c.frameID > uint64(opts.ROIChangeAfter)
	c.layout(buf, shrink)

	c.output = append(c.output, buf)

	if c.emit {
		select {
		case c.events <- BufferEvent{Channel: c.index}:
		default:
			// Consumer drains the output queue on every event
		}
	}
}

// layout writes part regions and a test pattern into buf
func (c *simulatedChannel) layout(buf *Buffer, shrink bool) {
	if c.cfg.Payload == PayloadChunkData {
		return
	}

	offset := 0
	for i, p := range c.cfg.Parts {
		region := p.Region
		if shrink {
			region.Width /= 2
			region.Height /= 2
		}
		size := p.Size(region)
		if offset+size > len(buf.Data) {
			size = len(buf.Data) - offset
		}

		data := buf.Data[offset : offset+size]
		seed := byte(buf.FrameID) + byte(i)
		for j := range data {
			data[j] = seed + byte(j)
		}

		buf.Parts = append(buf.Parts, Part{
			Region:      region,
			PixelFormat: p.PixelFormat,
			Offset:      offset,
			Size:        size,
		})
		offset += size
	}
}
