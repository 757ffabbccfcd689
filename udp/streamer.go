package udp

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"gige-streamer/config"
	"gige-streamer/sink"

	"go.uber.org/zap"
)

// writeBufferSize is requested for the socket so a burst of chunks of one
// large frame fits in the kernel queue
const writeBufferSize = 4 << 20

// queuedFrame is an encoded frame waiting for the sender loop
type queuedFrame struct {
	topic string
	msg   []byte
}

// Streamer pushes the frames of configured topics to fixed UDP destinations.
// Frames are split into MTU sized datagrams carrying the chunk header of the
// sink package. A destination counts as a subscriber of its topic while the
// streamer runs, so configured targets keep the camera acquiring.
type Streamer struct {
	config config.UDPConfig
	hub    *sink.Hub
	logger *zap.Logger

	targets map[string][]*net.UDPAddr
	conn    *net.UDPConn

	frameChan chan queuedFrame
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	logEvery      uint64
	statsInterval time.Duration

	isRunning   atomic.Bool
	seq         uint32
	frameCount  atomic.Uint64
	dropCount   atomic.Uint64
	sendErrors  atomic.Uint64
	packetsSent atomic.Uint64
	bytesSent   atomic.Uint64
}

// NewStreamer resolves the destinations and adds the streamer to hub. Every
// target topic must already be published on the hub.
func NewStreamer(cfg *config.Config, hub *sink.Hub, logger *zap.Logger) (*Streamer, error) {
	ucfg := cfg.UDP
	if ucfg.MTU <= sink.ChunkHeaderSize {
		return nil, fmt.Errorf("udp mtu %d must exceed the %d byte chunk header", ucfg.MTU, sink.ChunkHeaderSize)
	}
	if ucfg.QueueSize <= 0 {
		ucfg.QueueSize = 8
	}

	targets := make(map[string][]*net.UDPAddr)
	for _, t := range ucfg.Targets {
		if !hub.HasTopic(t.Topic) {
			return nil, fmt.Errorf("udp target %s:%d: unknown topic %q", t.Host, t.Port, t.Topic)
		}
		addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(t.Host, fmt.Sprint(t.Port)))
		if err != nil {
			return nil, fmt.Errorf("failed to resolve udp target %s:%d: %w", t.Host, t.Port, err)
		}
		targets[t.Topic] = append(targets[t.Topic], addr)
	}

	s := &Streamer{
		config:        ucfg,
		hub:           hub,
		logger:        logger.With(zap.String("transport", "udp")),
		targets:       targets,
		frameChan:     make(chan queuedFrame, ucfg.QueueSize),
		logEvery:      uint64(cfg.Logging.FrameLogInterval),
		statsInterval: time.Duration(cfg.Logging.StatsLogInterval) * time.Second,
	}
	hub.AddTransport(s)
	return s, nil
}

// Name identifies the transport
func (s *Streamer) Name() string {
	return "udp"
}

// Subscribers returns the number of destinations of topic while running
func (s *Streamer) Subscribers(topic string) int {
	if !s.isRunning.Load() {
		return 0
	}
	return len(s.targets[topic])
}

// Send queues msg for the sender loop, dropping it when the queue is full
func (s *Streamer) Send(topic string, msg []byte) {
	if !s.isRunning.Load() {
		return
	}

	select {
	case s.frameChan <- queuedFrame{topic: topic, msg: msg}:
	default:
		s.dropCount.Add(1)
	}
}

// Start opens the socket and starts sending
func (s *Streamer) Start(ctx context.Context) error {
	if s.isRunning.Load() {
		return fmt.Errorf("udp streamer already running")
	}

	var localAddr *net.UDPAddr
	if s.config.LocalPort > 0 {
		localAddr = &net.UDPAddr{Port: s.config.LocalPort}
	}

	conn, err := net.ListenUDP("udp", localAddr)
	if err != nil {
		return fmt.Errorf("failed to create UDP socket: %w", err)
	}
	s.conn = conn

	if err := conn.SetWriteBuffer(writeBufferSize); err != nil {
		s.logger.Warn("Failed to set UDP write buffer size", zap.Error(err))
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.isRunning.Store(true)

	s.wg.Add(1)
	go s.frameSenderLoop()

	if s.statsInterval > 0 {
		s.wg.Add(1)
		go s.monitorStats()
	}

	s.logger.Info("UDP streamer started",
		zap.String("local_addr", conn.LocalAddr().String()),
		zap.Strings("destinations", s.Destinations()),
		zap.Int("mtu", s.config.MTU))

	s.hub.SubscribersChanged()
	return nil
}

// Stop stops sending and closes the socket
func (s *Streamer) Stop() error {
	if !s.isRunning.Swap(false) {
		return nil
	}

	s.logger.Info("Stopping UDP streamer")
	s.hub.SubscribersChanged()

	s.cancel()
	s.wg.Wait()

	var err error
	if s.conn != nil {
		err = s.conn.Close()
	}

	s.logger.Info("UDP streamer stopped",
		zap.Uint64("frames_sent", s.frameCount.Load()),
		zap.Uint64("frames_dropped", s.dropCount.Load()),
		zap.Uint64("send_errors", s.sendErrors.Load()))
	return err
}

// frameSenderLoop writes queued frames to their destinations
func (s *Streamer) frameSenderLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case f := <-s.frameChan:
			s.seq++
			if err := s.sendFrame(f, s.seq); err != nil {
				s.sendErrors.Add(1)
				s.logger.Error("Failed to send UDP frame",
					zap.String("topic", f.topic),
					zap.Uint32("seq", s.seq),
					zap.Error(err))
				continue
			}

			n := s.frameCount.Add(1)
			if s.logEvery > 0 && n%s.logEvery == 0 {
				s.logger.Debug("Streaming progress",
					zap.Uint64("frames", n),
					zap.Uint64("dropped", s.dropCount.Load()),
					zap.Uint64("errors", s.sendErrors.Load()),
					zap.Uint64("packets", s.packetsSent.Load()))
			}
		}
	}
}

// sendFrame splits one frame and writes every datagram to every destination
// of its topic. A failing destination does not stop the others.
func (s *Streamer) sendFrame(f queuedFrame, seq uint32) error {
	chunks, err := sink.SplitFrame(f.msg, seq, s.config.MTU)
	if err != nil {
		return err
	}

	var firstErr error
	for _, addr := range s.targets[f.topic] {
		for i, chunk := range chunks {
			n, err := s.conn.WriteToUDP(chunk, addr)
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("failed to send packet %d/%d to %s: %w", i+1, len(chunks), addr, err)
				}
				break
			}
			s.packetsSent.Add(1)
			s.bytesSent.Add(uint64(n))
		}
	}
	return firstErr
}

// monitorStats logs throughput periodically
func (s *Streamer) monitorStats() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.statsInterval)
	defer ticker.Stop()

	lastFrames, lastBytes := s.frameCount.Load(), s.bytesSent.Load()
	lastTime := time.Now()

	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			frames, bytes := s.frameCount.Load(), s.bytesSent.Load()
			elapsed := now.Sub(lastTime).Seconds()

			s.logger.Info("UDP streaming stats",
				zap.Float64("fps", float64(frames-lastFrames)/elapsed),
				zap.Float64("bitrate_kbps", float64(bytes-lastBytes)*8/elapsed/1000),
				zap.Uint64("total_frames", frames),
				zap.Uint64("dropped_frames", s.dropCount.Load()),
				zap.Uint64("errors", s.sendErrors.Load()))

			lastFrames, lastBytes, lastTime = frames, bytes, now
		}
	}
}

// Destinations lists the destinations as topic=>host:port, sorted
func (s *Streamer) Destinations() []string {
	var out []string
	for topic, addrs := range s.targets {
		for _, addr := range addrs {
			out = append(out, topic+"=>"+addr.String())
		}
	}
	sort.Strings(out)
	return out
}

// IsRunning returns whether the streamer is running
func (s *Streamer) IsRunning() bool {
	return s.isRunning.Load()
}

// GetStats returns streaming statistics
func (s *Streamer) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"running":        s.isRunning.Load(),
		"destinations":   s.Destinations(),
		"mtu":            s.config.MTU,
		"frames_sent":    s.frameCount.Load(),
		"frames_dropped": s.dropCount.Load(),
		"send_errors":    s.sendErrors.Load(),
		"packets_sent":   s.packetsSent.Load(),
		"bytes_sent":     s.bytesSent.Load(),
	}
}
