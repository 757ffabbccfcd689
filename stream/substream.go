package stream

import (
	"sync"
	"sync/atomic"
	"time"

	"gige-streamer/calibration"
	"gige-streamer/device"
	"gige-streamer/metrics"
	"gige-streamer/pixfmt"
	"gige-streamer/pool"
	"gige-streamer/sink"

	"go.uber.org/zap"
)

// Clock sources for image stamps
const (
	ClockSystem   = "system"
	ClockHardware = "hardware"
)

// SubstreamConfig describes one logical image output of a stream
type SubstreamConfig struct {
	Name    string
	Topic   string
	FrameID string

	// PixelFormat is the format reported by the sensor. InternalFormat, when
	// set, selects the conversion instead.
	PixelFormat    string
	InternalFormat string
	BitsPerPixel   int

	ROI ROI

	Publisher   sink.Publisher
	Calibration *calibration.Manager
}

// conversionFormat returns the format used to look up a conversion
func (c SubstreamConfig) conversionFormat() string {
	if c.InternalFormat != "" {
		return c.InternalFormat
	}
	return c.PixelFormat
}

// SubstreamStats is a snapshot of one substream
type SubstreamStats struct {
	Name             string              `json:"name"`
	Topic            string              `json:"topic"`
	PixelFormat      string              `json:"pixel_format"`
	ROI              ROI                 `json:"roi"`
	ROIChanges       uint64              `json:"roi_changes"`
	Processed        uint64              `json:"processed"`
	Published        uint64              `json:"published"`
	Dropped          uint64              `json:"dropped"`
	PublishErrors    uint64              `json:"publish_errors"`
	ConversionErrors uint64              `json:"conversion_errors"`
	Calibrated       bool                `json:"calibrated"`
	ImagePool        pool.ImagePoolStats `json:"image_pool"`
}

// Substream is the worker publishing one part of every routed buffer
type Substream struct {
	index       int
	cfg         SubstreamConfig
	stream      string
	clock       string
	waitTimeout time.Duration
	logEvery    uint64
	benchmark   bool

	convert pixfmt.ConvertFunc
	images  atomic.Pointer[pool.ImagePool]
	mailbox *Mailbox
	roi     *ROITracker
	metrics *metrics.Metrics
	logger  *zap.Logger

	passThroughOnce sync.Once

	processed        atomic.Uint64
	published        atomic.Uint64
	publishErrors    atomic.Uint64
	conversionErrors atomic.Uint64
}

func newSubstream(index int, cfg SubstreamConfig, opts Options, registry *pixfmt.Registry, m *metrics.Metrics, logger *zap.Logger) *Substream {
	logger = logger.With(zap.String("substream", cfg.Name), zap.String("topic", cfg.Topic))
	convert, _ := registry.Lookup(cfg.conversionFormat())

	s := &Substream{
		index:       index,
		cfg:         cfg,
		stream:      opts.Name,
		clock:       opts.ClockSource,
		waitTimeout: opts.WaitTimeout,
		logEvery:    uint64(opts.FrameLogInterval),
		benchmark:   opts.Benchmark,
		convert:     convert,
		mailbox:     NewMailbox(),
		roi:         NewROITracker(cfg.ROI, logger),
		metrics:     m,
		logger:      logger,
	}
	s.images.Store(pool.NewImagePool(opts.ImagePoolWarnAt, logger))
	return s
}

// Name returns the substream name
func (s *Substream) Name() string {
	return s.cfg.Name
}

// ROI returns the region the substream currently assumes
func (s *Substream) ROI() ROI {
	return s.roi.Current()
}

// run waits on the mailbox and processes deliveries until stopped
func (s *Substream) run(wg *sync.WaitGroup) {
	defer wg.Done()

	s.logger.Debug("Substream worker started")
	for {
		d, result := s.mailbox.Wait(s.waitTimeout)
		switch result {
		case waitStopped:
			s.logger.Debug("Substream worker stopped", zap.Uint64("processed", s.processed.Load()))
			return
		case waitTimeout:
			continue
		}
		s.process(d)
	}
}

// process publishes one delivery and releases every reference it holds
func (s *Substream) process(d delivery) {
	start := time.Now()
	buf := d.buffer

	s.roi.Adapt(buf.PartRegion(s.index))
	roi := s.roi.Current()

	images := s.images.Load()

	var src *pool.Image
	if buf.Payload == device.PayloadMultipart {
		data := buf.PartData(s.index)
		src = images.Get(len(data))
		copy(src.Data, data)
		s.fill(src, buf, roi)
		// The last release hands buf back to the hardware; it is not read after this
		d.image.Release()
	} else {
		src = d.image
		src.Data = s.trim(buf.PartData(0), roi)
		s.fill(src, buf, roi)
	}

	out := src
	if s.convert != nil {
		dst := images.Get(0)
		if err := s.convert(src, dst); err != nil {
			s.conversionErrors.Add(1)
			s.metrics.ConversionErrors.WithLabelValues(s.stream, s.cfg.Name).Inc()
			s.logger.Error("Failed to convert image, dropping frame",
				zap.String("pixel_format", s.cfg.conversionFormat()),
				zap.Uint64("seq", src.Header.Seq),
				zap.Error(err))
			dst.Release()
			src.Release()
			return
		}
		src.Release()
		out = dst
	} else {
		s.passThroughOnce.Do(func() {
			s.logger.Warn("No conversion for pixel format, publishing raw data",
				zap.String("pixel_format", s.cfg.conversionFormat()))
		})
	}

	var info *calibration.CameraInfo
	if s.cfg.Calibration != nil {
		info = s.cfg.Calibration.Stamp(out.Header, roi.Width, roi.Height)
	}

	seq := out.Header.Seq
	if err := s.cfg.Publisher.Publish(out, info); err != nil {
		s.publishErrors.Add(1)
		s.metrics.PublishErrors.WithLabelValues(s.stream, s.cfg.Name).Inc()
		s.logger.Warn("Failed to publish image", zap.Uint64("seq", seq), zap.Error(err))
	} else {
		s.published.Add(1)
		s.metrics.FramesPublished.WithLabelValues(s.stream, s.cfg.Name).Inc()
	}
	out.Release()

	elapsed := time.Since(start)
	s.metrics.ProcessingTime.WithLabelValues(s.stream, s.cfg.Name).Observe(elapsed.Seconds())

	n := s.processed.Add(1)
	if s.benchmark || (s.logEvery > 0 && n%s.logEvery == 0) {
		s.logger.Debug("Frame processed",
			zap.Uint64("seq", seq),
			zap.Uint64("processed", n),
			zap.Duration("elapsed", elapsed))
	}
}

// fill stamps geometry and header of img from the buffer and region
func (s *Substream) fill(img *pool.Image, buf *device.Buffer, roi ROI) {
	img.Width = roi.Width
	img.Height = roi.Height
	img.Encoding = s.cfg.PixelFormat
	img.Step = roi.Width * s.cfg.BitsPerPixel / 8

	if s.clock == ClockHardware {
		img.Header.StampNS = buf.Timestamp
	} else {
		img.Header.StampNS = buf.SystemTimestamp
	}
	img.Header.Seq = buf.FrameID
	img.Header.FrameID = s.cfg.FrameID
}

// trim limits data to Step*Height bytes of the image described by roi. Both
// truncate fractional bytes per row like the hardware packing does.
func (s *Substream) trim(data []byte, roi ROI) []byte {
	n := roi.Width * s.cfg.BitsPerPixel / 8 * roi.Height
	if n > 0 && n < len(data) {
		return data[:n]
	}
	return data
}

// Stats returns a snapshot of the substream counters
func (s *Substream) Stats() SubstreamStats {
	stats := SubstreamStats{
		Name:             s.cfg.Name,
		Topic:            s.cfg.Topic,
		PixelFormat:      s.cfg.PixelFormat,
		ROI:              s.roi.Current(),
		ROIChanges:       s.roi.Changes(),
		Processed:        s.processed.Load(),
		Published:        s.published.Load(),
		Dropped:          s.mailbox.Drops(),
		PublishErrors:    s.publishErrors.Load(),
		ConversionErrors: s.conversionErrors.Load(),
		Calibrated:       s.cfg.Calibration != nil && s.cfg.Calibration.IsCalibrated(),
	}
	stats.ImagePool = s.images.Load().Stats()
	return stats
}
