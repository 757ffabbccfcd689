package stream

import (
	"sync"

	"gige-streamer/device"

	"go.uber.org/zap"
)

// ROI is the region of interest of a substream together with its bounds
type ROI struct {
	X         int `json:"x"`
	Y         int `json:"y"`
	Width     int `json:"width"`
	Height    int `json:"height"`
	WidthMin  int `json:"width_min"`
	WidthMax  int `json:"width_max"`
	HeightMin int `json:"height_min"`
	HeightMax int `json:"height_max"`
}

// Region returns the rectangle part of the ROI
func (r ROI) Region() device.Region {
	return device.Region{X: r.X, Y: r.Y, Width: r.Width, Height: r.Height}
}

// ROITracker holds the region a substream believes the camera is sending
type ROITracker struct {
	logger *zap.Logger

	mu      sync.RWMutex
	roi     ROI
	changes uint64
}

// NewROITracker starts tracking from the configured region
func NewROITracker(initial ROI, logger *zap.Logger) *ROITracker {
	return &ROITracker{roi: initial, logger: logger}
}

// Adapt reconciles the cached region with the one observed on a buffer. On a
// mismatch the cache takes the observed values and one warning is logged.
// A buffer that reports no region leaves the cache alone.
func (t *ROITracker) Adapt(observed device.Region) bool {
	if observed.Width == 0 || observed.Height == 0 {
		return false
	}

	t.mu.Lock()
	previous := t.roi.Region()
	if observed == previous {
		t.mu.Unlock()
		return false
	}
	t.roi.X = observed.X
	t.roi.Y = observed.Y
	t.roi.Width = observed.Width
	t.roi.Height = observed.Height
	t.changes++
	t.mu.Unlock()

	t.logger.Warn("Region of interest differs from the camera, adopting the observed region",
		zap.Any("cached", previous),
		zap.Any("observed", observed))
	return true
}

// Current returns the cached region
func (t *ROITracker) Current() ROI {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.roi
}

// Changes returns how many times the region was adopted from a buffer
func (t *ROITracker) Changes() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.changes
}
