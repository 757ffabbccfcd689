package pool

import (
	"sync"

	"go.uber.org/zap"
)

// ImagePoolStats is a snapshot of recyclable image accounting
type ImagePoolStats struct {
	Allocated int `json:"allocated"`
	Free      int `json:"free"`
}

// ImagePool recycles privately owned images for extracted and converted output
type ImagePool struct {
	logger *zap.Logger
	warnAt int

	mu        sync.Mutex
	free      []*Image
	allocated int
	closed    bool
}

// NewImagePool creates an empty pool. A warning is logged once the pool has
// allocated warnAt images, which usually means an image is never released.
func NewImagePool(warnAt int, logger *zap.Logger) *ImagePool {
	return &ImagePool{
		logger: logger,
		warnAt: warnAt,
	}
}

// Get returns an image with size bytes of data holding one reference
func (p *ImagePool) Get(size int) *Image {
	p.mu.Lock()
	var img *Image
	if n := len(p.free); n > 0 {
		img = p.free[n-1]
		p.free[n-1] = nil
		p.free = p.free[:n-1]
	} else {
		img = &Image{recycle: p.put}
		p.allocated++
		if p.warnAt > 0 && p.allocated == p.warnAt {
			p.logger.Warn("Image pool keeps growing, an image may not be released",
				zap.Int("allocated", p.allocated))
		}
	}
	p.mu.Unlock()

	img.Header = Header{}
	img.Width, img.Height, img.Step = 0, 0, 0
	img.Encoding = ""
	img.Resize(size)
	img.refs.Store(1)
	return img
}

func (p *ImagePool) put(img *Image) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		p.allocated--
		return
	}
	p.free = append(p.free, img)
}

// Stats returns a snapshot of the pool counters
func (p *ImagePool) Stats() ImagePoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return ImagePoolStats{Allocated: p.allocated, Free: len(p.free)}
}

// Close drops the free list. Images still held are discarded on release.
func (p *ImagePool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	p.allocated -= len(p.free)
	p.free = nil
}
