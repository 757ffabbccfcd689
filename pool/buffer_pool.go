package pool

import (
	"sync"

	"gige-streamer/device"

	"go.uber.org/zap"
)

// HardwareQueue accepts empty buffers back into the hardware rotation
type HardwareQueue interface {
	PushBuffer(buf *device.Buffer)
}

// BufferPoolStats is a snapshot of hardware buffer accounting
type BufferPoolStats struct {
	PayloadSize int    `json:"payload_size"`
	Allocated   int    `json:"allocated"`
	Outstanding int    `json:"outstanding"`
	Wrapped     uint64 `json:"wrapped"`
	Returned    uint64 `json:"returned"`
}

// BufferPool owns the hardware buffers of one channel and wraps filled
// buffers into images that go back to the hardware on their last Release.
// The pool grows on demand and never shrinks.
type BufferPool struct {
	queue       HardwareQueue
	payloadSize int
	logger      *zap.Logger

	mu          sync.Mutex
	allocated   int
	outstanding int
	wrapped     uint64
	returned    uint64
	closed      bool
}

// NewBufferPool creates a pool and queues n buffers of payloadSize bytes on the hardware
func NewBufferPool(queue HardwareQueue, payloadSize, n int, logger *zap.Logger) *BufferPool {
	p := &BufferPool{
		queue:       queue,
		payloadSize: payloadSize,
		logger:      logger,
	}
	p.Allocate(n)

	logger.Info("Buffer pool created",
		zap.Int("payload_size", payloadSize),
		zap.Int("buffers", n))
	return p
}

// Allocate queues n more buffers on the hardware and returns the new pool size
func (p *BufferPool) Allocate(n int) int {
	p.mu.Lock()
	if p.closed {
		total := p.allocated
		p.mu.Unlock()
		return total
	}
	p.allocated += n
	total := p.allocated
	p.mu.Unlock()

	for i := 0; i < n; i++ {
		p.queue.PushBuffer(device.NewBuffer(p.payloadSize))
	}

	p.logger.Debug("Buffers allocated", zap.Int("added", n), zap.Int("total", total))
	return total
}

// Wrap returns an image over the memory of buf holding one reference. When
// the last reference is released buf is pushed back to the hardware.
func (p *BufferPool) Wrap(buf *device.Buffer) *Image {
	p.mu.Lock()
	p.outstanding++
	p.wrapped++
	p.mu.Unlock()

	return newImage(buf.Data, func(*Image) {
		p.giveBack(buf)
	})
}

func (p *BufferPool) giveBack(buf *device.Buffer) {
	p.mu.Lock()
	p.outstanding--
	p.returned++
	closed := p.closed
	p.mu.Unlock()

	// The channel is gone; the buffer is simply dropped
	if closed {
		return
	}
	p.queue.PushBuffer(buf)
}

// Size returns the number of buffers the pool has allocated
func (p *BufferPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocated
}

// Stats returns a snapshot of the pool counters
func (p *BufferPool) Stats() BufferPoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return BufferPoolStats{
		PayloadSize: p.payloadSize,
		Allocated:   p.allocated,
		Outstanding: p.outstanding,
		Wrapped:     p.wrapped,
		Returned:    p.returned,
	}
}

// Close detaches the pool from the hardware. Images released afterwards are dropped.
func (p *BufferPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true

	if p.outstanding > 0 {
		p.logger.Warn("Buffer pool closed with images still held", zap.Int("outstanding", p.outstanding))
	}
}
