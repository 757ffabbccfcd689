package stream

import (
	"sync"
	"time"

	"gige-streamer/device"
	"gige-streamer/pool"
)

// delivery is one buffer handed from the router to a substream worker. The
// image holds a reference owned by whoever holds the delivery.
type delivery struct {
	buffer *device.Buffer
	image  *pool.Image
}

type waitResult int

const (
	waitDelivered waitResult = iota
	waitTimeout
	waitStopped
)

// Mailbox is a single-slot handoff between the router and one worker.
//
// Depositing into an occupied mailbox replaces the older delivery and
// releases it, so the router never waits for a slow worker. It is not a
// queue: at most one delivery is ever pending.
type Mailbox struct {
	mu      sync.Mutex
	pending *delivery
	stopped bool
	drops   uint64

	// ready holds at most one wake-up for the worker
	ready chan struct{}
}

// NewMailbox creates an empty mailbox
func NewMailbox() *Mailbox {
	return &Mailbox{ready: make(chan struct{}, 1)}
}

// Deposit stores a delivery for the worker, taking over the image reference.
// When an undelivered pair is replaced its frame id is returned with
// dropped set. After Stop the image is released immediately.
func (m *Mailbox) Deposit(buf *device.Buffer, img *pool.Image) (droppedSeq uint64, dropped bool) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		img.Release()
		return 0, false
	}

	old := m.pending
	if old != nil {
		m.drops++
		droppedSeq = old.buffer.FrameID
		dropped = true
	}
	m.pending = &delivery{buffer: buf, image: img}
	m.mu.Unlock()

	select {
	case m.ready <- struct{}{}:
	default:
	}

	if old != nil {
		old.image.Release()
	}
	return droppedSeq, dropped
}

// Wait takes the pending delivery, waiting at most timeout for one to arrive
func (m *Mailbox) Wait(timeout time.Duration) (delivery, waitResult) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		m.mu.Lock()
		if m.stopped {
			m.mu.Unlock()
			return delivery{}, waitStopped
		}
		if d := m.pending; d != nil {
			m.pending = nil
			m.mu.Unlock()
			return *d, waitDelivered
		}
		m.mu.Unlock()

		select {
		case <-m.ready:
		case <-timer.C:
			return delivery{}, waitTimeout
		}
	}
}

// Stop sets the stop flag and discards any pending delivery. The worker
// observes the flag on its next wake-up.
func (m *Mailbox) Stop() {
	m.mu.Lock()
	m.stopped = true
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()

	if pending != nil {
		pending.image.Release()
	}

	select {
	case m.ready <- struct{}{}:
	default:
	}
}

// rearm clears the stop flag so a restarted worker can wait again
func (m *Mailbox) rearm() {
	m.mu.Lock()
	m.stopped = false
	m.mu.Unlock()
}

// Drops returns how many deliveries were overwritten before being taken
func (m *Mailbox) Drops() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.drops
}

// Pending reports whether a delivery is waiting
func (m *Mailbox) Pending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending != nil
}
