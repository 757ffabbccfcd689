package device

import (
	"errors"
)

// Commands understood by Device.ExecuteCommand
const (
	CommandAcquisitionStart = "AcquisitionStart"
	CommandAcquisitionStop  = "AcquisitionStop"
	CommandTriggerSoftware  = "TriggerSoftware"
)

var (
	// ErrChannelClosed is returned when operating on a released channel
	ErrChannelClosed = errors.New("channel closed")
	// ErrUnknownCommand is returned for commands the device does not implement
	ErrUnknownCommand = errors.New("unknown command")
)

// BufferEvent notifies that a filled buffer is waiting on a channel
type BufferEvent struct {
	Channel int
}

// Statistics are the per-channel transfer counters kept by the hardware layer
type Statistics struct {
	Completed      uint64 `json:"completed"`
	Failures       uint64 `json:"failures"`
	Underruns      uint64 `json:"underruns"`
	ResentPackets  uint64 `json:"resent_packets"`
	MissingPackets uint64 `json:"missing_packets"`
}

// Channel is one hardware stream of frame buffers
type Channel interface {
	// Events delivers one notification per filled buffer while signals are enabled
	Events() <-chan BufferEvent
	// TryPopBuffer returns a filled buffer or nil without blocking
	TryPopBuffer() *Buffer
	// PushBuffer hands an empty buffer to the hardware for filling
	PushBuffer(buf *Buffer)
	// AvailableCount is the number of empty buffers queued for filling
	AvailableCount() int
	SetEmitSignals(enabled bool)
	Statistics() Statistics
	Close() error
}

// Device is a camera exposing one or more channels
type Device interface {
	ChannelCount() int
	OpenChannel(index int) (Channel, error)
	// PayloadSize is the buffer size negotiated for a channel
	PayloadSize(index int) int
	ExecuteCommand(name string) error
	// ControlLost is closed when the device stops answering
	ControlLost() <-chan struct{}
	Close() error
}
