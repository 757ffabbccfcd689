package device

import "fmt"

// PayloadType tags the layout of a hardware buffer
type PayloadType int

const (
	PayloadUnknown PayloadType = iota
	PayloadImage
	PayloadMultipart
	PayloadChunkData
)

func (p PayloadType) String() string {
	switch p {
	case PayloadImage:
		return "image"
	case PayloadMultipart:
		return "multipart"
	case PayloadChunkData:
		return "chunk_data"
	default:
		return fmt.Sprintf("unknown(%d)", int(p))
	}
}

// ParsePayloadType maps a configuration name to a payload type
func ParsePayloadType(name string) PayloadType {
	switch name {
	case "image":
		return PayloadImage
	case "multipart":
		return PayloadMultipart
	case "chunk", "chunk_data":
		return PayloadChunkData
	default:
		return PayloadUnknown
	}
}

// BufferStatus is the completion status reported by the hardware
type BufferStatus int

const (
	StatusSuccess BufferStatus = iota
	StatusCleared
	StatusTimeout
	StatusMissingPackets
	StatusWrongPacketID
	StatusSizeMismatch
	StatusFilling
	StatusAborted
)

var statusNames = map[BufferStatus]string{
	StatusSuccess:        "success",
	StatusCleared:        "cleared",
	StatusTimeout:        "timeout",
	StatusMissingPackets: "missing_packets",
	StatusWrongPacketID:  "wrong_packet_id",
	StatusSizeMismatch:   "size_mismatch",
	StatusFilling:        "filling",
	StatusAborted:        "aborted",
}

func (s BufferStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// Region is a rectangle on the sensor
type Region struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Part locates one component image inside a buffer
type Part struct {
	Region      Region
	PixelFormat string
	Offset      int
	Size        int
}

// Buffer is a frame buffer owned by the hardware layer. Between TryPopBuffer
// and PushBuffer the caller owns it; after PushBuffer it must not be touched.
type Buffer struct {
	Data    []byte
	Payload PayloadType
	Status  BufferStatus
	Parts   []Part

	// Timestamps in nanoseconds
	Timestamp       uint64
	SystemTimestamp uint64

	FrameID uint64
}

// NewBuffer allocates a buffer with size bytes of backing memory
func NewBuffer(size int) *Buffer {
	return &Buffer{Data: make([]byte, size)}
}

// PartCount returns the number of component images. An image payload counts as one part.
func (b *Buffer) PartCount() int {
	if b.Payload == PayloadImage && len(b.Parts) == 0 {
		return 1
	}
	return len(b.Parts)
}

// PartRegion returns the region of part i
func (b *Buffer) PartRegion(i int) Region {
	if i < 0 || i >= len(b.Parts) {
		return Region{}
	}
	return b.Parts[i].Region
}

// PartData returns the bytes of part i, bounded by the backing memory
func (b *Buffer) PartData(i int) []byte {
	if i < 0 || i >= len(b.Parts) {
		if b.Payload == PayloadImage && i == 0 {
			return b.Data
		}
		return nil
	}
	p := b.Parts[i]
	start := min(p.Offset, len(b.Data))
	end := min(p.Offset+p.Size, len(b.Data))
	return b.Data[start:end]
}

// Reset clears per-frame metadata before the buffer goes back into rotation
func (b *Buffer) Reset() {
	b.Payload = PayloadUnknown
	b.Status = StatusCleared
	b.Parts = b.Parts[:0]
	b.Timestamp = 0
	b.SystemTimestamp = 0
	b.FrameID = 0
}
