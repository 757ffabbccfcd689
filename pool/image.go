package pool

import "sync/atomic"

// Header carries the per-frame metadata stamped before publishing
type Header struct {
	StampNS uint64 `json:"stamp_ns"`
	Seq     uint64 `json:"seq"`
	FrameID string `json:"frame_id"`
}

// Image is a reference-counted frame. A holder that shares an image calls
// Retain first; every holder calls Release exactly once. The owning pool
// reclaims the image when the count reaches zero.
type Image struct {
	Header   Header
	Width    int
	Height   int
	Encoding string
	Step     int
	Data     []byte

	refs    atomic.Int32
	recycle func(*Image)
}

// NewImage wraps data in an unpooled image holding one reference
func NewImage(data []byte) *Image {
	return newImage(data, nil)
}

func newImage(data []byte, recycle func(*Image)) *Image {
	img := &Image{Data: data, recycle: recycle}
	img.refs.Store(1)
	return img
}

// Retain adds a reference and returns the image
func (img *Image) Retain() *Image {
	if img.refs.Add(1) <= 1 {
		panic("pool: retain of released image")
	}
	return img
}

// Release drops a reference and hands the image back to its pool at zero
func (img *Image) Release() {
	n := img.refs.Add(-1)
	switch {
	case n == 0:
		if img.recycle != nil {
			img.recycle(img)
		}
	case n < 0:
		panic("pool: image released more than once")
	}
}

// Refs returns the current reference count
func (img *Image) Refs() int32 {
	return img.refs.Load()
}

// Resize sets Data to n bytes, reusing the backing array when it is large enough
func (img *Image) Resize(n int) []byte {
	if cap(img.Data) >= n {
		img.Data = img.Data[:n]
	} else {
		img.Data = make([]byte, n)
	}
	return img.Data
}

// CopyMeta copies header and geometry from src
func (img *Image) CopyMeta(src *Image) {
	img.Header = src.Header
	img.Width = src.Width
	img.Height = src.Height
	img.Encoding = src.Encoding
	img.Step = src.Step
}
