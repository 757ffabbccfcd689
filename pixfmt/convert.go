package pixfmt

import (
	"encoding/binary"
	"errors"
	"fmt"

	"gige-streamer/pool"
)

// ErrShortBuffer is returned when the source holds fewer bytes than its geometry needs
var ErrShortBuffer = errors.New("source buffer too short")

// ConvertFunc converts src into dst. dst comes from an image pool and may
// hold stale bytes; a conversion sizes and overwrites it completely.
type ConvertFunc func(src, dst *pool.Image) error

func need(src *pool.Image, bits int) error {
	want := (src.Width*src.Height*bits + 7) / 8
	if len(src.Data) < want {
		return fmt.Errorf("%w: %s %dx%d needs %d bytes, have %d",
			ErrShortBuffer, src.Encoding, src.Width, src.Height, want, len(src.Data))
	}
	return nil
}

// Rename copies the pixels unchanged and relabels them
func Rename(encoding string) ConvertFunc {
	return func(src, dst *pool.Image) error {
		dst.CopyMeta(src)
		copy(dst.Resize(len(src.Data)), src.Data)
		dst.Encoding = encoding
		return nil
	}
}

// Shift widens 16-bit little-endian samples holding fewer significant bits
// by shifting them left, so that they span the full 16-bit range.
func Shift(encoding string, bits uint) ConvertFunc {
	return func(src, dst *pool.Image) error {
		if err := need(src, 16); err != nil {
			return err
		}
		n := src.Width * src.Height
		out := dst.Resize(n * 2)
		for i := 0; i < n; i++ {
			v := binary.LittleEndian.Uint16(src.Data[2*i:])
			binary.LittleEndian.PutUint16(out[2*i:], v<<bits)
		}
		setMono16(dst, src, encoding)
		return nil
	}
}

// Unpack10p expands GenICam 10p, four pixels in five bytes packed LSB first
func Unpack10p(encoding string) ConvertFunc {
	return func(src, dst *pool.Image) error {
		if err := need(src, 10); err != nil {
			return err
		}
		n := src.Width * src.Height
		out := dst.Resize(n * 2)
		for i := 0; i < n; i++ {
			bit := i * 10
			b := bit / 8
			word := uint32(src.Data[b])
			if b+1 < len(src.Data) {
				word |= uint32(src.Data[b+1]) << 8
			}
			v := uint16(word>>(bit%8)) & 0x3ff
			binary.LittleEndian.PutUint16(out[2*i:], v<<6)
		}
		setMono16(dst, src, encoding)
		return nil
	}
}

// Unpack12p expands GenICam 12p, two pixels in three bytes packed LSB first
func Unpack12p(encoding string) ConvertFunc {
	return unpack12(encoding, func(b0, b1, b2 byte) (uint16, uint16) {
		p0 := uint16(b0) | uint16(b1&0x0f)<<8
		p1 := uint16(b1>>4) | uint16(b2)<<4
		return p0, p1
	})
}

// Unpack12Packed expands GigE Vision Mono12Packed, where the middle byte
// carries the low nibbles of both pixels.
func Unpack12Packed(encoding string) ConvertFunc {
	return unpack12(encoding, func(b0, b1, b2 byte) (uint16, uint16) {
		p0 := uint16(b0)<<4 | uint16(b1&0x0f)
		p1 := uint16(b2)<<4 | uint16(b1>>4)
		return p0, p1
	})
}

func unpack12(encoding string, split func(b0, b1, b2 byte) (uint16, uint16)) ConvertFunc {
	return func(src, dst *pool.Image) error {
		if err := need(src, 12); err != nil {
			return err
		}
		n := src.Width * src.Height
		out := dst.Resize(n * 2)
		for i := 0; i+1 < n; i += 2 {
			j := i / 2 * 3
			p0, p1 := split(src.Data[j], src.Data[j+1], src.Data[j+2])
			binary.LittleEndian.PutUint16(out[2*i:], p0<<4)
			binary.LittleEndian.PutUint16(out[2*i+2:], p1<<4)
		}
		if n%2 == 1 {
			j := (n - 1) / 2 * 3
			var b1 byte
			if j+1 < len(src.Data) {
				b1 = src.Data[j+1]
			}
			p0, _ := split(src.Data[j], b1, 0)
			binary.LittleEndian.PutUint16(out[2*(n-1):], p0<<4)
		}
		setMono16(dst, src, encoding)
		return nil
	}
}

func setMono16(dst, src *pool.Image, encoding string) {
	dst.Header = src.Header
	dst.Width = src.Width
	dst.Height = src.Height
	dst.Encoding = encoding
	dst.Step = src.Width * 2
}
