package sink

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"gige-streamer/calibration"
	"gige-streamer/pool"
)

var frameMagic = [4]byte{'G', 'V', 'F', '1'}

// ErrBadFrame is returned when decoding a malformed frame message
var ErrBadFrame = errors.New("malformed frame")

// Frame is a published image detached from the pipeline's pools
type Frame struct {
	Topic    string                  `json:"topic"`
	Header   pool.Header             `json:"header"`
	Width    int                     `json:"width"`
	Height   int                     `json:"height"`
	Step     int                     `json:"step"`
	Encoding string                  `json:"encoding"`
	Info     *calibration.CameraInfo `json:"info,omitempty"`
	Data     []byte                  `json:"-"`
}

// NewFrame copies img into a frame for topic
func NewFrame(topic string, img *pool.Image, info *calibration.CameraInfo) *Frame {
	f := &Frame{
		Topic:    topic,
		Header:   img.Header,
		Width:    img.Width,
		Height:   img.Height,
		Step:     img.Step,
		Encoding: img.Encoding,
		Data:     append([]byte(nil), img.Data...),
	}
	if info != nil {
		c := info.Clone()
		f.Info = &c
	}
	return f
}

// MarshalBinary encodes the frame as a little-endian header followed by the pixels
func (f *Frame) MarshalBinary() ([]byte, error) {
	for _, s := range []string{f.Topic, f.Encoding, f.Header.FrameID} {
		if len(s) > math.MaxUint16 {
			return nil, fmt.Errorf("string field too long: %d bytes", len(s))
		}
	}

	le := binary.LittleEndian
	out := make([]byte, 0, 64+len(f.Topic)+len(f.Encoding)+len(f.Header.FrameID)+len(f.Data))
	out = append(out, frameMagic[:]...)
	out = le.AppendUint64(out, f.Header.Seq)
	out = le.AppendUint64(out, f.Header.StampNS)
	out = le.AppendUint32(out, uint32(f.Width))
	out = le.AppendUint32(out, uint32(f.Height))
	out = le.AppendUint32(out, uint32(f.Step))
	out = appendString(out, f.Topic)
	out = appendString(out, f.Encoding)
	out = appendString(out, f.Header.FrameID)

	if f.Info == nil {
		out = append(out, 0)
	} else {
		out = append(out, 1)
		out = le.AppendUint32(out, uint32(f.Info.Width))
		out = le.AppendUint32(out, uint32(f.Info.Height))
		out = appendString(out, f.Info.DistortionModel)
		out = appendFloats(out, f.Info.K[:])
		out = appendFloats(out, f.Info.R[:])
		out = appendFloats(out, f.Info.P[:])
		out = le.AppendUint16(out, uint16(len(f.Info.D)))
		out = appendFloats(out, f.Info.D)
	}

	out = le.AppendUint32(out, uint32(len(f.Data)))
	out = append(out, f.Data...)
	return out, nil
}

func appendString(out []byte, s string) []byte {
	out = binary.LittleEndian.AppendUint16(out, uint16(len(s)))
	return append(out, s...)
}

func appendFloats(out []byte, vs []float64) []byte {
	for _, v := range vs {
		out = binary.LittleEndian.AppendUint64(out, math.Float64bits(v))
	}
	return out
}

// UnmarshalBinary decodes a message written by MarshalBinary
func (f *Frame) UnmarshalBinary(data []byte) error {
	r := reader{data: data}

	if string(r.bytes(4)) != string(frameMagic[:]) {
		return fmt.Errorf("%w: bad magic", ErrBadFrame)
	}

	f.Header.Seq = r.u64()
	f.Header.StampNS = r.u64()
	f.Width = int(r.u32())
	f.Height = int(r.u32())
	f.Step = int(r.u32())
	f.Topic = r.str()
	f.Encoding = r.str()
	f.Header.FrameID = r.str()

	f.Info = nil
	if r.u8() == 1 {
		info := &calibration.CameraInfo{Header: f.Header}
		info.Width = int(r.u32())
		info.Height = int(r.u32())
		info.DistortionModel = r.str()
		r.floats(info.K[:])
		r.floats(info.R[:])
		r.floats(info.P[:])
		info.D = make([]float64, r.u16())
		r.floats(info.D)
		f.Info = info
	}

	n := int(r.u32())
	f.Data = append([]byte(nil), r.bytes(n)...)

	if r.err != nil {
		return r.err
	}
	return nil
}

// reader walks a frame message and records the first overrun
type reader struct {
	data []byte
	off  int
	err  error
}

func (r *reader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.data) {
		r.err = fmt.Errorf("%w: truncated at offset %d", ErrBadFrame, r.off)
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u8() uint8 {
	if b := r.bytes(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) u16() uint16 {
	if b := r.bytes(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (r *reader) u32() uint32 {
	if b := r.bytes(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (r *reader) u64() uint64 {
	if b := r.bytes(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (r *reader) str() string {
	return string(r.bytes(int(r.u16())))
}

func (r *reader) floats(dst []float64) {
	for i := range dst {
		dst[i] = math.Float64frombits(r.u64())
	}
}
