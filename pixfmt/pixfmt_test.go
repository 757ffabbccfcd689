package pixfmt

import (
	"encoding/binary"
	"errors"
	"testing"

	"gige-streamer/pool"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func samples(data []byte) []uint16 {
	out := make([]uint16, len(data)/2)
	for i := range out {
		out[i] = binary.LittleEndian.Uint16(data[2*i:])
	}
	return out
}

func source(width, height int, data []byte) *pool.Image {
	img := pool.NewImage(data)
	img.Width = width
	img.Height = height
	img.Header = pool.Header{Seq: 42, FrameID: "cam/part"}
	return img
}

// TestUnpack12p tests GenICam 12p unpacking
func TestUnpack12p(t *testing.T) {
	// p0 = 0xABC, p1 = 0x123 packed LSB first
	src := source(2, 1, []byte{0xBC, 0x3A, 0x12})
	dst := pool.NewImage(nil)

	require.NoError(t, Unpack12p("mono16")(src, dst))

	assert.Equal(t, []uint16{0xABC << 4, 0x123 << 4}, samples(dst.Data))
	assert.Equal(t, "mono16", dst.Encoding)
	assert.Equal(t, 4, dst.Step)
	assert.Equal(t, uint64(42), dst.Header.Seq)
}

// TestUnpack12Packed tests GigE Vision Mono12Packed unpacking
func TestUnpack12Packed(t *testing.T) {
	// p0 = 0xABC, p1 = 0x123
	src := source(2, 1, []byte{0xAB, 0x3C, 0x12})
	dst := pool.NewImage(nil)

	require.NoError(t, Unpack12Packed("mono16")(src, dst))
	assert.Equal(t, []uint16{0xABC << 4, 0x123 << 4}, samples(dst.Data))
}

// TestUnpack12OddPixelCount tests that a trailing half group is unpacked
func TestUnpack12OddPixelCount(t *testing.T) {
	src := source(3, 1, []byte{0xBC, 0x3A, 0x12, 0xFF, 0x0F})
	dst := pool.NewImage(nil)

	require.NoError(t, Unpack12p("mono16")(src, dst))
	assert.Equal(t, []uint16{0xABC << 4, 0x123 << 4, 0xFFF << 4}, samples(dst.Data))
}

// TestUnpack10p tests GenICam 10p unpacking
func TestUnpack10p(t *testing.T) {
	// Four pixels 0x3FF, 0x000, 0x155, 0x2AA packed LSB first into five bytes
	values := []uint16{0x3FF, 0x000, 0x155, 0x2AA}
	var bits uint64
	for i, v := range values {
		bits |= uint64(v) << (10 * i)
	}
	packed := make([]byte, 5)
	for i := range packed {
		packed[i] = byte(bits >> (8 * i))
	}

	src := source(4, 1, packed)
	dst := pool.NewImage(nil)

	require.NoError(t, Unpack10p("mono16")(src, dst))

	want := make([]uint16, len(values))
	for i, v := range values {
		want[i] = v << 6
	}
	assert.Equal(t, want, samples(dst.Data))
}

// TestShift tests widening of 16-bit containers
func TestShift(t *testing.T) {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint16(data, 0x0FFF)
	binary.LittleEndian.PutUint16(data[2:], 0x0001)

	src := source(2, 1, data)
	dst := pool.NewImage(nil)

	require.NoError(t, Shift("mono16", 4)(src, dst))
	assert.Equal(t, []uint16{0xFFF0, 0x0010}, samples(dst.Data))
}

// TestRenameCopies tests that a rename never aliases the source
func TestRenameCopies(t *testing.T) {
	src := source(2, 1, []byte{1, 2})
	src.Step = 2
	dst := pool.NewImage(nil)

	require.NoError(t, Rename("mono8")(src, dst))

	src.Data[0] = 9
	assert.Equal(t, []byte{1, 2}, dst.Data)
	assert.Equal(t, "mono8", dst.Encoding)
	assert.Equal(t, 2, dst.Step)
}

// TestShortSource tests that conversions reject truncated input
func TestShortSource(t *testing.T) {
	src := source(4, 4, []byte{1, 2, 3})
	dst := pool.NewImage(nil)

	for name, fn := range map[string]ConvertFunc{
		"shift":    Shift("mono16", 4),
		"10p":      Unpack10p("mono16"),
		"12p":      Unpack12p("mono16"),
		"12packed": Unpack12Packed("mono16"),
	} {
		err := fn(src, dst)
		assert.True(t, errors.Is(err, ErrShortBuffer), name)
	}
}

// TestDefaultRegistry tests lookups against the default table
func TestDefaultRegistry(t *testing.T) {
	reg := DefaultRegistry()

	_, ok := reg.Lookup("Mono12p")
	assert.True(t, ok)

	_, ok = reg.Lookup("Mono14")
	assert.False(t, ok, "Mono14 has no conversion and passes through")

	var nilReg *Registry
	_, ok = nilReg.Lookup("Mono8")
	assert.False(t, ok)

	// Every registered format has a known pixel size
	for _, name := range reg.Formats() {
		_, ok := BitsPerPixel(name)
		assert.True(t, ok, name)
	}
}

// TestNewRegistryCopies tests that later edits to the source map are not visible
func TestNewRegistryCopies(t *testing.T) {
	entries := map[string]ConvertFunc{"Mono8": Rename("mono8")}
	reg := NewRegistry(entries)
	entries["RGB8"] = Rename("rgb8")

	_, ok := reg.Lookup("RGB8")
	assert.False(t, ok)
}
