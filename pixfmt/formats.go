package pixfmt

import "sort"

// bitsPerPixel lists the packed pixel sizes of the GenICam formats we know
var bitsPerPixel = map[string]int{
	"Mono8":          8,
	"Mono10":         16,
	"Mono10p":        10,
	"Mono10Packed":   12,
	"Mono12":         16,
	"Mono12p":        12,
	"Mono12Packed":   12,
	"Mono14":         16,
	"Mono16":         16,
	"RGB8":           24,
	"BGR8":           24,
	"RGBa8":          32,
	"BGRa8":          32,
	"BayerRG8":       8,
	"BayerBG8":       8,
	"BayerGB8":       8,
	"BayerGR8":       8,
	"BayerRG16":      16,
	"BayerBG16":      16,
	"BayerGB16":      16,
	"BayerGR16":      16,
	"YUV422_8_UYVY":  16,
	"YUV422_8":       16,
	"Coord3D_C16":    16,
	"Coord3D_ABC32f": 96,
	"Confidence8":    8,
	"Confidence16":   16,
}

// BitsPerPixel returns the packed size of one pixel of the named format
func BitsPerPixel(name string) (int, bool) {
	bpp, ok := bitsPerPixel[name]
	return bpp, ok
}

// Known returns every format name with a known pixel size, sorted
func Known() []string {
	names := make([]string, 0, len(bitsPerPixel))
	for name := range bitsPerPixel {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
