package pixfmt

import "sort"

// Registry maps sensor pixel formats to conversions. It is built once and
// only read afterwards, so it is safe to share between workers.
type Registry struct {
	conversions map[string]ConvertFunc
}

// NewRegistry builds a registry from a copy of entries
func NewRegistry(entries map[string]ConvertFunc) *Registry {
	conversions := make(map[string]ConvertFunc, len(entries))
	for name, fn := range entries {
		conversions[name] = fn
	}
	return &Registry{conversions: conversions}
}

// DefaultRegistry returns the conversions for the formats GigE cameras commonly send
func DefaultRegistry() *Registry {
	return NewRegistry(map[string]ConvertFunc{
		"Mono8":          Rename("mono8"),
		"Mono10":         Shift("mono16", 6),
		"Mono10p":        Unpack10p("mono16"),
		"Mono12":         Shift("mono16", 4),
		"Mono12p":        Unpack12p("mono16"),
		"Mono12Packed":   Unpack12Packed("mono16"),
		"Mono16":         Rename("mono16"),
		"RGB8":           Rename("rgb8"),
		"BGR8":           Rename("bgr8"),
		"RGBa8":          Rename("rgba8"),
		"BGRa8":          Rename("bgra8"),
		"BayerRG8":       Rename("bayer_rggb8"),
		"BayerBG8":       Rename("bayer_bggr8"),
		"BayerGB8":       Rename("bayer_gbrg8"),
		"BayerGR8":       Rename("bayer_grbg8"),
		"BayerRG16":      Rename("bayer_rggb16"),
		"BayerBG16":      Rename("bayer_bggr16"),
		"BayerGB16":      Rename("bayer_gbrg16"),
		"BayerGR16":      Rename("bayer_grbg16"),
		"YUV422_8_UYVY":  Rename("yuv422"),
		"Coord3D_C16":    Rename("mono16"),
		"Coord3D_ABC32f": Rename("32FC3"),
		"Confidence8":    Rename("mono8"),
		"Confidence16":   Rename("mono16"),
	})
}

// Lookup returns the conversion registered for format
func (r *Registry) Lookup(format string) (ConvertFunc, bool) {
	if r == nil {
		return nil, false
	}
	fn, ok := r.conversions[format]
	return fn, ok
}

// Formats returns the registered format names, sorted
func (r *Registry) Formats() []string {
	names := make([]string, 0, len(r.conversions))
	for name := range r.conversions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
