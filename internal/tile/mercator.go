// Package tile provides spherical Mercator projection math, metatile
// coordinate handling and Morton indexing for the render cluster.
package tile

import "math"

const (
	degToRad = math.Pi / 180
	radToDeg = 180 / math.Pi
)

// Mercator projects between WGS84 lat/lng and pixel coordinates under
// spherical Mercator, with per-zoom constants precomputed up to the
// configured number of levels.
type Mercator struct {
	bc []float64
	cc []float64
	zc []float64
	ac []float64
}

// NewMercator precomputes projection constants for zoom levels [0, levels).
func NewMercator(levels int) *Mercator {
	m := &Mercator{
		bc: make([]float64, levels),
		cc: make([]float64, levels),
		zc: make([]float64, levels),
		ac: make([]float64, levels),
	}
	c := 256.0
	for z := 0; z < levels; z++ {
		m.bc[z] = c / 360.0
		m.cc[z] = c / (2 * math.Pi)
		m.zc[z] = c / 2
		m.ac[z] = c
		c *= 2
	}
	return m
}

// Levels returns the number of zoom levels the projection covers.
func (m *Mercator) Levels() int { return len(m.bc) }

// ToPixels converts (lng, lat) to pixel coordinates at the given zoom.
// Latitude is clamped so the projection stays finite at the poles.
func (m *Mercator) ToPixels(lng, lat float64, zoom int) (float64, float64) {
	d := m.zc[zoom]
	e := math.Round(d + lng*m.bc[zoom])
	f := clamp(math.Sin(degToRad*lat), -0.9999, 0.9999)
	g := math.Round(d + 0.5*math.Log((1+f)/(1-f))*-m.cc[zoom])
	return e, g
}

// FromPixels converts pixel coordinates at the given zoom back to (lng, lat).
func (m *Mercator) FromPixels(px, py float64, zoom int) (float64, float64) {
	e := m.zc[zoom]
	lng := (px - e) / m.bc[zoom]
	g := (py - e) / -m.cc[zoom]
	lat := radToDeg * (2*math.Atan(math.Exp(g)) - 0.5*math.Pi)
	return lng, lat
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// CircularClamp brings value into [lo, hi] by wrapping around the range,
// treating it as circular (used for lat/lng normalization).
func CircularClamp(lo, hi, value float64) float64 {
	if lo > hi {
		lo, hi = hi, lo
	}
	length := (hi - lo) + 1
	switch {
	case value < lo:
		moved := (math.Trunc(math.Abs(value-lo)/length) * -length) + lo
		return hi - math.Abs(value-moved)
	case value > hi:
		moved := (math.Trunc(math.Abs(value-hi)/length) * length) + hi
		return lo + math.Abs(value-moved)
	default:
		return value
	}
}
