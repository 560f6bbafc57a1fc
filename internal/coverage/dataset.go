// Package coverage answers "which vendor's data applies here?" for the
// coverage-dispatched renderer. Datasets carry polygons in lon/lat
// order and per-projection scale validity ranges.
package coverage

import (
	"strings"

	"github.com/paulmach/orb"
)

// DefaultScaleRange applies when a dataset declares no range for the
// requested projection.
var DefaultScaleRange = ScaleRange{Lo: 0, Hi: 100000000}

// ScaleRange is an inclusive scale denominator interval.
type ScaleRange struct {
	Lo int
	Hi int
}

// Contains reports whether scale falls inside the range.
func (r ScaleRange) Contains(scale int) bool {
	return scale >= r.Lo && scale <= r.Hi
}

// Dataset is one vendor coverage area.
type Dataset struct {
	ID           int
	Name         string
	VendorName   string
	CoverageName string
	Copyright    string

	Bound       orb.Bound
	ScaleRanges map[string]ScaleRange
	Polygons    []orb.Polygon
}

// Label returns the name used for dispatch: the coverage name when set,
// else the vendor name.
func (d *Dataset) Label() string {
	if d.CoverageName != "" {
		return d.CoverageName
	}
	return d.VendorName
}

// RangeFor returns the scale range for a projection, falling back to
// the projection-agnostic default range.
func (d *Dataset) RangeFor(projection string) ScaleRange {
	if r, ok := d.ScaleRanges[strings.ToUpper(projection)]; ok {
		return r
	}
	if r, ok := d.ScaleRanges[""]; ok {
		return r
	}
	return DefaultScaleRange
}
