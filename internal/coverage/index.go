package coverage

import (
	"log/slog"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"github.com/cartogrid/renderq/internal/metatile"
	"github.com/cartogrid/renderq/internal/tile"
)

// ProjectionMercator is the projection key tiles are rendered in.
const ProjectionMercator = "MERCATOR"

// Index holds the datasets of one coverage, in declaration order.
// Query results preserve that order, so repeated queries for the same
// tile always dispatch to the same dataset.
type Index struct {
	datasets []*Dataset
	logger   *slog.Logger
}

// NewIndex builds an index over datasets. The slice order is the
// priority order for dispatch.
func NewIndex(datasets []*Dataset, logger *slog.Logger) *Index {
	if logger == nil {
		logger = slog.Default()
	}
	return &Index{datasets: datasets, logger: logger}
}

// Datasets returns every dataset in priority order.
func (ix *Index) Datasets() []*Dataset { return ix.datasets }

// ForScale returns the datasets whose scale range for the projection
// contains the given scale denominator.
func (ix *Index) ForScale(scale int, projection string) []*Dataset {
	var out []*Dataset
	for _, d := range ix.datasets {
		if d.RangeFor(projection).Contains(scale) {
			out = append(out, d)
		}
	}
	return out
}

// Intersecting filters candidates down to those whose polygons touch
// the query geometry. With usePolygon the query region is tested for
// polygon intersection; otherwise each query point is tested for
// containment. With allMatches every hit is returned, otherwise the
// first hit wins.
func (ix *Index) Intersecting(candidates []*Dataset, region orb.Polygon, points []orb.Point, allMatches, usePolygon bool) []*Dataset {
	var out []*Dataset
	for _, d := range candidates {
		hit := false
		if usePolygon {
			hit = datasetIntersects(d, region)
		} else {
			hit = datasetContainsAny(d, points)
		}
		if hit {
			out = append(out, d)
			if !allMatches {
				break
			}
		}
	}
	return out
}

// CheckTile resolves the datasets applicable to a whole metatile: scale
// filter first, then a polygon intersection against the tile footprint.
func (ix *Index) CheckTile(t *tile.Tile, allMatches bool) []*Dataset {
	candidates := ix.ForScale(t.Scale, ProjectionMercator)
	region := orb.Polygon{orb.Ring{
		{t.BBox.Min.Lng, t.BBox.Min.Lat},
		{t.BBox.Max.Lng, t.BBox.Min.Lat},
		{t.BBox.Max.Lng, t.BBox.Max.Lat},
		{t.BBox.Min.Lng, t.BBox.Max.Lat},
		{t.BBox.Min.Lng, t.BBox.Min.Lat},
	}}
	return ix.Intersecting(candidates, region, nil, allMatches, true)
}

// CheckSubTiles maps every sub-tile of a metatile to its coverage
// labels, testing the four sub-tile corners for containment. The second
// return value lists the distinct labels across the whole metatile, in
// first-seen row-major order.
func (ix *Index) CheckSubTiles(t *tile.Tile) (map[metatile.Pos][]string, []string) {
	candidates := ix.ForScale(t.Scale, ProjectionMercator)

	perTile := make(map[metatile.Pos][]string, t.Dim*t.Dim)
	var unique []string
	seen := make(map[string]struct{})

	for row := 0; row < t.Dim; row++ {
		for col := 0; col < t.Dim; col++ {
			sub, err := t.SubTile(row, col)
			if err != nil {
				continue
			}
			corners := []orb.Point{
				{sub.BBox.Min.Lng, sub.BBox.Min.Lat},
				{sub.BBox.Max.Lng, sub.BBox.Min.Lat},
				{sub.BBox.Max.Lng, sub.BBox.Max.Lat},
				{sub.BBox.Min.Lng, sub.BBox.Max.Lat},
			}
			hits := ix.Intersecting(candidates, nil, corners, true, false)

			labels := make([]string, 0, len(hits))
			for _, d := range hits {
				labels = append(labels, d.Label())
			}
			perTile[metatile.Pos{Row: row, Col: col}] = labels

			for _, l := range labels {
				if _, ok := seen[l]; !ok {
					seen[l] = struct{}{}
					unique = append(unique, l)
				}
			}
		}
	}
	return perTile, unique
}

func datasetContainsAny(d *Dataset, points []orb.Point) bool {
	for _, p := range points {
		if !d.Bound.Contains(p) {
			continue
		}
		if len(d.Polygons) == 0 {
			return true
		}
		for _, poly := range d.Polygons {
			if planar.PolygonContains(poly, p) {
				return true
			}
		}
	}
	return false
}

func datasetIntersects(d *Dataset, region orb.Polygon) bool {
	if !d.Bound.Intersects(region.Bound()) {
		return false
	}
	if len(d.Polygons) == 0 {
		return true
	}
	for _, poly := range d.Polygons {
		if polygonsIntersect(poly, region) {
			return true
		}
	}
	return false
}

// polygonsIntersect reports whether two polygons overlap: a vertex of
// one inside the other, or any pair of edges crossing. Containment of
// either polygon in the other counts as overlap.
func polygonsIntersect(a, b orb.Polygon) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	for _, p := range a[0] {
		if planar.PolygonContains(b, p) {
			return true
		}
	}
	for _, p := range b[0] {
		if planar.PolygonContains(a, p) {
			return true
		}
	}
	return ringsCross(a[0], b[0])
}

func ringsCross(a, b orb.Ring) bool {
	for i := 0; i+1 < len(a); i++ {
		for j := 0; j+1 < len(b); j++ {
			if segmentsCross(a[i], a[i+1], b[j], b[j+1]) {
				return true
			}
		}
	}
	return false
}

func segmentsCross(p1, p2, q1, q2 orb.Point) bool {
	d1 := cross(q1, q2, p1)
	d2 := cross(q1, q2, p2)
	d3 := cross(p1, p2, q1)
	d4 := cross(p1, p2, q2)
	return ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) &&
		((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0))
}

func cross(o, a, b orb.Point) float64 {
	return (a[0]-o[0])*(b[1]-o[1]) - (a[1]-o[1])*(b[0]-o[0])
}
