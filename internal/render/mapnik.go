package render

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"

	"github.com/cartogrid/renderq/internal/tile"
)

// VectorEngine rasterizes one map style over a geographic extent. The
// production implementation wraps mapnik; tests substitute fakes.
type VectorEngine interface {
	// Render draws the style over the WGS84 bounding box at the given
	// pixel dimensions.
	Render(ctx context.Context, bbox tile.BBox, width, height int) (*image.NRGBA, error)

	// Features returns the interactive features inside the bounding
	// box: points of interest with id, name and bounding rectangles.
	// Engines without a search plugin return an empty collection.
	Features(ctx context.Context, bbox tile.BBox) (*geojson.FeatureCollection, error)
}

// Region is an alternative style limited to a WKT-masked area.
type Region struct {
	Name   string
	Mask   orb.Geometry
	Engine VectorEngine
}

// ParseRegionMask parses the WKT polygon limiting a region style.
func ParseRegionMask(s string) (orb.Geometry, error) {
	g, err := wkt.Unmarshal(s)
	if err != nil {
		return nil, fmt.Errorf("region mask: %w", err)
	}
	switch g.(type) {
	case orb.Polygon, orb.MultiPolygon:
		return g, nil
	default:
		return nil, fmt.Errorf("region mask must be a polygon, got %T", g)
	}
}

// Vector renders a default vector style, substituting or blending
// region styles where their masks cover the tile.
type Vector struct {
	def     VectorEngine
	regions []Region
	logger  *slog.Logger
}

// NewVector builds the vector leaf renderer.
func NewVector(def VectorEngine, regions []Region, logger *slog.Logger) (*Vector, error) {
	if def == nil {
		return nil, fmt.Errorf("vector renderer needs a default engine")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Vector{def: def, regions: regions, logger: logger}, nil
}

// Process renders the metatile. The first region whose mask intersects
// the tile footprint wins: full containment renders the region style
// alone; partial overlap renders the default, cuts the masked area out
// and blends the region style into the hole.
func (v *Vector) Process(ctx context.Context, t *tile.Tile) (*Result, error) {
	footprint := bboxBound(t.BBox)

	engine := v.def
	var partial *Region
	for i := range v.regions {
		r := &v.regions[i]
		rel := maskRelation(r.Mask, footprint)
		if rel == maskContains {
			engine = r.Engine
			break
		}
		if rel == maskIntersects {
			partial = r
			break
		}
	}

	img, err := engine.Render(ctx, t.BBox, t.Size, t.Size)
	if err != nil {
		return nil, fmt.Errorf("vector render %s: %w", t.Coords().String(), err)
	}

	if partial != nil {
		over, err := partial.Engine.Render(ctx, t.BBox, t.Size, t.Size)
		if err != nil {
			return nil, fmt.Errorf("vector region %q: %w", partial.Name, err)
		}
		img = blendMasked(img, over, partial.Mask, t)
	}

	res, err := FromImage(img, t.Dim)
	if err != nil {
		return nil, err
	}

	fc, err := engine.Features(ctx, t.BBox)
	if err != nil {
		return nil, fmt.Errorf("vector features: %w", err)
	}
	if fc != nil && len(fc.Features) > 0 {
		if err := DistributeFeatures(res, t, fc.Features); err != nil {
			return nil, err
		}
	}
	return res, nil
}

type maskRel int

const (
	maskOutside maskRel = iota
	maskIntersects
	maskContains
)

// maskRelation classifies a region mask against the tile footprint:
// containing all four corners, touching it, or missing it entirely.
func maskRelation(mask orb.Geometry, footprint orb.Bound) maskRel {
	if !mask.Bound().Intersects(footprint) {
		return maskOutside
	}
	corners := []orb.Point{
		footprint.Min,
		{footprint.Max[0], footprint.Min[1]},
		footprint.Max,
		{footprint.Min[0], footprint.Max[1]},
	}
	inside := 0
	for _, p := range corners {
		if geometryContains(mask, p) {
			inside++
		}
	}
	switch inside {
	case len(corners):
		return maskContains
	case 0:
		// bound overlap without corner containment still counts as a
		// partial overlap when the mask pokes into the tile interior
		if mask.Bound().Intersects(footprint) {
			return maskIntersects
		}
		return maskOutside
	default:
		return maskIntersects
	}
}

func geometryContains(g orb.Geometry, p orb.Point) bool {
	switch m := g.(type) {
	case orb.Polygon:
		return planar.PolygonContains(m, p)
	case orb.MultiPolygon:
		return planar.MultiPolygonContains(m, p)
	default:
		return false
	}
}

// blendMasked punches the mask out of base (destination-out) and lays
// the region render into the hole.
func blendMasked(base, over *image.NRGBA, mask orb.Geometry, t *tile.Tile) *image.NRGBA {
	out := image.NewNRGBA(base.Bounds())
	copy(out.Pix, base.Pix)

	b := out.Bounds()
	px0 := float64(t.X * tile.TileSize)
	py0 := float64(t.Y * tile.TileSize)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			lng, lat := t.Proj.FromPixels(px0+float64(x)+0.5, py0+float64(y)+0.5, t.Z)
			if math.IsNaN(lat) || !geometryContains(mask, orb.Point{lng, lat}) {
				continue
			}
			out.SetNRGBA(x, y, over.NRGBAAt(x, y))
		}
	}
	return out
}

func bboxBound(b tile.BBox) orb.Bound {
	return orb.Bound{
		Min: orb.Point{b.Min.Lng, b.Min.Lat},
		Max: orb.Point{b.Max.Lng, b.Max.Lat},
	}
}
