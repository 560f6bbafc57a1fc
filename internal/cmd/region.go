package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cartogrid/renderq/internal/tile"
)

// region is a lng/lat rectangle with a zoom range, the addressing unit
// of the bulk commands.
type region struct {
	minLng, minLat float64
	maxLng, maxLat float64
	zoomMin        int
	zoomMax        int
}

func parseRegion(bbox string, zoomMin, zoomMax int) (region, error) {
	r := region{minLng: -180, minLat: -85.0511, maxLng: 180, maxLat: 85.0511,
		zoomMin: zoomMin, zoomMax: zoomMax}

	if bbox != "" {
		parts := strings.Split(bbox, ",")
		if len(parts) != 4 {
			return r, fmt.Errorf("bbox needs minLng,minLat,maxLng,maxLat, got %q", bbox)
		}
		vals := make([]float64, 4)
		for i, p := range parts {
			v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
			if err != nil {
				return r, fmt.Errorf("bbox component %q: %w", p, err)
			}
			vals[i] = v
		}
		r.minLng, r.minLat, r.maxLng, r.maxLat = vals[0], vals[1], vals[2], vals[3]
	}
	if r.minLng >= r.maxLng || r.minLat >= r.maxLat {
		return r, fmt.Errorf("empty bbox %q", bbox)
	}
	if zoomMin < 0 || zoomMax < zoomMin {
		return r, fmt.Errorf("bad zoom range %d..%d", zoomMin, zoomMax)
	}
	return r, nil
}

// anchors calls fn for every metatile anchor the region touches, coarse
// zooms first. Iteration stops on the first error.
func (r region) anchors(proj *tile.Mercator, fn func(c tile.Coords) error) error {
	for z := r.zoomMin; z <= r.zoomMax; z++ {
		x0, y0 := tile.XYFromLatLng(r.maxLat, r.minLng, z, proj)
		x1, y1 := tile.XYFromLatLng(r.minLat, r.maxLng, z, proj)

		max := (1 << uint(z)) - 1
		x0, y0 = clampInt(x0, 0, max), clampInt(y0, 0, max)
		x1, y1 = clampInt(x1, 0, max), clampInt(y1, 0, max)

		for y := y0 &^ (tile.Metatile - 1); y <= y1; y += tile.Metatile {
			for x := x0 &^ (tile.Metatile - 1); x <= x1; x += tile.Metatile {
				if err := fn(tile.Coords{Z: z, X: x, Y: y}); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
