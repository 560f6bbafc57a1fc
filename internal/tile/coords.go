package tile

import "fmt"

// TileSize is the pixel width/height of a single sub-tile.
const TileSize = 256

// Metatile is the number of sub-tiles per side of a full metatile.
const Metatile = 8

// Coords identifies a single tile in the z/x/y scheme.
type Coords struct {
	Z int
	X int
	Y int
}

// String returns the coordinate in z/x/y form.
func (c Coords) String() string {
	return fmt.Sprintf("%d/%d/%d", c.Z, c.X, c.Y)
}

// Anchor returns the metatile anchor for this coordinate, with x and y
// masked down to a multiple of Metatile.
func (c Coords) Anchor() Coords {
	return Coords{Z: c.Z, X: c.X &^ (Metatile - 1), Y: c.Y &^ (Metatile - 1)}
}

// MetaSize returns the number of sub-tiles per side at this zoom: a full
// 8x8 block except at z<3 where fewer tiles exist.
func MetaSize(z int) int {
	if n := 1 << uint(z); n < Metatile {
		return n
	}
	return Metatile
}

// scales is the map scale denominator per zoom level, as used by the
// coverage data to express validity ranges.
var scales = []int{
	443744033, 221872016, 110936008, 55468004, 27734002, 13867001,
	6933501, 3466750, 1733375, 866688, 433344, 216672, 108336, 54168,
	27084, 13542, 6771, 3385, 1693, 846, 423,
}

// ScaleForZoom returns the scale denominator for a zoom level. Levels
// beyond the table use the finest known scale.
func ScaleForZoom(z int) int {
	if z < 0 {
		return scales[0]
	}
	if z >= len(scales) {
		return scales[len(scales)-1]
	}
	return scales[z]
}
