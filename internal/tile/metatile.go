package tile

import (
	"fmt"
	"math"
)

// LatLng is a geographic coordinate.
type LatLng struct {
	Lat float64
	Lng float64
}

// BBox is a geographic bounding box with Min at the south-west corner
// and Max at the north-east corner.
type BBox struct {
	Min LatLng
	Max LatLng
}

// Tile is the unit handed to renderers: a metatile anchor plus the
// geometry derived from it. X and Y are always masked to the anchor.
type Tile struct {
	X     int
	Y     int
	Z     int
	Style string

	// Dim is the number of sub-tile rows/columns (1 for a sub-tile,
	// MetaSize(z) for a metatile). Size is the pixel side length.
	Dim  int
	Size int

	BBox   BBox
	Center LatLng
	Scale  int

	Proj *Mercator
}

// NewTile builds the metatile Tile for a job's coordinates. The anchor
// is the job's (x, y) masked to a multiple of Metatile.
func NewTile(z, x, y int, style string, proj *Mercator) *Tile {
	dim := MetaSize(z)
	t := &Tile{
		X:     x &^ (Metatile - 1),
		Y:     y &^ (Metatile - 1),
		Z:     z,
		Style: style,
		Dim:   dim,
		Size:  dim * TileSize,
		Scale: ScaleForZoom(z),
		Proj:  proj,
	}
	t.BBox, t.Center = boundingBox(t.X, t.Y, t.Z, dim, proj)
	return t
}

// SubTile returns the 1x1 tile at (row, col) within the metatile, or an
// error when the position is outside the metatile's dimensions.
func (t *Tile) SubTile(row, col int) (*Tile, error) {
	if row < 0 || col < 0 || row >= t.Dim || col >= t.Dim {
		return nil, fmt.Errorf("sub-tile (%d,%d) outside metatile of dimension %d", row, col, t.Dim)
	}
	sub := *t
	sub.Dim = 1
	sub.Size = TileSize
	sub.X = t.X + col
	sub.Y = t.Y + row
	sub.BBox, sub.Center = boundingBox(sub.X, sub.Y, sub.Z, 1, t.Proj)
	return &sub, nil
}

// Coords returns the anchor coordinate of the tile.
func (t *Tile) Coords() Coords {
	return Coords{Z: t.Z, X: t.X, Y: t.Y}
}

// boundingBox computes the WGS84 bounding box and center of a block of
// dim x dim tiles anchored at (x, y).
func boundingBox(x, y, z, dim int, proj *Mercator) (BBox, LatLng) {
	x0 := float64(x * TileSize)
	y0 := float64((y + dim) * TileSize)
	x1 := float64((x + dim) * TileSize)
	y1 := float64(y * TileSize)

	swLng, swLat := proj.FromPixels(x0, y0, z)
	neLng, neLat := proj.FromPixels(x1, y1, z)

	cx := math.Floor(math.Ldexp(x0+x1, -1) + 0.5)
	cy := math.Floor(math.Ldexp(y0+y1, -1) + 0.5)
	cLng, cLat := proj.FromPixels(cx, cy, z)

	bbox := BBox{
		Min: LatLng{Lat: swLat, Lng: swLng},
		Max: LatLng{Lat: neLat, Lng: neLng},
	}
	return bbox, LatLng{Lat: cLat, Lng: cLng}
}

// XYFromLatLng returns the tile coordinate containing a geographic
// point at the given zoom, wrapping out-of-range coordinates.
func XYFromLatLng(lat, lng float64, zoom int, proj *Mercator) (int, int) {
	lat = CircularClamp(-90.0, 90.0, lat)
	lng = CircularClamp(-180.0, 180.0, lng)
	px, py := proj.ToPixels(lng, lat, zoom)
	return int(px) / TileSize, int(py) / TileSize
}
