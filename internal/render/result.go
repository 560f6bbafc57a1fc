package render

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/cartogrid/renderq/internal/metatile"
	"github.com/cartogrid/renderq/internal/tile"
)

// Result is a rendered metatile: one 256x256 RGBA raster per sub-tile
// position, plus a feature collection per position. Both maps always
// share the same keyset; empty collections are present, not absent.
type Result struct {
	Data map[metatile.Pos]*image.NRGBA
	Meta map[metatile.Pos]*geojson.FeatureCollection
}

// NewResult allocates an empty result covering dim x dim sub-tiles,
// with every raster slot nil and every meta slot an empty collection.
func NewResult(dim int) *Result {
	r := &Result{
		Data: make(map[metatile.Pos]*image.NRGBA, dim*dim),
		Meta: make(map[metatile.Pos]*geojson.FeatureCollection, dim*dim),
	}
	for row := 0; row < dim; row++ {
		for col := 0; col < dim; col++ {
			pos := metatile.Pos{Row: row, Col: col}
			r.Data[pos] = nil
			r.Meta[pos] = geojson.NewFeatureCollection()
		}
	}
	return r
}

// FromImage cuts a metatile-sized raster into dim x dim sub-tile
// rasters. The source must be exactly dim*256 pixels square.
func FromImage(src image.Image, dim int) (*Result, error) {
	want := image.Rect(0, 0, dim*tile.TileSize, dim*tile.TileSize)
	if src.Bounds().Size() != want.Size() {
		return nil, fmt.Errorf("raster is %v, want %v", src.Bounds().Size(), want.Size())
	}

	r := NewResult(dim)
	off := src.Bounds().Min
	for row := 0; row < dim; row++ {
		for col := 0; col < dim; col++ {
			sub := image.NewNRGBA(image.Rect(0, 0, tile.TileSize, tile.TileSize))
			sp := off.Add(image.Pt(col*tile.TileSize, row*tile.TileSize))
			draw.Draw(sub, sub.Bounds(), src, sp, draw.Src)
			r.Data[metatile.Pos{Row: row, Col: col}] = sub
		}
	}
	return r, nil
}

// Decode rebuilds a Result from a stored metatile blob: the raster
// section is image-decoded per sub-tile, the json section parsed into
// feature collections. Used by the storage front on a cache hit.
func Decode(blob []byte, dim int) (*Result, error) {
	reader := metatile.NewReader(blob)
	raster := reader.Raster()
	if raster == nil {
		return nil, fmt.Errorf("stored metatile has no raster section")
	}

	r := NewResult(dim)
	for row := 0; row < dim; row++ {
		for col := 0; col < dim; col++ {
			b := raster.At(row, col)
			if len(b) == 0 {
				continue
			}
			img, _, err := image.Decode(bytes.NewReader(b))
			if err != nil {
				return nil, fmt.Errorf("decode stored sub-tile (%d,%d): %w", row, col, err)
			}
			nrgba := image.NewNRGBA(image.Rect(0, 0, tile.TileSize, tile.TileSize))
			draw.Draw(nrgba, nrgba.Bounds(), img, img.Bounds().Min, draw.Src)
			r.Data[metatile.Pos{Row: row, Col: col}] = nrgba
		}
	}

	if md := reader.Metadata(); md != nil {
		for row := 0; row < dim; row++ {
			for col := 0; col < dim; col++ {
				b := md.At(row, col)
				if len(b) == 0 {
					continue
				}
				fc, err := geojson.UnmarshalFeatureCollection(b)
				if err != nil {
					return nil, fmt.Errorf("decode stored metadata (%d,%d): %w", row, col, err)
				}
				r.Meta[metatile.Pos{Row: row, Col: col}] = fc
			}
		}
	}
	return r, nil
}

// EncodeMeta serializes every feature collection to JSON bytes for the
// metatile container's json section.
func (r *Result) EncodeMeta() (map[metatile.Pos][]byte, error) {
	out := make(map[metatile.Pos][]byte, len(r.Meta))
	for pos, fc := range r.Meta {
		if fc == nil {
			fc = geojson.NewFeatureCollection()
		}
		b, err := fc.MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("encode metadata (%d,%d): %w", pos.Row, pos.Col, err)
		}
		out[pos] = b
	}
	return out, nil
}

// DistributeFeatures assigns features to the sub-tiles whose bounding
// boxes their geometry touches. A feature spanning several sub-tiles
// appears in each.
func DistributeFeatures(r *Result, t *tile.Tile, features []*geojson.Feature) error {
	for row := 0; row < t.Dim; row++ {
		for col := 0; col < t.Dim; col++ {
			sub, err := t.SubTile(row, col)
			if err != nil {
				return err
			}
			bound := orb.Bound{
				Min: orb.Point{sub.BBox.Min.Lng, sub.BBox.Min.Lat},
				Max: orb.Point{sub.BBox.Max.Lng, sub.BBox.Max.Lat},
			}
			pos := metatile.Pos{Row: row, Col: col}
			for _, f := range features {
				if f.Geometry == nil {
					continue
				}
				if bound.Intersects(f.Geometry.Bound()) {
					r.Meta[pos].Append(f)
				}
			}
		}
	}
	return nil
}
