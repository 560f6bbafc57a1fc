package render

import (
	"context"
	"fmt"
	"image"
	"math"

	mapnik "github.com/omniscale/go-mapnik/v2"
	"github.com/paulmach/orb/geojson"

	"github.com/cartogrid/renderq/internal/tile"
)

const webMercatorSRS = "+proj=merc +a=6378137 +b=6378137 +lat_ts=0.0 +lon_0=0.0 +x_0=0.0 +y_0=0 +k=1.0 +units=m +nadgrids=@null +no_defs +over"

// MapnikEngine is the production VectorEngine: one mapnik map object
// loaded from an XML style file. Not safe for concurrent use; each
// worker process owns its own instance.
type MapnikEngine struct {
	m      *mapnik.Map
	buffer int
}

// NewMapnikEngine loads a mapnik XML style. datasourceDir registers
// mapnik's input plugins and may be empty when already registered.
func NewMapnikEngine(styleFile, datasourceDir string, bufferPixels int) (*MapnikEngine, error) {
	if datasourceDir != "" {
		if err := mapnik.RegisterDatasources(datasourceDir); err != nil {
			return nil, fmt.Errorf("register mapnik datasources: %w", err)
		}
	}
	m := mapnik.NewSized(tile.TileSize, tile.TileSize)
	if err := m.Load(styleFile); err != nil {
		return nil, fmt.Errorf("load mapnik style %s: %w", styleFile, err)
	}
	m.SetSRS(webMercatorSRS)
	if bufferPixels > 0 {
		m.SetBufferSize(bufferPixels)
	}
	return &MapnikEngine{m: m, buffer: bufferPixels}, nil
}

func (e *MapnikEngine) Render(ctx context.Context, bbox tile.BBox, width, height int) (*image.NRGBA, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.m.Resize(width, height)
	minX, minY := lngLatToMeters(bbox.Min.Lng, bbox.Min.Lat)
	maxX, maxY := lngLatToMeters(bbox.Max.Lng, bbox.Max.Lat)
	e.m.ZoomTo(minX, minY, maxX, maxY)

	img, err := e.m.RenderImage(mapnik.RenderOpts{Format: "png32"})
	if err != nil {
		return nil, fmt.Errorf("mapnik render: %w", err)
	}
	return img, nil
}

// Features returns an empty collection; interactive metadata requires
// a search-capable engine fronting the same data.
func (e *MapnikEngine) Features(ctx context.Context, bbox tile.BBox) (*geojson.FeatureCollection, error) {
	return geojson.NewFeatureCollection(), nil
}

// Close frees the underlying mapnik map object.
func (e *MapnikEngine) Close() error {
	if e.m != nil {
		e.m.Free()
		e.m = nil
	}
	return nil
}

// lngLatToMeters projects WGS84 to EPSG:3857 meters.
func lngLatToMeters(lng, lat float64) (float64, float64) {
	const earthRadius = 6378137.0
	x := lng * earthRadius * math.Pi / 180.0
	y := earthRadius * math.Log(math.Tan(math.Pi/4.0+lat*math.Pi/360.0))
	return x, y
}
