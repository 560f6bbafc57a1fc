package render

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"net/http"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"golang.org/x/sync/errgroup"

	"github.com/cartogrid/renderq/internal/tile"
)

// POI is one point of interest returned by the mapware search service.
type POI struct {
	ID    string  `json:"id"`
	Name  string  `json:"name"`
	Lat   float64 `json:"lat"`
	Lng   float64 `json:"lng"`
	Layer string  `json:"layer,omitempty"`
}

type searchRequest struct {
	Layer  string  `json:"layer"`
	MinLat float64 `json:"min_lat"`
	MinLng float64 `json:"min_lng"`
	MaxLat float64 `json:"max_lat"`
	MaxLng float64 `json:"max_lng"`
	Scale  int     `json:"scale"`
}

type searchResponse struct {
	POIs []POI `json:"pois"`
}

type renderRequest struct {
	Style string `json:"style"`
	Z     int    `json:"z"`
	X     int    `json:"x"`
	Y     int    `json:"y"`
	Size  int    `json:"size"`
	POIs  []POI  `json:"pois"`
}

// Mapware drives an external map-composition service: a JSON POI
// search per configured layer, then a tiling call that returns a raw
// RGBA buffer for the metatile. The searched POIs become the
// interactive metadata.
type Mapware struct {
	style     string
	searchURL string
	renderURL string
	layers    []string
	client    *http.Client
}

func NewMapware(style, searchURL, renderURL string, layers []string, client *http.Client) (*Mapware, error) {
	if renderURL == "" {
		return nil, fmt.Errorf("mapware renderer needs a render url")
	}
	if len(layers) > 0 && searchURL == "" {
		return nil, fmt.Errorf("mapware renderer has poi layers but no search url")
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Mapware{
		style:     style,
		searchURL: searchURL,
		renderURL: renderURL,
		layers:    layers,
		client:    client,
	}, nil
}

func (m *Mapware) Process(ctx context.Context, t *tile.Tile) (*Result, error) {
	pois, err := m.searchAll(ctx, t)
	if err != nil {
		return nil, err
	}

	raw, err := m.render(ctx, t, pois)
	if err != nil {
		return nil, err
	}
	res, err := FromImage(raw, t.Dim)
	if err != nil {
		return nil, err
	}

	features := make([]*geojson.Feature, 0, len(pois))
	for _, p := range pois {
		f := geojson.NewFeature(orb.Point{p.Lng, p.Lat})
		f.Properties["id"] = p.ID
		f.Properties["name"] = p.Name
		if p.Layer != "" {
			f.Properties["layer"] = p.Layer
		}
		features = append(features, f)
	}
	if err := DistributeFeatures(res, t, features); err != nil {
		return nil, err
	}
	return res, nil
}

// searchAll queries every configured layer in parallel and merges the
// results in layer order.
func (m *Mapware) searchAll(ctx context.Context, t *tile.Tile) ([]POI, error) {
	if len(m.layers) == 0 {
		return nil, nil
	}

	perLayer := make([][]POI, len(m.layers))
	g, ctx := errgroup.WithContext(ctx)
	for i, layer := range m.layers {
		i, layer := i, layer
		g.Go(func() error {
			pois, err := m.searchLayer(ctx, t, layer)
			if err != nil {
				return fmt.Errorf("mapware search layer %q: %w", layer, err)
			}
			perLayer[i] = pois
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []POI
	for i, pois := range perLayer {
		for _, p := range pois {
			if p.Layer == "" {
				p.Layer = m.layers[i]
			}
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *Mapware) searchLayer(ctx context.Context, t *tile.Tile, layer string) ([]POI, error) {
	body, err := json.Marshal(searchRequest{
		Layer:  layer,
		MinLat: t.BBox.Min.Lat,
		MinLng: t.BBox.Min.Lng,
		MaxLat: t.BBox.Max.Lat,
		MaxLng: t.BBox.Max.Lng,
		Scale:  t.Scale,
	})
	if err != nil {
		return nil, err
	}
	resp, err := m.post(ctx, m.searchURL, body)
	if err != nil {
		return nil, err
	}
	var sr searchResponse
	if err := json.Unmarshal(resp, &sr); err != nil {
		return nil, fmt.Errorf("parse search response: %w", err)
	}
	return sr.POIs, nil
}

// render retrieves the composed raster: the service answers with a raw
// RGBA buffer of size*size pixels.
func (m *Mapware) render(ctx context.Context, t *tile.Tile, pois []POI) (*image.NRGBA, error) {
	body, err := json.Marshal(renderRequest{
		Style: m.style,
		Z:     t.Z,
		X:     t.X,
		Y:     t.Y,
		Size:  t.Size,
		POIs:  pois,
	})
	if err != nil {
		return nil, err
	}
	raw, err := m.post(ctx, m.renderURL, body)
	if err != nil {
		return nil, err
	}

	want := t.Size * t.Size * 4
	if len(raw) != want {
		return nil, fmt.Errorf("mapware buffer is %d bytes, want %d", len(raw), want)
	}
	img := image.NewNRGBA(image.Rect(0, 0, t.Size, t.Size))
	copy(img.Pix, raw)
	return img, nil
}

func (m *Mapware) post(ctx context.Context, url string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("mapware %s: status %d", url, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
