package render

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"net/http"
	"strings"

	"golang.org/x/image/draw"

	"github.com/cartogrid/renderq/internal/tile"
)

// noTileBody is the sentinel body some terrain services answer with a
// 200 status.
const noTileBody = "No tile found"

// Terrain fetches one metatile-sized PNG per request from an HTTP
// terrain service.
type Terrain struct {
	baseURL string
	client  *http.Client
}

// NewTerrain builds the fetcher. baseURL is a template with {z}, {x},
// {y} and {size} placeholders; coordinates are the metatile anchor.
func NewTerrain(baseURL string, client *http.Client) (*Terrain, error) {
	for _, ph := range []string{"{z}", "{x}", "{y}"} {
		if !strings.Contains(baseURL, ph) {
			return nil, fmt.Errorf("terrain url %q missing %s placeholder", baseURL, ph)
		}
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Terrain{baseURL: baseURL, client: client}, nil
}

func (tr *Terrain) Process(ctx context.Context, t *tile.Tile) (*Result, error) {
	url := strings.NewReplacer(
		"{z}", fmt.Sprint(t.Z),
		"{x}", fmt.Sprint(t.X),
		"{y}", fmt.Sprint(t.Y),
		"{size}", fmt.Sprint(t.Size),
	).Replace(tr.baseURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := tr.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("terrain fetch %s: %w", t.Coords().String(), err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("terrain %s: status %d: %w", t.Coords().String(), resp.StatusCode, ErrNoTile)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if bytes.Equal(bytes.TrimSpace(body), []byte(noTileBody)) {
		return nil, fmt.Errorf("terrain %s: %w", t.Coords().String(), ErrNoTile)
	}

	img, _, err := image.Decode(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("terrain decode: %w", err)
	}
	if b := img.Bounds(); b.Dx() != t.Size || b.Dy() != t.Size {
		scaled := image.NewNRGBA(image.Rect(0, 0, t.Size, t.Size))
		draw.CatmullRom.Scale(scaled, scaled.Bounds(), img, b, draw.Over, nil)
		img = scaled
	}
	return FromImage(img, t.Dim)
}
