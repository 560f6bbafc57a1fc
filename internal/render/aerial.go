package render

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/draw"
	"io"
	"net/http"
	"strings"

	"github.com/disintegration/gift"
	"golang.org/x/sync/errgroup"

	"github.com/cartogrid/renderq/internal/metatile"
	"github.com/cartogrid/renderq/internal/tile"
)

// Aerial fetches pre-rendered imagery sub-tile by sub-tile from a
// templated HTTP source and assembles the metatile. Any failed
// sub-fetch aborts the whole metatile.
type Aerial struct {
	baseURL string
	client  *http.Client
	// parallel bounds the in-flight fetches per metatile
	parallel int
}

// NewAerial builds the fetcher. baseURL is a template containing
// {z}, {x} and {y} placeholders.
func NewAerial(baseURL string, client *http.Client) (*Aerial, error) {
	for _, ph := range []string{"{z}", "{x}", "{y}"} {
		if !strings.Contains(baseURL, ph) {
			return nil, fmt.Errorf("aerial url %q missing %s placeholder", baseURL, ph)
		}
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Aerial{baseURL: baseURL, client: client, parallel: 8}, nil
}

func (a *Aerial) Process(ctx context.Context, t *tile.Tile) (*Result, error) {
	// fetches land in a flat slice; per-element writes need no locking,
	// unlike the result map
	fetched := make([]*image.NRGBA, t.Dim*t.Dim)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(a.parallel)

	for row := 0; row < t.Dim; row++ {
		for col := 0; col < t.Dim; col++ {
			row, col := row, col
			g.Go(func() error {
				img, err := a.fetchOne(ctx, t.Z, t.X+col, t.Y+row)
				if err != nil {
					return fmt.Errorf("aerial %d/%d/%d: %w", t.Z, t.X+col, t.Y+row, err)
				}
				fetched[row*t.Dim+col] = img
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := NewResult(t.Dim)
	for row := 0; row < t.Dim; row++ {
		for col := 0; col < t.Dim; col++ {
			res.Data[metatile.Pos{Row: row, Col: col}] = fetched[row*t.Dim+col]
		}
	}
	return res, nil
}

func (a *Aerial) fetchOne(ctx context.Context, z, x, y int) (*image.NRGBA, error) {
	url := strings.NewReplacer(
		"{z}", fmt.Sprint(z),
		"{x}", fmt.Sprint(x),
		"{y}", fmt.Sprint(y),
	).Replace(a.baseURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	src, _, err := image.Decode(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	out := image.NewNRGBA(image.Rect(0, 0, tile.TileSize, tile.TileSize))
	if src.Bounds().Dx() != tile.TileSize || src.Bounds().Dy() != tile.TileSize {
		// off-size sources are scaled to the tile grid
		g := gift.New(gift.Resize(tile.TileSize, tile.TileSize, gift.LanczosResampling))
		g.Draw(out, src)
		return out, nil
	}
	draw.Draw(out, out.Bounds(), src, src.Bounds().Min, draw.Src)
	return out, nil
}
