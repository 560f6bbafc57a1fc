package render

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"time"

	"github.com/cartogrid/renderq/internal/metatile"
	"github.com/cartogrid/renderq/internal/tile"
	"github.com/cartogrid/renderq/internal/transcode"
)

// Store is the slice of the tile store the storage front needs: whole
// metatile blobs by style and anchor coordinate.
type Store interface {
	GetMeta(ctx context.Context, style string, z, x, y int) (blob []byte, lastModified time.Time, found bool, err error)
	PutMeta(ctx context.Context, style string, z, x, y int, blob []byte) error
}

// StorageFront fronts a renderer with the tile store. Hits bypass the
// inner renderer entirely; misses delegate and write the packed result
// back. With a nil inner renderer the front is read-only.
type StorageFront struct {
	store   Store
	inner   Renderer
	style   string
	formats []transcode.Options
	logger  *slog.Logger
}

// NewStorageFront builds the decorator. formats lists the output
// formats packed on write-back; style is the name tiles are stored
// under, which may differ from the requesting style.
func NewStorageFront(store Store, inner Renderer, style string, formats []transcode.Options, logger *slog.Logger) (*StorageFront, error) {
	if store == nil {
		return nil, fmt.Errorf("storage front needs a store")
	}
	if inner != nil && len(formats) == 0 {
		return nil, fmt.Errorf("storage front for %q needs output formats to write back", style)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StorageFront{store: store, inner: inner, style: style, formats: formats, logger: logger}, nil
}

func (s *StorageFront) Process(ctx context.Context, t *tile.Tile) (*Result, error) {
	blob, _, found, err := s.store.GetMeta(ctx, s.style, t.Z, t.X, t.Y)
	if err != nil {
		return nil, fmt.Errorf("storage get %s/%d/%d/%d: %w", s.style, t.Z, t.X, t.Y, err)
	}
	if found {
		return Decode(blob, t.Dim)
	}

	if s.inner == nil {
		return nil, ErrNoTile
	}

	res, err := s.inner.Process(ctx, t)
	if err != nil {
		return nil, err
	}

	// write-back is best-effort; the render result is returned either way
	blob, err = Pack(res, t, s.formats)
	if err != nil {
		s.logger.Error("pack for storage failed",
			"style", s.style, "tile", t.Coords().String(), "error", err)
		return res, nil
	}
	if err := s.store.PutMeta(ctx, s.style, t.Z, t.X, t.Y, blob); err != nil {
		s.logger.Error("storage write-back failed",
			"style", s.style, "tile", t.Coords().String(), "error", err)
	}
	return res, nil
}

// Pack transcodes a result into every configured format and packs the
// lot, plus the json metadata section, into one metatile blob.
func Pack(res *Result, t *tile.Tile, formats []transcode.Options) ([]byte, error) {
	imgs := make(map[metatile.Pos]*image.NRGBA, len(res.Data))
	for pos, img := range res.Data {
		if img != nil {
			imgs[pos] = img
		}
	}
	encoded, err := transcode.Tiles(imgs, formats)
	if err != nil {
		return nil, err
	}

	meta, err := res.EncodeMeta()
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(formats))
	for _, f := range formats {
		names = append(names, f.Name)
	}
	return metatile.Encode(t.X, t.Y, t.Z, names, encoded, meta, t.Dim)
}
