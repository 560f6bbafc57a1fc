// Package render builds and runs the per-style renderer trees. Leaves
// produce imagery (mapnik, aerial, terrain, mapware); inner nodes
// combine or cache it (composite, coverage dispatch, storage front).
package render

import (
	"context"
	"errors"

	"github.com/cartogrid/renderq/internal/tile"
)

// ErrNoTile signals that a renderer has nothing to produce for the
// requested tile. Combinators treat it as an empty result; the worker
// treats it as a render failure.
var ErrNoTile = errors.New("no tile produced")

// Renderer is the single contract every node in the tree implements.
type Renderer interface {
	Process(ctx context.Context, t *tile.Tile) (*Result, error)
}

// RendererFunc adapts a function to the Renderer interface.
type RendererFunc func(ctx context.Context, t *tile.Tile) (*Result, error)

func (f RendererFunc) Process(ctx context.Context, t *tile.Tile) (*Result, error) {
	return f(ctx, t)
}
