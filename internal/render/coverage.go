package render

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cartogrid/renderq/internal/coverage"
	"github.com/cartogrid/renderq/internal/metatile"
	"github.com/cartogrid/renderq/internal/tile"
)

// Coverage dispatches per sub-tile to the renderer of whichever data
// vendor covers that sub-tile. Sub-tiles with no vendor fall back to
// the "default" mapping, unknown vendors to "missing".
type Coverage struct {
	index *coverage.Index

	// vendor name (lowercase) to sub-renderer. Must contain "default";
	// "missing" falls back to "default" when not mapped explicitly.
	mapping map[string]Renderer
	logger  *slog.Logger
}

// NewCoverage builds the dispatch combinator over a loaded coverage
// index and a lowercase vendor-to-renderer mapping.
func NewCoverage(index *coverage.Index, mapping map[string]Renderer, logger *slog.Logger) (*Coverage, error) {
	if index == nil {
		return nil, fmt.Errorf("coverage renderer needs a coverage index")
	}
	norm := make(map[string]Renderer, len(mapping))
	for k, v := range mapping {
		norm[strings.ToLower(k)] = v
	}
	if norm["default"] == nil {
		return nil, fmt.Errorf("coverage renderer needs a default mapping")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coverage{index: index, mapping: norm, logger: logger}, nil
}

// Process resolves the vendor per sub-tile and dedupes on the mapped
// renderer, so vendors sharing a sub-style share one render. When every
// sub-tile agrees on one renderer the whole metatile is delegated to
// it; otherwise each distinct renderer runs once over the full metatile
// and the winning sub-tile blocks are picked from each.
func (c *Coverage) Process(ctx context.Context, t *tile.Tile) (*Result, error) {
	perTile, _ := c.index.CheckSubTiles(t)

	choice := make(map[metatile.Pos]Renderer, t.Dim*t.Dim)
	// distinct renderers, each tagged with the first vendor name that
	// selected it (for error context only)
	distinct := make(map[Renderer]string)
	for row := 0; row < t.Dim; row++ {
		for col := 0; col < t.Dim; col++ {
			pos := metatile.Pos{Row: row, Col: col}
			name := c.resolve(perTile[pos])
			r := c.mapping[name]
			choice[pos] = r
			if _, ok := distinct[r]; !ok {
				distinct[r] = name
			}
		}
	}

	if len(distinct) == 1 {
		for r := range distinct {
			return r.Process(ctx, t)
		}
	}

	// mixed coverage: run each distinct renderer over the full metatile
	rendered := make(map[Renderer]*Result, len(distinct))
	for r, name := range distinct {
		res, err := r.Process(ctx, t)
		if err != nil {
			return nil, fmt.Errorf("coverage layer %q: %w", name, err)
		}
		rendered[r] = res
	}

	out := NewResult(t.Dim)
	for pos, r := range choice {
		res := rendered[r]
		out.Data[pos] = res.Data[pos]
		if fc := res.Meta[pos]; fc != nil {
			out.Meta[pos] = fc
		}
	}
	return out, nil
}

// resolve picks the mapped renderer name for a sub-tile's vendor list:
// the first known vendor wins, an empty list maps to "default", a list
// of only unknown vendors to "missing".
func (c *Coverage) resolve(vendors []string) string {
	if len(vendors) == 0 {
		return c.fallback("default")
	}
	for _, v := range vendors {
		v = strings.ToLower(v)
		if _, ok := c.mapping[v]; ok {
			return v
		}
	}
	c.logger.Debug("no mapping for vendors", "vendors", vendors)
	return c.fallback("missing")
}

func (c *Coverage) fallback(name string) string {
	if _, ok := c.mapping[name]; ok {
		return name
	}
	return "default"
}
