package render

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"strconv"
	"strings"

	"github.com/cartogrid/renderq/internal/metatile"
	"github.com/cartogrid/renderq/internal/tile"
)

// Composite stacks the results of an ordered list of layer renderers,
// bottom first, blending each onto the previous with the upper layer's
// alpha. An optional opaque or translucent background sits underneath.
type Composite struct {
	layers     []Renderer
	background *color.NRGBA
}

// NewComposite builds the combinator. Background is an "r,g,b,a" string
// or empty for none.
func NewComposite(layers []Renderer, background string) (*Composite, error) {
	if len(layers) == 0 {
		return nil, errors.New("composite needs at least one layer")
	}
	c := &Composite{layers: layers}
	if background != "" {
		bg, err := parseRGBA(background)
		if err != nil {
			return nil, fmt.Errorf("composite background: %w", err)
		}
		c.background = &bg
	}
	return c, nil
}

// Process renders every layer and blends them per sub-tile. A layer
// returning ErrNoTile is skipped; the composite fails only when every
// layer failed.
func (c *Composite) Process(ctx context.Context, t *tile.Tile) (*Result, error) {
	var rendered []*Result
	var lastErr error
	for _, layer := range c.layers {
		res, err := layer.Process(ctx, t)
		if err != nil {
			if errors.Is(err, ErrNoTile) {
				lastErr = err
				continue
			}
			return nil, err
		}
		rendered = append(rendered, res)
	}
	if len(rendered) == 0 {
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, ErrNoTile
	}

	out := NewResult(t.Dim)
	for row := 0; row < t.Dim; row++ {
		for col := 0; col < t.Dim; col++ {
			pos := metatile.Pos{Row: row, Col: col}

			dst := image.NewNRGBA(image.Rect(0, 0, tile.TileSize, tile.TileSize))
			if c.background != nil {
				fill(dst, *c.background)
			}
			for _, res := range rendered {
				if src := res.Data[pos]; src != nil {
					alphaOver(dst, src)
				}
			}
			out.Data[pos] = dst

			for _, res := range rendered {
				if fc := res.Meta[pos]; fc != nil {
					for _, f := range fc.Features {
						out.Meta[pos].Append(f)
					}
				}
			}
		}
	}
	return out, nil
}

func fill(dst *image.NRGBA, c color.NRGBA) {
	b := dst.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			dst.SetNRGBA(x, y, c)
		}
	}
}

// alphaOver blends src over dst in place using non-premultiplied
// "over" with the alpha of the upper layer.
func alphaOver(dst *image.NRGBA, src *image.NRGBA) {
	bounds := dst.Bounds()
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			s := src.NRGBAAt(x, y)
			if s.A == 0 {
				continue
			}
			d := dst.NRGBAAt(x, y)

			sa := float64(s.A) / 255.0
			da := float64(d.A) / 255.0
			outA := sa + da*(1.0-sa)
			if outA == 0 {
				dst.SetNRGBA(x, y, color.NRGBA{})
				continue
			}

			blend := func(sv, dv uint8) uint8 {
				out := (float64(sv)*sa + float64(dv)*da*(1.0-sa)) / outA
				return uint8(math.Round(out))
			}
			dst.SetNRGBA(x, y, color.NRGBA{
				R: blend(s.R, d.R),
				G: blend(s.G, d.G),
				B: blend(s.B, d.B),
				A: uint8(math.Round(outA * 255.0)),
			})
		}
	}
}

// parseRGBA parses "r,g,b,a" with each component in [0,255].
func parseRGBA(s string) (color.NRGBA, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return color.NRGBA{}, fmt.Errorf("want r,g,b,a, got %q", s)
	}
	var vals [4]uint8
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n < 0 || n > 255 {
			return color.NRGBA{}, fmt.Errorf("component %q out of range", p)
		}
		vals[i] = uint8(n)
	}
	return color.NRGBA{R: vals[0], G: vals[1], B: vals[2], A: vals[3]}, nil
}
