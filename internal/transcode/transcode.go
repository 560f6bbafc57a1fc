// Package transcode serializes rendered sub-tile rasters into the
// output formats configured per style.
package transcode

import (
	"bytes"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"

	"github.com/cartogrid/renderq/internal/metatile"
)

// Options describes one configured output format. Name is the
// configuration key ("png256", "jpeg", ...); Encoder is the codec to
// use, which may differ from the name the way PIL names differed from
// config names in the original cluster.
type Options struct {
	Name    string
	Encoder string
	Quality int
	Palette bool
}

// Normalize fills derived defaults: an empty encoder falls back to the
// format name, and palettized formats imply the png/gif encoders only.
func (o Options) Normalize() Options {
	if o.Encoder == "" {
		o.Encoder = o.Name
	}
	if o.Quality == 0 {
		o.Quality = jpeg.DefaultQuality
	}
	return o
}

// Tiles encodes every sub-tile raster into every configured format.
// Palettized formats share a single palette computation per sub-tile.
func Tiles(data map[metatile.Pos]*image.NRGBA, formats []Options) (map[string]map[metatile.Pos][]byte, error) {
	out := make(map[string]map[metatile.Pos][]byte, len(formats))
	for _, f := range formats {
		out[f.Name] = make(map[metatile.Pos][]byte, len(data))
	}

	for pos, img := range data {
		var palettized *image.Paletted
		for _, f := range formats {
			f = f.Normalize()
			if f.Palette && palettized == nil {
				palettized = Palettize(img)
			}
			b, err := encodeOne(img, palettized, f)
			if err != nil {
				return nil, fmt.Errorf("transcode sub-tile (%d,%d) to %s: %w", pos.Row, pos.Col, f.Name, err)
			}
			out[f.Name][pos] = b
		}
	}
	return out, nil
}

func encodeOne(img *image.NRGBA, palettized *image.Paletted, f Options) ([]byte, error) {
	var buf bytes.Buffer
	switch f.Encoder {
	case "png", "png256":
		if f.Palette {
			if err := png.Encode(&buf, palettized); err != nil {
				return nil, err
			}
		} else if err := png.Encode(&buf, img); err != nil {
			return nil, err
		}
	case "jpeg", "jpg":
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: f.Quality}); err != nil {
			return nil, err
		}
	case "gif":
		src := palettized
		if src == nil {
			src = Palettize(img)
		}
		if err := gif.Encode(&buf, src, &gif.Options{NumColors: 256}); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown encoder %q", f.Encoder)
	}
	return buf.Bytes(), nil
}
