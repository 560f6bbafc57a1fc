package transcode

import (
	"image"
	"image/color"
	"sort"
)

// alphaThreshold is the opacity cutoff for palettized output: pixels at
// or below it map to the reserved transparent index.
const alphaThreshold = 64

// transparentIndex is the palette slot reserved for fully transparent
// pixels in palettized formats.
const transparentIndex = 255

// Palettize quantizes an RGBA raster to a 256-entry palette: 255
// adaptive colors plus the transparent slot at index 255. Pixels with
// alpha <= 64 become fully transparent.
func Palettize(img *image.NRGBA) *image.Paletted {
	colors := adaptivePalette(img, transparentIndex)

	pal := make(color.Palette, 256)
	for i := 0; i < transparentIndex; i++ {
		if i < len(colors) {
			pal[i] = colors[i]
		} else {
			pal[i] = color.NRGBA{A: 255}
		}
	}
	pal[transparentIndex] = color.NRGBA{}

	bounds := img.Bounds()
	out := image.NewPaletted(bounds, pal)

	opaque := pal[:transparentIndex]
	cache := make(map[uint32]uint8)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			c := img.NRGBAAt(x, y)
			if c.A <= alphaThreshold {
				out.SetColorIndex(x, y, transparentIndex)
				continue
			}
			key := uint32(c.R)<<16 | uint32(c.G)<<8 | uint32(c.B)
			idx, ok := cache[key]
			if !ok {
				idx = uint8(opaque.Index(color.NRGBA{R: c.R, G: c.G, B: c.B, A: 255}))
				cache[key] = idx
			}
			out.SetColorIndex(x, y, idx)
		}
	}
	return out
}

type colorBox struct {
	pixels []rgb
}

type rgb struct {
	r, g, b uint8
}

// adaptivePalette derives up to maxColors representative colors via
// median-cut over the opaque pixels.
func adaptivePalette(img *image.NRGBA, maxColors int) []color.Color {
	bounds := img.Bounds()
	seen := make(map[rgb]struct{})
	var pixels []rgb
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			c := img.NRGBAAt(x, y)
			if c.A <= alphaThreshold {
				continue
			}
			p := rgb{c.R, c.G, c.B}
			if _, ok := seen[p]; !ok {
				seen[p] = struct{}{}
				pixels = append(pixels, p)
			}
		}
	}
	if len(pixels) == 0 {
		return []color.Color{color.NRGBA{A: 255}}
	}

	boxes := []colorBox{{pixels: pixels}}
	for len(boxes) < maxColors {
		// split the box with the widest channel range
		bi, channel := -1, 0
		widest := -1
		for i, b := range boxes {
			if len(b.pixels) < 2 {
				continue
			}
			ch, spread := b.spread()
			if spread > widest {
				widest = spread
				bi = i
				channel = ch
			}
		}
		if bi < 0 {
			break
		}
		lo, hi := boxes[bi].split(channel)
		boxes[bi] = lo
		boxes = append(boxes, hi)
	}

	out := make([]color.Color, 0, len(boxes))
	for _, b := range boxes {
		out = append(out, b.average())
	}
	return out
}

// spread returns the channel with the widest value range and its width.
func (b colorBox) spread() (channel, width int) {
	var minC, maxC [3]int
	for i := range minC {
		minC[i], maxC[i] = 255, 0
	}
	for _, p := range b.pixels {
		for i, v := range [3]uint8{p.r, p.g, p.b} {
			if int(v) < minC[i] {
				minC[i] = int(v)
			}
			if int(v) > maxC[i] {
				maxC[i] = int(v)
			}
		}
	}
	for i := range minC {
		if w := maxC[i] - minC[i]; w > width {
			width = w
			channel = i
		}
	}
	return channel, width
}

// split divides the box at the median of the given channel.
func (b colorBox) split(channel int) (colorBox, colorBox) {
	sort.Slice(b.pixels, func(i, j int) bool {
		return b.pixels[i].component(channel) < b.pixels[j].component(channel)
	})
	mid := len(b.pixels) / 2
	return colorBox{pixels: b.pixels[:mid]}, colorBox{pixels: b.pixels[mid:]}
}

func (p rgb) component(channel int) uint8 {
	switch channel {
	case 0:
		return p.r
	case 1:
		return p.g
	default:
		return p.b
	}
}

func (b colorBox) average() color.Color {
	var r, g, bl int
	for _, p := range b.pixels {
		r += int(p.r)
		g += int(p.g)
		bl += int(p.b)
	}
	n := len(b.pixels)
	if n == 0 {
		return color.NRGBA{A: 255}
	}
	return color.NRGBA{
		R: uint8(r / n),
		G: uint8(g / n),
		B: uint8(bl / n),
		A: 255,
	}
}
