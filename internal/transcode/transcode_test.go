package transcode

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartogrid/renderq/internal/metatile"
)

func gradientTile(size int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.SetNRGBA(x, y, color.NRGBA{
				R: uint8(x * 255 / size),
				G: uint8(y * 255 / size),
				B: 128,
				A: 255,
			})
		}
	}
	return img
}

func TestPalettizeReservesTransparentIndex(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			if x < 8 {
				img.SetNRGBA(x, y, color.NRGBA{R: 200, G: 10, B: 10, A: 255})
			} else {
				// at or below the threshold: must go transparent
				img.SetNRGBA(x, y, color.NRGBA{R: 200, G: 10, B: 10, A: 64})
			}
		}
	}

	p := Palettize(img)
	require.Len(t, p.Palette, 256)

	_, _, _, a := p.Palette[255].RGBA()
	assert.Zero(t, a)

	assert.NotEqual(t, uint8(255), p.ColorIndexAt(0, 0))
	assert.Equal(t, uint8(255), p.ColorIndexAt(12, 0))
}

func TestPalettizeBarelyOpaqueStaysVisible(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 10, G: 20, B: 30, A: 65})
		}
	}
	p := Palettize(img)
	assert.NotEqual(t, uint8(255), p.ColorIndexAt(0, 0))
}

func TestTilesEncodesAllFormats(t *testing.T) {
	data := map[metatile.Pos]*image.NRGBA{
		{Row: 0, Col: 0}: gradientTile(32),
		{Row: 0, Col: 1}: gradientTile(32),
	}
	formats := []Options{
		{Name: "png256", Encoder: "png", Palette: true},
		{Name: "jpeg", Quality: 85},
		{Name: "gif", Palette: true},
	}

	out, err := Tiles(data, formats)
	require.NoError(t, err)
	require.Len(t, out, 3)

	for _, name := range []string{"png256", "jpeg", "gif"} {
		require.Len(t, out[name], 2, name)
		for pos, b := range out[name] {
			assert.NotEmpty(t, b, "%s (%d,%d)", name, pos.Row, pos.Col)
		}
	}

	// png256 output decodes back to a paletted image
	img, err := png.Decode(bytes.NewReader(out["png256"][metatile.Pos{}]))
	require.NoError(t, err)
	_, ok := img.(*image.Paletted)
	assert.True(t, ok)

	assert.True(t, bytes.HasPrefix(out["gif"][metatile.Pos{}], []byte("GIF8")))
	assert.Equal(t, []byte{0xff, 0xd8}, out["jpeg"][metatile.Pos{}][:2])
}

func TestTilesUnknownEncoder(t *testing.T) {
	data := map[metatile.Pos]*image.NRGBA{{}: gradientTile(8)}
	_, err := Tiles(data, []Options{{Name: "webp"}})
	assert.Error(t, err)
}

func TestFullColorPNGRoundTrip(t *testing.T) {
	src := gradientTile(16)
	out, err := Tiles(map[metatile.Pos]*image.NRGBA{{}: src}, []Options{{Name: "png"}})
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(out["png"][metatile.Pos{}]))
	require.NoError(t, err)
	r, g, b, a := img.At(8, 8).RGBA()
	sr, sg, sb, sa := src.At(8, 8).RGBA()
	assert.Equal(t, [4]uint32{sr, sg, sb, sa}, [4]uint32{r, g, b, a})
}
