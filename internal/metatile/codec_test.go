package metatile

import (
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartogrid/renderq/internal/queue"
)

func fullBlock(size int, stamp string) map[Pos][]byte {
	m := make(map[Pos][]byte, size*size)
	for row := 0; row < size; row++ {
		for col := 0; col < size; col++ {
			m[Pos{Row: row, Col: col}] = []byte(fmt.Sprintf("%s-%d-%d", stamp, row, col))
		}
	}
	return m
}

func TestCheckXYZ(t *testing.T) {
	assert.True(t, CheckXYZ(0, 0, 0))
	assert.False(t, CheckXYZ(1, 0, 0))
	assert.False(t, CheckXYZ(0, 0, -1))
	assert.False(t, CheckXYZ(0, 0, 31))
	assert.True(t, CheckXYZ(19294, 24642, 15))
	assert.False(t, CheckXYZ(1<<15, 0, 15))
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tiles := map[string]map[Pos][]byte{
		"png256": fullBlock(8, "png"),
		"jpeg":   fullBlock(8, "jpg"),
	}
	meta := fullBlock(8, "json")

	blob, err := Encode(19288, 24640, 15, []string{"png256", "jpeg"}, tiles, meta, 8)
	require.NoError(t, err)

	// magic at offset zero
	assert.Equal(t, Magic, string(blob[:4]))
	assert.Equal(t, uint32(0x4154454D), binary.LittleEndian.Uint32(blob[:4]))

	r := NewReader(blob)
	require.Len(t, r.Sets, 3)

	raster := r.Raster()
	require.NotNil(t, raster)
	assert.Equal(t, queue.FormatPNG, raster.Format)
	assert.Equal(t, 19288, raster.X)
	assert.Equal(t, 24640, raster.Y)
	assert.Equal(t, 15, raster.Z)
	require.Len(t, raster.Tiles, 64)

	md := r.Metadata()
	require.NotNil(t, md)
	assert.Equal(t, queue.FormatJSON, md.Format)

	for row := 0; row < 8; row++ {
		for col := 0; col < 8; col++ {
			assert.Equal(t, []byte(fmt.Sprintf("png-%d-%d", row, col)), raster.At(row, col))
			assert.Equal(t, []byte(fmt.Sprintf("json-%d-%d", row, col)), md.At(row, col))
		}
	}

	// second section carries the jpeg payloads
	assert.Equal(t, queue.FormatJPEG, r.Sets[1].Format)
	assert.Equal(t, []byte("jpg-3-5"), r.Sets[1].At(3, 5))
}

func TestEncodeWithoutMetadata(t *testing.T) {
	tiles := map[string]map[Pos][]byte{"png256": fullBlock(8, "p")}
	blob, err := Encode(0, 0, 10, []string{"png256"}, tiles, nil, 8)
	require.NoError(t, err)

	r := NewReader(blob)
	require.Len(t, r.Sets, 1)
	assert.Nil(t, r.Metadata())
}

func TestEncodeSparseLowZoom(t *testing.T) {
	// at z=1 the metatile holds only 2x2 sub-tiles
	tiles := map[string]map[Pos][]byte{"png": fullBlock(2, "p")}
	blob, err := Encode(0, 0, 1, []string{"png"}, tiles, nil, 2)
	require.NoError(t, err)

	r := NewReader(blob)
	require.Len(t, r.Sets, 1)
	set := r.Sets[0]
	require.Len(t, set.Tiles, 64)

	assert.Equal(t, []byte("p-0-0"), set.At(0, 0))
	assert.Equal(t, []byte("p-1-1"), set.At(1, 1))

	// absent sub-tiles decode as empty slots
	assert.Nil(t, set.At(5, 5))
}

func TestTotalSizeInvariant(t *testing.T) {
	tiles := map[string]map[Pos][]byte{
		"png256": fullBlock(8, "a"),
		"gif":    fullBlock(8, "b"),
	}
	blob, err := Encode(8, 8, 5, []string{"png256", "gif"}, tiles, nil, 8)
	require.NoError(t, err)

	payload := 0
	for _, fm := range tiles {
		for _, b := range fm {
			payload += len(b)
		}
	}
	assert.Equal(t, 2*(headerSize+tableSize)+payload, len(blob))
}

func TestReaderStopsOnBadMagic(t *testing.T) {
	tiles := map[string]map[Pos][]byte{"png": fullBlock(8, "p")}
	blob, err := Encode(0, 0, 5, []string{"png"}, tiles, nil, 8)
	require.NoError(t, err)

	garbage := append([]byte("NOPE"), blob...)
	assert.Empty(t, NewReader(garbage).Sets)
}

func TestReaderTruncatedTable(t *testing.T) {
	tiles := map[string]map[Pos][]byte{"png": fullBlock(8, "p")}
	blob, err := Encode(0, 0, 5, []string{"png"}, tiles, nil, 8)
	require.NoError(t, err)

	// cut the buffer in the middle of the offset table
	r := NewReader(blob[:headerSize+tableSize/2])
	assert.Empty(t, r.Sets)
}

func TestReaderEmptyInput(t *testing.T) {
	assert.Empty(t, NewReader(nil).Sets)
	assert.Empty(t, NewReader([]byte("ME")).Sets)
}
