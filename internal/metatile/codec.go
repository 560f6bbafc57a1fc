// Package metatile reads and writes the metatile container: a
// self-describing binary blob carrying every format variant of an 8x8
// tile block plus optional per-tile JSON metadata.
package metatile

import (
	"encoding/binary"
	"fmt"

	"github.com/cartogrid/renderq/internal/queue"
	"github.com/cartogrid/renderq/internal/tile"
)

const (
	// Magic marks the start of each per-format header ("META",
	// 0x4154454D when read as a little-endian u32).
	Magic = "META"

	// MaxZoom is a sanity bound on job coordinates; per-style zoom
	// limits are enforced upstream.
	MaxZoom = 30

	entriesPerTile = tile.Metatile * tile.Metatile
	headerSize     = 4 + 5*4
	entrySize      = 2 * 4
	tableSize      = entriesPerTile * entrySize
)

// Pos addresses a sub-tile within a metatile by row and column.
type Pos struct {
	Row int
	Col int
}

// CheckXYZ reports whether a job coordinate is inside the tile grid.
func CheckXYZ(x, y, z int) bool {
	if z < 0 || z > MaxZoom {
		return false
	}
	max := (1 << uint(z)) - 1
	return x >= 0 && x <= max && y >= 0 && y <= max
}

// metaOffset is the table slot for a sub-tile: row-major within the
// metatile, independent of the anchor.
func metaOffset(x, y int) int {
	mask := tile.Metatile - 1
	return (y&mask)*tile.Metatile + (x & mask)
}

// Encode packs per-format sub-tile payloads into one container. The
// formats slice fixes the header order; a trailing json section is
// appended when meta is non-nil. tiles is keyed by configuration format
// name, each value holding size x size sub-tile payloads.
func Encode(x, y, z int, formats []string, tiles map[string]map[Pos][]byte, meta map[Pos][]byte, size int) ([]byte, error) {
	sections := make([]string, 0, len(formats)+1)
	sections = append(sections, formats...)
	if meta != nil {
		sections = append(sections, "json")
	}
	if len(sections) == 0 {
		return nil, fmt.Errorf("metatile %d/%d/%d: no formats to encode", z, x, y)
	}

	payload := func(name string) map[Pos][]byte {
		if name == "json" && meta != nil {
			return meta
		}
		return tiles[name]
	}

	// data region begins after all headers and offset tables
	offset := (headerSize + tableSize) * len(sections)

	buf := make([]byte, 0, offset)
	for _, name := range sections {
		code, err := queue.FormatFromName(name)
		if err != nil {
			return nil, err
		}
		buf = appendHeader(buf, x, y, z, code)

		contents := payload(name)
		var offsets, sizes [entriesPerTile]int32
		for row := 0; row < size; row++ {
			for col := 0; col < size; col++ {
				data, ok := contents[Pos{Row: row, Col: col}]
				if !ok {
					return nil, fmt.Errorf("metatile %d/%d/%d: format %s missing sub-tile (%d,%d)", z, x, y, name, row, col)
				}
				slot := metaOffset(x+col, y+row)
				offsets[slot] = int32(offset)
				sizes[slot] = int32(len(data))
				offset += len(data)
			}
		}
		for i := 0; i < entriesPerTile; i++ {
			buf = binary.LittleEndian.AppendUint32(buf, uint32(offsets[i]))
			buf = binary.LittleEndian.AppendUint32(buf, uint32(sizes[i]))
		}
	}

	for _, name := range sections {
		contents := payload(name)
		for row := 0; row < size; row++ {
			for col := 0; col < size; col++ {
				buf = append(buf, contents[Pos{Row: row, Col: col}]...)
			}
		}
	}
	return buf, nil
}

func appendHeader(buf []byte, x, y, z int, code queue.Format) []byte {
	buf = append(buf, Magic...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(entriesPerTile))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(x))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(y))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(z))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(code))
	return buf
}

// TileSet is one decoded format section: the anchor coordinates plus a
// payload slice per table slot. Payloads alias the container buffer.
type TileSet struct {
	X      int
	Y      int
	Z      int
	Format queue.Format
	Tiles  [][]byte
}

// At returns the payload for the sub-tile at (row, col); nil when the
// slot is empty.
func (ts *TileSet) At(row, col int) []byte {
	slot := metaOffset(ts.X+col, ts.Y+row)
	if slot < 0 || slot >= len(ts.Tiles) {
		return nil
	}
	return ts.Tiles[slot]
}

// Reader holds the decoded sections of a container.
type Reader struct {
	Sets []TileSet
}

// NewReader decodes a container buffer. Decoding stops at the first bad
// magic; a header whose offset table would extend past the buffer
// truncates the read. Payload slices are zero-copy views of data.
func NewReader(data []byte) *Reader {
	r := &Reader{}
	offset := 0
	for offset+headerSize < len(data) {
		if string(data[offset:offset+4]) != Magic {
			break
		}
		nTiles := int(int32(binary.LittleEndian.Uint32(data[offset+4:])))
		x := int(int32(binary.LittleEndian.Uint32(data[offset+8:])))
		y := int(int32(binary.LittleEndian.Uint32(data[offset+12:])))
		z := int(int32(binary.LittleEndian.Uint32(data[offset+16:])))
		code := queue.Format(int32(binary.LittleEndian.Uint32(data[offset+20:])))
		offset += headerSize

		if nTiles < 0 || offset+nTiles*entrySize >= len(data) {
			break
		}

		tiles := make([][]byte, nTiles)
		for i := 0; i < nTiles; i++ {
			off := int(int32(binary.LittleEndian.Uint32(data[offset:])))
			sz := int(int32(binary.LittleEndian.Uint32(data[offset+4:])))
			offset += entrySize
			if sz > 0 && off >= 0 && off+sz <= len(data) {
				tiles[i] = data[off : off+sz : off+sz]
			}
		}
		r.Sets = append(r.Sets, TileSet{X: x, Y: y, Z: z, Format: code, Tiles: tiles})
	}
	return r
}

// Raster returns the first non-JSON section, or nil.
func (r *Reader) Raster() *TileSet {
	for i := range r.Sets {
		if r.Sets[i].Format != queue.FormatJSON {
			return &r.Sets[i]
		}
	}
	return nil
}

// Metadata returns the JSON section, or nil.
func (r *Reader) Metadata() *TileSet {
	for i := range r.Sets {
		if r.Sets[i].Format == queue.FormatJSON {
			return &r.Sets[i]
		}
	}
	return nil
}
