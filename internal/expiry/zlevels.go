// Package expiry tracks per-metatile staleness as packed bit sets, one
// memory-mapped file per style, served over a tiny UDP protocol.
package expiry

import (
	"fmt"

	"github.com/cartogrid/renderq/internal/tile"
)

// MaxZ is the deepest zoom level the index address space covers.
const MaxZ = 35

// offsets[z] is the index of the first bit belonging to zoom z. Each
// zoom holds one bit per metatile: 4^max(0, z-3) of them, because a
// metatile is 8x8 tiles and zooms below 3 fit in a single metatile.
var offsets = func() [MaxZ + 1]uint64 {
	var o [MaxZ + 1]uint64
	var total uint64
	for z := 0; z <= MaxZ; z++ {
		o[z] = total
		total += bitsForZoom(z)
	}
	return o
}()

func bitsForZoom(z int) uint64 {
	if z < 3 {
		return 1
	}
	return 1 << (2 * uint(z-3))
}

// SizeOf returns the total number of index bits for zooms 0 through z
// inclusive. z = MaxZ overflows 64 bits and is rejected.
func SizeOf(z int) (uint64, error) {
	if z < 0 || z >= MaxZ {
		return 0, fmt.Errorf("zoom %d outside [0,%d)", z, MaxZ)
	}
	return offsets[z] + bitsForZoom(z), nil
}

// TileToMetaIdx maps a tile coordinate to its metatile's bit index:
// the zoom offset plus the Morton code of the metatile grid position.
func TileToMetaIdx(x, y, z int) (uint64, error) {
	if z < 0 || z > MaxZ {
		return 0, fmt.Errorf("zoom %d outside [0,%d]", z, MaxZ)
	}
	if x < 0 || y < 0 {
		return 0, fmt.Errorf("negative tile coordinate (%d,%d)", x, y)
	}
	return offsets[z] + tile.Morton(uint64(x>>3), uint64(y>>3)), nil
}
