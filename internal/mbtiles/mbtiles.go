// Package mbtiles reads and writes MBTiles archives, used to export a
// style's stored tiles into a single portable sqlite file.
package mbtiles

import "fmt"

// Metadata describes the tileset. Name and Format are mandatory per the
// MBTiles spec; the rest is optional.
type Metadata struct {
	Name        string
	Format      string // "png" or "jpg"
	Description string
	Attribution string
	MinZoom     int
	MaxZoom     int

	// Bounds is left/bottom/right/top in degrees.
	Bounds [4]float64
}

// ToMap flattens the metadata into the key/value rows the metadata
// table stores.
func (m Metadata) ToMap() map[string]string {
	out := map[string]string{
		"name":    m.Name,
		"format":  m.Format,
		"type":    "baselayer",
		"version": "1",
		"minzoom": fmt.Sprintf("%d", m.MinZoom),
		"maxzoom": fmt.Sprintf("%d", m.MaxZoom),
		"bounds": fmt.Sprintf("%f,%f,%f,%f",
			m.Bounds[0], m.Bounds[1], m.Bounds[2], m.Bounds[3]),
	}
	if m.Description != "" {
		out["description"] = m.Description
	}
	if m.Attribution != "" {
		out["attribution"] = m.Attribution
	}
	return out
}

// tmsY converts between XYZ and TMS row numbering; the conversion is
// its own inverse.
func tmsY(z, y int) int {
	return (1 << uint(z)) - 1 - y
}
