package mbtiles

import (
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite" // sqlite driver
)

// Reader serves tiles out of an existing MBTiles archive.
type Reader struct {
	db *sql.DB
}

// NewReader opens an archive read-only and verifies the schema.
func NewReader(path string) (*Reader, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro&immutable=1")
	if err != nil {
		return nil, fmt.Errorf("open mbtiles: %w", err)
	}

	var n int
	err = db.QueryRow(
		"SELECT count(*) FROM sqlite_master WHERE type='table' AND name IN ('tiles','metadata')").Scan(&n)
	if err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("inspect schema: %w", err)
	}
	if n != 2 {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("%s: not an mbtiles archive", path)
	}
	return &Reader{db: db}, nil
}

// ReadTile returns the payload for an XYZ coordinate; found is false
// when the archive holds no such tile.
func (r *Reader) ReadTile(z, x, y int) (data []byte, found bool, err error) {
	err = r.db.QueryRow(
		"SELECT tile_data FROM tiles WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?",
		z, x, tmsY(z, y)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read tile %d/%d/%d: %w", z, x, y, err)
	}
	return data, true, nil
}

// Metadata returns the metadata table as a map.
func (r *Reader) Metadata() (map[string]string, error) {
	rows, err := r.db.Query("SELECT name, value FROM metadata")
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	out := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("scan metadata: %w", err)
		}
		out[name] = value
	}
	return out, rows.Err()
}

// TileCount returns the number of tiles in the archive.
func (r *Reader) TileCount() (int, error) {
	var n int
	if err := r.db.QueryRow("SELECT count(*) FROM tiles").Scan(&n); err != nil {
		return 0, fmt.Errorf("count tiles: %w", err)
	}
	return n, nil
}

// Close closes the archive.
func (r *Reader) Close() error {
	return r.db.Close()
}
