package mbtiles

import (
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite" // sqlite driver
)

// defaultBatchSize is the number of tiles buffered before a flush.
const defaultBatchSize = 256

type tileRow struct {
	data []byte
	z    int
	x    int
	y    int
}

// Writer appends tiles to an MBTiles archive. Safe for concurrent use;
// tiles are batched into transactions.
type Writer struct {
	db        *sql.DB
	batch     []tileRow
	batchSize int
	mu        sync.Mutex
}

// NewWriter creates or opens the archive at path, initialises the
// schema and replaces the metadata table.
func NewWriter(path string, meta Metadata) (*Writer, error) {
	if meta.Name == "" || meta.Format == "" {
		return nil, fmt.Errorf("mbtiles metadata needs name and format")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open mbtiles: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, fmt.Errorf("set %q: %w", pragma, err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS metadata (
			name TEXT NOT NULL,
			value TEXT
		);
		CREATE TABLE IF NOT EXISTS tiles (
			zoom_level INTEGER NOT NULL,
			tile_column INTEGER NOT NULL,
			tile_row INTEGER NOT NULL,
			tile_data BLOB NOT NULL
		);
		CREATE UNIQUE INDEX IF NOT EXISTS tile_index
			ON tiles (zoom_level, tile_column, tile_row);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("create schema: %w", err)
	}

	if err := writeMetadata(db, meta); err != nil {
		db.Close() //nolint:errcheck
		return nil, err
	}

	return &Writer{
		db:        db,
		batch:     make([]tileRow, 0, defaultBatchSize),
		batchSize: defaultBatchSize,
	}, nil
}

func writeMetadata(db *sql.DB, meta Metadata) error {
	if _, err := db.Exec("DELETE FROM metadata"); err != nil {
		return fmt.Errorf("clear metadata: %w", err)
	}
	stmt, err := db.Prepare("INSERT INTO metadata (name, value) VALUES (?, ?)")
	if err != nil {
		return fmt.Errorf("prepare metadata insert: %w", err)
	}
	defer stmt.Close() //nolint:errcheck

	for key, value := range meta.ToMap() {
		if _, err := stmt.Exec(key, value); err != nil {
			return fmt.Errorf("insert metadata %q: %w", key, err)
		}
	}
	return nil
}

// WriteTile buffers one encoded tile under XYZ coordinates. Raster
// payloads are stored as-is; MBTiles stores png and jpg uncompressed.
func (w *Writer) WriteTile(z, x, y int, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.batch = append(w.batch, tileRow{z: z, x: x, y: y, data: data})
	if len(w.batch) >= w.batchSize {
		return w.flushLocked()
	}
	return nil
}

// Flush writes any buffered tiles.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

func (w *Writer) flushLocked() error {
	if len(w.batch) == 0 {
		return nil
	}

	tx, err := w.db.Begin()
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.Prepare(
		"INSERT OR REPLACE INTO tiles (zoom_level, tile_column, tile_row, tile_data) VALUES (?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("prepare tile insert: %w", err)
	}
	defer stmt.Close() //nolint:errcheck

	for _, row := range w.batch {
		if _, err := stmt.Exec(row.z, row.x, tmsY(row.z, row.y), row.data); err != nil {
			return fmt.Errorf("insert tile %d/%d/%d: %w", row.z, row.x, row.y, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}

	w.batch = w.batch[:0]
	return nil
}

// Close flushes and closes the archive.
func (w *Writer) Close() error {
	if err := w.Flush(); err != nil {
		w.db.Close() //nolint:errcheck
		return err
	}
	return w.db.Close()
}
