// Package storagenode serves the on-disk tile store over HTTP: hashed
// directory layout, atomic writes, expiry-aware modification times.
package storagenode

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
)

// ErrNotFound reports a tile absent from the cache.
var ErrNotFound = errors.New("tile not found")

// writeSeq distinguishes concurrent writers within one process; the
// pid distinguishes processes sharing the cache directory.
var writeSeq atomic.Uint64

// Cache is the hashed directory layout under one root. Each coordinate
// component is split into three-digit groups so no directory ever holds
// more than 1000 entries.
type Cache struct {
	root string
}

// NewCache ensures the root exists.
func NewCache(root string) (*Cache, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("cache root: %w", err)
	}
	return &Cache{root: root}, nil
}

// pathSplit renders a coordinate as three zero-padded decimal groups:
// millions, thousands, units.
func pathSplit(v int) [3]string {
	return [3]string{
		fmt.Sprintf("%03d", v/1000000),
		fmt.Sprintf("%03d", (v/1000)%1000),
		fmt.Sprintf("%03d", v%1000),
	}
}

// Path returns the file path for a tile.
func (c *Cache) Path(version, style string, z, x, y int, ext string) string {
	xs := pathSplit(x)
	ys := pathSplit(y)
	return filepath.Join(c.root, version, style, fmt.Sprint(z),
		xs[0], xs[1], xs[2], ys[0], ys[1], ys[2]+"."+ext)
}

// Read returns the tile bytes and modification time.
func (c *Cache) Read(version, style string, z, x, y int, ext string) ([]byte, time.Time, error) {
	path := c.Path(version, style, z, x, y, ext)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, time.Time{}, ErrNotFound
		}
		return nil, time.Time{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, time.Time{}, err
	}
	return data, info.ModTime(), nil
}

// Write stores tile bytes: a uniquely named temp file in the target
// directory, then an atomic rename over any previous version. The
// file's mtime is set to lastModified when non-zero.
func (c *Cache) Write(version, style string, z, x, y int, ext string, data []byte, lastModified time.Time) error {
	path := c.Path(version, style, z, x, y, ext)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("tile dir: %w", err)
	}

	tmp := filepath.Join(dir, fmt.Sprintf(".%d_%d.tmp", os.Getpid(), writeSeq.Add(1)))
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("tile temp file: %w", err)
	}
	if !lastModified.IsZero() {
		if err := os.Chtimes(tmp, lastModified, lastModified); err != nil {
			_ = os.Remove(tmp)
			return fmt.Errorf("tile mtime: %w", err)
		}
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("tile rename: %w", err)
	}
	return nil
}

// MTime returns the tile's modification time without reading it.
func (c *Cache) MTime(version, style string, z, x, y int, ext string) (time.Time, error) {
	info, err := os.Stat(c.Path(version, style, z, x, y, ext))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return time.Time{}, ErrNotFound
		}
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

// SetMTime updates an existing tile's modification time, for the
// companion-style expiry of X-Also-Expire.
func (c *Cache) SetMTime(version, style string, z, x, y int, ext string, t time.Time) error {
	path := c.Path(version, style, z, x, y, ext)
	if err := os.Chtimes(path, t, t); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return err
	}
	return nil
}
