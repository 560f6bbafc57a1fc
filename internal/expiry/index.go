package expiry

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// growChunk is the file growth granularity. Growing in chunks keeps
// remapping rare while the bit set expands to deeper zooms.
const growChunk = 64 * 1024

// Index is one style's bit set backed by a memory-mapped file. It
// grows on reference and never shrinks. Not safe for concurrent use;
// the service owns it from a single goroutine.
type Index struct {
	f    *os.File
	data []byte
	size int64
}

// OpenIndex opens or creates the backing file and maps it. minBytes
// pre-sizes fresh files so the common zoom range never grows.
func OpenIndex(path string, minBytes int64) (*Index, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open expiry index: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat expiry index: %w", err)
	}

	size := info.Size()
	if size < minBytes {
		size = roundUp(minBytes)
		if err := f.Truncate(size); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("grow expiry index: %w", err)
		}
	}

	ix := &Index{f: f, size: size}
	if err := ix.remap(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return ix, nil
}

func roundUp(n int64) int64 {
	if n <= 0 {
		return growChunk
	}
	return (n + growChunk - 1) / growChunk * growChunk
}

func (ix *Index) remap() error {
	if ix.data != nil {
		if err := unix.Munmap(ix.data); err != nil {
			return fmt.Errorf("unmap expiry index: %w", err)
		}
		ix.data = nil
	}
	data, err := unix.Mmap(int(ix.f.Fd()), 0, int(ix.size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("map expiry index: %w", err)
	}
	ix.data = data
	return nil
}

// ensure grows the mapping so bit idx is addressable.
func (ix *Index) ensure(idx uint64) error {
	need := int64(idx/8) + 1
	if need <= ix.size {
		return nil
	}
	ix.size = roundUp(need)
	if err := ix.f.Truncate(ix.size); err != nil {
		return fmt.Errorf("grow expiry index: %w", err)
	}
	return ix.remap()
}

// Set writes bit idx, growing the file when the bit lies past the end.
func (ix *Index) Set(idx uint64, val bool) error {
	if err := ix.ensure(idx); err != nil {
		return err
	}
	mask := byte(1) << (idx % 8)
	if val {
		ix.data[idx/8] |= mask
	} else {
		ix.data[idx/8] &^= mask
	}
	return nil
}

// Get reads bit idx. Bits past the end of the file read as unset.
func (ix *Index) Get(idx uint64) bool {
	byteIdx := int64(idx / 8)
	if byteIdx >= ix.size {
		return false
	}
	return ix.data[byteIdx]&(1<<(idx%8)) != 0
}

// Flush syncs the mapping to disk.
func (ix *Index) Flush() error {
	if ix.data == nil {
		return nil
	}
	if err := unix.Msync(ix.data, unix.MS_SYNC); err != nil {
		return fmt.Errorf("sync expiry index: %w", err)
	}
	return nil
}

// Close flushes, unmaps and closes the backing file.
func (ix *Index) Close() error {
	flushErr := ix.Flush()
	if ix.data != nil {
		if err := unix.Munmap(ix.data); err != nil && flushErr == nil {
			flushErr = err
		}
		ix.data = nil
	}
	if err := ix.f.Close(); err != nil && flushErr == nil {
		flushErr = err
	}
	return flushErr
}
