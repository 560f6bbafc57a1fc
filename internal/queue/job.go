// Package queue defines the job contract between the broker and the
// render workers. The broker itself is an external service; workers see
// it only through the Broker interface.
package queue

import "fmt"

// Status is the wire-level job status code.
type Status int32

const (
	StatusRender Status = iota
	StatusRenderBulk
	StatusDirty
	StatusDone
	StatusIgnore
)

func (s Status) String() string {
	switch s {
	case StatusRender:
		return "render"
	case StatusRenderBulk:
		return "render-bulk"
	case StatusDirty:
		return "dirty"
	case StatusDone:
		return "done"
	case StatusIgnore:
		return "ignore"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// Format is the wire-level tile format bitset.
type Format int32

const (
	FormatPNG  Format = 1
	FormatJPEG Format = 2
	FormatGIF  Format = 4
	FormatJSON Format = 8
)

// formatLookup maps configuration format names onto wire codes. Both
// png and png256 serialize as PNG on the wire.
var formatLookup = map[string]Format{
	"png256": FormatPNG,
	"png":    FormatPNG,
	"jpeg":   FormatJPEG,
	"gif":    FormatGIF,
	"json":   FormatJSON,
}

var formatReverse = map[Format]string{
	FormatPNG:  "png",
	FormatJPEG: "jpeg",
	FormatGIF:  "gif",
	FormatJSON: "json",
}

// FormatFromName returns the wire format for a configuration name.
func FormatFromName(name string) (Format, error) {
	f, ok := formatLookup[name]
	if !ok {
		return 0, fmt.Errorf("unknown tile format %q", name)
	}
	return f, nil
}

// Name returns the canonical name for a single wire format.
func (f Format) Name() string {
	if n, ok := formatReverse[f]; ok {
		return n
	}
	return "unknown"
}

// FormatMask ORs the wire codes of the given configuration names into
// a single bitset.
func FormatMask(names []string) (Format, error) {
	var mask Format
	for _, n := range names {
		f, err := FormatFromName(n)
		if err != nil {
			return 0, err
		}
		mask |= f
	}
	return mask, nil
}

// Job is both the render request and its acknowledgement: the worker
// mutates Status, Data and LastModified and returns the job exactly
// once.
type Job struct {
	GID          uint64
	ClientID     string
	Priority     int
	Status       Status
	Style        string
	Z            int
	X            int
	Y            int
	Data         []byte
	LastModified uint32
}

func (j *Job) String() string {
	return fmt.Sprintf("%d:%d:%d:%s gid=%d %s", j.Z, j.X, j.Y, j.Style, j.GID, j.Status)
}
