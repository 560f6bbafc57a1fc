package worker

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ProcessRSS reads the resident set size of this process from
// /proc/self/statm. The limit guards against leaks in the native
// rasterizer, so the Go runtime's own accounting is not enough.
func ProcessRSS() (uint64, error) {
	raw, err := os.ReadFile("/proc/self/statm")
	if err != nil {
		return 0, fmt.Errorf("read statm: %w", err)
	}
	fields := strings.Fields(string(raw))
	if len(fields) < 2 {
		return 0, fmt.Errorf("malformed statm: %q", raw)
	}
	pages, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse statm resident pages: %w", err)
	}
	return pages * uint64(os.Getpagesize()), nil
}
