package worker

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/cartogrid/renderq/internal/queue"
)

// Progress tracks a bulk render run over a known number of metatiles
// and renders a terminal progress line. Safe for concurrent use.
type Progress struct {
	out     io.Writer
	start   time.Time
	total   int
	done    int
	ignored int
	enabled bool
	mu      sync.Mutex
}

// NewProgress creates a tracker for total metatiles. When enabled is
// false, Observe only counts and never writes.
func NewProgress(total int, out io.Writer, enabled bool) *Progress {
	return &Progress{total: total, out: out, start: time.Now(), enabled: enabled}
}

// Observe records one acknowledged job.
func (p *Progress) Observe(status queue.Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if status == queue.StatusDone {
		p.done++
	} else {
		p.ignored++
	}
	if p.enabled {
		p.print()
	}
}

// Counts returns the rendered and ignored totals so far.
func (p *Progress) Counts() (done, ignored int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done, p.ignored
}

func (p *Progress) print() {
	completed := p.done + p.ignored
	elapsed := time.Since(p.start)

	var rate float64
	var eta time.Duration
	if completed > 0 && elapsed > 0 {
		rate = float64(completed) / elapsed.Seconds()
		eta = time.Duration(float64(p.total-completed)/rate) * time.Second
	}

	const width = 30
	filled := 0
	if p.total > 0 {
		filled = completed * width / p.total
	}
	bar := strings.Repeat("#", filled) + strings.Repeat("-", width-filled)

	line := fmt.Sprintf("\r[%s] %d/%d metatiles", bar, completed, p.total)
	if p.ignored > 0 {
		line += fmt.Sprintf(" (%d skipped)", p.ignored)
	}
	line += fmt.Sprintf(" %.1f/s", rate)
	if completed < p.total && eta > 0 {
		line += " eta " + shortDuration(eta)
	}
	line += "   "
	fmt.Fprint(p.out, line)
}

// Finish prints the closing summary line.
func (p *Progress) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.enabled {
		p.print()
		fmt.Fprintln(p.out)
	}
}

// Summary describes the finished run.
func (p *Progress) Summary() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	elapsed := time.Since(p.start)
	var rate float64
	if elapsed > 0 {
		rate = float64(p.done+p.ignored) / elapsed.Seconds()
	}
	return fmt.Sprintf("rendered %d, skipped %d of %d metatiles in %s (%.1f/s)",
		p.done, p.ignored, p.total, shortDuration(elapsed), rate)
}

func shortDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%.0fs", d.Seconds())
	case d < time.Hour:
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}
}
