// Package stats collects tile get/post latency samples over UDP and
// serves rolling-window summaries over TCP as JSON.
package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	// TableGet and TablePost are the wire table identifiers.
	TableGet  = 'g'
	TablePost = 'p'

	retention     = time.Hour
	pruneInterval = 5 * time.Minute
)

// windows are the reporting horizons of a snapshot.
var windows = []struct {
	Name string
	Span time.Duration
}{
	{"5s", 5 * time.Second},
	{"5m", 5 * time.Minute},
	{"1h", time.Hour},
}

type sample struct {
	at     time.Time
	micros uint32
}

// WindowStats is one rolling-window summary.
type WindowStats struct {
	Window string  `json:"window"`
	Count  int     `json:"count"`
	Mean   float64 `json:"mean_us"`
	StdDev float64 `json:"stddev_us"`
}

// Snapshot is the JSON document served over TCP.
type Snapshot struct {
	Gets   []WindowStats `json:"gets"`
	Posts  []WindowStats `json:"posts"`
	Get    string        `json:"get"`
	Post   string        `json:"post"`
	Uptime string        `json:"uptime"`
}

// Collector ingests latency datagrams and answers snapshot requests.
type Collector struct {
	udp *net.UDPConn
	tcp net.Listener

	// failMean marks a table "fail" when its 5-minute mean latency
	// exceeds it.
	failMean time.Duration

	gets    []sample
	posts   []sample
	started time.Time
	logger  *slog.Logger
}

// NewCollector binds both sockets. failMean of zero disables the
// pass/fail judgement (always "pass").
func NewCollector(udpAddr, tcpAddr string, failMean time.Duration, logger *slog.Logger) (*Collector, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ua, err := net.ResolveUDPAddr("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", udpAddr, err)
	}
	udp, err := net.ListenUDP("udp", ua)
	if err != nil {
		return nil, fmt.Errorf("bind stats udp %s: %w", udpAddr, err)
	}
	tcp, err := net.Listen("tcp", tcpAddr)
	if err != nil {
		_ = udp.Close()
		return nil, fmt.Errorf("bind stats tcp %s: %w", tcpAddr, err)
	}
	return &Collector{
		udp:      udp,
		tcp:      tcp,
		failMean: failMean,
		started:  time.Now(),
		logger:   logger,
	}, nil
}

// UDPAddr returns the bound ingest address.
func (c *Collector) UDPAddr() net.Addr { return c.udp.LocalAddr() }

// TCPAddr returns the bound snapshot address.
func (c *Collector) TCPAddr() net.Addr { return c.tcp.Addr() }

// Run serves both sockets until the context is cancelled. The single
// goroutine owning the sample store is the UDP loop; snapshot requests
// and pruning are funneled through it via channels.
func (c *Collector) Run(ctx context.Context) error {
	snapshots := make(chan chan Snapshot)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return c.ingestLoop(ctx, snapshots) })
	g.Go(func() error { return c.acceptLoop(ctx, snapshots) })
	g.Go(func() error {
		<-ctx.Done()
		_ = c.udp.Close()
		_ = c.tcp.Close()
		return nil
	})

	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// ingestLoop owns the sample slices: datagrams append, snapshot
// requests read, a timer prunes.
func (c *Collector) ingestLoop(ctx context.Context, snapshots <-chan chan Snapshot) error {
	nextPrune := time.Now().Add(pruneInterval)
	buf := make([]byte, 64)
	for {
		select {
		case <-ctx.Done():
			return nil
		case reply := <-snapshots:
			reply <- c.snapshot(time.Now())
			continue
		default:
		}

		_ = c.udp.SetReadDeadline(time.Now().Add(250 * time.Millisecond))
		n, _, err := c.udp.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				nextPrune = c.maybePrune(nextPrune)
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("stats recv: %w", err)
		}
		c.ingest(buf[:n])
		nextPrune = c.maybePrune(nextPrune)
	}
}

// ingest decodes a 5-byte table+micros datagram.
func (c *Collector) ingest(frame []byte) {
	if len(frame) != 5 {
		c.logger.Debug("bad stats frame", "len", len(frame))
		return
	}
	micros := uint32(frame[1])<<24 | uint32(frame[2])<<16 | uint32(frame[3])<<8 | uint32(frame[4])
	s := sample{at: time.Now(), micros: micros}
	switch frame[0] {
	case TableGet:
		c.gets = append(c.gets, s)
	case TablePost:
		c.posts = append(c.posts, s)
	default:
		c.logger.Debug("unknown stats table", "table", frame[0])
	}
}

func (c *Collector) maybePrune(next time.Time) time.Time {
	now := time.Now()
	if now.Before(next) {
		return next
	}
	cutoff := now.Add(-retention)
	c.gets = prune(c.gets, cutoff)
	c.posts = prune(c.posts, cutoff)
	return now.Add(pruneInterval)
}

func prune(samples []sample, cutoff time.Time) []sample {
	i := 0
	for i < len(samples) && samples[i].at.Before(cutoff) {
		i++
	}
	if i == 0 {
		return samples
	}
	return append(samples[:0:0], samples[i:]...)
}

func (c *Collector) snapshot(now time.Time) Snapshot {
	snap := Snapshot{
		Gets:   summarize(c.gets, now),
		Posts:  summarize(c.posts, now),
		Uptime: now.Sub(c.started).Truncate(time.Second).String(),
	}
	snap.Get = c.judge(snap.Gets)
	snap.Post = c.judge(snap.Posts)
	return snap
}

// judge marks a table failed when its 5-minute mean exceeds the
// configured threshold.
func (c *Collector) judge(ws []WindowStats) string {
	if c.failMean <= 0 {
		return "pass"
	}
	for _, w := range ws {
		if w.Window == "5m" && w.Count > 0 && w.Mean > float64(c.failMean.Microseconds()) {
			return "fail"
		}
	}
	return "pass"
}

// summarize runs Welford's online mean/variance over each window.
func summarize(samples []sample, now time.Time) []WindowStats {
	out := make([]WindowStats, 0, len(windows))
	for _, w := range windows {
		cutoff := now.Add(-w.Span)
		var count int
		var mean, m2 float64
		for _, s := range samples {
			if s.at.Before(cutoff) {
				continue
			}
			count++
			delta := float64(s.micros) - mean
			mean += delta / float64(count)
			m2 += delta * (float64(s.micros) - mean)
		}
		ws := WindowStats{Window: w.Name, Count: count}
		if count > 0 {
			ws.Mean = mean
		}
		if count > 1 {
			ws.StdDev = math.Sqrt(m2 / float64(count-1))
		}
		out = append(out, ws)
	}
	return out
}

// acceptLoop answers every TCP connection with one JSON snapshot and
// closes it.
func (c *Collector) acceptLoop(ctx context.Context, snapshots chan<- chan Snapshot) error {
	for {
		conn, err := c.tcp.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("stats accept: %w", err)
		}

		reply := make(chan Snapshot, 1)
		select {
		case snapshots <- reply:
		case <-ctx.Done():
			_ = conn.Close()
			return nil
		}

		select {
		case snap := <-reply:
			enc := json.NewEncoder(conn)
			if err := enc.Encode(snap); err != nil {
				c.logger.Warn("stats snapshot write failed", "error", err)
			}
		case <-ctx.Done():
		}
		_ = conn.Close()
	}
}
