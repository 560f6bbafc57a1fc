package storagenode

import (
	"errors"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/cartogrid/renderq/internal/metatile"
	"github.com/cartogrid/renderq/internal/stats"
)

var epoch = time.Unix(0, 0).UTC()

// maxUploadBytes bounds one multipart POST body.
const maxUploadBytes = 256 << 20

var contentTypes = map[string]string{
	"png":  "image/png",
	"jpeg": "image/jpeg",
	"jpg":  "image/jpeg",
	"gif":  "image/gif",
	"json": "application/json",
	"meta": "application/octet-stream",
}

// Expirer is the slice of the expiry client the node uses. A nil
// Expirer disables expiry lookups.
type Expirer interface {
	TileExpired(style string, z, x, y int) (bool, error)
	ExpireTile(style string, z, x, y int) error
	SetTileFresh(style string, z, x, y int) error
}

// Node is one storage node: the HTTP surface over a Cache plus the
// expiry and stats side channels.
type Node struct {
	cache   *Cache
	expirer Expirer
	emitter *stats.Emitter
	statsIn string
	logger  *slog.Logger
}

// NewNode wires the node. emitter and expirer may be nil; statsAddr is
// the TCP address of the stats collector backing /_stats.json, empty
// for a local-only summary.
func NewNode(cache *Cache, expirer Expirer, emitter *stats.Emitter, statsAddr string, logger *slog.Logger) *Node {
	if logger == nil {
		logger = slog.Default()
	}
	return &Node{cache: cache, expirer: expirer, emitter: emitter, statsIn: statsAddr, logger: logger}
}

// Router builds the HTTP handler.
func (n *Node) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodHead},
	}))

	r.Get("/_stats.json", n.handleStatsJSON)
	r.Get("/_stats.html", n.handleStatsHTML)

	r.Get("/{version}/{style}/{z}/{x}/{file}", n.handleGet)
	r.Post("/{version}/{style}/{z}/{x}/{file}", n.handlePost)
	return r
}

// tileRef is one parsed request path.
type tileRef struct {
	version string
	style   string
	z, x, y int
	ext     string
}

func parseRef(r *http.Request) (tileRef, error) {
	ref := tileRef{
		version: chi.URLParam(r, "version"),
		style:   chi.URLParam(r, "style"),
	}
	if strings.Contains(ref.version, "..") || strings.Contains(ref.style, "..") {
		return ref, fmt.Errorf("path escape in %q/%q", ref.version, ref.style)
	}

	var err error
	if ref.z, err = strconv.Atoi(chi.URLParam(r, "z")); err != nil {
		return ref, fmt.Errorf("bad z: %w", err)
	}
	if ref.x, err = strconv.Atoi(chi.URLParam(r, "x")); err != nil {
		return ref, fmt.Errorf("bad x: %w", err)
	}

	file := chi.URLParam(r, "file")
	dot := strings.LastIndexByte(file, '.')
	if dot <= 0 || dot == len(file)-1 {
		return ref, fmt.Errorf("bad tile file %q", file)
	}
	if ref.y, err = strconv.Atoi(file[:dot]); err != nil {
		return ref, fmt.Errorf("bad y: %w", err)
	}
	ref.ext = file[dot+1:]

	if !metatile.CheckXYZ(ref.x, ref.y, ref.z) {
		return ref, fmt.Errorf("coordinates %d/%d/%d out of range", ref.z, ref.x, ref.y)
	}
	return ref, nil
}

func (n *Node) handleGet(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() { n.emitter.Emit(stats.TableGet, time.Since(start)) }()

	ref, err := parseRef(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}

	data, mtime, err := n.cache.Read(ref.version, ref.style, ref.z, ref.x, ref.y, ref.ext)
	if err != nil {
		n.writeError(w, ref, err)
		return
	}

	if n.expired(ref) {
		mtime = epoch
	}

	n.alsoExpire(r, ref)

	ct := contentTypes[strings.ToLower(ref.ext)]
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Last-Modified", mtime.UTC().Format(http.TimeFormat))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// expired asks the expiry service; an unreachable service reads as not
// expired, favoring availability over freshness.
func (n *Node) expired(ref tileRef) bool {
	if n.expirer == nil {
		return false
	}
	on, err := n.expirer.TileExpired(ref.style, ref.z, ref.x, ref.y)
	if err != nil {
		n.logger.Warn("expiry lookup failed", "style", ref.style, "error", err)
		return false
	}
	return on
}

// alsoExpire touches companion styles' tiles with the request's
// Last-Modified, so one style's refresh invalidates its overlays.
func (n *Node) alsoExpire(r *http.Request, ref tileRef) {
	header := r.Header.Get("X-Also-Expire")
	if header == "" {
		return
	}
	lm := parseLastModified(r)

	for _, style := range strings.Split(header, ",") {
		style = strings.TrimSpace(style)
		if style == "" || strings.Contains(style, "..") {
			continue
		}
		if err := n.cache.SetMTime(ref.version, style, ref.z, ref.x, ref.y, ref.ext, lm); err != nil && !errors.Is(err, ErrNotFound) {
			n.logger.Warn("companion expire failed", "style", style, "error", err)
		}
		if n.expirer != nil && lm.Unix() <= 0 {
			if err := n.expirer.ExpireTile(style, ref.z, ref.x, ref.y); err != nil {
				n.logger.Warn("companion expiry bit failed", "style", style, "error", err)
			}
		}
	}
}

func parseLastModified(r *http.Request) time.Time {
	if lm := r.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			return t
		}
	}
	return time.Now()
}

func (n *Node) handlePost(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() { n.emitter.Emit(stats.TablePost, time.Since(start)) }()

	ref, err := parseRef(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	lm := parseLastModified(r)

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	reader, err := r.MultipartReader()
	if err != nil {
		http.Error(w, "multipart body required", http.StatusBadRequest)
		return
	}

	stored := 0
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		pz, px, py, ext, perr := parsePartName(part.FileName())
		if perr != nil {
			// parts without coordinates in the name land at the URL's tile
			pz, px, py, ext = ref.z, ref.x, ref.y, ref.ext
		}
		if !metatile.CheckXYZ(px, py, pz) {
			http.Error(w, fmt.Sprintf("part coordinates %d/%d/%d out of range", pz, px, py), http.StatusForbidden)
			return
		}

		data, err := io.ReadAll(part)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := n.cache.Write(ref.version, ref.style, pz, px, py, ext, data, lm); err != nil {
			n.logger.Error("tile write failed",
				"style", ref.style, "z", pz, "x", px, "y", py, "error", err)
			n.writeError(w, ref, err)
			return
		}
		n.forwardExpiry(ref.style, pz, px, py, lm)
		stored++
	}

	if stored == 0 {
		http.Error(w, "no file parts", http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "stored %d tiles\n", stored)
}

// forwardExpiry mirrors the write into the expiry index: an epoch
// Last-Modified marks the metatile stale, anything else fresh.
func (n *Node) forwardExpiry(style string, z, x, y int, lm time.Time) {
	if n.expirer == nil {
		return
	}
	var err error
	if lm.Unix() <= 0 {
		err = n.expirer.ExpireTile(style, z, x, y)
	} else {
		err = n.expirer.SetTileFresh(style, z, x, y)
	}
	if err != nil {
		n.logger.Warn("expiry forward failed", "style", style, "z", z, "error", err)
	}
}

// parsePartName extracts trailing z/x/y.ext coordinates from a
// multipart filename.
func parsePartName(name string) (z, x, y int, ext string, err error) {
	name = strings.ReplaceAll(name, "\\", "/")
	parts := strings.Split(name, "/")
	if len(parts) < 3 {
		return 0, 0, 0, "", fmt.Errorf("filename %q has no z/x/y", name)
	}
	tail := parts[len(parts)-3:]

	if z, err = strconv.Atoi(tail[0]); err != nil {
		return 0, 0, 0, "", fmt.Errorf("bad z in %q", name)
	}
	if x, err = strconv.Atoi(tail[1]); err != nil {
		return 0, 0, 0, "", fmt.Errorf("bad x in %q", name)
	}
	dot := strings.LastIndexByte(tail[2], '.')
	if dot <= 0 || dot == len(tail[2])-1 {
		return 0, 0, 0, "", fmt.Errorf("bad y.ext in %q", name)
	}
	if y, err = strconv.Atoi(tail[2][:dot]); err != nil {
		return 0, 0, 0, "", fmt.Errorf("bad y in %q", name)
	}
	return z, x, y, tail[2][dot+1:], nil
}

// writeError maps cache failures onto the HTTP status taxonomy.
func (n *Node) writeError(w http.ResponseWriter, ref tileRef, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, os.ErrDeadlineExceeded):
		http.Error(w, "upstream timeout", http.StatusRequestTimeout)
	case isDiskError(err):
		n.logger.Error("disk error", "tile", ref, "error", err)
		http.Error(w, "storage failure", http.StatusBadGateway)
	default:
		n.logger.Error("storage error", "tile", ref, "error", err)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}
}

func isDiskError(err error) bool {
	var pathErr *os.PathError
	return errors.As(err, &pathErr)
}

func (n *Node) handleStatsJSON(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if n.statsIn == "" {
		_, _ = w.Write([]byte(`{"get":"pass","post":"pass","gets":[],"posts":[]}`))
		return
	}
	raw, err := stats.Fetch(n.statsIn, 2*time.Second)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	_, _ = w.Write(raw)
}

var statsPage = template.Must(template.New("stats").Parse(`<!DOCTYPE html>
<html><head><title>storage node stats</title></head>
<body><h1>Storage node stats</h1><pre>{{.}}</pre></body></html>
`))

func (n *Node) handleStatsHTML(w http.ResponseWriter, r *http.Request) {
	var body string
	if n.statsIn == "" {
		body = "no stats collector configured"
	} else if raw, err := stats.Fetch(n.statsIn, 2*time.Second); err != nil {
		body = "stats collector unreachable: " + err.Error()
	} else {
		body = string(raw)
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := statsPage.Execute(w, body); err != nil {
		n.logger.Warn("stats page render failed", "error", err)
	}
}
