// Package worker runs the render loop: fetch a job from the broker,
// resolve its style's renderer tree, render, transcode, pack and
// store, then acknowledge.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/cartogrid/renderq/internal/metatile"
	"github.com/cartogrid/renderq/internal/queue"
	"github.com/cartogrid/renderq/internal/render"
	"github.com/cartogrid/renderq/internal/tile"
	"github.com/cartogrid/renderq/internal/transcode"
)

// gcEvery is the job interval between explicit garbage collections;
// the native rasterizer holds memory Go's pacer cannot see.
const gcEvery = 10

// ErrMemoryLimit is returned by Run when the process RSS exceeded the
// configured limit. The supervisor restarts the worker; exit is clean.
var ErrMemoryLimit = errors.New("memory limit exceeded")

// Resolver hands out the renderer tree for a style.
type Resolver interface {
	Renderer(style string) (render.Renderer, error)
}

// Store is the storage client surface the worker needs.
type Store interface {
	GetMeta(ctx context.Context, style string, z, x, y int) ([]byte, time.Time, bool, error)
	PutMeta(ctx context.Context, style string, z, x, y int, blob []byte) error
}

// Config holds the per-worker settings.
type Config struct {
	ID string

	// Formats lists the transcode targets per style.
	Formats map[string][]transcode.Options

	// MemoryLimitBytes stops the worker between jobs once the process
	// RSS exceeds it. Zero disables the check.
	MemoryLimitBytes uint64
}

// Worker is one single-threaded render loop. Parallelism comes from
// running one worker process per core.
type Worker struct {
	cfg      Config
	broker   queue.Broker
	resolver Resolver
	store    Store
	proj     *tile.Mercator
	rss      func() (uint64, error)
	logger   *slog.Logger

	processed int
}

// New wires a worker. store may be nil when no storage tier runs.
func New(cfg Config, broker queue.Broker, resolver Resolver, store Store, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		cfg:      cfg,
		broker:   broker,
		resolver: resolver,
		store:    store,
		proj:     tile.NewMercator(metatile.MaxZoom + 1),
		rss:      ProcessRSS,
		logger:   logger.With("worker", cfg.ID),
	}
}

// Run processes jobs until the context is cancelled, the broker fails
// hard, or the memory limit is exceeded (ErrMemoryLimit).
func (w *Worker) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		job, err := queue.GetJobRetry(ctx, w.broker, w.logger)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch job: %w", err)
		}

		w.Process(ctx, job)

		if err := queue.NotifyRetry(ctx, w.broker, job, w.logger); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("ack job: %w", err)
		}

		w.processed++
		if w.processed%gcEvery == 0 {
			runtime.GC()
		}
		if over, err := w.overMemoryLimit(); err != nil {
			w.logger.Warn("memory check failed", "error", err)
		} else if over {
			w.logger.Info("memory limit exceeded, exiting for restart",
				"limit_bytes", w.cfg.MemoryLimitBytes, "jobs", w.processed)
			return ErrMemoryLimit
		}
	}
}

// Process runs one job through the pipeline, mutating it into its own
// acknowledgement.
func (w *Worker) Process(ctx context.Context, job *queue.Job) {
	logger := w.logger.With("job", job.String())

	if !metatile.CheckXYZ(job.X, job.Y, job.Z) {
		logger.Error("invalid tile coordinates")
		job.Status = queue.StatusIgnore
		return
	}

	renderer, err := w.resolver.Renderer(job.Style)
	if err != nil {
		logger.Error("unknown style", "error", err)
		job.Status = queue.StatusIgnore
		return
	}

	t := tile.NewTile(job.Z, job.X, job.Y, job.Style, w.proj)

	// idempotency: an existing fresh blob short-circuits the render
	// unless the client forced regeneration
	if job.Status != queue.StatusDirty && job.Status != queue.StatusRenderBulk && w.store != nil {
		blob, mtime, found, err := w.store.GetMeta(ctx, job.Style, t.Z, t.X, t.Y)
		if err != nil {
			logger.Warn("storage existence check failed", "error", err)
		} else if found {
			job.Data = blob
			job.Status = queue.StatusIgnore
			job.LastModified = uint32(mtime.Unix())
			return
		}
	}

	res, err := renderer.Process(ctx, t)
	if err != nil {
		logger.Error("render failed", "error", err)
		job.Status = queue.StatusIgnore
		return
	}

	blob, err := render.Pack(res, t, w.cfg.Formats[job.Style])
	if err != nil {
		logger.Error("pack failed", "error", err)
		job.Status = queue.StatusIgnore
		return
	}

	// bulk backfills never carry data back through the broker
	if job.Status != queue.StatusDirty && job.Status != queue.StatusRenderBulk {
		job.Data = blob
	}

	if w.store != nil {
		if err := w.store.PutMeta(ctx, job.Style, t.Z, t.X, t.Y, blob); err != nil {
			logger.Error("storage write failed", "error", err)
		}
	}

	job.Status = queue.StatusDone
	job.LastModified = uint32(time.Now().Unix())
}

func (w *Worker) overMemoryLimit() (bool, error) {
	if w.cfg.MemoryLimitBytes == 0 {
		return false, nil
	}
	rss, err := w.rss()
	if err != nil {
		return false, err
	}
	return rss > w.cfg.MemoryLimitBytes, nil
}
