package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"runtime"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cartogrid/renderq/internal/config"
	"github.com/cartogrid/renderq/internal/coverage"
	"github.com/cartogrid/renderq/internal/metatile"
	"github.com/cartogrid/renderq/internal/queue"
	"github.com/cartogrid/renderq/internal/render"
	"github.com/cartogrid/renderq/internal/storage"
	"github.com/cartogrid/renderq/internal/tile"
	"github.com/cartogrid/renderq/internal/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Render metatiles for a style over a region",
	RunE:  runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)

	workerCmd.Flags().String("style", "", "style to render")
	workerCmd.Flags().String("bbox", "", "region as minLng,minLat,maxLng,maxLat (default world)")
	workerCmd.Flags().Int("zoom-min", 0, "first zoom level")
	workerCmd.Flags().Int("zoom-max", 0, "last zoom level")
	workerCmd.Flags().Int("workers", runtime.NumCPU(), "parallel render loops")
	workerCmd.Flags().Bool("dirty", false, "rerender even when storage already holds the tile")
	workerCmd.Flags().Bool("bulk", false, "bulk backfill: skip existence checks, no inline data")
	workerCmd.Flags().Bool("progress", false, "show a progress bar on stderr")
	_ = workerCmd.MarkFlagRequired("style")
}

// buildRendering assembles the shared render plumbing: coverage data,
// storage client and the renderer factory.
func buildRendering(cfg *config.Config, logger *slog.Logger) (*render.Factory, *storage.Client, error) {
	var covMgr *coverage.Manager
	if len(cfg.Coverages) > 0 {
		var err error
		covMgr, err = coverage.NewManager(cfg.Coverages, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("load coverages: %w", err)
		}
	}

	var client *storage.Client
	var factoryStore render.Store
	if cfg.Storage.BaseURL != "" {
		var err error
		client, err = storage.NewClient(cfg.Storage.BaseURL, cfg.Storage.Version,
			&http.Client{Timeout: cfg.Storage.Timeout()}, logger)
		if err != nil {
			return nil, nil, err
		}
		factoryStore = client
	}

	factory := render.NewFactory(cfg.FactoryConfig(), factoryStore, covMgr, nil, nil, logger)
	return factory, client, nil
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger()

	style, _ := cmd.Flags().GetString("style")
	bbox, _ := cmd.Flags().GetString("bbox")
	zoomMin, _ := cmd.Flags().GetInt("zoom-min")
	zoomMax, _ := cmd.Flags().GetInt("zoom-max")
	workers, _ := cmd.Flags().GetInt("workers")
	dirty, _ := cmd.Flags().GetBool("dirty")
	bulk, _ := cmd.Flags().GetBool("bulk")
	showProgress, _ := cmd.Flags().GetBool("progress")

	reg, err := parseRegion(bbox, zoomMin, zoomMax)
	if err != nil {
		return err
	}
	status := queue.StatusRender
	if bulk {
		status = queue.StatusRenderBulk
	}
	if dirty {
		status = queue.StatusDirty
	}
	if workers < 1 {
		workers = 1
	}

	factory, client, err := buildRendering(cfg, logger)
	if err != nil {
		return err
	}
	// fail on configuration errors before any loop starts
	if _, err := factory.Renderer(style); err != nil {
		return err
	}

	var store worker.Store
	if client != nil {
		store = client
	}

	ctx, cancel := signalContext()
	defer cancel()

	broker := queue.NewMemBroker(workers * 2)
	proj := tile.NewMercator(metatile.MaxZoom + 1)

	total := 0
	if err := reg.anchors(proj, func(tile.Coords) error { total++; return nil }); err != nil {
		return err
	}
	progress := worker.NewProgress(total, os.Stderr, showProgress)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer broker.Close()
		var gid uint64
		return reg.anchors(proj, func(c tile.Coords) error {
			gid++
			job := &queue.Job{GID: gid, Style: style, Z: c.Z, X: c.X, Y: c.Y, Status: status}
			return broker.Submit(gctx, job)
		})
	})

	// acknowledgements are drained outside the group so draining keeps
	// running until the workers are finished
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			job, err := broker.Ack(ctx)
			if err != nil {
				return
			}
			progress.Observe(job.Status)
		}
	}()

	base := orDefault(cfg.Worker.ID, "worker")
	for i := 0; i < workers; i++ {
		wcfg := cfg.WorkerConfig()
		wcfg.ID = fmt.Sprintf("%s-%d", base, i)
		w := worker.New(wcfg, broker, factory, store, logger)
		g.Go(func() error {
			err := w.Run(gctx)
			if errors.Is(err, worker.ErrMemoryLimit) {
				// clean exit, the supervisor restarts us
				return nil
			}
			if errors.Is(err, queue.ErrClosed) {
				return nil
			}
			return err
		})
	}

	err = g.Wait()
	cancel()
	<-done
	progress.Finish()
	logger.Info("render run finished", "summary", progress.Summary())
	return err
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
