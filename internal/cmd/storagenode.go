package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/cartogrid/renderq/internal/expiry"
	"github.com/cartogrid/renderq/internal/stats"
	"github.com/cartogrid/renderq/internal/storagenode"
)

var storageNodeCmd = &cobra.Command{
	Use:   "storage-node",
	Short: "Serve tiles over HTTP from the local tile cache",
	RunE:  runStorageNode,
}

func init() {
	rootCmd.AddCommand(storageNodeCmd)
	storageNodeCmd.Flags().String("listen", "", "listen address (overrides storage.listen)")
}

func runStorageNode(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger()

	if cfg.Storage.Dir == "" {
		return fmt.Errorf("storage.dir is not configured")
	}
	listen := cfg.Storage.Listen
	if flag, _ := cmd.Flags().GetString("listen"); flag != "" {
		listen = flag
	}
	if listen == "" {
		listen = ":8080"
	}

	cache, err := storagenode.NewCache(cfg.Storage.Dir)
	if err != nil {
		return err
	}

	var expirer storagenode.Expirer
	var expiryClient *expiry.Client
	if cfg.Expiry.Addr != "" {
		expiryClient = expiry.NewClient(cfg.Expiry.Addr)
		expirer = expiryClient
	}

	emitter := stats.NewEmitter(cfg.Stats.UDPAddr)
	node := storagenode.NewNode(cache, expirer, emitter, cfg.Stats.TCPAddr, logger)

	srv := &http.Server{
		Addr:              listen,
		Handler:           node.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := signalContext()
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("storage node listening", "addr", listen, "dir", cfg.Storage.Dir)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if expiryClient != nil {
		expiryClient.Close() //nolint:errcheck
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
