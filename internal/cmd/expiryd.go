package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cartogrid/renderq/internal/expiry"
)

var expirydCmd = &cobra.Command{
	Use:   "expiryd",
	Short: "Track tile expiry bits over UDP",
	RunE:  runExpiryd,
}

func init() {
	rootCmd.AddCommand(expirydCmd)
}

func runExpiryd(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger()

	if cfg.Expiry.Dir == "" {
		return fmt.Errorf("expiry.dir is not configured")
	}
	addr := cfg.Expiry.Addr
	if addr == "" {
		addr = ":8881"
	}

	svc, err := expiry.NewService(addr, cfg.Expiry.Dir, cfg.Expiry.InitialZoom, logger)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	logger.Info("expiry service listening", "addr", svc.Addr(), "dir", cfg.Expiry.Dir)
	return svc.Run(ctx)
}
