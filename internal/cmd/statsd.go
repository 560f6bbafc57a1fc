package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/cartogrid/renderq/internal/stats"
)

var statsdCmd = &cobra.Command{
	Use:   "statsd",
	Short: "Collect storage latency samples and serve aggregates",
	RunE:  runStatsd,
}

func init() {
	rootCmd.AddCommand(statsdCmd)
}

func runStatsd(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger()

	udpAddr := cfg.Stats.UDPAddr
	if udpAddr == "" {
		udpAddr = ":8882"
	}
	tcpAddr := cfg.Stats.TCPAddr
	if tcpAddr == "" {
		tcpAddr = ":8883"
	}
	failMean := time.Duration(cfg.Stats.FailMeanMS * float64(time.Millisecond))

	collector, err := stats.NewCollector(udpAddr, tcpAddr, failMean, logger)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	logger.Info("stats collector listening", "udp", collector.UDPAddr(), "tcp", collector.TCPAddr())
	return collector.Run(ctx)
}
