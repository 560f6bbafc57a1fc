// Package cmd holds the renderq command tree, one file per command.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/cartogrid/renderq/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "renderq",
	Short: "Distributed metatile rendering and storage",
	Long: `renderq renders map tiles in 8x8 metatile blocks, transcodes them
into their delivery formats and keeps them in an HTTP storage tier with
UDP-driven expiry. Each subcommand is one role of the cluster.`,
	SilenceUsage: true,
}

// Execute runs the command tree; errors exit non-zero.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./renderq.yaml)")
	rootCmd.PersistentFlags().Bool("verbose", false, "enable debug logging")
	mustBind("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

// mustBind wires a flag into viper; a name clash is a programming
// error, not a runtime condition.
func mustBind(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("bind flag %s: %v", key, err))
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("renderq")
	}

	viper.SetEnvPrefix("RENDERQ")
	viper.AutomaticEnv()

	// a missing config file is fine; commands validate what they need
	_ = viper.ReadInConfig()
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if viper.GetBool("verbose") {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func loadConfig() (*config.Config, error) {
	return config.Load(viper.GetViper())
}

// signalContext is the lifetime of a daemon command: cancelled on
// SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
