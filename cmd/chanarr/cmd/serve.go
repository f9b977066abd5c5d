package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/chanarr/internal/config"
	"github.com/jmylchreest/chanarr/internal/daemon"
	"github.com/jmylchreest/chanarr/internal/observability"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the streaming head-end",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		logger := observability.NewLogger(cfg.Logging)
		observability.SetDefault(logger)

		d, err := daemon.New(cfg, logger)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return d.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
