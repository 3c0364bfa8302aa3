package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/harborview/shipsync/internal/config"
	"github.com/harborview/shipsync/internal/daemon"
	"github.com/harborview/shipsync/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the replication engine",
	Long: `Starts the engine in the configured mode (master or replica) and
serves the operator HTTP surface until SIGINT/SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := telemetry.Init(ctx, "shipsync", Version); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: telemetry init failed: %v\n", err)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			telemetry.Shutdown(flushCtx)
		}()

		d, err := daemon.New(ctx, cfg, daemon.Options{ConfigPath: configPath})
		if err != nil {
			return err
		}
		return d.Run(ctx)
	},
}
