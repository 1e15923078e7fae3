package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"loom/internal/logging"
	"loom/internal/server"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the streaming run API over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			rt, err := buildRuntime(cfg)
			if err != nil {
				return err
			}
			defer rt.shutdown()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger := logging.NewComponentLogger("serve")
			warmCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			if err := rt.pool.WarmUp(warmCtx); err != nil {
				logger.Warn("sandbox warm-up incomplete: %v", err)
			}
			cancel()
			rt.pool.StartJanitor(ctx, time.Minute)

			srv := server.New(rt.orch, rt.registry, cfg, logger)
			return srv.Run(ctx)
		},
	}
}
