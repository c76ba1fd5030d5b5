package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kaya-dev/kaya/pkg/api"
	"github.com/kaya-dev/kaya/pkg/config"
	"github.com/kaya-dev/kaya/pkg/runtime"
)

func newServeCmd(loadConfig func() (*config.Config, error)) *cobra.Command {
	var port string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator with the HTTP API and event stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			rt, err := runtime.Build(ctx, cfg, slog.Default())
			if err != nil {
				return err
			}
			defer func() {
				if err := rt.Close(); err != nil {
					slog.Error("Shutdown error", "error", err)
				}
			}()

			server := api.NewServer(api.Options{
				Commander:   rt.Orchestrator,
				HITL:        rt.HITL,
				Metrics:     rt.Metrics,
				Hot:         rt.Hot,
				Breakers:    rt.Breakers,
				ConnManager: rt.ConnManager,
			})

			errCh := make(chan error, 1)
			go func() {
				if err := server.Run(":" + port); err != nil {
					errCh <- err
				}
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

			select {
			case sig := <-sigCh:
				slog.Info("Shutdown signal received", "signal", sig)
			case err := <-errCh:
				slog.Error("Server error triggered shutdown", "error", err)
			}

			if err := server.Shutdown(context.Background()); err != nil {
				slog.Error("HTTP server shutdown error", "error", err)
			}
			slog.Info("Shutdown complete")
			return nil
		},
	}
	cmd.Flags().StringVar(&port, "port", getEnv("HTTP_PORT", "8080"), "HTTP listen port")
	return cmd
}
