package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/stepflow/pkg/mcp"
)

func newMCPCmd(cfgFn func() (*Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the MCP tools over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := cfgFn()
			if err != nil {
				return err
			}
			logger, err := newLogger(os.Stderr, cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if err := a.Close(closeCtx); err != nil {
					logger.Error("shutdown", slog.String("error", err.Error()))
				}
			}()
			if err := a.startBroker(); err != nil {
				return err
			}

			srv := mcp.NewServer(mcp.ServerDeps{Service: a.service, Logger: logger, Version: version})
			defer a.notifier.Subscribe(srv.Notifier().Handle)()

			logger.Info("mcp stdio server started", slog.String("store", cfg.Store.Driver))
			return srv.Serve(ctx)
		},
	}
}
