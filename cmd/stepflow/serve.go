package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/stepflow/internal/panel"
	"github.com/rendis/stepflow/internal/scheduler"
	"github.com/rendis/stepflow/internal/streaming"
	"github.com/rendis/stepflow/pkg/mcp"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(cfgFn func() (*Config, error)) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP panel with REST, SSE, metrics and MCP endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := cfgFn()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

func runServe(ctx context.Context, cfg *Config) error {
	logger, err := newLogger(os.Stderr, cfg)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			logger.Error("shutdown", slog.String("error", err.Error()))
		}
	}()

	if err := a.startBroker(); err != nil {
		return fmt.Errorf("connect amqp: %w", err)
	}

	hub := streaming.NewMemoryHub()
	detach := hub.Attach(a.notifier)
	defer detach()
	if err := a.metrics.RegisterHub(hub); err != nil {
		return err
	}

	mcpSrv := mcp.NewServer(mcp.ServerDeps{Service: a.service, Logger: logger, Version: version})
	unsubscribe := a.notifier.Subscribe(mcpSrv.Notifier().Handle)
	defer unsubscribe()

	sched := scheduler.New(scheduler.Config{Logger: logger})
	if cfg.Retention.Days > 0 {
		if err := sched.Add(scheduler.RetentionJob(a.service, cfg.Retention.Days, cfg.Retention.Interval)); err != nil {
			return err
		}
	}
	if cfg.Health.Cron != "" {
		if err := sched.Add(scheduler.HealthJob(a.service, cfg.Health.Cron, logger)); err != nil {
			return err
		}
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	srv := panel.New(panel.Deps{
		Service:     a.service,
		Hub:         hub,
		Metrics:     a.metrics.Handler(),
		MCP:         mcpSrv.SSEHandler(cfg.Server.MCPPath),
		Jobs:        sched,
		Actions:     a.registry,
		Logger:      logger,
		ServiceName: "stepflow",
	})

	serverErr := make(chan error, 1)
	go func() { serverErr <- srv.Start(cfg.Server.Addr) }()

	logger.Info("stepflow started",
		slog.String("version", version),
		slog.String("addr", cfg.Server.Addr),
		slog.String("store", cfg.Store.Driver),
	)

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("panel: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("panel shutdown: %w", err)
	}
	return <-serverErr
}
