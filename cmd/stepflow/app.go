package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rendis/stepflow/internal/actions"
	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/metrics"
	"github.com/rendis/stepflow/internal/mq"
	"github.com/rendis/stepflow/internal/service"
	"github.com/rendis/stepflow/internal/stats"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/internal/streaming"
	"github.com/rendis/stepflow/internal/validation"
)

// app is the wired engine shared by the serve and mcp commands.
type app struct {
	cfg      *Config
	logger   *slog.Logger
	store    store.Store
	registry *actions.Registry
	notifier *streaming.Notifier
	runner   *engine.Runner
	stats    *stats.Evaluator
	service  *service.Service
	metrics  *metrics.Metrics

	amqp      *mq.Connection
	publisher *mq.EventPublisher
	closers   []func()
}

// openStore opens and migrates the configured backend.
func openStore(ctx context.Context, cfg *Config) (store.Store, error) {
	var s store.Store
	switch cfg.Store.Driver {
	case "memory":
		s = store.NewMemoryStore()
	case "libsql":
		ls, err := store.NewLibSQLStore(cfg.Store.DSN)
		if err != nil {
			return nil, err
		}
		s = ls
	case "postgres":
		pool, err := store.NewPostgresPool(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, err
		}
		s = store.NewPostgresStore(pool)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
	if err := s.Migrate(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("migrate %s store: %w", cfg.Store.Driver, err)
	}
	return s, nil
}

// newApp wires the store, action registry, interpreter, runner, statistics,
// notifier subscribers and the service facade.
func newApp(ctx context.Context, cfg *Config, logger *slog.Logger) (*app, error) {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, store: st}

	a.registry = actions.NewRegistry()
	httpCfg := actions.HTTPConfig{DefaultTimeout: cfg.Engine.WebhookTimeout}
	if err := actions.RegisterBuiltins(a.registry, actions.BuiltinConfig{HTTP: httpCfg, Logger: logger}); err != nil {
		a.Close(ctx)
		return nil, err
	}

	interp, err := engine.NewInterpreter(engine.InterpreterConfig{
		Actions:            a.registry,
		HTTP:               actions.NewHTTPRequestAction(httpCfg),
		Breakers:           engine.NewCircuitBreakerRegistry(engine.DefaultCircuitBreakerConfig()),
		DefaultStepTimeout: cfg.Engine.DefaultStepTimeout,
		WebhookTimeout:     cfg.Engine.WebhookTimeout,
		ScriptTimeout:      cfg.Engine.ScriptTimeout,
		Logger:             logger,
	})
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	validator, err := validation.NewWorkflowValidator(a.registry)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	a.notifier = streaming.NewNotifier(logger)
	a.closers = append(a.closers, a.notifier.Subscribe(streaming.LogHandler(logger)))

	a.metrics = metrics.New()
	a.closers = append(a.closers, a.notifier.Subscribe(a.metrics.Handle))

	a.stats = stats.NewEvaluator(stats.Config{
		Store:                st,
		LongRunningThreshold: cfg.Engine.LongRunningThreshold,
		Logger:               logger,
	})
	a.runner = engine.NewRunner(engine.RunnerConfig{
		Store:       st,
		Interpreter: interp,
		Publisher:   a.notifier,
		Refresher:   a.stats,
		PoolSize:    cfg.Engine.PoolSize,
		Logger:      logger,
	})
	if err := a.metrics.RegisterPool(a.runner.PoolMetrics); err != nil {
		a.Close(ctx)
		return nil, err
	}

	a.service = service.New(service.Config{
		Store:     st,
		Runner:    a.runner,
		Stats:     a.stats,
		Notifier:  a.notifier,
		Validator: validator,
		Logger:    logger,
	})
	return a, nil
}

// startBroker connects the optional RabbitMQ bridge when amqp.url is set.
func (a *app) startBroker() error {
	if a.cfg.AMQP.URL == "" {
		return nil
	}
	conn, err := mq.Dial(a.cfg.AMQP.URL, a.logger)
	if err != nil {
		return err
	}
	if err := conn.DeclareExchange(a.cfg.AMQP.Exchange, "topic"); err != nil {
		conn.Close()
		return err
	}
	a.amqp = conn
	a.publisher = mq.NewEventPublisher(conn, mq.PublisherConfig{Exchange: a.cfg.AMQP.Exchange}, a.logger)
	a.closers = append(a.closers, a.notifier.Subscribe(a.publisher.Handle))
	a.logger.Info("publishing execution events", slog.String("exchange", a.cfg.AMQP.Exchange))
	return nil
}

// Close drains running executions, flushes the broker bridge and closes the store.
func (a *app) Close(ctx context.Context) error {
	if a.runner != nil {
		a.runner.Shutdown(ctx)
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil

	var errs []error
	if a.publisher != nil {
		if err := a.publisher.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close event publisher: %w", err))
		}
	}
	if a.amqp != nil {
		if err := a.amqp.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close amqp: %w", err))
		}
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	return errors.Join(errs...)
}
