package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/stepflow/internal/stats"
)

// ExecutionPruner removes terminal executions older than a number of days.
type ExecutionPruner interface {
	ClearOldExecutions(ctx context.Context, olderThanDays int) (int, error)
}

// HealthChecker reports the overall system health.
type HealthChecker interface {
	WorkflowHealth(ctx context.Context) (*stats.Health, error)
}

// RetentionJob prunes executions older than days, every interval.
func RetentionJob(p ExecutionPruner, days int, every time.Duration) Job {
	return Job{
		Name:  "retention",
		Every: every,
		Run: func(ctx context.Context) error {
			_, err := p.ClearOldExecutions(ctx, days)
			return err
		},
	}
}

// HealthJob logs a warning whenever the health verdict is not healthy.
func HealthJob(h HealthChecker, cronExpr string, logger *slog.Logger) Job {
	if logger == nil {
		logger = slog.Default()
	}
	return Job{
		Name: "health",
		Cron: cronExpr,
		Run: func(ctx context.Context) error {
			report, err := h.WorkflowHealth(ctx)
			if err != nil {
				return err
			}
			if report.Status != stats.HealthHealthy {
				logger.WarnContext(ctx, "workflow health degraded",
					slog.String("status", report.Status),
					slog.Any("issues", report.Issues),
				)
			}
			return nil
		},
	}
}
