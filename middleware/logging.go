package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/cascadehq/cascade/executor"
)

// Logging returns middleware that logs step start and completion.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, ex *executor.Execution, next Handler) error {
		logger.Info("step started",
			slog.String("step_id", ex.StepID),
			slog.String("instance_id", ex.InstanceID.String()),
			slog.String("workflow_type", ex.WorkflowType),
			slog.Int("attempt", ex.Attempt),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Error("step failed",
				slog.String("step_id", ex.StepID),
				slog.String("instance_id", ex.InstanceID.String()),
				slog.Int("attempt", ex.Attempt),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("step completed",
				slog.String("step_id", ex.StepID),
				slog.String("instance_id", ex.InstanceID.String()),
				slog.Int("attempt", ex.Attempt),
				slog.Duration("elapsed", elapsed),
			)
		}

		return err
	}
}
