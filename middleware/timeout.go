package middleware

import (
	"context"
	"log/slog"

	"github.com/cascadehq/cascade/executor"
)

// Timeout returns middleware that enforces a per-step execution deadline.
// If the execution has a non-zero Timeout, a context.WithTimeout wraps the
// handler call. When the deadline is exceeded the context is cancelled and
// the handler should return context.DeadlineExceeded.
func Timeout(logger *slog.Logger) Middleware {
	return func(ctx context.Context, ex *executor.Execution, next Handler) error {
		if ex.Timeout > 0 {
			logger.Debug("step timeout set",
				slog.String("step_id", ex.StepID),
				slog.String("instance_id", ex.InstanceID.String()),
				slog.Duration("timeout", ex.Timeout),
			)
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, ex.Timeout)
			defer cancel()
		}
		return next(ctx)
	}
}
