package middleware

import (
	"context"
	"log/slog"
	"time"
)

// Logging returns middleware that logs attempt start and completion.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, info *Info, next Handler) error {
		logger.Debug("attempt started",
			slog.String("queue", info.Queue),
			slog.String("job_id", info.JobID),
			slog.Int("attempt", info.Attempt),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Warn("attempt failed",
				slog.String("queue", info.Queue),
				slog.String("job_id", info.JobID),
				slog.Int("attempt", info.Attempt),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("attempt completed",
				slog.String("queue", info.Queue),
				slog.String("job_id", info.JobID),
				slog.Int("attempt", info.Attempt),
				slog.Duration("elapsed", elapsed),
			)
		}

		return err
	}
}
