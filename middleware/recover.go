package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
)

// PanicError marks an error recovered from a panicking processor. The
// engine checks for it with errors.As to categorize the failure as a
// panic rather than an ordinary permanent error.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("processor panicked: %v", e.Value)
}

// Recover returns middleware that converts panics in the handler chain
// into a *PanicError. Install it innermost so nothing between it and
// the processor can re-panic. The worker must survive any processor.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, info *Info, next Handler) (retErr error) {
		defer func() {
			if r := recover(); r != nil {
				stack := string(debug.Stack())
				logger.Error("processor panicked",
					slog.String("queue", info.Queue),
					slog.String("job_id", info.JobID),
					slog.String("processor", info.Processor),
					slog.Any("panic", r),
					slog.String("stack", stack),
				)
				retErr = &PanicError{Value: r, Stack: stack}
			}
		}()
		return next(ctx)
	}
}
