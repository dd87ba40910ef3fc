package middleware

import (
	"context"
	"time"
)

// Timeout returns middleware that enforces a per-attempt deadline. When
// the deadline is exceeded the context is cancelled and a cooperative
// processor returns context.DeadlineExceeded. A zero duration disables
// the deadline.
func Timeout(d time.Duration) Middleware {
	return func(ctx context.Context, _ *Info, next Handler) error {
		if d > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
		return next(ctx)
	}
}
