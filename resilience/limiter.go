package resilience

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is a token-bucket dispatch limiter. The engine acquires one
// token per dispatched message; an empty bucket blocks the fetch loop up
// to MaxWait, after which the remaining messages in the batch are
// returned to the broker unprocessed.
type Limiter struct {
	lim     *rate.Limiter
	maxWait time.Duration
}

// NewLimiter creates a Limiter allowing rps tokens per second with the
// given burst capacity. rps <= 0 disables limiting entirely.
func NewLimiter(rps float64, burst int, maxWait time.Duration) *Limiter {
	if rps <= 0 {
		return &Limiter{}
	}
	if burst < 1 {
		burst = 1
	}
	if maxWait <= 0 {
		maxWait = 5 * time.Second
	}
	return &Limiter{lim: rate.NewLimiter(rate.Limit(rps), burst), maxWait: maxWait}
}

// Acquire blocks for one token, bounded by MaxWait and ctx. It reports
// whether a token was obtained.
func (l *Limiter) Acquire(ctx context.Context) bool {
	if l.lim == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, l.maxWait)
	defer cancel()
	return l.lim.Wait(ctx) == nil
}

// Enabled reports whether a rate limit is configured.
func (l *Limiter) Enabled() bool { return l.lim != nil }
