// Package backoff provides retry delay strategies for job execution.
// All strategies are safe for concurrent use (they are stateless).
package backoff

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"time"
)

// Strategy computes the delay before retrying attempt n. Attempts are
// 0-indexed: n is the job's retry count at the moment of failure, so the
// first retry is computed with n = 0.
type Strategy interface {
	Delay(n int) time.Duration
}

// ──────────────────────────────────────────────────
// Fixed
// ──────────────────────────────────────────────────

// Fixed always returns the same delay regardless of attempt number.
type Fixed struct {
	Interval time.Duration
}

// NewFixed creates a fixed backoff strategy.
func NewFixed(interval time.Duration) *Fixed {
	return &Fixed{Interval: interval}
}

// Delay returns the fixed interval.
func (f *Fixed) Delay(_ int) time.Duration {
	return f.Interval
}

// ──────────────────────────────────────────────────
// Linear
// ──────────────────────────────────────────────────

// Linear increases the delay linearly with the attempt number.
// Delay = Step * (n+1).
type Linear struct {
	Step time.Duration
}

// NewLinear creates a linear backoff strategy.
func NewLinear(step time.Duration) *Linear {
	return &Linear{Step: step}
}

// Delay returns Step * (n+1).
func (l *Linear) Delay(n int) time.Duration {
	return l.Step * time.Duration(n+1)
}

// ──────────────────────────────────────────────────
// Exponential
// ──────────────────────────────────────────────────

// Exponential grows the delay geometrically.
// Delay = min(Base * Factor^n, Cap).
type Exponential struct {
	Base   time.Duration
	Factor float64
	Cap    time.Duration
}

// NewExponential creates an exponential backoff strategy.
func NewExponential(base time.Duration, factor float64, capDelay time.Duration) *Exponential {
	return &Exponential{Base: base, Factor: factor, Cap: capDelay}
}

// Delay returns Base * Factor^n, capped at Cap. Overflow from large n
// also resolves to Cap.
func (e *Exponential) Delay(n int) time.Duration {
	d := time.Duration(float64(e.Base) * math.Pow(e.Factor, float64(n)))
	if e.Cap > 0 && (d > e.Cap || d < 0) {
		return e.Cap
	}
	return d
}

// ──────────────────────────────────────────────────
// Jitter
// ──────────────────────────────────────────────────

// Jitter wraps a strategy and multiplies its delay by a uniform random
// factor in [1-Bound, 1+Bound]. Bound must be in [0, 0.5]. Bounded
// jitter keeps retries near the intended schedule while still breaking
// up the thundering herd of simultaneous failures.
type Jitter struct {
	Strategy Strategy
	Bound    float64
}

// WithJitter wraps s with bounded multiplicative jitter. A zero bound
// returns s unchanged.
func WithJitter(s Strategy, bound float64) Strategy {
	if bound == 0 {
		return s
	}
	return &Jitter{Strategy: s, Bound: bound}
}

// Delay returns the wrapped delay scaled by a random factor.
func (j *Jitter) Delay(n int) time.Duration {
	d := j.Strategy.Delay(n)
	factor := 1 - j.Bound + rand.Float64()*2*j.Bound //nolint:gosec // jitter intentionally uses non-crypto rand
	return time.Duration(float64(d) * factor)
}

// ──────────────────────────────────────────────────
// Policy
// ──────────────────────────────────────────────────

// Policy couples a retry budget with a delay strategy.
type Policy struct {
	MaxRetries int
	Strategy   Strategy
}

// NextDelay computes the delay before retrying attempt n, honouring a
// downstream retry-after hint as a floor when one was supplied.
func (p Policy) NextDelay(n int, floor time.Duration) time.Duration {
	d := p.Strategy.Delay(n)
	if floor > d {
		return floor
	}
	return d
}

// Exhausted reports whether attempt n used up the retry budget.
func (p Policy) Exhausted(n int) bool {
	return n >= p.MaxRetries
}

// DefaultPolicy returns the engine default: three retries on an
// exponential 1s base, factor 2, 1m cap, with 10% jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		Strategy:   WithJitter(NewExponential(time.Second, 2, time.Minute), 0.1),
	}
}

// FromConfig builds a Policy from the WORKER_BACKOFF_* settings.
// Recognized kinds are "fixed", "linear", and "exponential".
func FromConfig(maxRetries int, kind string, base time.Duration, factor float64, capDelay time.Duration, jitter float64) (Policy, error) {
	var s Strategy
	switch strings.ToLower(kind) {
	case "fixed":
		s = NewFixed(base)
	case "linear":
		s = NewLinear(base)
	case "exponential":
		s = NewExponential(base, factor, capDelay)
	default:
		return Policy{}, fmt.Errorf("backoff: unknown kind %q", kind)
	}
	if jitter < 0 || jitter > 0.5 {
		return Policy{}, fmt.Errorf("backoff: jitter %g outside [0, 0.5]", jitter)
	}
	return Policy{MaxRetries: maxRetries, Strategy: WithJitter(s, jitter)}, nil
}
