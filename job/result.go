package job

import "time"

// Category classifies a failure for retry decisions and DLQ records.
type Category string

const (
	// CategoryTransient covers network blips, downstream 5xx, timeouts.
	// Retryable up to the policy's budget.
	CategoryTransient Category = "transient"
	// CategoryPermanent covers validation errors, downstream 4xx,
	// malformed payloads, business invariant violations. Dead-lettered
	// immediately.
	CategoryPermanent Category = "permanent"
	// CategoryThrottled is a rate-limit signal from downstream.
	// Retryable, with a backoff floor equal to the hinted retry-after.
	CategoryThrottled Category = "throttled"
	// CategoryPanic marks a processor panic converted to a terminal
	// failure by the engine.
	CategoryPanic Category = "panic"
)

// Kind is the outcome of one processing attempt.
type Kind int

const (
	KindInvalid Kind = iota
	KindOK
	KindRetry
	KindPermanent
	KindSkipped
)

// Result is what a processor returns for one attempt. The zero value is
// invalid; construct results with OK, RetryTransient, RetryThrottled,
// PermanentFailure, PanicFailure, or Skip.
type Result struct {
	kind       Kind
	category   Category
	cause      error
	retryAfter time.Duration
	reason     string
}

// OK reports a successful attempt. The engine acks.
func OK() Result {
	return Result{kind: KindOK}
}

// RetryTransient reports a retryable failure.
func RetryTransient(cause error) Result {
	return Result{kind: KindRetry, category: CategoryTransient, cause: cause}
}

// RetryThrottled reports a downstream rate-limit. retryAfter, when
// positive, becomes the floor for the computed backoff delay.
func RetryThrottled(cause error, retryAfter time.Duration) Result {
	return Result{kind: KindRetry, category: CategoryThrottled, cause: cause, retryAfter: retryAfter}
}

// PermanentFailure reports a terminal failure. The engine dead-letters
// the job without retrying.
func PermanentFailure(cause error) Result {
	return Result{kind: KindPermanent, category: CategoryPermanent, cause: cause}
}

// PanicFailure is used by the engine when a processor panics. Terminal,
// with its own category so operators can tell panics from rejected
// payloads.
func PanicFailure(cause error) Result {
	return Result{kind: KindPermanent, category: CategoryPanic, cause: cause}
}

// Skip reports a non-error drop: the job is acked but counted apart from
// successes.
func Skip(reason string) Result {
	return Result{kind: KindSkipped, reason: reason}
}

// Kind returns the outcome kind.
func (r Result) Kind() Kind { return r.kind }

// Category returns the failure category, or "" for OK/Skip.
func (r Result) Category() Category { return r.category }

// Cause returns the failure cause, or nil.
func (r Result) Cause() error { return r.cause }

// RetryAfter returns the downstream retry-after hint, or zero.
func (r Result) RetryAfter() time.Duration { return r.retryAfter }

// Reason returns the skip reason, or "".
func (r Result) Reason() string { return r.reason }

// Valid reports whether the result was built by a constructor.
func (r Result) Valid() bool { return r.kind != KindInvalid }
