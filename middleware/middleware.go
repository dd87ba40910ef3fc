// Package middleware provides composable middleware around processor
// execution. Middleware wraps the processor call synchronously and can
// modify execution (recover from panics, log, enforce deadlines, add
// tracing).
package middleware

import "context"

// Info describes the attempt the chain is wrapping. It is deliberately
// free of the job's type parameter so middleware compose independently
// of the application's job type.
type Info struct {
	Queue     string
	JobID     string
	Processor string
	// Attempt is the reconciled attempt number: max of the payload
	// retry counter and the broker delivery count minus one.
	Attempt int
}

// Handler is the terminal function that executes the processor.
type Handler func(ctx context.Context) error

// Middleware wraps a Handler with cross-cutting logic. It receives the
// current context, attempt info, and the next handler to call.
// Middleware MUST call next to continue the chain (unless
// short-circuiting on error).
type Middleware func(ctx context.Context, info *Info, next Handler) error

// Chain composes multiple middleware into a single Middleware.
// Middleware are applied right-to-left: the first middleware in the
// list is the outermost wrapper.
//
// Example: Chain(logging, tracing, recover) executes as:
//
//	logging → tracing → recover → processor
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, info *Info, next Handler) error {
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			prev := h
			h = func(ctx context.Context) error {
				return mw(ctx, info, prev)
			}
		}
		return h(ctx)
	}
}
