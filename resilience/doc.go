// Package resilience provides the cross-cutting failure-containment
// primitives the worker engine composes around processing: a circuit
// breaker that suspends fetching under sustained downstream failure, and
// a token-bucket rate limiter that bounds dispatch throughput.
//
// Both are single shared instances with internal locking; the engine
// holds one of each and consults them on every fetch/dispatch cycle.
package resilience
