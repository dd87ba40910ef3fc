// Package worker runs the claim-dispatch-resolve loop that turns broker
// deliveries into processor calls and processor results into broker
// acknowledgements.
//
// One Worker owns one queue on one binding. The fetch loop claims
// batches sized to the free concurrency slots, passes each message
// through the dispatch gate (circuit breaker, then rate limiter), and
// hands it to a goroutine bounded by the concurrency semaphore. The
// goroutine decodes the payload, runs the middleware chain around the
// processor, and resolves the delivery exactly once: ack on success or
// skip, nak with a backoff delay on a retryable failure with budget
// left, and dead-letter-then-terminate when the budget is exhausted or
// the failure is permanent.
//
// The dead letter write always precedes the terminal acknowledgement.
// If the write fails the message is nak'd for redelivery instead, so a
// job is never dropped without a durable record.
//
// On shutdown the worker drains: fetching stops, in-flight jobs get the
// shutdown timeout to finish, and anything still undecided at the
// deadline is nak'd back with no delay so another worker can take over
// without waiting out the visibility timeout.
package worker
