// Package job defines the contracts between applications and the worker
// engine: the Job contract, the message envelope handed to processors,
// the processing result, and the error taxonomy.
//
// # Contract
//
// Applications define their own job types and satisfy [Contract]. The
// contract is deliberately small: a stable id, the worker-owned retry
// counter, an optional priority bucket and dedup key, a pure WithRetry
// that bumps the counter, and serialization to a self-describing byte
// payload. [Raw] is a ready-made JSON implementation for applications
// that do not need a typed job.
//
// # Results
//
// A [Processor] returns exactly one of four results: OK (ack), Retry
// (negative-ack with a computed delay), PermanentFailure (dead-letter),
// or Skip (ack, counted separately from success). Processors never talk
// to the broker; acknowledgement is the engine's job.
package job
