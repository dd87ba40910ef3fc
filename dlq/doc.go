// Package dlq provides the dead letter queue for jobs that failed
// terminally: retries exhausted, permanent errors, poisoned payloads, or
// processor panics. It supports inspection, replay, and purging.
//
// The DLQ write is the first step of every terminal failure. Only after
// the entry is durably in the DLQ stream does the engine issue the
// terminal ack/term to the broker, so a crash between the two leaves the
// message redeliverable rather than lost. A failed DLQ write is reported
// to the caller, which naks the message with a short delay and counts
// the failure.
//
// # Entry
//
// An [Entry] captures the original payload bytes, queue, terminal retry
// count, error category and message, the worker that made the decision,
// and first-seen/failed-at timestamps. Entries are append-only.
//
// # Replay
//
// Replaying an entry re-enqueues the original payload to the original
// queue with the retry counter reset to zero. The job id doubles as the
// dedup key on the destination, so replaying an entry twice cannot put
// two live copies in flight where the binding supports dedup.
package dlq
