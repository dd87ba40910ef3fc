// Package redisq implements broker.Binding on Redis Streams with
// consumer groups.
//
// Messages are appended with XADD under an approximate MAXLEN cap and
// claimed with XREADGROUP. Entries left pending by dead consumers are
// reclaimed with XAUTOCLAIM once they have been idle past the visibility
// timeout; their delivery count comes from the pending entries list.
//
// # Delayed redelivery
//
// Stream consumer groups have no native nak-with-delay, so the binding
// emulates it out of band: the replacement payload is parked in a sorted
// set keyed by due time, and a scheduler goroutine (see
// [Binding.RunScheduler]) moves due members back into the main stream.
// The redelivery skew bound is one scheduler tick, 1s by default. The
// original entry is acked in the same pipeline, so the job exists either
// in the delay set or in the stream, never both.
//
// # Terminal handling
//
// Streams have no "term": a terminal decision is a plain ack. That is
// safe because the engine writes the DLQ entry before terminating, so
// the ack never discards the only copy of a failed job.
package redisq
