// Package natsq implements broker.Binding on NATS JetStream work-queue
// streams with durable pull consumers.
//
// Each queue maps to a stream with work-queue retention capped by
// MaxMsgs, and a durable consumer with explicit acks. The consumer's
// AckWait is the visibility timeout; an unacked delivery reappears after
// it with a bumped NumDelivered, which the engine folds into the
// attempt count. Nak-with-delay and Term are native, so no scheduler
// goroutine is needed.
//
// Enqueue dedup rides on JetStream's message-id dedup window: a publish
// whose Nats-Msg-Id was seen inside the window is acked as a duplicate
// and dropped.
//
// MaxDeliver is left unlimited on purpose. Retry exhaustion is decided
// by the engine against its retry policy, which must write the DLQ entry
// before the terminal ack; a broker-side delivery cap would discard
// messages behind the engine's back.
package natsq
