package broker

import (
	"context"
	"errors"
	"time"
)

// ErrDuplicate is returned by Enqueue when the binding's dedup window
// rejected the message. Producers treat it as a drop, not a failure.
var ErrDuplicate = errors.New("broker: duplicate message")

// Queue is the configuration identity of one logical queue.
type Queue struct {
	// Name is the stream/queue name messages are appended to.
	Name string
	// Group is the consumer-group (or durable consumer) name.
	Group string
	// DLQName is the stream terminally failed messages move to.
	DLQName string
	// MaxLen bounds the retained stream length (approximate).
	MaxLen int64
	// DLQMaxLen bounds the DLQ stream length (approximate).
	DLQMaxLen int64
	// VisibilityTimeout is how long a claimed message stays hidden from
	// other consumers before the broker may redeliver it.
	VisibilityTimeout time.Duration
}

// Message is one claimed delivery. Payload is the opaque serialized job;
// Token is binding-private state needed to ack/nak/term the delivery.
type Message struct {
	ID            string
	Payload       []byte
	DeliveryCount int
	ReceivedAt    time.Time
	Token         any
}

// Binding is the broker abstraction the engine runs against. All calls
// are safe for concurrent use; blocking calls honour their context.
type Binding interface {
	// Ensure creates the queue's topology (stream, consumer group, DLQ
	// stream) if missing. Idempotent.
	Ensure(ctx context.Context, q Queue) error

	// Fetch claims up to max messages, blocking up to wait when the
	// queue is empty. A short read is not an error.
	Fetch(ctx context.Context, q Queue, max int, wait time.Duration) ([]Message, error)

	// Ack acknowledges a successful delivery. Idempotent under broker
	// retry: double-ack is not an error.
	Ack(ctx context.Context, q Queue, m Message) error

	// Nak schedules a redelivery after delay. payload carries the job
	// with its bumped retry counter for bindings that re-enqueue a new
	// message; bindings with native delayed redelivery may ignore it
	// because their delivery counter carries the attempt instead.
	Nak(ctx context.Context, q Queue, m Message, payload []byte, delay time.Duration) error

	// Term tells the broker never to redeliver. Callers must have made
	// the terminal decision durable (DLQ write) first.
	Term(ctx context.Context, q Queue, m Message) error

	// Enqueue appends a message, trimming the stream to q.MaxLen
	// (approximate). A non-empty dedupKey engages broker-side dedup
	// where supported; a rejected duplicate returns ErrDuplicate.
	Enqueue(ctx context.Context, q Queue, payload []byte, dedupKey string) (string, error)

	// Ping verifies broker connectivity.
	Ping(ctx context.Context) error

	// Lag reports the consumer lag for q, or -1 where the broker does
	// not expose it.
	Lag(ctx context.Context, q Queue) int64

	// Close releases the binding's resources.
	Close() error
}
