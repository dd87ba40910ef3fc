package natsq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/carverd/conveyor/broker"
)

// Binding implements broker.Binding on JetStream durable pull consumers.
type Binding struct {
	nc          *nats.Conn
	js          jetstream.JetStream
	logger      *slog.Logger
	dedupWindow time.Duration

	mu        sync.Mutex
	consumers map[string]jetstream.Consumer
}

var _ broker.Binding = (*Binding)(nil)

// Option configures the Binding.
type Option func(*Binding)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Binding) { b.logger = l }
}

// WithDedupWindow sets the stream's message-id duplicate window.
func WithDedupWindow(d time.Duration) Option {
	return func(b *Binding) { b.dedupWindow = d }
}

// New creates a Binding over an established NATS connection. The caller
// owns the connection lifecycle.
func New(nc *nats.Conn, opts ...Option) (*Binding, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("natsq: jetstream context: %w", err)
	}
	b := &Binding{
		nc:          nc,
		js:          js,
		logger:      slog.Default(),
		dedupWindow: 2 * time.Minute,
		consumers:   make(map[string]jetstream.Consumer),
	}
	for _, o := range opts {
		o(b)
	}
	return b, nil
}

// Ensure creates or updates the queue's work-queue stream, its durable
// consumer, and the DLQ stream when the queue names one.
func (b *Binding) Ensure(ctx context.Context, q broker.Queue) error {
	sc := jetstream.StreamConfig{
		Name:       q.Name,
		Subjects:   []string{q.Name},
		Retention:  jetstream.WorkQueuePolicy,
		Discard:    jetstream.DiscardOld,
		Duplicates: b.dedupWindow,
	}
	if q.MaxLen > 0 {
		sc.MaxMsgs = q.MaxLen
	}
	if _, err := b.js.CreateOrUpdateStream(ctx, sc); err != nil {
		return fmt.Errorf("natsq: ensure stream %s: %w", q.Name, err)
	}

	cons, err := b.js.CreateOrUpdateConsumer(ctx, q.Name, jetstream.ConsumerConfig{
		Durable:       q.Group,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       q.VisibilityTimeout,
		MaxDeliver:    -1,
		FilterSubject: q.Name,
	})
	if err != nil {
		return fmt.Errorf("natsq: ensure consumer %s/%s: %w", q.Name, q.Group, err)
	}

	b.mu.Lock()
	b.consumers[consumerKey(q)] = cons
	b.mu.Unlock()

	if q.DLQName != "" {
		dc := jetstream.StreamConfig{
			Name:      q.DLQName,
			Subjects:  []string{q.DLQName},
			Retention: jetstream.LimitsPolicy,
			Discard:   jetstream.DiscardOld,
		}
		if q.DLQMaxLen > 0 {
			dc.MaxMsgs = q.DLQMaxLen
		}
		if _, err := b.js.CreateOrUpdateStream(ctx, dc); err != nil {
			return fmt.Errorf("natsq: ensure dlq stream %s: %w", q.DLQName, err)
		}
	}
	return nil
}

func (b *Binding) consumer(ctx context.Context, q broker.Queue) (jetstream.Consumer, error) {
	key := consumerKey(q)
	b.mu.Lock()
	cons, ok := b.consumers[key]
	b.mu.Unlock()
	if ok {
		return cons, nil
	}

	cons, err := b.js.Consumer(ctx, q.Name, q.Group)
	if err != nil {
		return nil, fmt.Errorf("natsq: lookup consumer %s/%s: %w", q.Name, q.Group, err)
	}
	b.mu.Lock()
	b.consumers[key] = cons
	b.mu.Unlock()
	return cons, nil
}

// Fetch pulls up to max messages, waiting up to wait for the first one.
func (b *Binding) Fetch(ctx context.Context, q broker.Queue, max int, wait time.Duration) ([]broker.Message, error) {
	cons, err := b.consumer(ctx, q)
	if err != nil {
		return nil, err
	}

	batch, err := cons.Fetch(max, jetstream.FetchMaxWait(wait))
	if err != nil {
		return nil, fmt.Errorf("natsq: fetch %s: %w", q.Name, err)
	}

	now := time.Now().UTC()
	var msgs []broker.Message
	for m := range batch.Messages() {
		msgs = append(msgs, toMessage(m, now))
	}
	if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
		return msgs, fmt.Errorf("natsq: fetch %s: %w", q.Name, err)
	}
	return msgs, nil
}

// Ack double-acks so the server confirms before the engine moves on.
func (b *Binding) Ack(ctx context.Context, q broker.Queue, m broker.Message) error {
	jm, err := token(m)
	if err != nil {
		return err
	}
	if err := jm.DoubleAck(ctx); err != nil {
		return fmt.Errorf("natsq: ack %s: %w", m.ID, err)
	}
	return nil
}

// Nak requests redelivery after delay. The payload is ignored: the
// redelivered message is the original, and NumDelivered carries the
// attempt count.
func (b *Binding) Nak(ctx context.Context, q broker.Queue, m broker.Message, _ []byte, delay time.Duration) error {
	jm, err := token(m)
	if err != nil {
		return err
	}
	if delay <= 0 {
		if err := jm.Nak(); err != nil {
			return fmt.Errorf("natsq: nak %s: %w", m.ID, err)
		}
		return nil
	}
	if err := jm.NakWithDelay(delay); err != nil {
		return fmt.Errorf("natsq: nak %s: %w", m.ID, err)
	}
	return nil
}

// Term tells the server to stop redelivering. Work-queue retention
// removes the message on terminal ack.
func (b *Binding) Term(ctx context.Context, q broker.Queue, m broker.Message) error {
	jm, err := token(m)
	if err != nil {
		return err
	}
	if err := jm.Term(); err != nil {
		return fmt.Errorf("natsq: term %s: %w", m.ID, err)
	}
	return nil
}

// Enqueue publishes to the queue's subject. A non-empty dedupKey is sent
// as the message id; a publish the dedup window already saw returns
// ErrDuplicate.
func (b *Binding) Enqueue(ctx context.Context, q broker.Queue, payload []byte, dedupKey string) (string, error) {
	var opts []jetstream.PublishOpt
	if dedupKey != "" {
		opts = append(opts, jetstream.WithMsgID(dedupKey))
	}
	ack, err := b.js.Publish(ctx, q.Name, payload, opts...)
	if err != nil {
		return "", fmt.Errorf("natsq: enqueue %s: %w", q.Name, err)
	}
	if ack.Duplicate {
		return "", broker.ErrDuplicate
	}
	return strconv.FormatUint(ack.Sequence, 10), nil
}

// Ping verifies the JetStream API answers.
func (b *Binding) Ping(ctx context.Context) error {
	if !b.nc.IsConnected() {
		return fmt.Errorf("natsq: ping: %w", nats.ErrConnectionClosed)
	}
	if _, err := b.js.AccountInfo(ctx); err != nil {
		return fmt.Errorf("natsq: ping: %w", err)
	}
	return nil
}

// Lag reports undelivered plus delivered-but-unacked messages for the
// queue's durable consumer.
func (b *Binding) Lag(ctx context.Context, q broker.Queue) int64 {
	cons, err := b.consumer(ctx, q)
	if err != nil {
		return -1
	}
	info, err := cons.Info(ctx)
	if err != nil {
		return -1
	}
	return int64(info.NumPending) + int64(info.NumAckPending)
}

// Close is a no-op; the caller owns the NATS connection lifecycle.
func (b *Binding) Close() error { return nil }

func consumerKey(q broker.Queue) string { return q.Name + "/" + q.Group }

func token(m broker.Message) (jetstream.Msg, error) {
	jm, ok := m.Token.(jetstream.Msg)
	if !ok {
		return nil, fmt.Errorf("natsq: message %s carries no delivery token", m.ID)
	}
	return jm, nil
}

func toMessage(m jetstream.Msg, receivedAt time.Time) broker.Message {
	msg := broker.Message{
		Payload:       m.Data(),
		DeliveryCount: 1,
		ReceivedAt:    receivedAt,
		Token:         m,
	}
	if meta, err := m.Metadata(); err == nil {
		msg.ID = strconv.FormatUint(meta.Sequence.Stream, 10)
		msg.DeliveryCount = int(meta.NumDelivered)
	}
	return msg
}
