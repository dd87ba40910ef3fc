package redisq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/carverd/conveyor/broker"
)

// trimSampleRate acks between stream trims. Trimming on every ack is
// wasted work against an approximate cap.
const trimSampleRate = 16

// moverBatch is how many due delayed members one scheduler tick moves.
const moverBatch = 128

// Binding implements broker.Binding on Redis Streams consumer groups.
type Binding struct {
	client      goredis.UniversalClient
	logger      *slog.Logger
	consumer    string
	moverTick   time.Duration
	reclaimEach time.Duration
	dedupWindow time.Duration

	ackCount    atomic.Uint64
	lastReclaim atomic.Int64
}

var _ broker.Binding = (*Binding)(nil)

// Option configures the Binding.
type Option func(*Binding)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Binding) { b.logger = l }
}

// WithConsumer sets the consumer name used in the group. Defaults to
// "conveyor"; workers pass their identity so pending entries are
// attributable.
func WithConsumer(name string) Option {
	return func(b *Binding) { b.consumer = name }
}

// WithSchedulerTick sets the delayed-redelivery mover interval. The
// tick is the skew bound on nak delays.
func WithSchedulerTick(d time.Duration) Option {
	return func(b *Binding) { b.moverTick = d }
}

// WithReclaimInterval sets how often Fetch scans for pending entries
// abandoned by other consumers.
func WithReclaimInterval(d time.Duration) Option {
	return func(b *Binding) { b.reclaimEach = d }
}

// WithDedupWindow sets how long an enqueue dedup key suppresses
// duplicates.
func WithDedupWindow(d time.Duration) Option {
	return func(b *Binding) { b.dedupWindow = d }
}

// New creates a Binding. The caller owns the Redis client lifecycle.
func New(client goredis.UniversalClient, opts ...Option) *Binding {
	b := &Binding{
		client:      client,
		logger:      slog.Default(),
		consumer:    "conveyor",
		moverTick:   time.Second,
		reclaimEach: 30 * time.Second,
		dedupWindow: 2 * time.Minute,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Ensure creates the stream and consumer group if missing. BUSYGROUP
// from a concurrent or earlier Ensure is success.
func (b *Binding) Ensure(ctx context.Context, q broker.Queue) error {
	err := b.client.XGroupCreateMkStream(ctx, q.Name, q.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("redisq: create group %s/%s: %w", q.Name, q.Group, err)
	}
	return nil
}

// Fetch reclaims abandoned pending entries when due, then blocks for new
// messages up to wait.
func (b *Binding) Fetch(ctx context.Context, q broker.Queue, max int, wait time.Duration) ([]broker.Message, error) {
	msgs, err := b.maybeReclaim(ctx, q, max)
	if err != nil {
		return nil, err
	}

	remaining := max - len(msgs)
	if remaining <= 0 {
		return msgs, nil
	}

	streams, err := b.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    q.Group,
		Consumer: b.consumer,
		Streams:  []string{q.Name, ">"},
		Count:    int64(remaining),
		Block:    wait,
	}).Result()
	if errors.Is(err, goredis.Nil) {
		return msgs, nil
	}
	if err != nil {
		return msgs, fmt.Errorf("redisq: read group %s: %w", q.Name, err)
	}

	now := time.Now().UTC()
	for _, s := range streams {
		for _, m := range s.Messages {
			msgs = append(msgs, toMessage(m, 1, now))
		}
	}
	return msgs, nil
}

// maybeReclaim runs XAUTOCLAIM when the reclaim interval has elapsed.
// Reclaimed entries carry the delivery count the pending entries list
// tracked for them.
func (b *Binding) maybeReclaim(ctx context.Context, q broker.Queue, max int) ([]broker.Message, error) {
	last := b.lastReclaim.Load()
	now := time.Now()
	if last != 0 && now.Sub(time.Unix(0, last)) < b.reclaimEach {
		return nil, nil
	}
	if !b.lastReclaim.CompareAndSwap(last, now.UnixNano()) {
		return nil, nil
	}

	claimed, _, err := b.client.XAutoClaim(ctx, &goredis.XAutoClaimArgs{
		Stream:   q.Name,
		Group:    q.Group,
		Consumer: b.consumer,
		MinIdle:  q.VisibilityTimeout,
		Start:    "0-0",
		Count:    int64(max),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redisq: autoclaim %s: %w", q.Name, err)
	}
	if len(claimed) == 0 {
		return nil, nil
	}

	deliveries := b.pendingDeliveries(ctx, q, claimed[0].ID, claimed[len(claimed)-1].ID, len(claimed))

	received := time.Now().UTC()
	msgs := make([]broker.Message, 0, len(claimed))
	for _, m := range claimed {
		count := deliveries[m.ID]
		if count < 2 {
			// Reclaimed means at least one earlier delivery.
			count = 2
		}
		msgs = append(msgs, toMessage(m, count, received))
	}

	b.logger.Info("reclaimed pending entries",
		slog.String("queue", q.Name),
		slog.Int("count", len(msgs)),
	)
	return msgs, nil
}

// pendingDeliveries maps entry id to its PEL delivery counter for the
// claimed range. Best effort: a failed lookup falls back to the
// reclaim floor.
func (b *Binding) pendingDeliveries(ctx context.Context, q broker.Queue, lo, hi string, n int) map[string]int {
	pending, err := b.client.XPendingExt(ctx, &goredis.XPendingExtArgs{
		Stream: q.Name,
		Group:  q.Group,
		Start:  lo,
		End:    hi,
		Count:  int64(n),
	}).Result()
	if err != nil {
		return nil
	}
	out := make(map[string]int, len(pending))
	for _, p := range pending {
		out[p.ID] = int(p.RetryCount)
	}
	return out
}

// Ack removes the entry from the pending list and trims the stream at a
// sampled rate. Double-ack of an already removed id is a no-op on the
// server, so ack is idempotent under broker retry.
func (b *Binding) Ack(ctx context.Context, q broker.Queue, m broker.Message) error {
	if err := b.client.XAck(ctx, q.Name, q.Group, m.ID).Err(); err != nil {
		return fmt.Errorf("redisq: ack %s: %w", m.ID, err)
	}
	if q.MaxLen > 0 && b.ackCount.Add(1)%trimSampleRate == 0 {
		if err := b.client.XTrimMaxLenApprox(ctx, q.Name, q.MaxLen, 0).Err(); err != nil {
			b.logger.Warn("stream trim failed",
				slog.String("queue", q.Name),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// Nak schedules a redelivery of payload after delay and acks the
// original entry in the same pipeline. A non-positive delay re-enqueues
// immediately; otherwise the payload parks in the delayed set until the
// scheduler moves it.
func (b *Binding) Nak(ctx context.Context, q broker.Queue, m broker.Message, payload []byte, delay time.Duration) error {
	pipe := b.client.TxPipeline()
	if delay <= 0 {
		pipe.XAdd(ctx, &goredis.XAddArgs{
			Stream: q.Name,
			MaxLen: q.MaxLen,
			Approx: true,
			Values: map[string]any{payloadField: string(payload), contentTypeField: "application/json"},
		})
	} else {
		due := time.Now().Add(delay)
		member := m.ID + delayedMemberSep + string(payload)
		pipe.ZAdd(ctx, delayedKey(q.Name), goredis.Z{
			Score:  float64(due.UnixMilli()),
			Member: member,
		})
	}
	pipe.XAck(ctx, q.Name, q.Group, m.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redisq: nak %s: %w", m.ID, err)
	}
	return nil
}

// Term acknowledges terminally. Streams cannot suppress redelivery any
// other way; the caller has already persisted the DLQ entry.
func (b *Binding) Term(ctx context.Context, q broker.Queue, m broker.Message) error {
	if err := b.client.XAck(ctx, q.Name, q.Group, m.ID).Err(); err != nil {
		return fmt.Errorf("redisq: term %s: %w", m.ID, err)
	}
	return nil
}

// Enqueue appends payload under the approximate length cap. A non-empty
// dedupKey is guarded with SET NX for the dedup window.
func (b *Binding) Enqueue(ctx context.Context, q broker.Queue, payload []byte, dk string) (string, error) {
	if dk != "" {
		ok, err := b.client.SetNX(ctx, dedupKey(q.Name, dk), 1, b.dedupWindow).Result()
		if err != nil {
			return "", fmt.Errorf("redisq: dedup check %s: %w", dk, err)
		}
		if !ok {
			return "", broker.ErrDuplicate
		}
	}

	id, err := b.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: q.Name,
		MaxLen: q.MaxLen,
		Approx: true,
		Values: map[string]any{payloadField: string(payload), contentTypeField: "application/json"},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("redisq: enqueue %s: %w", q.Name, err)
	}
	return id, nil
}

// RunScheduler drives the delayed-redelivery mover until ctx is
// cancelled. One instance per queue is enough; extra instances are
// harmless because moves are pipelined add-then-remove.
func (b *Binding) RunScheduler(ctx context.Context, q broker.Queue) {
	ticker := time.NewTicker(b.moverTick)
	defer ticker.Stop()

	b.logger.Info("delayed-redelivery scheduler started",
		slog.String("queue", q.Name),
		slog.Duration("tick", b.moverTick),
	)

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("delayed-redelivery scheduler stopped", slog.String("queue", q.Name))
			return
		case <-ticker.C:
			if err := b.moveDue(ctx, q); err != nil && !errors.Is(err, context.Canceled) {
				b.logger.Warn("delayed move failed",
					slog.String("queue", q.Name),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// moveDue moves delayed members whose due time has passed back into the
// main stream.
func (b *Binding) moveDue(ctx context.Context, q broker.Queue) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	members, err := b.client.ZRangeByScore(ctx, delayedKey(q.Name), &goredis.ZRangeBy{
		Min: "-inf", Max: now, Offset: 0, Count: moverBatch,
	}).Result()
	if err != nil || len(members) == 0 {
		return err
	}

	pipe := b.client.TxPipeline()
	for _, member := range members {
		payload := member
		if i := strings.Index(member, delayedMemberSep); i >= 0 {
			payload = member[i+1:]
		}
		pipe.XAdd(ctx, &goredis.XAddArgs{
			Stream: q.Name,
			MaxLen: q.MaxLen,
			Approx: true,
			Values: map[string]any{payloadField: payload, contentTypeField: "application/json"},
		})
		pipe.ZRem(ctx, delayedKey(q.Name), member)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Ping verifies the Redis connection is alive.
func (b *Binding) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redisq: ping: %w", err)
	}
	return nil
}

// Lag reports undelivered plus delivered-but-unacked entries for the
// queue's group, or -1 when the server does not expose it.
func (b *Binding) Lag(ctx context.Context, q broker.Queue) int64 {
	groups, err := b.client.XInfoGroups(ctx, q.Name).Result()
	if err != nil {
		return -1
	}
	for _, g := range groups {
		if g.Name == q.Group {
			return g.Lag + g.Pending
		}
	}
	return -1
}

// Close is a no-op; the caller owns the Redis client lifecycle.
func (b *Binding) Close() error { return nil }

// toMessage converts a stream entry into a broker message.
func toMessage(m goredis.XMessage, deliveryCount int, receivedAt time.Time) broker.Message {
	var payload []byte
	if v, ok := m.Values[payloadField].(string); ok {
		payload = []byte(v)
	}
	return broker.Message{
		ID:            m.ID,
		Payload:       payload,
		DeliveryCount: deliveryCount,
		ReceivedAt:    receivedAt,
	}
}
