package redisq

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/carverd/conveyor"
	"github.com/carverd/conveyor/dlq"
	"github.com/carverd/conveyor/job"
)

// DLQStore persists dead letter entries in a dedicated Redis stream.
// The stream id doubles as the entry id, so listing is a reverse range
// and age-based purging is a plain id-range delete.
type DLQStore struct {
	client goredis.UniversalClient
	stream string
	maxLen int64
	onTrim func(n int64)
}

var _ dlq.Store = (*DLQStore)(nil)

// DLQOption configures a DLQStore.
type DLQOption func(*DLQStore)

// WithDLQMaxLen caps the dead letter stream length. Pushing past the
// cap evicts oldest entries; the trim callback observes the eviction.
func WithDLQMaxLen(n int64) DLQOption {
	return func(s *DLQStore) { s.maxLen = n }
}

// WithDLQTrimHook installs a callback invoked with the number of
// entries evicted to make room for a push.
func WithDLQTrimHook(fn func(n int64)) DLQOption {
	return func(s *DLQStore) { s.onTrim = fn }
}

// NewDLQStore creates a store over the named dead letter stream.
func NewDLQStore(client goredis.UniversalClient, stream string, opts ...DLQOption) *DLQStore {
	s := &DLQStore{client: client, stream: stream}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *DLQStore) Push(ctx context.Context, e *dlq.Entry) (string, error) {
	if s.maxLen > 0 && s.onTrim != nil {
		if n, err := s.client.XLen(ctx, s.stream).Result(); err == nil && n >= s.maxLen {
			s.onTrim(n - s.maxLen + 1)
		}
	}

	args := &goredis.XAddArgs{
		Stream: s.stream,
		Values: entryFields(e),
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = false
	}
	id, err := s.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("redisq: dlq push %s: %w", s.stream, err)
	}
	return id, nil
}

func (s *DLQStore) List(ctx context.Context, offset, limit int) ([]*dlq.Entry, error) {
	if limit <= 0 {
		return nil, nil
	}
	msgs, err := s.client.XRevRangeN(ctx, s.stream, "+", "-", int64(offset+limit)).Result()
	if err != nil {
		return nil, fmt.Errorf("redisq: dlq list %s: %w", s.stream, err)
	}
	if offset >= len(msgs) {
		return nil, nil
	}
	msgs = msgs[offset:]

	entries := make([]*dlq.Entry, 0, len(msgs))
	for _, m := range msgs {
		entries = append(entries, entryFromFields(m.ID, m.Values))
	}
	return entries, nil
}

func (s *DLQStore) Get(ctx context.Context, id string) (*dlq.Entry, error) {
	msgs, err := s.client.XRangeN(ctx, s.stream, id, id, 1).Result()
	if err != nil {
		return nil, fmt.Errorf("redisq: dlq get %s: %w", id, err)
	}
	if len(msgs) == 0 {
		return nil, conveyor.ErrEntryNotFound
	}
	return entryFromFields(msgs[0].ID, msgs[0].Values), nil
}

func (s *DLQStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	// Stream ids are ms-timestamp prefixed, so the cutoff is an id range.
	end := strconv.FormatInt(before.UnixMilli(), 10) + "-0"
	msgs, err := s.client.XRange(ctx, s.stream, "-", end).Result()
	if err != nil {
		return 0, fmt.Errorf("redisq: dlq purge scan %s: %w", s.stream, err)
	}
	if len(msgs) == 0 {
		return 0, nil
	}
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	n, err := s.client.XDel(ctx, s.stream, ids...).Result()
	if err != nil {
		return 0, fmt.Errorf("redisq: dlq purge %s: %w", s.stream, err)
	}
	return n, nil
}

func (s *DLQStore) Count(ctx context.Context) (int64, error) {
	n, err := s.client.XLen(ctx, s.stream).Result()
	if err != nil {
		return 0, fmt.Errorf("redisq: dlq count %s: %w", s.stream, err)
	}
	return n, nil
}

func entryFields(e *dlq.Entry) map[string]any {
	return map[string]any{
		"original_queue": e.OriginalQueue,
		"job_id":         e.JobID,
		"retry_count":    e.RetryCount,
		"error_category": string(e.ErrorCategory),
		"error_message":  e.ErrorMessage,
		"first_seen_ms":  e.FirstSeenAt.UnixMilli(),
		"failed_ms":      e.FailedAt.UnixMilli(),
		"worker_id":      e.WorkerID,
		payloadField:     string(e.Payload),
	}
}

func entryFromFields(id string, values map[string]any) *dlq.Entry {
	e := &dlq.Entry{ID: id}
	if v, ok := values["original_queue"].(string); ok {
		e.OriginalQueue = v
	}
	if v, ok := values["job_id"].(string); ok {
		e.JobID = v
	}
	if v, ok := values["retry_count"].(string); ok {
		e.RetryCount, _ = strconv.Atoi(v)
	}
	if v, ok := values["error_category"].(string); ok {
		e.ErrorCategory = job.Category(v)
	}
	if v, ok := values["error_message"].(string); ok {
		e.ErrorMessage = v
	}
	if v, ok := values["first_seen_ms"].(string); ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil && ms > 0 {
			e.FirstSeenAt = time.UnixMilli(ms).UTC()
		}
	}
	if v, ok := values["failed_ms"].(string); ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil && ms > 0 {
			e.FailedAt = time.UnixMilli(ms).UTC()
		}
	}
	if v, ok := values["worker_id"].(string); ok {
		e.WorkerID = v
	}
	if v, ok := values[payloadField].(string); ok {
		e.Payload = []byte(v)
	}
	return e
}
