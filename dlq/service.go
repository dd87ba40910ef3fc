package dlq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/carverd/conveyor/broker"
	"github.com/carverd/conveyor/job"
)

// Service provides high-level DLQ operations over a Store, bound to the
// queue whose failures it collects.
type Service struct {
	store   Store
	binding broker.Binding
	queue   broker.Queue
	logger  *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates a DLQ service for q. The binding is used by Replay
// to re-enqueue payloads onto the original queue.
func NewService(store Store, binding broker.Binding, q broker.Queue, opts ...Option) *Service {
	s := &Service{store: store, binding: binding, queue: q, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Queue returns the name of the queue this service collects for.
func (s *Service) Queue() string { return s.queue.Name }

// Push persists an entry built from a terminal failure and returns the
// assigned id. FailedAt is stamped here; everything else comes from the
// engine's view of the envelope at decision time.
func (s *Service) Push(ctx context.Context, e *Entry) (string, error) {
	e.OriginalQueue = s.queue.Name
	e.FailedAt = time.Now().UTC()

	id, err := s.store.Push(ctx, e)
	if err != nil {
		return "", fmt.Errorf("dlq: push %s: %w", e.JobID, err)
	}

	s.logger.Warn("job dead-lettered",
		slog.String("queue", e.OriginalQueue),
		slog.String("job_id", e.JobID),
		slog.String("category", string(e.ErrorCategory)),
		slog.Int("retry_count", e.RetryCount),
		slog.String("error", e.ErrorMessage),
	)
	return id, nil
}

// List returns entries newest-first.
func (s *Service) List(ctx context.Context, offset, limit int) ([]*Entry, error) {
	return s.store.List(ctx, offset, limit)
}

// Peek retrieves one entry without touching it.
func (s *Service) Peek(ctx context.Context, id string) (*Entry, error) {
	return s.store.Get(ctx, id)
}

// Replay re-enqueues an entry's original payload to the original queue
// with the retry counter reset to zero. The job id is passed as the
// dedup key, so replaying the same entry twice inside the dedup window
// cannot create a second in-flight copy.
func (s *Service) Replay(ctx context.Context, id string) (*Entry, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	j, err := job.DecodeRaw(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("dlq: replay %s: %w", id, err)
	}
	j.Retries = 0

	payload, err := j.Marshal()
	if err != nil {
		return nil, fmt.Errorf("dlq: replay %s: %w", id, err)
	}

	if _, err := s.binding.Enqueue(ctx, s.queue, payload, j.JobID()); err != nil && !errors.Is(err, broker.ErrDuplicate) {
		return nil, fmt.Errorf("dlq: replay %s: %w", id, err)
	}

	s.logger.Info("dlq entry replayed",
		slog.String("queue", s.queue.Name),
		slog.String("entry_id", id),
		slog.String("job_id", j.JobID()),
	)
	return e, nil
}

// Purge removes entries that failed before the cutoff.
func (s *Service) Purge(ctx context.Context, before time.Time) (int64, error) {
	n, err := s.store.Purge(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("dlq: purge: %w", err)
	}
	return n, nil
}

// Count returns the number of retained entries.
func (s *Service) Count(ctx context.Context) (int64, error) {
	return s.store.Count(ctx)
}
