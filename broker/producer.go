package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/carverd/conveyor/job"
)

// BatchError reports a partially published batch: jobs before Index were
// published, the job at Index failed, and the suffix after it was never
// attempted.
type BatchError struct {
	Index int
	Err   error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("broker: batch aborted at index %d: %v", e.Index, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// Producer serializes jobs and appends them to one queue.
type Producer[J job.Contract[J]] struct {
	binding Binding
	queue   Queue
	logger  *slog.Logger
	onDedup func()
}

// ProducerOption configures a Producer.
type ProducerOption[J job.Contract[J]] func(*Producer[J])

// WithProducerLogger sets a custom logger.
func WithProducerLogger[J job.Contract[J]](l *slog.Logger) ProducerOption[J] {
	return func(p *Producer[J]) { p.logger = l }
}

// WithDedupDropHook registers a callback invoked whenever the binding's
// dedup window drops an enqueue. Used to feed the dedup-drop counter.
func WithDedupDropHook[J job.Contract[J]](fn func()) ProducerOption[J] {
	return func(p *Producer[J]) { p.onDedup = fn }
}

// NewProducer creates a Producer for q over binding.
func NewProducer[J job.Contract[J]](binding Binding, q Queue, opts ...ProducerOption[J]) *Producer[J] {
	p := &Producer[J]{binding: binding, queue: q, logger: slog.Default()}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Enqueue serializes j and appends it to the queue, passing the dedup
// key through when set. A dedup drop is reported as success with an
// empty id; the broker already holds an equivalent message.
func (p *Producer[J]) Enqueue(ctx context.Context, j J) (string, error) {
	payload, err := j.Marshal()
	if err != nil {
		return "", err
	}
	id, err := p.binding.Enqueue(ctx, p.queue, payload, j.DedupKey())
	if errors.Is(err, ErrDuplicate) {
		if p.onDedup != nil {
			p.onDedup()
		}
		p.logger.Debug("enqueue deduplicated",
			slog.String("queue", p.queue.Name),
			slog.String("job_id", j.JobID()),
			slog.String("dedup_key", j.DedupKey()),
		)
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("broker: enqueue %s: %w", j.JobID(), err)
	}
	return id, nil
}

// EnqueueBatch publishes jobs sequentially, since neither binding
// offers an atomic multi-message append, and returns the broker ids
// published so far. On failure the returned *BatchError names the first
// unpublished index; everything after it was not attempted.
func (p *Producer[J]) EnqueueBatch(ctx context.Context, jobs []J) ([]string, error) {
	ids := make([]string, 0, len(jobs))
	for i, j := range jobs {
		id, err := p.Enqueue(ctx, j)
		if err != nil {
			return ids, &BatchError{Index: i, Err: err}
		}
		ids = append(ids, id)
	}
	return ids, nil
}
