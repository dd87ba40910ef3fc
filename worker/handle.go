package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/carverd/conveyor/broker"
	"github.com/carverd/conveyor/dlq"
	"github.com/carverd/conveyor/job"
	"github.com/carverd/conveyor/metrics"
	"github.com/carverd/conveyor/middleware"
)

// handle owns one delivery end to end: decode, process, resolve.
func (w *Worker[J]) handle(ctx context.Context, f *inflight) {
	defer func() {
		w.pmu.Lock()
		delete(w.pending, f.m.ID)
		w.pmu.Unlock()
		<-w.sem
		w.inFlight.Add(-1)
		if w.mets != nil {
			w.mets.InFlight.Dec()
		}
		w.wg.Done()
	}()

	j, err := w.decode(f.m.Payload)
	if err != nil {
		w.rejectUndecodable(ctx, f, err)
		return
	}

	env := job.Envelope[J]{
		Job:           j,
		Queue:         w.queue.Name,
		DeliveryCount: f.m.DeliveryCount,
		ReceivedAt:    f.m.ReceivedAt,
		Token:         f.m.Token,
	}
	res := w.runChain(ctx, env.Job, env.Attempt())
	w.resolve(ctx, env, f, res)
}

// runChain executes the middleware chain around one processor call and
// normalizes whatever came out of it into a valid Result.
func (w *Worker[J]) runChain(ctx context.Context, j J, attempt int) job.Result {
	info := &middleware.Info{
		Queue:     w.queue.Name,
		JobID:     j.JobID(),
		Processor: w.proc.Name(),
		Attempt:   attempt,
	}

	var res job.Result
	start := time.Now()
	err := w.chain(ctx, info, func(ctx context.Context) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = &middleware.PanicError{Value: r, Stack: string(debug.Stack())}
			}
		}()
		res = w.proc.Process(ctx, j)
		if !res.Valid() {
			res = job.PermanentFailure(fmt.Errorf("worker: processor %s returned the zero result", w.proc.Name()))
		}
		return res.Cause()
	})
	if w.mets != nil {
		w.mets.ProcessDuration.Observe(time.Since(start).Seconds())
	}

	var pe *middleware.PanicError
	switch {
	case errors.As(err, &pe):
		return job.PanicFailure(pe)
	case err != nil && !res.Valid():
		// A middleware short-circuited before the processor ran.
		return job.RetryTransient(err)
	case !res.Valid():
		return job.PermanentFailure(errors.New("worker: middleware chain dropped the result"))
	}
	return res
}

// resolve turns the attempt result into exactly one broker action. The
// claim loses when the drain deadline already returned the message, in
// which case there is nothing left to decide.
func (w *Worker[J]) resolve(ctx context.Context, env job.Envelope[J], f *inflight, res job.Result) {
	if !f.claim() {
		return
	}
	j, m, attempt := env.Job, f.m, env.Attempt()

	defer func() {
		if w.mets != nil && !env.ReceivedAt.IsZero() {
			w.mets.EndToEndLatency.Observe(time.Since(env.ReceivedAt).Seconds())
		}
	}()

	switch res.Kind() {
	case job.KindOK:
		if w.breaker != nil {
			w.breaker.Success()
		}
		w.observe(metrics.OutcomeOK)
		w.ack(ctx, m)

	case job.KindSkipped:
		w.observe(metrics.OutcomeSkipped)
		w.logger.Info("job skipped",
			slog.String("queue", w.queue.Name),
			slog.String("job_id", j.JobID()),
			slog.String("reason", res.Reason()),
		)
		w.ack(ctx, m)

	case job.KindRetry:
		if w.breaker != nil && res.Category() == job.CategoryTransient {
			w.breaker.Failure()
		}
		if w.policy.Exhausted(attempt) {
			w.observe(metrics.OutcomePermanent)
			w.notifyPermanent(ctx, j, res.Cause())
			w.terminate(ctx, j, m, attempt, res)
			return
		}
		w.observe(metrics.OutcomeRetry)
		w.retry(ctx, j, m, attempt, res)

	default: // KindPermanent, panics included
		w.observe(metrics.OutcomePermanent)
		w.notifyPermanent(ctx, j, res.Cause())
		w.terminate(ctx, j, m, attempt, res)
	}
}

// retry re-enqueues the job with its retry counter bumped, delayed by
// the policy with any downstream retry-after hint as the floor.
func (w *Worker[J]) retry(ctx context.Context, j J, m broker.Message, attempt int, res job.Result) {
	delay := w.policy.NextDelay(attempt, res.RetryAfter())

	payload, err := j.WithRetry().Marshal()
	if err != nil {
		// Cannot serialize the bump; redeliver the original and let the
		// broker delivery count carry the attempt.
		w.logger.Error("retry marshal failed",
			slog.String("queue", w.queue.Name),
			slog.String("job_id", j.JobID()),
			slog.String("error", err.Error()),
		)
		payload = m.Payload
	}

	if err := w.binding.Nak(ctx, w.queue, m, payload, delay); err != nil {
		// The broker will redeliver after the visibility timeout anyway.
		w.logger.Warn("nak failed",
			slog.String("queue", w.queue.Name),
			slog.String("job_id", j.JobID()),
			slog.String("error", err.Error()),
		)
		return
	}

	w.logger.Info("job scheduled for retry",
		slog.String("queue", w.queue.Name),
		slog.String("job_id", j.JobID()),
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay),
		slog.String("category", string(res.Category())),
	)
}

// terminate writes the dead letter entry and then, only on a durable
// write, acknowledges terminally.
func (w *Worker[J]) terminate(ctx context.Context, j J, m broker.Message, attempt int, res job.Result) {
	entry := &dlq.Entry{
		JobID:         j.JobID(),
		RetryCount:    attempt,
		ErrorCategory: res.Category(),
		ErrorMessage:  errorMessage(res.Cause()),
		WorkerID:      w.identity,
		Payload:       m.Payload,
	}
	if fs, ok := any(j).(interface{ FirstSeenAt() time.Time }); ok {
		entry.FirstSeenAt = fs.FirstSeenAt()
	}

	if !w.deadLetter(ctx, entry, m) {
		return
	}

	if err := w.binding.Term(ctx, w.queue, m); err != nil {
		w.logger.Warn("terminal ack failed",
			slog.String("queue", w.queue.Name),
			slog.String("job_id", j.JobID()),
			slog.String("error", err.Error()),
		)
	}
}

// rejectUndecodable dead-letters a payload that does not parse. There is
// no job to retry; redelivering bytes that cannot decode only burns the
// budget.
func (w *Worker[J]) rejectUndecodable(ctx context.Context, f *inflight, cause error) {
	if !f.claim() {
		return
	}
	m := f.m
	w.observe(metrics.OutcomePermanent)
	w.logger.Error("undecodable payload",
		slog.String("queue", w.queue.Name),
		slog.String("msg_id", m.ID),
		slog.String("error", cause.Error()),
	)

	entry := &dlq.Entry{
		JobID:         m.ID,
		ErrorCategory: job.CategoryPermanent,
		ErrorMessage:  errorMessage(cause),
		WorkerID:      w.identity,
		Payload:       m.Payload,
	}
	if !w.deadLetter(ctx, entry, m) {
		return
	}
	if err := w.binding.Term(ctx, w.queue, m); err != nil {
		w.logger.Warn("terminal ack failed",
			slog.String("queue", w.queue.Name),
			slog.String("msg_id", m.ID),
			slog.String("error", err.Error()),
		)
	}
}

// deadLetter pushes the entry and reports whether the write was durable.
// On failure the message is nak'd back for redelivery so the terminal
// decision is retried later with the record intact.
func (w *Worker[J]) deadLetter(ctx context.Context, entry *dlq.Entry, m broker.Message) bool {
	if w.dlq == nil {
		w.logger.Error("no dead letter service configured, terminating without record",
			slog.String("queue", w.queue.Name),
			slog.String("job_id", entry.JobID),
		)
		return true
	}

	if _, err := w.dlq.Push(ctx, entry); err != nil {
		if w.mets != nil {
			w.mets.DLQWriteFailures.Inc()
		}
		w.logger.Error("dead letter write failed, message returned for redelivery",
			slog.String("queue", w.queue.Name),
			slog.String("job_id", entry.JobID),
			slog.String("error", err.Error()),
		)
		if err := w.binding.Nak(ctx, w.queue, m, m.Payload, dlqRetryDelay); err != nil {
			w.logger.Warn("nak after failed dead letter write failed",
				slog.String("queue", w.queue.Name),
				slog.String("job_id", entry.JobID),
				slog.String("error", err.Error()),
			)
		}
		return false
	}

	if w.mets != nil {
		w.mets.DLQEntries.Inc()
	}
	return true
}

// notifyPermanent invokes the processor's permanent failure hook when it
// has one. A panicking hook must not derail the terminal decision.
func (w *Worker[J]) notifyPermanent(ctx context.Context, j J, cause error) {
	hook, ok := w.proc.(job.PermanentFailureHook[J])
	if !ok {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("permanent failure hook panicked",
				slog.String("queue", w.queue.Name),
				slog.String("job_id", j.JobID()),
				slog.Any("panic", r),
			)
		}
	}()
	hook.OnPermanentFailure(ctx, j, cause)
}

func (w *Worker[J]) ack(ctx context.Context, m broker.Message) {
	if err := w.binding.Ack(ctx, w.queue, m); err != nil {
		// Redelivery of an acked-but-unconfirmed message is handled by
		// processor idempotency on the job id.
		w.logger.Warn("ack failed",
			slog.String("queue", w.queue.Name),
			slog.String("msg_id", m.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (w *Worker[J]) observe(outcome string) {
	if w.mets != nil {
		w.mets.Processed.WithLabelValues(outcome).Inc()
	}
}

func errorMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
