package worker_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/carverd/conveyor"
	"github.com/carverd/conveyor/backoff"
	"github.com/carverd/conveyor/broker"
	"github.com/carverd/conveyor/dlq"
	"github.com/carverd/conveyor/job"
	"github.com/carverd/conveyor/resilience"
	"github.com/carverd/conveyor/worker"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeBinding is an in-memory Binding. Nak re-enqueues the replacement
// payload immediately, ignoring the delay, so retry loops run fast.
type fakeBinding struct {
	mu      sync.Mutex
	nextID  int
	queue   []broker.Message
	fetches int

	acks  []string
	terms []string
	naks  []nakCall
}

type nakCall struct {
	id      string
	payload []byte
	delay   time.Duration
}

func (f *fakeBinding) push(payload []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.queue = append(f.queue, broker.Message{
		ID:            fmt.Sprintf("m%d", f.nextID),
		Payload:       payload,
		DeliveryCount: 1,
		ReceivedAt:    time.Now(),
	})
}

func (f *fakeBinding) Ensure(context.Context, broker.Queue) error { return nil }

func (f *fakeBinding) Fetch(ctx context.Context, _ broker.Queue, max int, wait time.Duration) ([]broker.Message, error) {
	f.mu.Lock()
	f.fetches++
	n := min(max, len(f.queue))
	msgs := make([]broker.Message, n)
	copy(msgs, f.queue[:n])
	f.queue = f.queue[n:]
	f.mu.Unlock()
	if n == 0 {
		select {
		case <-ctx.Done():
		case <-time.After(min(wait, 2*time.Millisecond)):
		}
	}
	return msgs, nil
}

func (f *fakeBinding) Ack(_ context.Context, _ broker.Queue, m broker.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks = append(f.acks, m.ID)
	return nil
}

func (f *fakeBinding) Nak(_ context.Context, _ broker.Queue, m broker.Message, payload []byte, delay time.Duration) error {
	f.mu.Lock()
	f.naks = append(f.naks, nakCall{id: m.ID, payload: payload, delay: delay})
	f.nextID++
	f.queue = append(f.queue, broker.Message{
		ID:            fmt.Sprintf("m%d", f.nextID),
		Payload:       payload,
		DeliveryCount: 1,
		ReceivedAt:    time.Now(),
	})
	f.mu.Unlock()
	return nil
}

func (f *fakeBinding) Term(_ context.Context, _ broker.Queue, m broker.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terms = append(f.terms, m.ID)
	return nil
}

func (f *fakeBinding) Enqueue(_ context.Context, _ broker.Queue, payload []byte, _ string) (string, error) {
	f.push(payload)
	return fmt.Sprintf("m%d", f.nextID), nil
}

func (f *fakeBinding) Ping(context.Context) error              { return nil }
func (f *fakeBinding) Lag(context.Context, broker.Queue) int64 { return -1 }
func (f *fakeBinding) Close() error                            { return nil }

func (f *fakeBinding) counts() (acks, naks, terms int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.acks), len(f.naks), len(f.terms)
}

func (f *fakeBinding) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

func (f *fakeBinding) nakCalls() []nakCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]nakCall, len(f.naks))
	copy(out, f.naks)
	return out
}

// fakeStore is an in-memory dlq.Store.
type fakeStore struct {
	mu       sync.Mutex
	entries  []*dlq.Entry
	failPush bool
}

func (s *fakeStore) Push(_ context.Context, e *dlq.Entry) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPush {
		return "", errors.New("store down")
	}
	e.ID = fmt.Sprintf("e%d", len(s.entries)+1)
	s.entries = append(s.entries, e)
	return e.ID, nil
}

func (s *fakeStore) List(_ context.Context, offset, limit int) ([]*dlq.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if offset >= len(s.entries) {
		return nil, nil
	}
	end := min(offset+limit, len(s.entries))
	return s.entries[offset:end], nil
}

func (s *fakeStore) Get(_ context.Context, id string) (*dlq.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.ID == id {
			return e, nil
		}
	}
	return nil, errors.New("not found")
}

func (s *fakeStore) Purge(context.Context, time.Time) (int64, error) { return 0, nil }

func (s *fakeStore) Count(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.entries)), nil
}

func (s *fakeStore) snapshot() []*dlq.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*dlq.Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

var testQueue = broker.Queue{Name: "jobs", Group: "jobs-workers", DLQName: "jobs:dlq"}

func rawPayload(t *testing.T, id string) []byte {
	t.Helper()
	b, err := job.NewRaw(id, nil).Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

// immediatePolicy retries with no delay so tests run fast.
func immediatePolicy(maxRetries int) backoff.Policy {
	return backoff.Policy{MaxRetries: maxRetries, Strategy: backoff.NewFixed(0)}
}

func newTestWorker(fb *fakeBinding, fs *fakeStore, proc job.Processor[job.Raw], opts ...worker.Option[job.Raw]) *worker.Worker[job.Raw] {
	svc := dlq.NewService(fs, fb, testQueue, dlq.WithLogger(discardLogger()))
	base := []worker.Option[job.Raw]{
		worker.WithLogger[job.Raw](discardLogger()),
		worker.WithDLQ[job.Raw](svc),
		worker.WithFetchWait[job.Raw](5 * time.Millisecond),
		worker.WithShutdownTimeout[job.Raw](2 * time.Second),
	}
	return worker.New(fb, testQueue, proc, job.DecodeRaw, append(base, opts...)...)
}

// runUntil runs the worker until cond holds or the deadline passes, then
// drains it and returns whether cond held.
func runUntil(t *testing.T, w *worker.Worker[job.Raw], cond func() bool) bool {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	ok := false
	for time.Now().Before(deadline) {
		if cond() {
			ok = true
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	return ok
}

func TestWorker_SuccessAcks(t *testing.T) {
	fb := &fakeBinding{}
	fs := &fakeStore{}
	fb.push(rawPayload(t, "j1"))

	proc := job.Func[job.Raw]{ProcessorName: "ok", Fn: func(context.Context, job.Raw) job.Result {
		return job.OK()
	}}
	w := newTestWorker(fb, fs, proc)

	if !runUntil(t, w, func() bool { a, _, _ := fb.counts(); return a == 1 }) {
		t.Fatal("job never acked")
	}
	if _, n, tm := fb.counts(); n != 0 || tm != 0 {
		t.Errorf("naks=%d terms=%d, want 0/0", n, tm)
	}
	if len(fs.snapshot()) != 0 {
		t.Error("successful job reached the DLQ")
	}
}

func TestWorker_TransientFailureRetriesThenSucceeds(t *testing.T) {
	fb := &fakeBinding{}
	fs := &fakeStore{}
	fb.push(rawPayload(t, "j1"))

	var calls atomic.Int32
	proc := job.Func[job.Raw]{ProcessorName: "flaky", Fn: func(_ context.Context, j job.Raw) job.Result {
		if calls.Add(1) == 1 {
			return job.RetryTransient(errors.New("downstream 503"))
		}
		if j.RetryCount() != 1 {
			t.Errorf("retry count on second attempt = %d, want 1", j.RetryCount())
		}
		return job.OK()
	}}
	w := newTestWorker(fb, fs, proc, worker.WithPolicy[job.Raw](immediatePolicy(3)))

	if !runUntil(t, w, func() bool { a, _, _ := fb.counts(); return a == 1 }) {
		t.Fatal("job never succeeded")
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("processor calls = %d, want 2", got)
	}
	if _, n, _ := fb.counts(); n != 1 {
		t.Errorf("naks = %d, want 1", n)
	}
}

func TestWorker_ExhaustedRetriesDeadLetter(t *testing.T) {
	fb := &fakeBinding{}
	fs := &fakeStore{}
	fb.push(rawPayload(t, "j1"))

	proc := job.Func[job.Raw]{ProcessorName: "down", Fn: func(context.Context, job.Raw) job.Result {
		return job.RetryTransient(errors.New("still down"))
	}}
	w := newTestWorker(fb, fs, proc, worker.WithPolicy[job.Raw](immediatePolicy(2)))

	if !runUntil(t, w, func() bool { _, _, tm := fb.counts(); return tm == 1 }) {
		t.Fatal("job never terminated")
	}

	entries := fs.snapshot()
	if len(entries) != 1 {
		t.Fatalf("dlq entries = %d, want 1", len(entries))
	}
	e := entries[0]
	if e.JobID != "j1" {
		t.Errorf("entry job id = %q, want j1", e.JobID)
	}
	if e.ErrorCategory != job.CategoryTransient {
		t.Errorf("entry category = %q, want transient", e.ErrorCategory)
	}
	if e.RetryCount != 2 {
		t.Errorf("entry retry count = %d, want 2", e.RetryCount)
	}
	if _, n, _ := fb.counts(); n != 2 {
		t.Errorf("naks = %d, want 2", n)
	}
}

func TestWorker_ZeroRetryBudgetDeadLettersImmediately(t *testing.T) {
	fb := &fakeBinding{}
	fs := &fakeStore{}
	fb.push(rawPayload(t, "j1"))

	proc := job.Func[job.Raw]{ProcessorName: "down", Fn: func(context.Context, job.Raw) job.Result {
		return job.RetryTransient(errors.New("down"))
	}}
	w := newTestWorker(fb, fs, proc, worker.WithPolicy[job.Raw](immediatePolicy(0)))

	if !runUntil(t, w, func() bool { _, _, tm := fb.counts(); return tm == 1 }) {
		t.Fatal("job never terminated")
	}
	if _, n, _ := fb.counts(); n != 0 {
		t.Errorf("naks = %d, want 0 with an empty retry budget", n)
	}
	if len(fs.snapshot()) != 1 {
		t.Fatal("job not dead-lettered")
	}
}

type hookProc struct {
	result job.Result
	hooked atomic.Int32
}

func (p *hookProc) Process(context.Context, job.Raw) job.Result { return p.result }
func (p *hookProc) Name() string                                { return "hooked" }
func (p *hookProc) OnPermanentFailure(_ context.Context, _ job.Raw, _ error) {
	p.hooked.Add(1)
}

func TestWorker_PermanentFailureDeadLettersAndNotifies(t *testing.T) {
	fb := &fakeBinding{}
	fs := &fakeStore{}
	fb.push(rawPayload(t, "j1"))

	proc := &hookProc{result: job.PermanentFailure(errors.New("unprocessable"))}
	w := newTestWorker(fb, fs, proc)

	if !runUntil(t, w, func() bool { _, _, tm := fb.counts(); return tm == 1 }) {
		t.Fatal("job never terminated")
	}

	entries := fs.snapshot()
	if len(entries) != 1 || entries[0].ErrorCategory != job.CategoryPermanent {
		t.Fatalf("entries = %+v, want one permanent entry", entries)
	}
	if proc.hooked.Load() != 1 {
		t.Errorf("hook calls = %d, want 1", proc.hooked.Load())
	}
	if _, n, _ := fb.counts(); n != 0 {
		t.Errorf("naks = %d, want 0 for a permanent failure", n)
	}
}

func TestWorker_PanicBecomesTerminalPanicEntry(t *testing.T) {
	fb := &fakeBinding{}
	fs := &fakeStore{}
	fb.push(rawPayload(t, "j1"))

	proc := job.Func[job.Raw]{ProcessorName: "boom", Fn: func(context.Context, job.Raw) job.Result {
		panic("nil map write")
	}}
	w := newTestWorker(fb, fs, proc)

	if !runUntil(t, w, func() bool { _, _, tm := fb.counts(); return tm == 1 }) {
		t.Fatal("panicking job never terminated")
	}

	entries := fs.snapshot()
	if len(entries) != 1 {
		t.Fatalf("dlq entries = %d, want 1", len(entries))
	}
	if entries[0].ErrorCategory != job.CategoryPanic {
		t.Errorf("category = %q, want panic", entries[0].ErrorCategory)
	}
}

func TestWorker_UndecodablePayloadDeadLetters(t *testing.T) {
	fb := &fakeBinding{}
	fs := &fakeStore{}
	fb.push([]byte("{not json"))

	var calls atomic.Int32
	proc := job.Func[job.Raw]{ProcessorName: "never", Fn: func(context.Context, job.Raw) job.Result {
		calls.Add(1)
		return job.OK()
	}}
	w := newTestWorker(fb, fs, proc)

	if !runUntil(t, w, func() bool { _, _, tm := fb.counts(); return tm == 1 }) {
		t.Fatal("undecodable payload never terminated")
	}
	if calls.Load() != 0 {
		t.Error("processor ran on an undecodable payload")
	}
	entries := fs.snapshot()
	if len(entries) != 1 || entries[0].ErrorCategory != job.CategoryPermanent {
		t.Fatalf("entries = %+v, want one permanent entry", entries)
	}
}

func TestWorker_SkipAcksWithoutDLQ(t *testing.T) {
	fb := &fakeBinding{}
	fs := &fakeStore{}
	fb.push(rawPayload(t, "j1"))

	proc := job.Func[job.Raw]{ProcessorName: "skipper", Fn: func(context.Context, job.Raw) job.Result {
		return job.Skip("already handled")
	}}
	w := newTestWorker(fb, fs, proc)

	if !runUntil(t, w, func() bool { a, _, _ := fb.counts(); return a == 1 }) {
		t.Fatal("skipped job never acked")
	}
	if len(fs.snapshot()) != 0 {
		t.Error("skipped job reached the DLQ")
	}
}

func TestWorker_FailedDLQWriteNaksInsteadOfTerminating(t *testing.T) {
	fb := &fakeBinding{}
	fs := &fakeStore{failPush: true}
	fb.push(rawPayload(t, "j1"))

	proc := job.Func[job.Raw]{ProcessorName: "bad", Fn: func(context.Context, job.Raw) job.Result {
		return job.PermanentFailure(errors.New("unprocessable"))
	}}
	w := newTestWorker(fb, fs, proc)

	if !runUntil(t, w, func() bool { _, n, _ := fb.counts(); return n >= 1 }) {
		t.Fatal("message never returned after failed dead letter write")
	}
	if _, _, tm := fb.counts(); tm != 0 {
		t.Error("terminated despite the dead letter write failing")
	}
}

func TestWorker_ConcurrencyBound(t *testing.T) {
	fb := &fakeBinding{}
	fs := &fakeStore{}
	const jobs = 12
	for i := 0; i < jobs; i++ {
		fb.push(rawPayload(t, fmt.Sprintf("j%d", i)))
	}

	var current, peak atomic.Int32
	proc := job.Func[job.Raw]{ProcessorName: "slow", Fn: func(context.Context, job.Raw) job.Result {
		c := current.Add(1)
		for {
			p := peak.Load()
			if c <= p || peak.CompareAndSwap(p, c) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		current.Add(-1)
		return job.OK()
	}}
	w := newTestWorker(fb, fs, proc, worker.WithConcurrency[job.Raw](3), worker.WithFetchBatch[job.Raw](8))

	if !runUntil(t, w, func() bool { a, _, _ := fb.counts(); return a == jobs }) {
		t.Fatal("jobs never finished")
	}
	if p := peak.Load(); p > 3 {
		t.Errorf("peak concurrency = %d, want <= 3", p)
	}
}

func TestWorker_ExhaustionInvokesPermanentFailureHook(t *testing.T) {
	fb := &fakeBinding{}
	fs := &fakeStore{}
	fb.push(rawPayload(t, "j1"))

	proc := &hookProc{result: job.RetryTransient(errors.New("still down"))}
	w := newTestWorker(fb, fs, proc, worker.WithPolicy[job.Raw](immediatePolicy(0)))

	if !runUntil(t, w, func() bool { _, _, tm := fb.counts(); return tm == 1 }) {
		t.Fatal("job never terminated")
	}
	if got := proc.hooked.Load(); got != 1 {
		t.Errorf("hook calls = %d, want 1 on retry exhaustion", got)
	}
	entries := fs.snapshot()
	if len(entries) != 1 || entries[0].ErrorCategory != job.CategoryTransient {
		t.Fatalf("entries = %+v, want one transient entry", entries)
	}
}

func TestWorker_OpenBreakerSuspendsFetching(t *testing.T) {
	fb := &fakeBinding{}
	fs := &fakeStore{}
	fb.push(rawPayload(t, "j1"))

	br := resilience.NewBreaker(resilience.BreakerConfig{
		FailureThreshold: 1,
		Window:           time.Minute,
		OpenFor:          time.Hour,
	})
	br.Failure()
	if br.State() != resilience.Open {
		t.Fatal("breaker did not open")
	}

	proc := job.Func[job.Raw]{ProcessorName: "idle", Fn: func(context.Context, job.Raw) job.Result {
		return job.OK()
	}}
	w := newTestWorker(fb, fs, proc, worker.WithBreaker[job.Raw](br))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}

	if got := fb.fetchCount(); got != 0 {
		t.Errorf("fetch calls = %d, want 0 while the breaker is open", got)
	}
	if a, _, _ := fb.counts(); a != 0 {
		t.Errorf("acks = %d, want 0: open breaker let a job through", a)
	}
}

func TestWorker_BreakerResumesFetchingAfterOpenWindow(t *testing.T) {
	fb := &fakeBinding{}
	fs := &fakeStore{}
	fb.push(rawPayload(t, "j1"))

	br := resilience.NewBreaker(resilience.BreakerConfig{
		FailureThreshold:  1,
		Window:            time.Minute,
		OpenFor:           20 * time.Millisecond,
		HalfOpenSuccesses: 1,
	})
	br.Failure()

	proc := job.Func[job.Raw]{ProcessorName: "recovering", Fn: func(context.Context, job.Raw) job.Result {
		return job.OK()
	}}
	w := newTestWorker(fb, fs, proc, worker.WithBreaker[job.Raw](br))

	if !runUntil(t, w, func() bool { a, _, _ := fb.counts(); return a == 1 }) {
		t.Fatal("job never processed after the open window elapsed")
	}
	if got := br.State(); got != resilience.Closed {
		t.Errorf("breaker state = %v, want closed after the half-open success", got)
	}
}

func TestWorker_DrainDeadlineNaksUndecidedJob(t *testing.T) {
	fb := &fakeBinding{}
	fs := &fakeStore{}
	fb.push(rawPayload(t, "j1"))

	started := make(chan struct{})
	release := make(chan struct{})
	proc := job.Func[job.Raw]{ProcessorName: "stuck", Fn: func(context.Context, job.Raw) job.Result {
		close(started)
		<-release
		return job.OK()
	}}
	w := newTestWorker(fb, fs, proc, worker.WithShutdownTimeout[job.Raw](50*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("job never started")
	}
	cancel()

	err := <-done
	if !errors.Is(err, conveyor.ErrDraining) {
		t.Fatalf("run error = %v, want conveyor.ErrDraining", err)
	}

	naks := fb.nakCalls()
	if len(naks) != 1 {
		t.Fatalf("naks = %d, want 1 for the undecided job", len(naks))
	}
	if naks[0].delay != 0 {
		t.Errorf("nak delay = %v, want 0 for immediate redelivery", naks[0].delay)
	}
	if a, _, tm := fb.counts(); a != 0 || tm != 0 {
		t.Errorf("acks=%d terms=%d, want 0/0 for an undecided job", a, tm)
	}
	if got := w.CurrentState(); got != worker.Stopped {
		t.Errorf("state = %v, want stopped", got)
	}

	// The handler finishing after the deadline must not resolve the
	// message a second time.
	close(release)
	time.Sleep(20 * time.Millisecond)
	if a, n, tm := fb.counts(); a != 0 || n != 1 || tm != 0 {
		t.Errorf("after late finish acks=%d naks=%d terms=%d, want 0/1/0", a, n, tm)
	}
}

func TestWorker_DrainFinishesInFlightJob(t *testing.T) {
	fb := &fakeBinding{}
	fs := &fakeStore{}
	fb.push(rawPayload(t, "j1"))

	started := make(chan struct{})
	proc := job.Func[job.Raw]{ProcessorName: "slow", Fn: func(context.Context, job.Raw) job.Result {
		close(started)
		time.Sleep(100 * time.Millisecond)
		return job.OK()
	}}
	w := newTestWorker(fb, fs, proc)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("job never started")
	}
	cancel()

	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if a, _, _ := fb.counts(); a != 1 {
		t.Errorf("acks = %d, want 1: drain abandoned an in-flight job", a)
	}
	if got := w.CurrentState(); got != worker.Stopped {
		t.Errorf("state = %v, want stopped", got)
	}
}
