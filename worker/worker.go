package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/carverd/conveyor"
	"github.com/carverd/conveyor/backoff"
	"github.com/carverd/conveyor/broker"
	"github.com/carverd/conveyor/dlq"
	"github.com/carverd/conveyor/job"
	"github.com/carverd/conveyor/metrics"
	"github.com/carverd/conveyor/middleware"
	"github.com/carverd/conveyor/resilience"
)

// State is the worker lifecycle state.
type State int32

const (
	Created State = iota
	Running
	Draining
	Stopped
	Degraded
)

// String renders the state for health responses and logs.
func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	case Degraded:
		return "degraded"
	default:
		return "unknown"
	}
}

const (
	// idlePoll is how long the fetch loop sleeps when every concurrency
	// slot is taken.
	idlePoll = 100 * time.Millisecond

	// degradedAfter is the consecutive fetch failure count that flips the
	// worker into Degraded.
	degradedAfter = 3

	// lagEvery is how often the consumer lag gauge is refreshed.
	lagEvery = 15 * time.Second

	// dlqRetryDelay is the nak delay applied when a dead letter write
	// fails and the message must come back.
	dlqRetryDelay = 5 * time.Second
)

// Decoder parses a fetched payload into a job value.
type Decoder[J any] func([]byte) (J, error)

// Worker drives one queue: it fetches messages from the binding,
// dispatches them to the processor under the configured concurrency,
// breaker and rate limits, and resolves every delivery exactly once.
type Worker[J job.Contract[J]] struct {
	binding broker.Binding
	queue   broker.Queue
	proc    job.Processor[J]
	decode  Decoder[J]

	policy   backoff.Policy
	breaker  *resilience.Breaker
	limiter  *resilience.Limiter
	dlq      *dlq.Service
	mets     *metrics.Set
	chain    middleware.Middleware
	logger   *slog.Logger
	identity string

	concurrency     int
	fetchBatch      int
	fetchWait       time.Duration
	shutdownTimeout time.Duration

	state    atomic.Int32
	lastTick atomic.Int64
	inFlight atomic.Int32
	brokerOK atomic.Bool
	sem      chan struct{}
	wg       sync.WaitGroup
	pmu      sync.Mutex
	pending  map[string]*inflight

	reconnect *backoff.Exponential
	lastLag   atomic.Int64
}

// Option configures a Worker.
type Option[J job.Contract[J]] func(*Worker[J])

// WithPolicy sets the retry policy. Defaults to backoff.DefaultPolicy.
func WithPolicy[J job.Contract[J]](p backoff.Policy) Option[J] {
	return func(w *Worker[J]) { w.policy = p }
}

// WithBreaker installs a circuit breaker on the dispatch path.
func WithBreaker[J job.Contract[J]](b *resilience.Breaker) Option[J] {
	return func(w *Worker[J]) { w.breaker = b }
}

// WithLimiter installs a dispatch rate limiter.
func WithLimiter[J job.Contract[J]](l *resilience.Limiter) Option[J] {
	return func(w *Worker[J]) { w.limiter = l }
}

// WithDLQ installs the dead letter service terminal failures go to.
func WithDLQ[J job.Contract[J]](s *dlq.Service) Option[J] {
	return func(w *Worker[J]) { w.dlq = s }
}

// WithMetrics installs the metric set the worker updates.
func WithMetrics[J job.Contract[J]](m *metrics.Set) Option[J] {
	return func(w *Worker[J]) { w.mets = m }
}

// WithMiddleware installs the processing chain, outermost first.
func WithMiddleware[J job.Contract[J]](mws ...middleware.Middleware) Option[J] {
	return func(w *Worker[J]) { w.chain = middleware.Chain(mws...) }
}

// WithLogger sets a custom logger.
func WithLogger[J job.Contract[J]](l *slog.Logger) Option[J] {
	return func(w *Worker[J]) { w.logger = l }
}

// WithIdentity sets the worker identity recorded on DLQ entries.
func WithIdentity[J job.Contract[J]](id string) Option[J] {
	return func(w *Worker[J]) { w.identity = id }
}

// WithConcurrency bounds simultaneous processor calls.
func WithConcurrency[J job.Contract[J]](n int) Option[J] {
	return func(w *Worker[J]) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

// WithFetchBatch caps messages claimed per fetch round.
func WithFetchBatch[J job.Contract[J]](n int) Option[J] {
	return func(w *Worker[J]) {
		if n > 0 {
			w.fetchBatch = n
		}
	}
}

// WithFetchWait sets how long an empty fetch blocks.
func WithFetchWait[J job.Contract[J]](d time.Duration) Option[J] {
	return func(w *Worker[J]) {
		if d > 0 {
			w.fetchWait = d
		}
	}
}

// WithShutdownTimeout bounds how long Run waits for in-flight jobs
// after its context is cancelled.
func WithShutdownTimeout[J job.Contract[J]](d time.Duration) Option[J] {
	return func(w *Worker[J]) {
		if d > 0 {
			w.shutdownTimeout = d
		}
	}
}

// New creates a Worker for one queue. decode turns fetched payloads into
// job values; use job.DecodeRaw for the default JSON shape.
func New[J job.Contract[J]](binding broker.Binding, q broker.Queue, proc job.Processor[J], decode Decoder[J], opts ...Option[J]) *Worker[J] {
	w := &Worker[J]{
		binding:         binding,
		queue:           q,
		proc:            proc,
		decode:          decode,
		policy:          backoff.DefaultPolicy(),
		limiter:         resilience.NewLimiter(0, 0, 0),
		chain:           middleware.Chain(),
		logger:          slog.Default(),
		identity:        "worker",
		concurrency:     16,
		fetchBatch:      8,
		fetchWait:       2 * time.Second,
		shutdownTimeout: 30 * time.Second,
		reconnect:       backoff.NewExponential(500*time.Millisecond, 2, 10*time.Second),
	}
	for _, o := range opts {
		o(w)
	}
	w.sem = make(chan struct{}, w.concurrency)
	w.pending = make(map[string]*inflight)
	w.state.Store(int32(Created))
	w.brokerOK.Store(true)
	return w
}

// Run executes the fetch loop until ctx is cancelled, then drains
// in-flight jobs up to the shutdown timeout. It returns nil on a clean
// drain and conveyor.ErrDraining when the deadline passed with jobs
// still undecided; those are nak'd back to the broker with no delay.
func (w *Worker[J]) Run(ctx context.Context) error {
	if err := w.binding.Ensure(ctx, w.queue); err != nil {
		return err
	}
	w.setState(Running)
	w.logger.Info("worker started",
		slog.String("queue", w.queue.Name),
		slog.String("group", w.queue.Group),
		slog.String("worker", w.identity),
		slog.Int("concurrency", w.concurrency),
	)

	fetchFailures := 0
	for ctx.Err() == nil {
		w.tick()
		w.refreshLag(ctx)

		if w.breaker != nil && !w.breaker.Allow() {
			w.sleep(ctx, w.breaker.OpenFor())
			continue
		}

		slots := w.concurrency - int(w.inFlight.Load())
		if slots <= 0 {
			w.sleep(ctx, idlePoll)
			continue
		}
		n := min(slots, w.fetchBatch)

		msgs, err := w.binding.Fetch(ctx, w.queue, n, w.fetchWait)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			fetchFailures++
			w.brokerOK.Store(false)
			if fetchFailures >= degradedAfter && w.currentState() == Running {
				w.setState(Degraded)
				w.logger.Error("broker unreachable, worker degraded",
					slog.String("queue", w.queue.Name),
					slog.String("error", err.Error()),
				)
			}
			if w.mets != nil {
				w.mets.Reconnects.Inc()
			}
			w.sleep(ctx, w.reconnect.Delay(fetchFailures-1))
			continue
		}

		if fetchFailures > 0 {
			fetchFailures = 0
			w.logger.Info("broker connection recovered", slog.String("queue", w.queue.Name))
		}
		w.brokerOK.Store(true)
		if w.currentState() == Degraded {
			w.setState(Running)
		}

		if w.mets != nil {
			w.mets.FetchBatchSize.Observe(float64(len(msgs)))
		}

		for _, m := range msgs {
			w.dispatch(ctx, m)
		}
	}

	return w.drain()
}

// dispatch gates one message through the rate limiter and hands it to a
// processing goroutine bounded by the concurrency semaphore.
func (w *Worker[J]) dispatch(ctx context.Context, m broker.Message) {
	if w.limiter != nil && !w.limiter.Acquire(ctx) {
		// Token wait exceeded the bound; return the message untouched.
		if err := w.binding.Nak(ctx, w.queue, m, m.Payload, 0); err != nil {
			w.logger.Warn("rate-limited nak failed",
				slog.String("queue", w.queue.Name),
				slog.String("msg_id", m.ID),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	w.sem <- struct{}{}
	w.wg.Add(1)
	w.inFlight.Add(1)
	if w.mets != nil {
		w.mets.InFlight.Inc()
	}

	f := &inflight{m: m}
	w.pmu.Lock()
	w.pending[m.ID] = f
	w.pmu.Unlock()

	// Processing outlives fetch-loop cancellation so a drain can finish
	// in-flight work.
	go w.handle(context.WithoutCancel(ctx), f)
}

// inflight tracks one delivery until it is resolved exactly once,
// either by its handler or by the drain deadline.
type inflight struct {
	m        broker.Message
	resolved atomic.Bool
}

// claim reports whether the caller won the right to resolve the
// delivery. The loser must leave the message alone.
func (f *inflight) claim() bool { return f.resolved.CompareAndSwap(false, true) }

// drain waits for in-flight jobs up to the shutdown timeout. Jobs still
// undecided at the deadline are nak'd back to the broker with no delay
// so another worker can pick them up immediately instead of waiting out
// the visibility timeout.
func (w *Worker[J]) drain() error {
	w.setState(Draining)
	remaining := int(w.inFlight.Load())
	w.logger.Info("worker draining",
		slog.String("queue", w.queue.Name),
		slog.Int("in_flight", remaining),
	)

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(w.shutdownTimeout):
		undecided := w.nakUndecided()
		w.logger.Error("drain timed out, undecided jobs returned to the broker",
			slog.String("queue", w.queue.Name),
			slog.Int("undecided", undecided),
		)
		err = fmt.Errorf("%w: %d jobs undecided at the deadline", conveyor.ErrDraining, undecided)
	}

	w.setState(Stopped)
	w.logger.Info("worker stopped", slog.String("queue", w.queue.Name))
	return err
}

// nakUndecided claims every still-unresolved delivery and naks it with
// zero delay. A handler that finishes after the deadline loses the
// claim race and leaves the message to its new owner.
func (w *Worker[J]) nakUndecided() int {
	w.pmu.Lock()
	stuck := make([]*inflight, 0, len(w.pending))
	for _, f := range w.pending {
		stuck = append(stuck, f)
	}
	w.pmu.Unlock()

	ctx := context.Background()
	n := 0
	for _, f := range stuck {
		if !f.claim() {
			continue
		}
		n++
		if err := w.binding.Nak(ctx, w.queue, f.m, f.m.Payload, 0); err != nil {
			w.logger.Warn("undecided nak failed",
				slog.String("queue", w.queue.Name),
				slog.String("msg_id", f.m.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return n
}

// CurrentState returns the lifecycle state.
func (w *Worker[J]) CurrentState() State { return w.currentState() }

// LastTickAge returns time since the fetch loop last came around. Health
// liveness uses it to detect a wedged loop.
func (w *Worker[J]) LastTickAge() time.Duration {
	t := w.lastTick.Load()
	if t == 0 {
		return 0
	}
	return time.Since(time.Unix(0, t))
}

// BrokerOK reports whether the last broker interaction succeeded.
func (w *Worker[J]) BrokerOK() bool { return w.brokerOK.Load() }

// InFlight returns the number of jobs currently processing.
func (w *Worker[J]) InFlight() int { return int(w.inFlight.Load()) }

func (w *Worker[J]) currentState() State { return State(w.state.Load()) }

func (w *Worker[J]) setState(s State) {
	w.state.Store(int32(s))
	if w.mets != nil {
		w.mets.SetWorkerState(s.String())
	}
}

func (w *Worker[J]) tick() {
	w.lastTick.Store(time.Now().UnixNano())
}

// refreshLag updates the consumer lag gauge at most every lagEvery.
func (w *Worker[J]) refreshLag(ctx context.Context) {
	if w.mets == nil {
		return
	}
	last := w.lastLag.Load()
	now := time.Now().UnixNano()
	if last != 0 && now-last < int64(lagEvery) {
		return
	}
	if !w.lastLag.CompareAndSwap(last, now) {
		return
	}
	if lag := w.binding.Lag(ctx, w.queue); lag >= 0 {
		w.mets.ConsumerLag.Set(float64(lag))
	}
}

// sleep blocks for d or until ctx is cancelled.
func (w *Worker[J]) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
