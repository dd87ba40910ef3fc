package resilience

import (
	"sync"
	"time"
)

// State is the circuit breaker state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

// String renders the state for logs and metric labels.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes the circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of failures within Window that trip
	// the breaker.
	FailureThreshold int
	// Window is the sliding interval over which failures are counted.
	Window time.Duration
	// OpenFor is how long the breaker stays open before probing.
	OpenFor time.Duration
	// HalfOpenSuccesses is the number of consecutive successes in
	// HalfOpen that close the breaker. Any failure reopens it.
	HalfOpenSuccesses int
	// OnStateChange, when set, is called with the new state after every
	// transition. Called with the breaker's lock released.
	OnStateChange func(State)
}

// Breaker is a three-state circuit breaker: Closed passes everything and
// counts failures in a sliding window; Open rejects until OpenFor has
// elapsed; HalfOpen passes probes and closes after enough consecutive
// successes.
type Breaker struct {
	cfg BreakerConfig
	now func() time.Time

	mu          sync.Mutex
	state       State
	failures    []time.Time
	openedAt    time.Time
	halfOpenOKs int
}

// NewBreaker creates a closed Breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 10
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.OpenFor <= 0 {
		cfg.OpenFor = 15 * time.Second
	}
	if cfg.HalfOpenSuccesses <= 0 {
		cfg.HalfOpenSuccesses = 3
	}
	return &Breaker{cfg: cfg, now: time.Now}
}

// Allow reports whether work may proceed. An open breaker whose OpenFor
// has elapsed transitions to HalfOpen and allows the call as a probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	switch b.state {
	case Closed:
		b.mu.Unlock()
		return true
	case Open:
		if b.now().Sub(b.openedAt) >= b.cfg.OpenFor {
			b.transition(HalfOpen)
			b.mu.Unlock()
			b.notify(HalfOpen)
			return true
		}
		b.mu.Unlock()
		return false
	default: // HalfOpen
		b.mu.Unlock()
		return true
	}
}

// Success records a successful unit of work.
func (b *Breaker) Success() {
	b.mu.Lock()
	if b.state != HalfOpen {
		b.mu.Unlock()
		return
	}
	b.halfOpenOKs++
	if b.halfOpenOKs < b.cfg.HalfOpenSuccesses {
		b.mu.Unlock()
		return
	}
	b.transition(Closed)
	b.mu.Unlock()
	b.notify(Closed)
}

// Failure records a failed unit of work. In Closed it may trip the
// breaker; in HalfOpen it reopens immediately.
func (b *Breaker) Failure() {
	b.mu.Lock()
	switch b.state {
	case HalfOpen:
		b.transition(Open)
		b.mu.Unlock()
		b.notify(Open)
	case Closed:
		now := b.now()
		b.failures = append(b.failures, now)
		b.prune(now)
		if len(b.failures) >= b.cfg.FailureThreshold {
			b.transition(Open)
			b.mu.Unlock()
			b.notify(Open)
			return
		}
		b.mu.Unlock()
	default: // Open: already tripped
		b.mu.Unlock()
	}
}

// State returns the current state without side effects.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// OpenFor returns the configured open duration, for the engine's sleep.
func (b *Breaker) OpenFor() time.Duration {
	return b.cfg.OpenFor
}

// transition moves to st and resets state-local counters. Caller holds
// the lock.
func (b *Breaker) transition(st State) {
	b.state = st
	switch st {
	case Open:
		b.openedAt = b.now()
		b.failures = b.failures[:0]
		b.halfOpenOKs = 0
	case HalfOpen:
		b.halfOpenOKs = 0
	case Closed:
		b.failures = b.failures[:0]
		b.halfOpenOKs = 0
	}
}

// prune drops failures older than the window. Caller holds the lock.
func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	i := 0
	for ; i < len(b.failures); i++ {
		if b.failures[i].After(cutoff) {
			break
		}
	}
	b.failures = b.failures[i:]
}

func (b *Breaker) notify(st State) {
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(st)
	}
}
