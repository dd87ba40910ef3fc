package resilience

import (
	"testing"
	"time"
)

// fakeClock drives the breaker deterministically.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }
func newTestBreaker(cfg BreakerConfig) (*Breaker, *fakeClock) {
	b := NewBreaker(cfg)
	c := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	b.now = c.now
	return b, c
}

func TestBreaker_TripsAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{FailureThreshold: 3, Window: time.Minute})

	b.Failure()
	b.Failure()
	if b.State() != Closed {
		t.Fatal("breaker tripped below threshold")
	}
	b.Failure()
	if b.State() != Open {
		t.Fatal("breaker did not trip at threshold")
	}
	if b.Allow() {
		t.Error("open breaker allowed work")
	}
}

func TestBreaker_WindowExpiresOldFailures(t *testing.T) {
	b, clk := newTestBreaker(BreakerConfig{FailureThreshold: 3, Window: 10 * time.Second})

	b.Failure()
	b.Failure()
	clk.advance(11 * time.Second)
	b.Failure()

	if b.State() != Open {
		// Two old failures aged out; only one remains in the window.
		return
	}
	t.Fatal("failures outside the window still counted toward the threshold")
}

func TestBreaker_OpenToHalfOpenAfterDuration(t *testing.T) {
	b, clk := newTestBreaker(BreakerConfig{
		FailureThreshold: 1, OpenFor: 5 * time.Second, HalfOpenSuccesses: 2,
	})

	b.Failure()
	if b.Allow() {
		t.Fatal("open breaker allowed work before OpenFor elapsed")
	}

	clk.advance(5 * time.Second)
	if !b.Allow() {
		t.Fatal("breaker did not allow a probe after OpenFor")
	}
	if b.State() != HalfOpen {
		t.Fatalf("state = %v, want HalfOpen", b.State())
	}
}

func TestBreaker_HalfOpenClosesAfterConsecutiveSuccesses(t *testing.T) {
	b, clk := newTestBreaker(BreakerConfig{
		FailureThreshold: 1, OpenFor: time.Second, HalfOpenSuccesses: 3,
	})

	b.Failure()
	clk.advance(time.Second)
	b.Allow() // -> HalfOpen

	b.Success()
	b.Success()
	if b.State() != HalfOpen {
		t.Fatal("breaker closed before enough consecutive successes")
	}
	b.Success()
	if b.State() != Closed {
		t.Fatalf("state = %v, want Closed", b.State())
	}
}

func TestBreaker_HalfOpenReopensOnFailure(t *testing.T) {
	b, clk := newTestBreaker(BreakerConfig{
		FailureThreshold: 1, OpenFor: time.Second, HalfOpenSuccesses: 3,
	})

	b.Failure()
	clk.advance(time.Second)
	b.Allow() // -> HalfOpen
	b.Success()
	b.Failure()

	if b.State() != Open {
		t.Fatalf("state = %v, want Open after half-open failure", b.State())
	}
}

func TestBreaker_SuccessInClosedIsNoOp(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{FailureThreshold: 2})

	b.Success()
	b.Failure()
	b.Success() // must not reset the window count
	b.Failure()

	if b.State() != Open {
		t.Fatal("closed-state successes should not reset the failure count")
	}
}

func TestBreaker_NotifiesOnStateChange(t *testing.T) {
	var states []State
	cfg := BreakerConfig{
		FailureThreshold: 1, OpenFor: time.Second, HalfOpenSuccesses: 1,
		OnStateChange: func(s State) { states = append(states, s) },
	}
	b, clk := newTestBreaker(cfg)

	b.Failure() // -> Open
	clk.advance(time.Second)
	b.Allow()   // -> HalfOpen
	b.Success() // -> Closed

	want := []State{Open, HalfOpen, Closed}
	if len(states) != len(want) {
		t.Fatalf("transitions = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", states, want)
		}
	}
}

func TestState_String(t *testing.T) {
	for st, want := range map[State]string{
		Closed: "closed", Open: "open", HalfOpen: "half_open",
	} {
		if got := st.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", st, got, want)
		}
	}
}
