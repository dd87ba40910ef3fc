package backoff_test

import (
	"testing"
	"time"

	"github.com/carverd/conveyor/backoff"
)

func TestFixed_ReturnsSameDelay(t *testing.T) {
	f := backoff.NewFixed(5 * time.Second)
	for n := 0; n < 10; n++ {
		if got := f.Delay(n); got != 5*time.Second {
			t.Errorf("Delay(%d) = %v, want %v", n, got, 5*time.Second)
		}
	}
}

func TestLinear_GrowsWithAttempt(t *testing.T) {
	l := backoff.NewLinear(time.Second)

	tests := []struct {
		n    int
		want time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 3 * time.Second},
		{9, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := l.Delay(tt.n); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}
}

func TestExponential_GrowsGeometrically(t *testing.T) {
	e := backoff.NewExponential(100*time.Millisecond, 2, time.Hour)

	tests := []struct {
		n    int
		want time.Duration
	}{
		{0, 100 * time.Millisecond}, // 100ms * 2^0
		{1, 200 * time.Millisecond}, // 100ms * 2^1
		{2, 400 * time.Millisecond}, // 100ms * 2^2
		{3, 800 * time.Millisecond}, // 100ms * 2^3
	}
	for _, tt := range tests {
		if got := e.Delay(tt.n); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}
}

func TestExponential_CapsAtMax(t *testing.T) {
	e := backoff.NewExponential(100*time.Millisecond, 2, time.Second)

	if got := e.Delay(4); got != time.Second {
		t.Errorf("Delay(4) = %v, want %v (capped)", got, time.Second)
	}
	// Large n overflows float64->Duration; must still resolve to Cap.
	if got := e.Delay(500); got != time.Second {
		t.Errorf("Delay(500) = %v, want %v (capped)", got, time.Second)
	}
}

func TestJitter_StaysWithinBounds(t *testing.T) {
	s := backoff.WithJitter(backoff.NewFixed(time.Second), 0.25)

	for range 200 {
		d := s.Delay(0)
		if d < 750*time.Millisecond || d > 1250*time.Millisecond {
			t.Fatalf("jittered delay %v outside [750ms, 1250ms]", d)
		}
	}
}

func TestJitter_ProducesVariance(t *testing.T) {
	s := backoff.WithJitter(backoff.NewFixed(time.Second), 0.5)

	seen := make(map[time.Duration]bool)
	for range 100 {
		seen[s.Delay(0)] = true
	}
	if len(seen) < 2 {
		t.Errorf("expected variance in jitter, got only %d distinct values", len(seen))
	}
}

func TestWithJitter_ZeroBoundIsPassThrough(t *testing.T) {
	base := backoff.NewFixed(time.Second)
	if s := backoff.WithJitter(base, 0); s != backoff.Strategy(base) {
		t.Error("WithJitter(s, 0) should return s unchanged")
	}
}

func TestPolicy_NextDelayHonoursFloor(t *testing.T) {
	p := backoff.Policy{MaxRetries: 3, Strategy: backoff.NewFixed(100 * time.Millisecond)}

	if got := p.NextDelay(0, 0); got != 100*time.Millisecond {
		t.Errorf("NextDelay without floor = %v, want 100ms", got)
	}
	if got := p.NextDelay(0, time.Second); got != time.Second {
		t.Errorf("NextDelay with 1s floor = %v, want 1s", got)
	}
}

func TestPolicy_Exhausted(t *testing.T) {
	p := backoff.Policy{MaxRetries: 3}

	for n, want := range map[int]bool{0: false, 2: false, 3: true, 7: true} {
		if got := p.Exhausted(n); got != want {
			t.Errorf("Exhausted(%d) = %v, want %v", n, got, want)
		}
	}

	zero := backoff.Policy{MaxRetries: 0}
	if !zero.Exhausted(0) {
		t.Error("MaxRetries=0 must exhaust on the first failure")
	}
}

func TestFromConfig(t *testing.T) {
	tests := []struct {
		kind    string
		wantErr bool
	}{
		{"fixed", false},
		{"linear", false},
		{"exponential", false},
		{"Exponential", false},
		{"quadratic", true},
	}
	for _, tt := range tests {
		_, err := backoff.FromConfig(3, tt.kind, time.Second, 2, time.Minute, 0.1)
		if (err != nil) != tt.wantErr {
			t.Errorf("FromConfig(kind=%q) error = %v, wantErr %v", tt.kind, err, tt.wantErr)
		}
	}

	if _, err := backoff.FromConfig(3, "fixed", time.Second, 2, time.Minute, 0.9); err == nil {
		t.Error("expected error for jitter outside [0, 0.5]")
	}
}
