package resilience

import (
	"errors"
	"testing"
	"time"
)

var errTest = errors.New("test error")

// manualClock is a time source tests advance by hand.
type manualClock struct{ t time.Time }

func (c *manualClock) now() time.Time          { return c.t }
func (c *manualClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newBreaker(maxFailures, halfOpenMax int) (*CircuitBreaker, *manualClock) {
	clk := &manualClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "coqui",
		MaxFailures:  maxFailures,
		ResetTimeout: time.Minute,
		HalfOpenMax:  halfOpenMax,
		Now:          clk.now,
	})
	return cb, clk
}

func fail(cb *CircuitBreaker, n int) {
	for range n {
		_ = cb.Execute(func() error { return errTest })
	}
}

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "x"})
	if cb.cfg.MaxFailures != 5 || cb.cfg.ResetTimeout != 30*time.Second || cb.cfg.HalfOpenMax != 3 {
		t.Errorf("defaults = %+v", cb.cfg)
	}
	if cb.State() != StateClosed || cb.Name() != "x" {
		t.Errorf("state = %v, name = %q", cb.State(), cb.Name())
	}
}

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	cb, _ := newBreaker(3, 1)
	fail(cb, 2)
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatal(err)
	}
	fail(cb, 2)
	if cb.State() != StateClosed {
		t.Fatal("success did not reset the failure count")
	}
	fail(cb, 1)
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) || called {
		t.Errorf("open breaker let a call through: %v", err)
	}
}

func TestCircuitBreaker_HalfOpenTrials(t *testing.T) {
	tests := []struct {
		name   string
		trials []error
		want   State
	}{
		{"all trials succeed", []error{nil, nil}, StateClosed},
		{"first trial fails", []error{errTest}, StateOpen},
		{"second trial fails", []error{nil, errTest}, StateOpen},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cb, clk := newBreaker(2, 2)
			fail(cb, 2)
			clk.advance(59 * time.Second)
			if cb.State() != StateOpen {
				t.Fatal("reopened before the reset timeout")
			}
			clk.advance(time.Second)
			if cb.State() != StateHalfOpen {
				t.Fatalf("state = %v, want half-open", cb.State())
			}
			for _, p := range tc.trials {
				_ = cb.Execute(func() error { return p })
			}
			cb.mu.Lock()
			got := cb.state
			cb.mu.Unlock()
			if got != tc.want {
				t.Errorf("state = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestCircuitBreaker_HalfOpenBudget(t *testing.T) {
	cb, clk := newBreaker(1, 1)
	fail(cb, 1)
	clk.advance(time.Minute)

	release := make(chan struct{})
	done := make(chan error)
	go func() {
		done <- cb.Execute(func() error { <-release; return nil })
	}()
	// Wait until the trial is admitted.
	for {
		cb.mu.Lock()
		p := cb.trials
		cb.mu.Unlock()
		if p == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if err := cb.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("second trial admitted: %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb, _ := newBreaker(2, 1)
	fail(cb, 2)
	cb.Reset()
	if cb.State() != StateClosed {
		t.Fatalf("state = %v after Reset", cb.State())
	}
	fail(cb, 1)
	if cb.State() != StateClosed {
		t.Error("Reset left failures behind")
	}
}

func TestState_String(t *testing.T) {
	for s, want := range map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half-open",
		State(99):     "unknown",
	} {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}
