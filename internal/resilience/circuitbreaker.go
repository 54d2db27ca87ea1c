// Package resilience keeps a failing provider from taking commentary down
// with it.
//
// [CircuitBreaker] is a three-state breaker (closed, open, half-open) guarding
// a single backend. [FallbackGroup] orders several backends of the same kind,
// each behind its own breaker, and moves on to the next one when a call fails.
// [GeneratorFallback] and [LineWriterFallback] apply this to voice generators
// and line writers.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// rejects calls.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// has passed since the last failure.
	StateOpen

	// StateHalfOpen lets a bounded number of trial calls through. Enough
	// successes close the breaker; any failure opens it again.
	StateHalfOpen
)

// String returns the state name used in logs and the health endpoint.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig tunes a [CircuitBreaker]. Zero fields take defaults.
type CircuitBreakerConfig struct {
	// Name labels the breaker in logs.
	Name string `yaml:"-"`

	// MaxFailures is the consecutive failure count that opens the breaker.
	// Default: 5.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout is how long an open breaker waits before probing.
	// Default: 30s.
	ResetTimeout time.Duration `yaml:"reset_timeout"`

	// HalfOpenMax is the number of successful trials needed to close.
	// Default: 3.
	HalfOpenMax int `yaml:"half_open_max"`

	// Now overrides the clock. Tests only.
	Now func() time.Time `yaml:"-"`
}

func (c CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.HalfOpenMax <= 0 {
		c.HalfOpenMax = 3
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// CircuitBreaker guards one backend.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	trials   int
	trialOK  int
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{cfg: cfg.withDefaults()}
}

// Name returns the configured label.
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// Execute runs fn unless the breaker is open. fn's error is returned as is.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	trial, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn()
	cb.record(trial, err == nil)
	return err
}

// admit decides whether a call may proceed and whether it is a trial.
func (cb *CircuitBreaker) admit() (trial bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if cb.cfg.Now().Sub(cb.openedAt) < cb.cfg.ResetTimeout {
			return false, ErrCircuitOpen
		}
		cb.transition(StateHalfOpen)
	}
	if cb.state == StateHalfOpen {
		if cb.trials >= cb.cfg.HalfOpenMax {
			return false, ErrCircuitOpen
		}
		cb.trials++
		return true, nil
	}
	return false, nil
}

func (cb *CircuitBreaker) record(trial, ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch {
	case ok && trial:
		cb.trialOK++
		if cb.trialOK >= cb.cfg.HalfOpenMax {
			cb.transition(StateClosed)
		}
	case ok:
		cb.failures = 0
	case trial:
		cb.transition(StateOpen)
	default:
		cb.failures++
		if cb.failures >= cb.cfg.MaxFailures && cb.state == StateClosed {
			cb.transition(StateOpen)
		}
	}
}

// transition moves to s and resets the counters s starts from. Must be
// called with cb.mu held.
func (cb *CircuitBreaker) transition(s State) {
	if cb.state == s {
		return
	}
	prev := cb.state
	cb.state = s
	switch s {
	case StateOpen:
		cb.openedAt = cb.cfg.Now()
	case StateHalfOpen:
		cb.trials, cb.trialOK = 0, 0
	case StateClosed:
		cb.failures, cb.trials, cb.trialOK = 0, 0, 0
	}
	slog.Info("circuit breaker state changed",
		"name", cb.cfg.Name,
		"from", prev.String(),
		"to", s.String(),
		"consecutive_failures", cb.failures,
	)
}

// State returns the current state. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.cfg.Now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset closes the breaker and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transition(StateClosed)
	cb.failures, cb.trials, cb.trialOK = 0, 0, 0
}
