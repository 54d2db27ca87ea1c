package resilience

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/castvoice/internal/observe"
)

// ErrAllFailed is returned when every backend of a [FallbackGroup] failed or
// had its breaker open.
var ErrAllFailed = errors.New("resilience: all providers failed")

// FallbackConfig configures the breaker created for each backend.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

type member[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup tries backends in registration order, skipping those whose
// breaker is open. Members must be added before the group is shared.
type FallbackGroup[T any] struct {
	members []member[T]
	cfg     FallbackConfig
}

// NewFallbackGroup returns a group with primary as its first member.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.Add(primaryName, primary)
	return fg
}

// Add appends a fallback backend.
func (fg *FallbackGroup[T]) Add(name string, value T) {
	bc := fg.cfg.CircuitBreaker
	bc.Name = name
	fg.members = append(fg.members, member[T]{name: name, value: value, breaker: NewCircuitBreaker(bc)})
}

// Len returns the number of members.
func (fg *FallbackGroup[T]) Len() int { return len(fg.members) }

// Primary returns the first member.
func (fg *FallbackGroup[T]) Primary() T { return fg.members[0].value }

// States returns each member's breaker state keyed by name.
func (fg *FallbackGroup[T]) States() map[string]State {
	out := make(map[string]State, len(fg.members))
	for _, m := range fg.members {
		out[m.name] = m.breaker.State()
	}
	return out
}

// Execute calls fn on each member in order until one succeeds.
func (fg *FallbackGroup[T]) Execute(ctx context.Context, fn func(name string, v T) error) error {
	_, err := ExecuteWithResult(ctx, fg, func(name string, v T) (struct{}, error) {
		return struct{}{}, fn(name, v)
	})
	return err
}

// ExecuteWithResult is [FallbackGroup.Execute] for calls that produce a value.
// A cancelled ctx stops the walk and its error is returned unwrapped; a
// caller's cancellation is not a backend failure.
func ExecuteWithResult[T, R any](ctx context.Context, fg *FallbackGroup[T], fn func(name string, v T) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error
	)
	log := observe.Logger(ctx)
	for _, m := range fg.members {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		var out R
		err := m.breaker.Execute(func() error {
			var err error
			out, err = fn(m.name, m.value)
			if err != nil && ctx.Err() != nil {
				// Do not count the caller's cancellation against the backend.
				return nil
			}
			return err
		})
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if err == nil {
			return out, nil
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			log.Debug("skipping provider, circuit open", "provider", m.name)
			continue
		}
		log.Warn("provider failed, trying next", "provider", m.name, "err", err)
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
