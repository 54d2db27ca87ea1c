// Package mock provides an in-memory [engine.Sink] for use in unit tests.
//
// The mock records every clip handed to it and can be told to fail. It is safe
// for concurrent use.
//
// Example:
//
//	sink := &mock.Sink{}
//	e := engine.New(clips, trainer, selector, syn, g, engine.WithSink(sink))
//	e.Decide(ctx, "caster", gc)
//	if sink.CallCount() != 1 { ... }
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/castvoice/internal/engine"
	"github.com/MrWong99/castvoice/pkg/audio"
)

// Compile-time interface assertion.
var _ engine.Sink = (*Sink)(nil)

// PlayCall records the arguments of a single [Sink.Play] call.
type PlayCall struct {
	// Speaker is the speaker the clip belongs to.
	Speaker string
	// Clip is the accepted clip.
	Clip audio.Clip
}

// Sink is a mock implementation of [engine.Sink].
type Sink struct {
	mu sync.Mutex

	// PlayErr is returned by every [Sink.Play] call.
	PlayErr error

	// Calls accumulates one entry per Play call.
	Calls []PlayCall
}

// Play records the call and returns PlayErr.
func (s *Sink) Play(_ context.Context, speaker string, clip audio.Clip) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls = append(s.Calls, PlayCall{Speaker: speaker, Clip: clip})
	return s.PlayErr
}

// CallCount returns the number of Play calls. Thread-safe.
func (s *Sink) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Calls)
}

// For returns the calls made for speaker, in order.
func (s *Sink) For(speaker string) []PlayCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []PlayCall
	for _, c := range s.Calls {
		if c.Speaker == speaker {
			out = append(out, c)
		}
	}
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (s *Sink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls = nil
}
