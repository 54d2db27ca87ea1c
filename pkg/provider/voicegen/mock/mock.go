// Package mock provides a test double for the voicegen.Generator interface.
//
// Use Generator to script a sequence of generation outcomes and to verify the
// requests the synthesizer sends:
//
//	g := &mock.Generator{
//	    Results: []voicegen.Result{
//	        mock.ToneResult(1*time.Second, 16000, audio.Quality{Clarity: 0.5}),
//	        mock.ToneResult(1*time.Second, 16000, audio.Quality{Clarity: 0.9, Naturalness: 0.9, EmotionalMatch: 0.9}),
//	    },
//	}
package mock

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/MrWong99/castvoice/pkg/audio"
	"github.com/MrWong99/castvoice/pkg/provider/voicegen"
)

// GenerateCall records a single invocation of Generate.
type GenerateCall struct {
	// Ctx is the context passed to Generate.
	Ctx context.Context
	// Request is the request passed to Generate. References are copied.
	Request voicegen.Request
}

// Generator is a mock implementation of voicegen.Generator.
type Generator struct {
	mu sync.Mutex

	// Results are returned in order, one per call. Once exhausted the last
	// result repeats. An empty slice yields a one-second tone with perfect
	// self-assessed quality.
	Results []voicegen.Result

	// Errs, when non-empty, are returned in order, one per call, before
	// Results is consulted. A nil entry lets that call succeed.
	Errs []error

	// Err, if non-nil, is returned from every call.
	Err error

	// Calls records every call to Generate in order.
	Calls []GenerateCall
}

// Generate records the call and returns the next scripted outcome.
func (g *Generator) Generate(ctx context.Context, req voicegen.Request) (voicegen.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	n := len(g.Calls)
	req.References = append([]audio.Clip(nil), req.References...)
	g.Calls = append(g.Calls, GenerateCall{Ctx: ctx, Request: req})

	if err := ctx.Err(); err != nil {
		return voicegen.Result{}, err
	}
	if g.Err != nil {
		return voicegen.Result{}, g.Err
	}
	if n < len(g.Errs) && g.Errs[n] != nil {
		return voicegen.Result{}, g.Errs[n]
	}
	if len(g.Results) == 0 {
		return ToneResult(time.Second, 16000, audio.Quality{Clarity: 1, Naturalness: 1, EmotionalMatch: 1}), nil
	}
	r := g.Results[min(n, len(g.Results)-1)]
	r.PCM = append([]byte(nil), r.PCM...)
	return r, nil
}

// CallCount returns the number of Generate calls. Thread-safe.
func (g *Generator) CallCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.Calls)
}

// Reset clears all recorded calls. Thread-safe.
func (g *Generator) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Calls = nil
}

// Tone returns d of 16-bit mono PCM at rate: a 180 Hz tone with a 4 Hz
// syllable-like envelope, so analysis sees pitch, tempo and dynamics.
func Tone(d time.Duration, rate int) []byte {
	n := int(d.Seconds() * float64(rate))
	s := make([]float64, n)
	for i := range s {
		t := float64(i) / float64(rate)
		env := 0.5 - 0.5*math.Cos(2*math.Pi*4*t)
		s[i] = 0.6 * env * math.Sin(2*math.Pi*180*t)
	}
	return audio.FloatToPCM16(s)
}

// ToneResult wraps [Tone] in a Result that self-reports q.
func ToneResult(d time.Duration, rate int, q audio.Quality) voicegen.Result {
	return voicegen.Result{PCM: Tone(d, rate), SampleRate: rate, Quality: &q}
}

// Ensure Generator implements voicegen.Generator at compile time.
var _ voicegen.Generator = (*Generator)(nil)
