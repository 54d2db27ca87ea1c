// Package voicegen defines the Generator interface for acoustic voice models.
//
// A generator turns a commentary line into speech in a specific speaker's
// voice. It is conditioned on the speaker's trained [types.VoiceProfile], a
// small set of reference clips from the speaker's library, and per-line
// [types.Delivery] hints. How the backend uses these inputs (zero-shot
// cloning, fine-tuned checkpoints, pure parameter conditioning) is opaque to
// callers.
//
// Implementations must be safe for concurrent use.
package voicegen

import (
	"context"
	"errors"

	"github.com/MrWong99/castvoice/pkg/audio"
	"github.com/MrWong99/castvoice/pkg/types"
)

// ErrEmptyOutput is returned when a backend produced no audio.
var ErrEmptyOutput = errors.New("voicegen: generator returned no audio")

// Request is a single generation request.
type Request struct {
	// Text is the line to speak. Never empty.
	Text string

	// Voice is the trained profile of the target speaker.
	Voice types.VoiceProfile

	// Delivery carries pace, volume and intensity hints.
	Delivery types.Delivery

	// References are reference clips from the speaker's library. They are
	// borrowed for the duration of the call and must not be retained.
	References []audio.Clip

	// SampleRate is the preferred output rate. Generators may return a
	// different rate; callers resample.
	SampleRate int
}

// Result is the raw output of a generator.
type Result struct {
	// PCM is 16-bit little-endian mono audio.
	PCM []byte

	// SampleRate of PCM in Hz.
	SampleRate int

	// Quality is the backend's own assessment of the output. Nil when the
	// backend does not self-assess; callers then fall back to [Assess].
	Quality *audio.Quality
}

// Generator is the abstraction over any acoustic model backend.
type Generator interface {
	// Generate synthesises req.Text in the voice described by req.Voice.
	// Returns an error if the backend fails or ctx is cancelled.
	Generate(ctx context.Context, req Request) (Result, error)
}

// GeneratorFunc adapts an ordinary function to the [Generator] interface.
type GeneratorFunc func(ctx context.Context, req Request) (Result, error)

// Generate calls f(ctx, req).
func (f GeneratorFunc) Generate(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

var _ Generator = GeneratorFunc(nil)
