// Package synth turns a commentary line into a finished clip in a speaker's
// voice.
//
// [Synthesizer.Synthesize] calls the opaque [voicegen.Generator] with the
// speaker's model and a set of reference clips, checks the generated length,
// then always applies the same post-processing chain (noise gate, peak
// normalisation, clarity pre-emphasis) before resampling to the output rate.
// The resulting clip carries a quality record, either the generator's own or
// one measured from the processed audio.
package synth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/castvoice/internal/observe"
	"github.com/MrWong99/castvoice/internal/voicemodel"
	"github.com/MrWong99/castvoice/pkg/audio"
	"github.com/MrWong99/castvoice/pkg/provider/voicegen"
	"github.com/MrWong99/castvoice/pkg/types"
)

var (
	// ErrModelUnavailable is returned when the speaker has no trained model.
	ErrModelUnavailable = errors.New("synth: voice model unavailable")

	// ErrDuration is returned when generated audio is shorter or longer than
	// the allowed clip length.
	ErrDuration = errors.New("synth: generated duration out of range")
)

// Defaults for [Synthesizer].
const (
	DefaultOutputRate  = 44100
	DefaultMinDuration = 500 * time.Millisecond
	DefaultMaxDuration = 5 * time.Second
)

// Request is one synthesis request.
type Request struct {
	// LineID identifies the commentary line, for logs.
	LineID string

	// Text is what to say.
	Text string

	Delivery types.Delivery

	// Model is the speaker's voice model, loaded once per decision.
	Model *voicemodel.Model

	// References are borrowed reference clips. When empty the model's
	// baseline clips are used.
	References []audio.Clip
}

// Synthesizer wraps a generator with validation and post-processing. It is
// safe for concurrent use.
type Synthesizer struct {
	gen          voicegen.Generator
	providerName string
	outRate      int
	minDur       time.Duration
	maxDur       time.Duration
	now          func() time.Time
	metrics      *observe.Metrics
}

// Option is a functional option for [Synthesizer].
type Option func(*Synthesizer)

// WithOutputRate sets the sample rate of produced clips.
func WithOutputRate(hz int) Option {
	return func(s *Synthesizer) {
		if hz > 0 {
			s.outRate = hz
		}
	}
}

// WithDurationBounds sets the accepted range of generated audio length.
func WithDurationBounds(minDur, maxDur time.Duration) Option {
	return func(s *Synthesizer) {
		if minDur > 0 && maxDur >= minDur {
			s.minDur, s.maxDur = minDur, maxDur
		}
	}
}

// WithMetrics records synthesis latency and provider calls on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Synthesizer) { s.metrics = m }
}

// WithProviderName labels provider metrics. Default: "voicegen".
func WithProviderName(name string) Option {
	return func(s *Synthesizer) {
		if name != "" {
			s.providerName = name
		}
	}
}

// WithClock overrides the time source used for clip timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Synthesizer) {
		if now != nil {
			s.now = now
		}
	}
}

// New returns a Synthesizer around gen.
func New(gen voicegen.Generator, opts ...Option) *Synthesizer {
	s := &Synthesizer{
		gen:          gen,
		providerName: "voicegen",
		outRate:      DefaultOutputRate,
		minDur:       DefaultMinDuration,
		maxDur:       DefaultMaxDuration,
		now:          time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// OutputRate returns the sample rate of produced clips.
func (s *Synthesizer) OutputRate() int { return s.outRate }

// Synthesize generates, post-processes and measures one candidate clip.
func (s *Synthesizer) Synthesize(ctx context.Context, req Request) (clip audio.Clip, err error) {
	if req.Model == nil {
		return audio.Clip{}, ErrModelUnavailable
	}
	ctx, span := observe.StartSpeakerSpan(ctx, "synth.synthesize", req.Model.Speaker)
	defer func() { observe.EndSpan(span, err) }()

	start := time.Now()
	defer func() {
		if s.metrics != nil {
			s.metrics.SynthesisDuration.Record(ctx, time.Since(start).Seconds())
		}
	}()

	refs := req.References
	if len(refs) == 0 {
		refs = req.Model.Baseline()
	}
	voice := req.Model.Profile()
	delivery := req.Delivery
	delivery.Pace = types.ClampPace(delivery.Pace)

	res, err := s.gen.Generate(ctx, voicegen.Request{
		Text:       req.Text,
		Voice:      voice,
		Delivery:   delivery,
		References: refs,
		SampleRate: s.outRate,
	})
	s.recordProvider(ctx, err)
	if err != nil {
		return audio.Clip{}, fmt.Errorf("synth: generate line %s: %w", req.LineID, err)
	}
	if len(res.PCM) < 2 || res.SampleRate <= 0 {
		return audio.Clip{}, fmt.Errorf("synth: line %s: %w", req.LineID, voicegen.ErrEmptyOutput)
	}

	samples := audio.PCM16ToFloat(res.PCM)
	dur := time.Duration(len(samples)) * time.Second / time.Duration(res.SampleRate)
	if dur < s.minDur || dur > s.maxDur {
		return audio.Clip{}, fmt.Errorf("synth: line %s: %v not in [%v, %v]: %w", req.LineID, dur, s.minDur, s.maxDur, ErrDuration)
	}

	processed := audio.PostProcess(samples, res.SampleRate)

	var q audio.Quality
	if res.Quality != nil {
		q = res.Quality.Clamp()
	} else {
		q = voicegen.Assess(audio.Analyze(processed, res.SampleRate), voice, delivery)
	}

	pcm := audio.ResampleMono16(audio.FloatToPCM16(processed), res.SampleRate, s.outRate)
	clip, err = audio.NewClip(pcm, s.outRate, q, s.now())
	if err != nil {
		return audio.Clip{}, fmt.Errorf("synth: line %s: %w", req.LineID, err)
	}

	observe.Logger(ctx).Debug("candidate synthesised",
		"speaker", voice.Speaker,
		"line_id", req.LineID,
		"model_version", voice.Version,
		"references", len(refs),
		"duration", clip.Duration(),
		"clarity", q.Clarity,
		"naturalness", q.Naturalness,
		"emotional_match", q.EmotionalMatch,
	)
	return clip, nil
}

func (s *Synthesizer) recordProvider(ctx context.Context, err error) {
	if s.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
		s.metrics.RecordProviderError(ctx, s.providerName, "voicegen")
	}
	s.metrics.RecordProviderRequest(ctx, s.providerName, "voicegen", status)
}
