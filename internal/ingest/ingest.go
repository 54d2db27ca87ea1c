// Package ingest prepares recorded commentary for the clip library.
//
// A raw recording is split into segments of speakable length at its quiet
// points, segments with too little clarity are rejected, and the survivors
// are cleaned with the same chain applied to synthesised speech: background
// noise gate, peak normalisation and clarity enhancement. Each accepted
// segment is tagged with the emotional intensity of its delivery.
package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/castvoice/internal/observe"
	"github.com/MrWong99/castvoice/pkg/audio"
	"github.com/MrWong99/castvoice/pkg/provider/voicegen"
	"github.com/MrWong99/castvoice/pkg/types"
)

// ErrNoUsableAudio is returned when every segment of a recording was rejected.
var ErrNoUsableAudio = errors.New("ingest: no usable segment")

// Preprocessor defaults.
const (
	DefaultMinDuration = 500 * time.Millisecond
	DefaultMaxDuration = 5 * time.Second
	DefaultMinClarity  = 0.5
)

// Rejection reasons.
const (
	ReasonTooShort   = "too_short"
	ReasonLowClarity = "low_clarity"
)

// Emotion is the intensity of a segment's delivery.
type Emotion string

const (
	EmotionCalm     Emotion = "calm"
	EmotionAnimated Emotion = "animated"
	EmotionExcited  Emotion = "excited"
)

// TagEmotion classifies delivery intensity by normalised dynamic range and
// syllable rate.
func TagEmotion(f audio.Features) Emotion {
	intensity := 0.7*f.NormalizedDynamicRange() + 0.3*audio.Clamp01(f.Tempo/8)
	switch {
	case intensity >= 0.65:
		return EmotionExcited
	case intensity >= 0.35:
		return EmotionAnimated
	default:
		return EmotionCalm
	}
}

// Segment is an accepted, cleaned piece of a recording.
type Segment struct {
	Clip    audio.Clip
	Emotion Emotion

	// Offset is where the segment starts in the recording.
	Offset time.Duration
}

// Rejection describes a dropped piece of a recording.
type Rejection struct {
	Offset   time.Duration
	Duration time.Duration
	Reason   string
	Clarity  float64
}

// Result is the outcome of [Preprocessor.Process].
type Result struct {
	Segments []Segment
	Rejected []Rejection
}

// Preprocessor turns one recording into library-ready segments. The zero
// value uses the defaults.
type Preprocessor struct {
	// MinDuration and MaxDuration bound segment length.
	MinDuration time.Duration
	MaxDuration time.Duration

	// MinClarity rejects segments below it. Negative disables the filter.
	MinClarity float64

	// SkipCleaning stores segments as recorded.
	SkipCleaning bool
}

func (p Preprocessor) withDefaults() Preprocessor {
	if p.MinDuration <= 0 {
		p.MinDuration = DefaultMinDuration
	}
	if p.MaxDuration <= 0 {
		p.MaxDuration = DefaultMaxDuration
	}
	if p.MinClarity == 0 {
		p.MinClarity = DefaultMinClarity
	}
	return p
}

// Process splits, filters and cleans clip. When measure is set each
// segment's clarity is measured from its raw signal; otherwise the clip's
// own quality is kept for every segment. Naturalness and emotional match
// always carry over from clip.
func (p Preprocessor) Process(ctx context.Context, clip audio.Clip, measure bool) (Result, error) {
	p = p.withDefaults()
	rate := clip.SampleRate()
	samples := clip.Samples()

	var res Result
	for _, sp := range audio.Split(samples, rate, p.MinDuration, p.MaxDuration) {
		offset := audio.Span{End: sp.Start}.Duration(rate)
		dur := sp.Duration(rate)
		raw := samples[sp.Start:sp.End]
		if dur < p.MinDuration {
			res.Rejected = append(res.Rejected, Rejection{Offset: offset, Duration: dur, Reason: ReasonTooShort})
			continue
		}

		features := audio.Analyze(raw, rate)
		q := clip.Quality()
		if measure {
			q.Clarity = voicegen.Assess(features, types.VoiceProfile{}, types.NeutralDelivery).Clarity
		}
		if p.MinClarity >= 0 && q.Clarity < p.MinClarity {
			res.Rejected = append(res.Rejected, Rejection{Offset: offset, Duration: dur, Reason: ReasonLowClarity, Clarity: q.Clarity})
			continue
		}

		out := raw
		if !p.SkipCleaning {
			out = audio.PostProcess(raw, rate)
		}
		seg, err := audio.NewClip(audio.FloatToPCM16(out), rate, q, clip.RecordedAt().Add(offset))
		if err != nil {
			return Result{}, err
		}
		res.Segments = append(res.Segments, Segment{Clip: seg, Emotion: TagEmotion(features), Offset: offset})
	}

	observe.Logger(ctx).Debug("recording preprocessed",
		"clip_id", clip.ID(),
		"duration", clip.Duration(),
		"segments", len(res.Segments),
		"rejected", len(res.Rejected),
	)
	if len(res.Segments) == 0 {
		return res, ErrNoUsableAudio
	}
	return res, nil
}
