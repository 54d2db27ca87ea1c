// Package audio holds the value types that flow through the commentary
// pipeline: immutable PCM clips with a measured quality record, the closed
// set of clip categories, and the signal helpers used to analyse and
// post-process synthesised speech.
//
// All PCM in this package is little-endian signed 16-bit mono unless a
// function says otherwise.
package audio

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Category partitions a speaker's clips by the setting they were recorded in.
// Every clip belongs to exactly one category.
type Category int

const (
	// CategoryGameplay holds in-game reactions. Preferred for commentary.
	CategoryGameplay Category = iota

	// CategoryInterview holds post-game interview material.
	CategoryInterview

	// CategoryCasual holds social media and off-stream material.
	CategoryCasual
)

// Categories lists every valid [Category] in priority order.
var Categories = [...]Category{CategoryGameplay, CategoryInterview, CategoryCasual}

// String returns the lower-case name of the category.
func (c Category) String() string {
	switch c {
	case CategoryGameplay:
		return "gameplay"
	case CategoryInterview:
		return "interview"
	case CategoryCasual:
		return "casual"
	default:
		return fmt.Sprintf("Category(%d)", int(c))
	}
}

// IsValid reports whether c is one of the declared categories.
func (c Category) IsValid() bool {
	switch c {
	case CategoryGameplay, CategoryInterview, CategoryCasual:
		return true
	}
	return false
}

// Priority orders categories for tie-breaking: Gameplay > Interview > Casual.
// Invalid categories rank below all valid ones.
func (c Category) Priority() int {
	switch c {
	case CategoryGameplay:
		return 3
	case CategoryInterview:
		return 2
	case CategoryCasual:
		return 1
	default:
		return 0
	}
}

// ParseCategory converts a case-insensitive category name to a [Category].
func ParseCategory(s string) (Category, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "gameplay":
		return CategoryGameplay, nil
	case "interview":
		return CategoryInterview, nil
	case "casual":
		return CategoryCasual, nil
	}
	return 0, fmt.Errorf("audio: unknown clip category %q; valid values: gameplay, interview, casual", s)
}

// MarshalText implements [encoding.TextMarshaler].
func (c Category) MarshalText() ([]byte, error) {
	if !c.IsValid() {
		return nil, fmt.Errorf("audio: cannot marshal invalid category %d", int(c))
	}
	return []byte(c.String()), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (c *Category) UnmarshalText(b []byte) error {
	parsed, err := ParseCategory(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Quality is the measured quality record of a clip. Each metric is in [0, 1].
type Quality struct {
	Clarity        float64 `json:"clarity" yaml:"clarity"`
	Naturalness    float64 `json:"naturalness" yaml:"naturalness"`
	EmotionalMatch float64 `json:"emotional_match" yaml:"emotional_match"`
}

// Clamp returns q with every metric clamped to [0, 1].
func (q Quality) Clamp() Quality {
	return Quality{
		Clarity:        Clamp01(q.Clarity),
		Naturalness:    Clamp01(q.Naturalness),
		EmotionalMatch: Clamp01(q.EmotionalMatch),
	}
}

// Mean returns the unweighted mean of the three metrics.
func (q Quality) Mean() float64 {
	return (q.Clarity + q.Naturalness + q.EmotionalMatch) / 3
}

// Clamp01 clamps v to [0, 1]. NaN maps to 0.
func Clamp01(v float64) float64 {
	switch {
	case v != v:
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// ErrInvalidClip is returned by [NewClip] when the PCM payload or sample rate
// cannot describe a playable clip.
var ErrInvalidClip = errors.New("audio: invalid clip")

// Clip is an immutable recorded or synthesised audio sample. The zero value
// is an empty clip; construct real clips with [NewClip] or [RestoreClip].
// Clips are safe to share between goroutines: no method mutates the receiver
// and [Clip.PCM] returns a copy.
type Clip struct {
	id         string
	pcm        []byte
	sampleRate int
	quality    Quality
	recordedAt time.Time
}

// NewClip copies pcm into a new [Clip] with a freshly generated ID. pcm must
// be non-empty 16-bit mono PCM and sampleRate must be positive. Quality
// metrics are clamped to [0, 1]. A zero recordedAt is replaced by time.Now.
func NewClip(pcm []byte, sampleRate int, q Quality, recordedAt time.Time) (Clip, error) {
	return RestoreClip(uuid.NewString(), pcm, sampleRate, q, recordedAt)
}

// RestoreClip rebuilds a clip with a known ID, for example when hydrating
// from persistent storage.
func RestoreClip(id string, pcm []byte, sampleRate int, q Quality, recordedAt time.Time) (Clip, error) {
	if id == "" {
		return Clip{}, fmt.Errorf("%w: empty id", ErrInvalidClip)
	}
	if sampleRate <= 0 {
		return Clip{}, fmt.Errorf("%w: sample rate %d", ErrInvalidClip, sampleRate)
	}
	if len(pcm) < 2 || len(pcm)%2 != 0 {
		return Clip{}, fmt.Errorf("%w: %d PCM bytes", ErrInvalidClip, len(pcm))
	}
	if recordedAt.IsZero() {
		recordedAt = time.Now()
	}
	buf := make([]byte, len(pcm))
	copy(buf, pcm)
	return Clip{
		id:         id,
		pcm:        buf,
		sampleRate: sampleRate,
		quality:    q.Clamp(),
		recordedAt: recordedAt,
	}, nil
}

// ID returns the clip's unique identifier.
func (c Clip) ID() string { return c.id }

// SampleRate returns the sample rate in Hz.
func (c Clip) SampleRate() int { return c.sampleRate }

// Quality returns the measured quality record.
func (c Clip) Quality() Quality { return c.quality }

// RecordedAt returns when the clip was recorded or synthesised.
func (c Clip) RecordedAt() time.Time { return c.recordedAt }

// IsZero reports whether c is the zero clip.
func (c Clip) IsZero() bool { return c.id == "" }

// Len returns the number of PCM samples.
func (c Clip) Len() int { return len(c.pcm) / 2 }

// Duration returns the playback duration.
func (c Clip) Duration() time.Duration {
	if c.sampleRate == 0 {
		return 0
	}
	return time.Duration(c.Len()) * time.Second / time.Duration(c.sampleRate)
}

// PCM returns a copy of the raw sample buffer.
func (c Clip) PCM() []byte {
	out := make([]byte, len(c.pcm))
	copy(out, c.pcm)
	return out
}

// Samples decodes the PCM into float samples in [-1, 1].
func (c Clip) Samples() []float64 {
	return PCM16ToFloat(c.pcm)
}

// Frames splits the clip into consecutive frames of frameMs milliseconds.
// The final frame is zero-padded to full length.
func (c Clip) Frames(frameMs int) []AudioFrame {
	if frameMs <= 0 || c.sampleRate == 0 {
		return nil
	}
	frameBytes := c.sampleRate * frameMs / 1000 * 2
	if frameBytes == 0 {
		return nil
	}
	frames := make([]AudioFrame, 0, len(c.pcm)/frameBytes+1)
	for off := 0; off < len(c.pcm); off += frameBytes {
		data := make([]byte, frameBytes)
		copy(data, c.pcm[off:min(off+frameBytes, len(c.pcm))])
		frames = append(frames, AudioFrame{
			Data:       data,
			SampleRate: c.sampleRate,
			Channels:   1,
			Timestamp:  time.Duration(off/2) * time.Second / time.Duration(c.sampleRate),
		})
	}
	return frames
}

// AudioFrame is a fixed-length slice of a clip handed to playback encoders.
type AudioFrame struct {
	// Data is 16-bit PCM.
	Data []byte

	// SampleRate in Hz.
	SampleRate int

	// Channels is 1 for every frame produced by this package.
	Channels int

	// Timestamp is the frame offset from the start of the clip.
	Timestamp time.Duration
}
