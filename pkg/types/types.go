// Package types defines the shared types used across castvoice packages.
//
// These types form the lingua franca between the voice providers, the line
// writers and the commentary engine. Each package defines its own domain
// types; only data structures that cross the pkg/internal boundary live here
// to avoid circular imports.
package types

import "time"

// VoiceProfile is the generation-time view of a trained voice model. It is
// handed to voice generators as conditioning parameters.
type VoiceProfile struct {
	// Speaker identifies whose voice this is.
	Speaker string

	// Pitch is the speaker's mean fundamental frequency in Hz.
	Pitch float64

	// Tempo is the speaker's mean syllable-rate proxy in peaks per second.
	Tempo float64

	// Clarity is the mean clarity of the training clips, in [0, 1].
	Clarity float64

	// EmotionalRange is the mean normalised dynamic range, in [0, 1].
	EmotionalRange float64

	// Version is the model version the profile was taken from.
	Version uint64
}

// Delivery carries per-line speaking hints derived from the game context.
type Delivery struct {
	// Pace scales speaking rate. 1.0 is the speaker's natural tempo; values are
	// clamped to [MinPace, MaxPace].
	Pace float64

	// Volume scales loudness. 1.0 is neutral.
	Volume float64

	// Hyped requests an excited, shouted delivery.
	Hyped bool

	// Intensity is the emotional intensity in [0, 1] the line should carry.
	Intensity float64
}

// Pace bounds accepted by generators.
const (
	MinPace = 0.25
	MaxPace = 4.0
)

// NeutralDelivery is the delivery used when the context asks for nothing special.
var NeutralDelivery = Delivery{Pace: 1, Volume: 1, Intensity: 0.5}

// ClampPace bounds p to [MinPace, MaxPace]. Non-positive values map to 1.
func ClampPace(p float64) float64 {
	switch {
	case p <= 0 || p != p:
		return 1
	case p < MinPace:
		return MinPace
	case p > MaxPace:
		return MaxPace
	}
	return p
}

// LineRequest asks a line writer for fresh commentary lines.
type LineRequest struct {
	// Speaker is the commentator the lines are written for.
	Speaker string

	// Persona is a free-form description of the commentator's style.
	Persona string

	// Style is the style tag the lines should fit (e.g. "hype", "analysis").
	Style string

	// Tags are the game-context tags active when the request was made.
	Tags []string

	// Existing lists lines already in the library, to discourage repeats.
	Existing []string

	// Count is the number of lines wanted.
	Count int
}

// Outcome classifies how a commentary decision ended.
type Outcome string

const (
	OutcomeSpoken         Outcome = "spoken"
	OutcomeNoLine         Outcome = "no_line"
	OutcomeNoModel        Outcome = "model_unavailable"
	OutcomeQualityFailure Outcome = "quality_failure"
	OutcomeInvalidContext Outcome = "invalid_context"
	OutcomeError          Outcome = "error"
)

// Decision is the record of a single commentary decision, used for logs,
// metrics and the HTTP API.
type Decision struct {
	Speaker  string
	LineID   string
	Text     string
	Outcome  Outcome
	Attempts int
	Duration time.Duration
}
