// Package voicemodel trains per-speaker voice models from library clips and
// publishes them for lock-free reads.
//
// A [Model] is immutable once installed. [Trainer.Train] builds a new model
// from a speaker's ranked clips and swaps it in with a compare-and-swap on an
// [atomic.Pointer], so readers always observe either the previous or the new
// model, never a partially built one. Versions increase by exactly one per
// successful training.
package voicemodel

import (
	"slices"
	"time"

	"github.com/MrWong99/castvoice/pkg/audio"
	"github.com/MrWong99/castvoice/pkg/types"
)

// Model is an immutable snapshot of a speaker's learned voice characteristics.
type Model struct {
	// Speaker is the speaker the model was trained for.
	Speaker string

	// Pitch is the mean fundamental frequency over voiced clips, in Hz.
	Pitch float64

	// Tempo is the mean energy-envelope peak rate, in peaks per second.
	Tempo float64

	// Clarity is the mean clarity of the training clips.
	Clarity float64

	// EmotionalRange is the mean normalised dynamic range of the training clips.
	EmotionalRange float64

	// BaselineClips are the top-ranked clips used as default references.
	BaselineClips []audio.Clip

	// Version strictly increases with every installed model of a speaker.
	Version uint64

	// TrainedAt is when the model was built.
	TrainedAt time.Time
}

// Profile returns the generation-time view of m.
func (m *Model) Profile() types.VoiceProfile {
	return types.VoiceProfile{
		Speaker:        m.Speaker,
		Pitch:          m.Pitch,
		Tempo:          m.Tempo,
		Clarity:        m.Clarity,
		EmotionalRange: m.EmotionalRange,
		Version:        m.Version,
	}
}

// Baseline returns a copy of the baseline clip list.
func (m *Model) Baseline() []audio.Clip {
	return slices.Clone(m.BaselineClips)
}
