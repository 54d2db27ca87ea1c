package voicegen

import (
	"math"

	"github.com/MrWong99/castvoice/pkg/audio"
	"github.com/MrWong99/castvoice/pkg/types"
)

// Assess scores generated audio against the target voice and delivery. It is
// used for backends that do not report their own quality.
//
//   - Clarity maps the signal-to-noise ratio linearly from 5 dB (0) to 30 dB (1).
//   - Naturalness penalises pitch and pace-adjusted tempo deviation from the
//     profile, half each. Unknown profile values contribute no penalty.
//   - EmotionalMatch compares the normalised dynamic range with the range the
//     delivery asks for.
func Assess(f audio.Features, voice types.VoiceProfile, d types.Delivery) audio.Quality {
	clarity := (f.SNR - 5) / 25

	naturalness := 1 - 0.5*deviation(f.Pitch, voice.Pitch) -
		0.5*deviation(f.Tempo, voice.Tempo*types.ClampPace(d.Pace))

	target := voice.EmotionalRange * (0.5 + audio.Clamp01(d.Intensity))
	if d.Hyped {
		target += 0.1
	}
	emotional := 1 - math.Abs(f.NormalizedDynamicRange()-audio.Clamp01(target))

	return audio.Quality{
		Clarity:        clarity,
		Naturalness:    naturalness,
		EmotionalMatch: emotional,
	}.Clamp()
}

// deviation returns |got-want|/want capped at 1, or 0 when want is unknown.
func deviation(got, want float64) float64 {
	if want <= 0 {
		return 0
	}
	return math.Min(math.Abs(got-want)/want, 1)
}
