package commentary

import (
	"errors"
	"fmt"

	"github.com/MrWong99/castvoice/pkg/audio"
)

// Personality is a commentator's mutable temperament. Every field is in [0, 1].
type Personality struct {
	Enthusiasm      float64 `yaml:"enthusiasm" json:"enthusiasm"`
	Knowledge       float64 `yaml:"knowledge" json:"knowledge"`
	Humor           float64 `yaml:"humor" json:"humor"`
	Professionalism float64 `yaml:"professionalism" json:"professionalism"`
}

// DefaultPersonality is an enthusiastic, well-informed professional.
var DefaultPersonality = Personality{
	Enthusiasm:      0.8,
	Knowledge:       0.9,
	Humor:           0.6,
	Professionalism: 0.85,
}

// Personality update rates.
const (
	enthusiasmRise    = 0.2
	enthusiasmMinStep = 0.02
	calmDecay       = 0.05
	crowdHumorDamp  = 0.95
	loudCrowdLevel  = 0.8
)

// Validate reports fields outside [0, 1].
func (p Personality) Validate() error {
	var errs []error
	for _, f := range []struct {
		name string
		v    float64
	}{
		{"enthusiasm", p.Enthusiasm},
		{"knowledge", p.Knowledge},
		{"humor", p.Humor},
		{"professionalism", p.Professionalism},
	} {
		if !validLevel(f.v) {
			errs = append(errs, fmt.Errorf("%s %v outside [0, 1]", f.name, f.v))
		}
	}
	return errors.Join(errs...)
}

// Clamp bounds every field to [0, 1].
func (p Personality) Clamp() Personality {
	return Personality{
		Enthusiasm:      audio.Clamp01(p.Enthusiasm),
		Knowledge:       audio.Clamp01(p.Knowledge),
		Humor:           audio.Clamp01(p.Humor),
		Professionalism: audio.Clamp01(p.Professionalism),
	}
}

// Adjust returns the personality after one decision cycle in gc, drifting
// from p with base as the resting temperament. Each field has its own clamped
// update so drift stays bounded.
func (p Personality) Adjust(base Personality, gc GameContext) Personality {
	return Personality{
		Enthusiasm:      nextEnthusiasm(p.Enthusiasm, base.Enthusiasm, gc),
		Knowledge:       p.Knowledge,
		Humor:           nextHumor(p.Humor, base.Humor, gc),
		Professionalism: p.Professionalism,
	}.Clamp()
}

// nextEnthusiasm closes a fifth of the gap to 1 under tension, never by less
// than a small fixed step so it saturates, and relaxes toward the baseline in
// calm play without dropping below it.
func nextEnthusiasm(cur, base float64, gc GameContext) float64 {
	switch {
	case gc.IsClutchMoment || gc.IsIntenseMoment:
		return min(cur+max((1-cur)*enthusiasmRise, enthusiasmMinStep), 1)
	case gc.calm() && cur > base:
		return max(cur-(cur-base)*calmDecay, base)
	default:
		return cur
	}
}

// nextHumor is damped by a loud crowd and recovers toward the baseline in
// calm play without exceeding it.
func nextHumor(cur, base float64, gc GameContext) float64 {
	switch {
	case gc.CrowdLevel >= loudCrowdLevel:
		return max(cur*crowdHumorDamp, 0)
	case gc.calm() && cur < base:
		return min(cur+(base-cur)*calmDecay, base)
	default:
		return cur
	}
}
