package commentary

import (
	"github.com/MrWong99/castvoice/pkg/audio"
	"github.com/MrWong99/castvoice/pkg/types"
)

// Delivery multipliers for tense moments.
const (
	clutchPace    = 1.2
	clutchVolume  = 1.3
	intensePace   = 1.1
	intenseVolume = 1.15
)

// DeliveryFor derives speaking hints from the moment and the speaker's
// personality. Clutch moments speed up and raise the voice and are always
// hyped; intense moments do so more gently and are hyped only for a very
// enthusiastic speaker.
func DeliveryFor(gc GameContext, p Personality) types.Delivery {
	d := types.NeutralDelivery
	switch {
	case gc.IsClutchMoment:
		d.Pace *= clutchPace
		d.Volume *= clutchVolume
		d.Hyped = true
	case gc.IsIntenseMoment:
		d.Pace *= intensePace
		d.Volume *= intenseVolume
		d.Hyped = p.Enthusiasm >= 0.9
	}
	d.Pace = types.ClampPace(d.Pace)
	d.Intensity = audio.Clamp01(0.4*gc.Excitement + 0.3*gc.CrowdLevel + 0.3*p.Enthusiasm)
	return d
}
