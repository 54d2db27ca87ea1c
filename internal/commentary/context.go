package commentary

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"
)

// ErrInvalidContext is returned for a malformed [GameContext]. It is detected
// before any state is touched.
var ErrInvalidContext = errors.New("commentary: invalid game context")

// GameContext is the read-only snapshot of the match supplied once per
// decision cycle.
type GameContext struct {
	IsClutchMoment  bool `json:"is_clutch_moment"`
	IsIntenseMoment bool `json:"is_intense_moment"`

	// CrowdLevel and Excitement are in [0, 1].
	CrowdLevel float64 `json:"crowd_level"`
	Excitement float64 `json:"excitement"`

	// Tags name recent events, e.g. "ace", "comeback", "first_blood".
	Tags []string `json:"tags,omitempty"`

	// At is when the snapshot was taken. The engine stamps the current time
	// when it is zero.
	At time.Time `json:"at,omitzero"`
}

func validLevel(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}

// Validate reports every problem with gc, joined and wrapped in
// [ErrInvalidContext].
func (gc GameContext) Validate() error {
	var errs []error
	if !validLevel(gc.CrowdLevel) {
		errs = append(errs, fmt.Errorf("crowd_level %v outside [0, 1]", gc.CrowdLevel))
	}
	if !validLevel(gc.Excitement) {
		errs = append(errs, fmt.Errorf("excitement %v outside [0, 1]", gc.Excitement))
	}
	for i, t := range gc.Tags {
		if strings.TrimSpace(t) == "" {
			errs = append(errs, fmt.Errorf("tags[%d] is empty", i))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidContext, errors.Join(errs...))
	}
	return nil
}

// HasTag reports whether gc carries tag.
func (gc GameContext) HasTag(tag string) bool {
	return slices.Contains(gc.Tags, tag)
}

// calm reports a quiet stretch of play.
func (gc GameContext) calm() bool {
	return !gc.IsClutchMoment && !gc.IsIntenseMoment && gc.Excitement < 0.3
}

// Style returns the style that best fits gc, used when asking a line writer
// for new material.
func (gc GameContext) Style() Style {
	switch {
	case gc.IsClutchMoment:
		return StyleClutch
	case gc.IsIntenseMoment || gc.Excitement >= 0.6:
		return StyleHype
	case gc.CrowdLevel >= 0.5:
		return StyleCrowd
	default:
		return StyleGeneral
	}
}
