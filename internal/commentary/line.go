// Package commentary chooses what a commentator says next.
//
// A [Session] holds one speaker's [Library] of candidate lines and the
// speaker's [Personality]. [Selector.Select] filters the library against the
// current [GameContext], enforces the repetition cooldown, ranks what is left
// by how well it matches the moment and commits the choice by stamping the
// line's LastSpokenAt. Returning no line is a normal outcome.
package commentary

import (
	"fmt"
	"slices"
	"time"

	"github.com/MrWong99/castvoice/pkg/audio"
)

// Style is the delivery style a line is written for.
type Style string

const (
	StyleGeneral  Style = "general"
	StyleClutch   Style = "clutch"
	StyleHype     Style = "hype"
	StyleAnalysis Style = "analysis"
	StyleHumor    Style = "humor"
	StyleCrowd    Style = "crowd"
)

// Styles lists every valid style.
var Styles = []Style{StyleGeneral, StyleClutch, StyleHype, StyleAnalysis, StyleHumor, StyleCrowd}

// IsValid reports whether s is one of the known styles.
func (s Style) IsValid() bool {
	return slices.Contains(Styles, s)
}

// ParseStyle converts a style name. The empty string maps to [StyleGeneral].
func ParseStyle(name string) (Style, error) {
	if name == "" {
		return StyleGeneral, nil
	}
	s := Style(name)
	if !s.IsValid() {
		return "", fmt.Errorf("commentary: unknown style %q", name)
	}
	return s, nil
}

// Origin records where a line came from.
type Origin int

const (
	// OriginSeeded lines come from configuration. They are never evicted
	// automatically.
	OriginSeeded Origin = iota

	// OriginGenerated lines were written by a line writer at runtime.
	OriginGenerated
)

func (o Origin) String() string {
	switch o {
	case OriginSeeded:
		return "seeded"
	case OriginGenerated:
		return "generated"
	default:
		return fmt.Sprintf("Origin(%d)", int(o))
	}
}

// DefaultQualityHint is assigned to lines added without a hint.
const DefaultQualityHint = 1.0

// Line is a candidate utterance.
type Line struct {
	ID       string
	Text     string
	Category audio.Category
	Style    Style

	// Tags are context tags the line fits, matched against [GameContext.Tags].
	Tags []string

	// QualityHint is the author's confidence in the line, in [0, 1]. Lines
	// below the appropriateness threshold are never selected.
	QualityHint float64

	Origin Origin

	// LastSpokenAt is zero when the line was never spoken.
	LastSpokenAt time.Time
	AddedAt      time.Time
}

// clone returns a deep copy of l.
func (l Line) clone() Line {
	l.Tags = slices.Clone(l.Tags)
	return l
}

// onCooldown reports whether l was spoken less than cooldown before now.
func (l Line) onCooldown(now time.Time, cooldown time.Duration) bool {
	return !l.LastSpokenAt.IsZero() && now.Sub(l.LastSpokenAt) < cooldown
}
