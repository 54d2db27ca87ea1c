package commentary

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/castvoice/internal/observe"
	"github.com/MrWong99/castvoice/pkg/audio"
	"github.com/MrWong99/castvoice/pkg/types"
)

// Selector defaults.
const (
	DefaultCooldown         = 300 * time.Second
	DefaultQualityThreshold = 0.7
)

// Predicate reports whether a line is fit to be spoken at all.
type Predicate func(Line) bool

// MinQuality returns the default appropriateness predicate: non-empty text
// and a quality hint of at least threshold.
func MinQuality(threshold float64) Predicate {
	return func(l Line) bool {
		return strings.TrimSpace(l.Text) != "" && l.QualityHint >= threshold
	}
}

// Session is one speaker's commentary state for a broadcast: its line
// library and its personality. It is safe for concurrent use.
type Session struct {
	Speaker string
	Persona string
	Library *Library

	mu          sync.Mutex
	personality Personality
	baseline    Personality
}

// NewSession returns a session starting at the given personality, which is
// also the baseline calm play relaxes toward.
func NewSession(speaker, persona string, lib *Library, p Personality) *Session {
	p = p.Clamp()
	return &Session{
		Speaker:     speaker,
		Persona:     persona,
		Library:     lib,
		personality: p,
		baseline:    p,
	}
}

// Personality returns the current personality.
func (s *Session) Personality() Personality {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.personality
}

// Rebase replaces the personality and the baseline it relaxes toward.
func (s *Session) Rebase(p Personality) {
	p = p.Clamp()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.personality, s.baseline = p, p
}

// SetBaseline replaces the temperament calm play relaxes toward. The current
// personality keeps its drift and moves toward the new baseline over the
// following cycles.
func (s *Session) SetBaseline(p Personality) {
	p = p.Clamp()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baseline = p
}

// Baseline returns the resting temperament.
func (s *Session) Baseline() Personality {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseline
}

// adjust advances the personality for gc and returns the new value.
func (s *Session) adjust(gc GameContext) Personality {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.personality = s.personality.Adjust(s.baseline, gc)
	return s.personality
}

// Selection is the result of a successful [Selector.Select].
type Selection struct {
	Line     Line
	Delivery types.Delivery

	// Matched is the context-match score of the chosen line.
	Matched int
}

// Selector picks lines. Its settings may be changed at runtime.
type Selector struct {
	mu       sync.RWMutex
	cooldown time.Duration
	accept   Predicate
}

// SelectorOption configures a [Selector].
type SelectorOption func(*Selector)

// WithCooldown sets the repetition cooldown.
func WithCooldown(d time.Duration) SelectorOption {
	return func(s *Selector) {
		if d > 0 {
			s.cooldown = d
		}
	}
}

// WithPredicate replaces the appropriateness predicate.
func WithPredicate(p Predicate) SelectorOption {
	return func(s *Selector) {
		if p != nil {
			s.accept = p
		}
	}
}

// NewSelector returns a Selector with the given options applied.
func NewSelector(opts ...SelectorOption) *Selector {
	s := &Selector{
		cooldown: DefaultCooldown,
		accept:   MinQuality(DefaultQualityThreshold),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Cooldown returns the current repetition cooldown.
func (s *Selector) Cooldown() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cooldown
}

// SetCooldown updates the repetition cooldown. Non-positive values are ignored.
func (s *Selector) SetCooldown(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cooldown = d
}

// Select chooses the line to speak in gc, stamps it as spoken at now and
// returns it with its delivery hints. The boolean is false when no line
// qualifies. eligible is the number of candidates that survived filtering,
// which callers use to decide when to refill the library.
//
// now is the caller's clock and the only time the cooldown is measured
// against; gc.At is informational. A zero now means [time.Now]. An invalid
// context returns [ErrInvalidContext] and leaves the session untouched.
func (s *Selector) Select(ctx context.Context, sess *Session, gc GameContext, now time.Time) (sel Selection, eligible int, ok bool, err error) {
	if err := gc.Validate(); err != nil {
		return Selection{}, 0, false, err
	}
	if now.IsZero() {
		now = time.Now()
	}

	s.mu.RLock()
	cooldown, accept := s.cooldown, s.accept
	s.mu.RUnlock()

	p := sess.adjust(gc)

	var matched int
	line, ok := sess.Library.choose(now, func(lines []*Line) int {
		best := -1
		for i, ln := range lines {
			if !compatible(*ln, p, gc) || ln.onCooldown(now, cooldown) || !accept(*ln) {
				continue
			}
			eligible++
			score := matchScore(*ln, gc)
			if best < 0 || better(*ln, score, *lines[best], matched) {
				best, matched = i, score
			}
		}
		return best
	})

	log := observe.Logger(ctx)
	if !ok {
		log.Debug("no eligible line", "speaker", sess.Speaker, "lines", sess.Library.Len())
		return Selection{}, eligible, false, nil
	}
	log.Debug("line selected",
		"speaker", sess.Speaker,
		"line_id", line.ID,
		"matched", matched,
		"eligible", eligible,
	)
	return Selection{Line: line, Delivery: DeliveryFor(gc, p), Matched: matched}, eligible, true, nil
}

// better reports whether candidate a with score sa outranks b with score sb:
// higher score first, then never-spoken, then least recently spoken. Equal
// candidates keep library order.
func better(a Line, sa int, b Line, sb int) bool {
	if sa != sb {
		return sa > sb
	}
	switch {
	case a.LastSpokenAt.IsZero() && b.LastSpokenAt.IsZero():
		return false
	case a.LastSpokenAt.IsZero():
		return true
	case b.LastSpokenAt.IsZero():
		return false
	}
	return a.LastSpokenAt.Before(b.LastSpokenAt)
}

// matchScore counts the context tags a line matches, plus one when its style
// answers the moment's flag.
func matchScore(l Line, gc GameContext) int {
	n := 0
	for _, t := range l.Tags {
		if gc.HasTag(t) {
			n++
		}
	}
	switch l.Style {
	case StyleClutch:
		if gc.IsClutchMoment {
			n++
		}
	case StyleHype:
		if gc.IsClutchMoment || gc.IsIntenseMoment {
			n++
		}
	}
	return n
}

// compatible reports whether a line's style and category fit the personality
// and context.
func compatible(l Line, p Personality, gc GameContext) bool {
	tense := gc.IsClutchMoment || gc.IsIntenseMoment

	var styleOK bool
	switch l.Style {
	case StyleGeneral:
		styleOK = true
	case StyleClutch:
		styleOK = gc.IsClutchMoment
	case StyleHype:
		styleOK = tense || gc.Excitement >= 0.6
	case StyleAnalysis:
		styleOK = p.Knowledge >= 0.5 && !gc.IsClutchMoment
	case StyleHumor:
		styleOK = p.Humor >= 0.5 && !tense
	case StyleCrowd:
		styleOK = gc.CrowdLevel >= 0.5
	}
	if !styleOK {
		return false
	}

	switch l.Category {
	case audio.CategoryGameplay:
		return true
	case audio.CategoryInterview:
		return !tense
	case audio.CategoryCasual:
		return p.Professionalism < 0.9 && !gc.IsClutchMoment
	default:
		return false
	}
}
