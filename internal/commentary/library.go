package commentary

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/antzucaro/matchr"
	"github.com/google/uuid"
)

var (
	// ErrDuplicateLine is returned when a line is too similar to one already
	// in the library.
	ErrDuplicateLine = errors.New("commentary: duplicate line")

	// ErrLibraryFull is returned when the library is at capacity and no
	// generated line can be evicted.
	ErrLibraryFull = errors.New("commentary: library full")

	// ErrEmptyLine is returned for lines without text.
	ErrEmptyLine = errors.New("commentary: line text must not be empty")
)

// Library defaults.
const (
	DefaultCapacity           = 256
	DefaultDuplicateThreshold = 0.92
)

// Library is a bounded, ordered set of commentary lines for one speaker. It is
// safe for concurrent use.
type Library struct {
	mu           sync.Mutex
	lines        []*Line
	capacity     int
	cooldown     time.Duration
	dupThreshold float64
}

// LibraryOption configures a [Library].
type LibraryOption func(*Library)

// WithCapacity bounds the number of lines the library holds.
func WithCapacity(n int) LibraryOption {
	return func(l *Library) {
		if n > 0 {
			l.capacity = n
		}
	}
}

// WithEvictionCooldown sets the window during which a recently spoken line is
// protected from capacity eviction. It should match the selector cooldown.
func WithEvictionCooldown(d time.Duration) LibraryOption {
	return func(l *Library) {
		if d >= 0 {
			l.cooldown = d
		}
	}
}

// WithDuplicateThreshold sets the Jaro-Winkler similarity at or above which a
// new line is rejected as a near duplicate.
func WithDuplicateThreshold(t float64) LibraryOption {
	return func(l *Library) {
		if t > 0 && t <= 1 {
			l.dupThreshold = t
		}
	}
}

// NewLibrary returns an empty library.
func NewLibrary(opts ...LibraryOption) *Library {
	l := &Library{
		capacity:     DefaultCapacity,
		cooldown:     DefaultCooldown,
		dupThreshold: DefaultDuplicateThreshold,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// normalizeText lowercases and collapses whitespace for similarity checks.
func normalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// Add inserts line at the end of the library and returns the stored copy. An
// empty ID is replaced by a fresh UUID, a zero AddedAt by now, an invalid
// style by [StyleGeneral] and a zero QualityHint by [DefaultQualityHint].
//
// When the library is full, the oldest generated line that is not on cooldown
// is evicted to make room; if there is none, [ErrLibraryFull] is returned.
func (l *Library) Add(line Line, now time.Time) (Line, error) {
	line.Text = strings.TrimSpace(line.Text)
	if line.Text == "" {
		return Line{}, ErrEmptyLine
	}
	if !line.Category.IsValid() {
		return Line{}, fmt.Errorf("commentary: line %q: invalid category %d", line.Text, int(line.Category))
	}
	if line.ID == "" {
		line.ID = uuid.NewString()
	}
	if line.AddedAt.IsZero() {
		line.AddedAt = now
	}
	if !line.Style.IsValid() {
		line.Style = StyleGeneral
	}
	if line.QualityHint == 0 {
		line.QualityHint = DefaultQualityHint
	}
	line = line.clone()

	l.mu.Lock()
	defer l.mu.Unlock()

	if dup, ok := l.similarLocked(line.Text); ok {
		return Line{}, fmt.Errorf("commentary: %q resembles %q: %w", line.Text, dup, ErrDuplicateLine)
	}
	if len(l.lines) >= l.capacity && !l.evictLocked(now) {
		return Line{}, ErrLibraryFull
	}
	l.lines = append(l.lines, &line)
	return line.clone(), nil
}

// similarLocked returns the text of an existing line similar to text.
func (l *Library) similarLocked(text string) (string, bool) {
	norm := normalizeText(text)
	for _, existing := range l.lines {
		other := normalizeText(existing.Text)
		if other == norm || matchr.JaroWinkler(norm, other, false) >= l.dupThreshold {
			return existing.Text, true
		}
	}
	return "", false
}

// IsDuplicate reports whether text would be rejected as a near duplicate.
func (l *Library) IsDuplicate(text string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.similarLocked(text)
	return ok
}

// evictLocked removes the oldest evictable generated line.
func (l *Library) evictLocked(now time.Time) bool {
	for i, ln := range l.lines {
		if ln.Origin == OriginGenerated && !ln.onCooldown(now, l.cooldown) {
			l.lines = append(l.lines[:i], l.lines[i+1:]...)
			return true
		}
	}
	return false
}

// Retire removes the line with the given ID. It reports whether a line was
// removed.
func (l *Library) Retire(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, ln := range l.lines {
		if ln.ID == id {
			l.lines = append(l.lines[:i], l.lines[i+1:]...)
			return true
		}
	}
	return false
}

// RetireStale removes generated lines that have not been spoken within maxAge
// of now. Lines never spoken age from when they were added. Seeded lines are
// kept. It returns the number of lines removed.
func (l *Library) RetireStale(maxAge time.Duration, now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.lines[:0]
	removed := 0
	for _, ln := range l.lines {
		ref := ln.LastSpokenAt
		if ref.IsZero() {
			ref = ln.AddedAt
		}
		if ln.Origin == OriginGenerated && now.Sub(ref) > maxAge {
			removed++
			continue
		}
		kept = append(kept, ln)
	}
	clear(l.lines[len(kept):])
	l.lines = kept
	return removed
}

// Lines returns a snapshot of all lines in library order.
func (l *Library) Lines() []Line {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Line, len(l.lines))
	for i, ln := range l.lines {
		out[i] = ln.clone()
	}
	return out
}

// Texts returns the text of every line in library order.
func (l *Library) Texts() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.lines))
	for i, ln := range l.lines {
		out[i] = ln.Text
	}
	return out
}

// Len returns the number of lines.
func (l *Library) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lines)
}

// Cooldown returns the eviction cooldown.
func (l *Library) Cooldown() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cooldown
}

// SetCooldown updates the eviction cooldown. Used by config hot-reload.
func (l *Library) SetCooldown(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cooldown = d
}

// choose runs pick over the library under the lock. pick returns the index of
// the chosen line or -1; the chosen line is stamped as spoken at now before
// the lock is released, so concurrent selections never pick a line twice
// inside its cooldown.
func (l *Library) choose(now time.Time, pick func(lines []*Line) int) (Line, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := pick(l.lines)
	if i < 0 || i >= len(l.lines) {
		return Line{}, false
	}
	l.lines[i].LastSpokenAt = now
	return l.lines[i].clone(), true
}
