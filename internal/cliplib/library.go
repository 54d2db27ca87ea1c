// Package cliplib is the per-speaker store of recorded voice clips.
//
// Each speaker owns one entry holding three insertion-ordered sequences, one
// per [audio.Category], and a quality score recomputed on every insertion.
// Entries are created on first ingestion and never removed by the library
// itself; [Library.Evict] exists for an external retention policy.
//
// All methods are safe for concurrent use. Writers to different speakers never
// contend on the same entry lock.
package cliplib

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"iter"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"

	"github.com/MrWong99/castvoice/internal/observe"
	"github.com/MrWong99/castvoice/pkg/audio"
)

// ErrUnknownSpeaker is returned when a speaker has no clips.
var ErrUnknownSpeaker = errors.New("cliplib: unknown speaker")

// ErrInvalidSpeaker is returned for an empty speaker key.
var ErrInvalidSpeaker = errors.New("cliplib: speaker must not be empty")

// Training-set ranking weights.
const (
	clarityWeight = 0.7
	recencyWeight = 0.3
)

// defaultSampleWindow is the number of top-ranked clips [Library.Sample]
// draws from when no window is configured.
const defaultSampleWindow = 16

// Weights are the per-category weights of the quality score.
type Weights struct {
	Gameplay  float64 `yaml:"gameplay"`
	Interview float64 `yaml:"interview"`
	Casual    float64 `yaml:"casual"`
}

// DefaultWeights favour in-game material over interviews and casual clips.
var DefaultWeights = Weights{Gameplay: 1.0, Interview: 0.6, Casual: 0.4}

// For returns the weight of c.
func (w Weights) For(c audio.Category) float64 {
	switch c {
	case audio.CategoryGameplay:
		return w.Gameplay
	case audio.CategoryInterview:
		return w.Interview
	case audio.CategoryCasual:
		return w.Casual
	default:
		return 0
	}
}

// Record is a clip together with its category and insertion sequence.
type Record struct {
	Clip     audio.Clip
	Category audio.Category

	// Seq is the per-speaker insertion counter; larger is newer.
	Seq int
}

// GrowthFunc is notified after a clip is added. total is the speaker's clip
// count after the insertion.
type GrowthFunc func(speaker string, total int)

// entry is one speaker's clip collection.
type entry struct {
	mu      sync.RWMutex
	byCat   [len(audio.Categories)][]Record
	nextSeq int
	score   float64
}

// Library is the in-memory clip library, optionally backed by a [Store].
type Library struct {
	mu      sync.RWMutex
	entries map[string]*entry

	weights Weights
	window  int
	store   Store

	obsMu     sync.RWMutex
	observers []GrowthFunc
}

// Option is a functional option for [New].
type Option func(*Library)

// WithWeights overrides the category weights of the quality score.
func WithWeights(w Weights) Option {
	return func(l *Library) { l.weights = w }
}

// WithStore persists every insertion and eviction to s.
func WithStore(s Store) Option {
	return func(l *Library) { l.store = s }
}

// WithSampleWindow sets how many top-ranked clips [Library.Sample] draws from.
func WithSampleWindow(n int) Option {
	return func(l *Library) {
		if n > 0 {
			l.window = n
		}
	}
}

// New creates an empty library.
func New(opts ...Option) *Library {
	l := &Library{
		entries: make(map[string]*entry),
		weights: DefaultWeights,
		window:  defaultSampleWindow,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// OnGrowth registers fn to be called after every successful insertion.
func (l *Library) OnGrowth(fn GrowthFunc) {
	l.obsMu.Lock()
	defer l.obsMu.Unlock()
	l.observers = append(l.observers, fn)
}

// AddClip appends clip to speaker's sequence for category and recomputes the
// speaker's quality score. With a store configured the clip is persisted
// first; a store failure leaves the library unchanged.
func (l *Library) AddClip(ctx context.Context, speaker string, clip audio.Clip, category audio.Category) error {
	if strings.TrimSpace(speaker) == "" {
		return ErrInvalidSpeaker
	}
	if !category.IsValid() {
		return fmt.Errorf("cliplib: add clip for %q: invalid category %d", speaker, int(category))
	}
	if clip.IsZero() {
		return fmt.Errorf("cliplib: add clip for %q: %w", speaker, audio.ErrInvalidClip)
	}
	if l.store != nil {
		if err := l.store.SaveClip(ctx, speaker, clip, category); err != nil {
			return fmt.Errorf("cliplib: persist clip for %q: %w", speaker, err)
		}
	}

	total := l.insert(speaker, clip, category)
	observe.Logger(ctx).Debug("clip added", "speaker", speaker, "clip_id", clip.ID(), "category", category.String(), "total", total)

	l.obsMu.RLock()
	observers := slices.Clone(l.observers)
	l.obsMu.RUnlock()
	for _, fn := range observers {
		fn(speaker, total)
	}
	return nil
}

// insert appends without persisting and returns the new total.
func (l *Library) insert(speaker string, clip audio.Clip, category audio.Category) int {
	e := l.entryFor(speaker, true)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.byCat[category] = append(e.byCat[category], Record{Clip: clip, Category: category, Seq: e.nextSeq})
	e.nextSeq++
	e.score = l.computeScore(e)
	return e.total()
}

// entryFor returns speaker's entry, creating it when create is set.
func (l *Library) entryFor(speaker string, create bool) *entry {
	l.mu.RLock()
	e, ok := l.entries[speaker]
	l.mu.RUnlock()
	if ok || !create {
		return e
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok = l.entries[speaker]; !ok {
		e = &entry{}
		l.entries[speaker] = e
	}
	return e
}

// computeScore is the category-weighted mean of clip quality. Caller holds e.mu.
func (l *Library) computeScore(e *entry) float64 {
	var sum, weight float64
	for _, c := range audio.Categories {
		w := l.weights.For(c)
		for _, r := range e.byCat[c] {
			sum += w * r.Clip.Quality().Mean()
			weight += w
		}
	}
	if weight == 0 {
		return 0
	}
	return sum / weight
}

func (e *entry) total() int {
	n := 0
	for _, s := range e.byCat {
		n += len(s)
	}
	return n
}

// records returns a snapshot of all records in insertion order.
func (e *entry) records() []Record {
	e.mu.RLock()
	out := make([]Record, 0, e.total())
	for _, s := range e.byCat {
		out = append(out, s...)
	}
	e.mu.RUnlock()
	slices.SortFunc(out, func(a, b Record) int { return cmp.Compare(a.Seq, b.Seq) })
	return out
}

// snapshot returns speaker's records or ErrUnknownSpeaker.
func (l *Library) snapshot(speaker string) ([]Record, error) {
	e := l.entryFor(speaker, false)
	if e == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSpeaker, speaker)
	}
	recs := e.records()
	if len(recs) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSpeaker, speaker)
	}
	return recs, nil
}

// Rank orders records best first: 0.7*clarity + 0.3*recency, where recency is
// the insertion rank normalised to [0, 1]. Ties prefer the higher category
// priority, then the newer clip. recs must be in insertion order.
func Rank(recs []Record) []Record {
	n := len(recs)
	sc := make([]scored, n)
	for i, r := range recs {
		recency := 1.0
		if n > 1 {
			recency = float64(i) / float64(n-1)
		}
		sc[i] = scored{Record: r, score: clarityWeight*r.Clip.Quality().Clarity + recencyWeight*recency}
	}
	slices.SortStableFunc(sc, byRank)
	out := make([]Record, n)
	for i, s := range sc {
		out[i] = s.Record
	}
	return out
}

type scored struct {
	Record
	score float64
}

func byRank(a, b scored) int {
	if c := cmp.Compare(b.score, a.score); c != 0 {
		return c
	}
	if c := cmp.Compare(b.Category.Priority(), a.Category.Priority()); c != 0 {
		return c
	}
	return cmp.Compare(b.Seq, a.Seq)
}

// TrainingSet returns a lazy, restartable sequence of up to maxCount of
// speaker's clips in ranking order. The set of clips is fixed when
// TrainingSet is called; ranking happens on each iteration.
func (l *Library) TrainingSet(speaker string, maxCount int) (iter.Seq[audio.Clip], error) {
	recs, err := l.snapshot(speaker)
	if err != nil {
		return nil, err
	}
	return func(yield func(audio.Clip) bool) {
		if maxCount <= 0 {
			return
		}
		for i, r := range Rank(recs) {
			if i >= maxCount || !yield(r.Clip) {
				return
			}
		}
	}, nil
}

// Sample draws n distinct clips at random from speaker's top-ranked window.
// A nil rng uses the global source. Fewer than n clips are returned when the
// window is smaller.
func (l *Library) Sample(speaker string, n int, rng *rand.Rand) ([]audio.Clip, error) {
	recs, err := l.snapshot(speaker)
	if err != nil {
		return nil, err
	}
	ranked := Rank(recs)
	window := ranked[:min(len(ranked), max(l.window, n))]

	var perm []int
	if rng != nil {
		perm = rng.Perm(len(window))
	} else {
		perm = rand.Perm(len(window))
	}
	out := make([]audio.Clip, 0, min(n, len(window)))
	for _, idx := range perm[:min(n, len(perm))] {
		out = append(out, window[idx].Clip)
	}
	return out, nil
}

// AllClips returns speaker's records in insertion order.
func (l *Library) AllClips(speaker string) ([]Record, error) {
	return l.snapshot(speaker)
}

// Counts returns the number of clips per category for speaker.
func (l *Library) Counts(speaker string) (map[audio.Category]int, error) {
	e := l.entryFor(speaker, false)
	if e == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSpeaker, speaker)
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[audio.Category]int, len(audio.Categories))
	for _, c := range audio.Categories {
		out[c] = len(e.byCat[c])
	}
	return out, nil
}

// Total returns speaker's clip count; zero for unknown speakers.
func (l *Library) Total(speaker string) int {
	e := l.entryFor(speaker, false)
	if e == nil {
		return 0
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.total()
}

// QualityScore returns speaker's current category-weighted quality score.
func (l *Library) QualityScore(speaker string) (float64, error) {
	e := l.entryFor(speaker, false)
	if e == nil {
		return 0, fmt.Errorf("%w: %q", ErrUnknownSpeaker, speaker)
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.score, nil
}

// Speakers returns every known speaker in lexical order.
func (l *Library) Speakers() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.entries))
	for s := range l.entries {
		out = append(out, s)
	}
	slices.Sort(out)
	return out
}

// Evict removes a single clip. It reports whether the clip existed. The
// speaker's entry is kept even when it becomes empty.
func (l *Library) Evict(ctx context.Context, speaker, clipID string) (bool, error) {
	e := l.entryFor(speaker, false)
	if e == nil {
		return false, fmt.Errorf("%w: %q", ErrUnknownSpeaker, speaker)
	}
	if l.store != nil {
		if err := l.store.DeleteClip(ctx, speaker, clipID); err != nil {
			return false, fmt.Errorf("cliplib: delete clip %s for %q: %w", clipID, speaker, err)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for c, recs := range e.byCat {
		i := slices.IndexFunc(recs, func(r Record) bool { return r.Clip.ID() == clipID })
		if i < 0 {
			continue
		}
		e.byCat[c] = slices.Delete(slices.Clone(recs), i, i+1)
		e.score = l.computeScore(e)
		return true, nil
	}
	return false, nil
}

// Hydrate loads every clip from the configured store without re-persisting.
// It is a no-op without a store.
func (l *Library) Hydrate(ctx context.Context) (int, error) {
	if l.store == nil {
		return 0, nil
	}
	stored, err := l.store.LoadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("cliplib: hydrate: %w", err)
	}
	for _, s := range stored {
		if !s.Category.IsValid() || s.Speaker == "" {
			observe.Logger(ctx).Warn("skipping invalid stored clip", "speaker", s.Speaker, "clip_id", s.Clip.ID())
			continue
		}
		l.insert(s.Speaker, s.Clip, s.Category)
	}
	return len(stored), nil
}
