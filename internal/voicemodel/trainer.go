package voicemodel

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/castvoice/internal/observe"
	"github.com/MrWong99/castvoice/pkg/audio"
)

// ErrInsufficientData is returned when a speaker has fewer clips than the
// trainer's minimum. The previously installed model is left untouched.
var ErrInsufficientData = errors.New("voicemodel: insufficient training data")

// Defaults for [Trainer].
const (
	DefaultMinClips     = 3
	DefaultBaselineSize = 8
)

// slot holds one speaker's current model and serialises its trainings.
type slot struct {
	train   sync.Mutex
	current atomic.Pointer[Model]
}

// Trainer builds and installs voice models. It is safe for concurrent use;
// trainings of different speakers run in parallel, trainings of one speaker
// are serialised.
type Trainer struct {
	minClips     int
	baselineSize int
	now          func() time.Time

	mu    sync.RWMutex
	slots map[string]*slot
}

// Option is a functional option for [Trainer].
type Option func(*Trainer)

// WithMinClips sets the minimum number of clips a training needs.
func WithMinClips(n int) Option {
	return func(t *Trainer) {
		if n > 0 {
			t.minClips = n
		}
	}
}

// WithBaselineSize sets how many top-ranked clips a model keeps as baseline.
func WithBaselineSize(n int) Option {
	return func(t *Trainer) {
		if n > 0 {
			t.baselineSize = n
		}
	}
}

// WithClock overrides the time source used for [Model.TrainedAt].
func WithClock(now func() time.Time) Option {
	return func(t *Trainer) {
		if now != nil {
			t.now = now
		}
	}
}

// NewTrainer returns a Trainer with the given options applied.
func NewTrainer(opts ...Option) *Trainer {
	t := &Trainer{
		minClips:     DefaultMinClips,
		baselineSize: DefaultBaselineSize,
		now:          time.Now,
		slots:        make(map[string]*slot),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// SetLimits updates the minimum clip count and baseline size. Non-positive
// values leave the current setting unchanged. Used by config hot-reload.
func (t *Trainer) SetLimits(minClips, baselineSize int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if minClips > 0 {
		t.minClips = minClips
	}
	if baselineSize > 0 {
		t.baselineSize = baselineSize
	}
}

func (t *Trainer) slotFor(speaker string) *slot {
	t.mu.RLock()
	s, ok := t.slots[speaker]
	t.mu.RUnlock()
	if ok {
		return s
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok = t.slots[speaker]; !ok {
		s = &slot{}
		t.slots[speaker] = s
	}
	return s
}

// Current returns the installed model of speaker. The read is lock-free once
// the speaker's slot exists.
func (t *Trainer) Current(speaker string) (*Model, bool) {
	t.mu.RLock()
	s, ok := t.slots[speaker]
	t.mu.RUnlock()
	if !ok {
		return nil, false
	}
	m := s.current.Load()
	return m, m != nil
}

// Train builds a model from clips, which must be in ranked order (best first,
// as produced by the clip library's training set), and installs it. The first
// baseline-size clips become the model's baseline.
//
// Fewer usable clips than the configured minimum yields [ErrInsufficientData]
// and leaves the current model in place. The returned model carries the
// installed version.
func (t *Trainer) Train(ctx context.Context, speaker string, clips iter.Seq[audio.Clip]) (*Model, error) {
	t.mu.RLock()
	minClips, baselineSize := t.minClips, t.baselineSize
	t.mu.RUnlock()

	s := t.slotFor(speaker)
	s.train.Lock()
	defer s.train.Unlock()

	ctx, span := observe.StartSpeakerSpan(ctx, "voicemodel.train", speaker)
	var err error
	defer func() { observe.EndSpan(span, err) }()

	var acc accumulator
	var baseline []audio.Clip
	for c := range clips {
		if err = ctx.Err(); err != nil {
			return nil, fmt.Errorf("voicemodel: train %q: %w", speaker, err)
		}
		if c.IsZero() {
			continue
		}
		acc.add(c)
		if len(baseline) < baselineSize {
			baseline = append(baseline, c)
		}
	}
	if acc.n < minClips {
		err = fmt.Errorf("voicemodel: train %q: %d clips, need %d: %w", speaker, acc.n, minClips, ErrInsufficientData)
		return nil, err
	}

	next := acc.model(speaker)
	next.BaselineClips = baseline
	next.TrainedAt = t.now()
	installed := s.install(next)

	observe.Logger(ctx).Info("voice model installed",
		"speaker", speaker,
		"version", installed.Version,
		"clips", acc.n,
		"pitch", installed.Pitch,
		"tempo", installed.Tempo,
	)
	return installed, nil
}

// install publishes m with version prev+1. m must not be shared yet.
func (s *slot) install(m Model) *Model {
	for {
		prev := s.current.Load()
		m.Version = 1
		if prev != nil {
			m.Version = prev.Version + 1
		}
		next := m
		if s.current.CompareAndSwap(prev, &next) {
			return &next
		}
	}
}

// accumulator sums per-clip features in clip order, so identical input always
// produces identical floating-point results.
type accumulator struct {
	n                   int
	voiced              int
	pitch, tempo        float64
	clarity, emotionSum float64
}

func (a *accumulator) add(c audio.Clip) {
	f := audio.AnalyzeClip(c)
	a.n++
	if f.Pitch > 0 {
		a.voiced++
		a.pitch += f.Pitch
	}
	a.tempo += f.Tempo
	a.clarity += c.Quality().Clarity
	a.emotionSum += f.NormalizedDynamicRange()
}

func (a *accumulator) model(speaker string) Model {
	m := Model{Speaker: speaker}
	if a.n == 0 {
		return m
	}
	n := float64(a.n)
	if a.voiced > 0 {
		m.Pitch = a.pitch / float64(a.voiced)
	}
	m.Tempo = a.tempo / n
	m.Clarity = a.clarity / n
	m.EmotionalRange = a.emotionSum / n
	return m
}
