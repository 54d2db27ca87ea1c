// Package engine is the per-cycle entry point of castvoice.
//
// [Engine.Decide] runs one decision cycle for one speaker: it loads the
// speaker's current voice model, picks a line with the commentary selector,
// synthesises it and passes the candidate through the quality gate, handing
// an accepted clip to the playback [Sink]. Every failure degrades to silence
// for that speaker and cycle only.
//
// [Engine.Retrain], [Engine.AddClip] and [Engine.Ingest] feed the clip
// library and voice model trainer. Speakers are fully independent: each has
// its own commentary session, synthesis lock and random source, and
// [Engine.DecideAll] runs several speakers in parallel.
//
// This package lives under internal/ because it wires application-private
// components together and is not intended to be imported by external code.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/castvoice/internal/cliplib"
	"github.com/MrWong99/castvoice/internal/commentary"
	"github.com/MrWong99/castvoice/internal/gate"
	"github.com/MrWong99/castvoice/internal/ingest"
	"github.com/MrWong99/castvoice/internal/observe"
	"github.com/MrWong99/castvoice/internal/synth"
	"github.com/MrWong99/castvoice/internal/voicemodel"
	"github.com/MrWong99/castvoice/pkg/audio"
	"github.com/MrWong99/castvoice/pkg/provider/linewriter"
	"github.com/MrWong99/castvoice/pkg/types"
)

// Sink receives accepted clips. Implementations must be safe for concurrent
// use and should not block for long; playback device state is theirs.
type Sink interface {
	Play(ctx context.Context, speaker string, clip audio.Clip) error
}

// SinkFunc adapts a function to [Sink].
type SinkFunc func(ctx context.Context, speaker string, clip audio.Clip) error

// Play calls f.
func (f SinkFunc) Play(ctx context.Context, speaker string, clip audio.Clip) error {
	return f(ctx, speaker, clip)
}

// Settings are the engine tunables that may change at runtime.
type Settings struct {
	// TrainingSetSize caps the clips handed to the trainer.
	TrainingSetSize int

	// ReferenceCount is the number of reference clips sampled per attempt.
	ReferenceCount int

	// MinEligible triggers a generative refill when fewer lines survive
	// filtering. Zero disables refills.
	MinEligible int

	// RefillCount is how many lines a refill asks for.
	RefillCount int

	// RefillTimeout bounds one refill call.
	RefillTimeout time.Duration

	// LibraryCapacity bounds each speaker's line library.
	LibraryCapacity int

	// DuplicateThreshold is the text similarity at which a new line is
	// rejected as a near duplicate.
	DuplicateThreshold float64

	// Personality is the starting temperament of new sessions.
	Personality commentary.Personality

	// Ingest prepares recordings passed to [Engine.Ingest].
	Ingest ingest.Preprocessor
}

// DefaultSettings returns production defaults.
func DefaultSettings() Settings {
	return Settings{
		TrainingSetSize:    32,
		ReferenceCount:     4,
		MinEligible:        2,
		RefillCount:        5,
		RefillTimeout:      30 * time.Second,
		LibraryCapacity:    commentary.DefaultCapacity,
		DuplicateThreshold: commentary.DefaultDuplicateThreshold,
		Personality:        commentary.DefaultPersonality,
	}
}

// speakerState is everything the engine keeps per speaker.
type speakerState struct {
	session *commentary.Session

	// synthMu serialises decision cycles of one speaker.
	synthMu sync.Mutex
	rng     *rand.Rand

	refilling atomic.Bool
}

// Engine ties the components together. It is safe for concurrent use.
type Engine struct {
	clips    *cliplib.Library
	trainer  *voicemodel.Trainer
	selector *commentary.Selector
	synth    *synth.Synthesizer
	gate     *gate.Gate

	writer  linewriter.Writer
	sink    Sink
	metrics *observe.Metrics
	now     func() time.Time
	seed    uint64

	mu       sync.RWMutex
	settings Settings
	speakers map[string]*speakerState

	// bgMu guards closed against bg.Add so Close never races a new refill.
	bgMu   sync.Mutex
	closed bool
	bg     sync.WaitGroup
}

// Option is a functional option for [Engine].
type Option func(*Engine)

// WithLineWriter enables generative refills through w.
func WithLineWriter(w linewriter.Writer) Option {
	return func(e *Engine) { e.writer = w }
}

// WithSink sets where accepted clips go. Default: discarded.
func WithSink(s Sink) Option {
	return func(e *Engine) {
		if s != nil {
			e.sink = s
		}
	}
}

// WithMetrics records decision metrics on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithSeed makes reference sampling reproducible.
func WithSeed(seed uint64) Option {
	return func(e *Engine) { e.seed = seed }
}

// WithSettings replaces the default settings.
func WithSettings(s Settings) Option {
	return func(e *Engine) { e.settings = s }
}

// New returns an Engine over the given components.
func New(clips *cliplib.Library, trainer *voicemodel.Trainer, selector *commentary.Selector, syn *synth.Synthesizer, g *gate.Gate, opts ...Option) *Engine {
	e := &Engine{
		clips:    clips,
		trainer:  trainer,
		selector: selector,
		synth:    syn,
		gate:     g,
		sink:     SinkFunc(func(context.Context, string, audio.Clip) error { return nil }),
		now:      time.Now,
		seed:     uint64(time.Now().UnixNano()),
		settings: DefaultSettings(),
		speakers: make(map[string]*speakerState),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Settings returns the current settings.
func (e *Engine) Settings() Settings {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.settings
}

// Reconfigure replaces the runtime settings. Existing sessions keep their
// personality; library capacity and duplicate threshold apply to new sessions
// only. Every session's eviction cooldown is synced to the selector's, so
// update the selector first.
func (e *Engine) Reconfigure(s Settings) {
	cooldown := e.selector.Cooldown()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.settings = s
	for _, st := range e.speakers {
		st.session.Library.SetCooldown(cooldown)
	}
}

// state returns the speaker's state, creating it on first use.
func (e *Engine) state(speaker string) *speakerState {
	e.mu.RLock()
	st, ok := e.speakers[speaker]
	e.mu.RUnlock()
	if ok {
		return st
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok = e.speakers[speaker]; ok {
		return st
	}
	lib := commentary.NewLibrary(
		commentary.WithCapacity(e.settings.LibraryCapacity),
		commentary.WithEvictionCooldown(e.selector.Cooldown()),
		commentary.WithDuplicateThreshold(e.settings.DuplicateThreshold),
	)
	st = &speakerState{
		session: commentary.NewSession(speaker, "", lib, e.settings.Personality),
		rng:     rand.New(rand.NewPCG(e.seed, uint64(len(e.speakers)+1))),
	}
	e.speakers[speaker] = st
	if e.metrics != nil {
		e.metrics.ActiveSpeakers.Add(context.Background(), 1)
	}
	return st
}

// Session returns the speaker's commentary session, creating it if needed.
func (e *Engine) Session(speaker string) *commentary.Session {
	return e.state(speaker).session
}

// Lookup returns the speaker's session without creating one.
func (e *Engine) Lookup(speaker string) (*commentary.Session, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.speakers[speaker]
	if !ok {
		return nil, false
	}
	return st.session, true
}

// Speakers returns every speaker known to the engine or the clip library,
// sorted.
func (e *Engine) Speakers() []string {
	out := e.clips.Speakers()
	e.mu.RLock()
	for s := range e.speakers {
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	e.mu.RUnlock()
	slices.Sort(out)
	return out
}

// SetPersonality resets the speaker's temperament and its calm baseline.
func (e *Engine) SetPersonality(speaker string, p commentary.Personality) {
	e.Session(speaker).Rebase(p)
}

// SetBaseline changes the temperament the speaker relaxes toward without
// discarding the drift of a running broadcast.
func (e *Engine) SetBaseline(speaker string, p commentary.Personality) {
	e.Session(speaker).SetBaseline(p)
}

// RetireLine removes one line from the speaker's library. It reports whether
// the line existed; an unknown speaker yields [ErrUnknownSpeaker].
func (e *Engine) RetireLine(ctx context.Context, speaker, lineID string) (bool, error) {
	sess, ok := e.Lookup(speaker)
	if !ok {
		return false, fmt.Errorf("engine: retire line %q/%s: %w: %q", speaker, lineID, ErrUnknownSpeaker, speaker)
	}
	removed := sess.Library.Retire(lineID)
	if removed {
		observe.Logger(ctx).Info("line retired", "speaker", speaker, "line_id", lineID)
	}
	return removed, nil
}

// SeedLines adds configured lines to a speaker's library and sets its
// persona. Lines that are near duplicates are skipped. It returns the number
// of lines added.
func (e *Engine) SeedLines(ctx context.Context, speaker, persona string, lines []commentary.Line) (int, error) {
	if speaker == "" {
		return 0, cliplib.ErrInvalidSpeaker
	}
	sess := e.Session(speaker)
	if persona != "" {
		sess.Persona = persona
	}
	now := e.now()
	added := 0
	var errs []error
	for _, l := range lines {
		l.Origin = commentary.OriginSeeded
		if _, err := sess.Library.Add(l, now); err != nil {
			if errors.Is(err, commentary.ErrDuplicateLine) {
				observe.Logger(ctx).Debug("seed line skipped", "speaker", speaker, "err", err)
				continue
			}
			errs = append(errs, err)
			continue
		}
		added++
	}
	if err := errors.Join(errs...); err != nil {
		return added, fmt.Errorf("engine: seed %q: %w", speaker, err)
	}
	return added, nil
}

// AddClip ingests a recorded clip into the speaker's library.
func (e *Engine) AddClip(ctx context.Context, speaker string, clip audio.Clip, category audio.Category) error {
	if err := e.clips.AddClip(ctx, speaker, clip, category); err != nil {
		return fmt.Errorf("engine: add clip for %q: %w", speaker, err)
	}
	if e.metrics != nil {
		e.metrics.RecordClipIngested(ctx, category.String())
	}
	return nil
}

// Ingest splits, filters and cleans a raw recording with the configured
// preprocessor and adds every accepted segment to the speaker's library.
// When measure is set, clarity is measured per segment instead of taken from
// the recording. It returns [ingest.ErrNoUsableAudio] when nothing survived.
func (e *Engine) Ingest(ctx context.Context, speaker string, rec audio.Clip, category audio.Category, measure bool) (ingest.Result, error) {
	if speaker == "" {
		return ingest.Result{}, cliplib.ErrInvalidSpeaker
	}
	if !category.IsValid() {
		return ingest.Result{}, fmt.Errorf("engine: ingest for %q: invalid category %d", speaker, int(category))
	}
	res, err := e.Settings().Ingest.Process(ctx, rec, measure)
	if err != nil {
		return res, fmt.Errorf("engine: ingest for %q: %w", speaker, err)
	}
	if e.metrics != nil {
		for _, r := range res.Rejected {
			e.metrics.RecordClipRejected(ctx, r.Reason)
		}
	}
	for _, seg := range res.Segments {
		if err := e.AddClip(ctx, speaker, seg.Clip, category); err != nil {
			return res, err
		}
	}
	return res, nil
}

// ClipInfo describes one stored clip.
type ClipInfo struct {
	ID         string         `json:"id"`
	Category   audio.Category `json:"category"`
	Duration   float64        `json:"duration_seconds"`
	Quality    audio.Quality  `json:"quality"`
	RecordedAt time.Time      `json:"recorded_at"`
}

// Clips lists the speaker's clips in insertion order or returns
// [ErrUnknownSpeaker].
func (e *Engine) Clips(speaker string) ([]ClipInfo, error) {
	recs, err := e.clips.AllClips(speaker)
	if err != nil {
		return nil, fmt.Errorf("engine: clips %q: %w", speaker, err)
	}
	out := make([]ClipInfo, len(recs))
	for i, r := range recs {
		out[i] = ClipInfo{
			ID:         r.Clip.ID(),
			Category:   r.Category,
			Duration:   r.Clip.Duration().Seconds(),
			Quality:    r.Clip.Quality(),
			RecordedAt: r.Clip.RecordedAt(),
		}
	}
	return out, nil
}

// Model returns the speaker's installed voice model.
func (e *Engine) Model(speaker string) (*voicemodel.Model, bool) {
	return e.trainer.Current(speaker)
}

// ClipStats summarises a speaker's clip library.
type ClipStats struct {
	Total        int                    `json:"total"`
	Counts       map[audio.Category]int `json:"counts"`
	QualityScore float64                `json:"quality_score"`
}

// ClipStats returns the speaker's library summary or [ErrUnknownSpeaker].
func (e *Engine) ClipStats(speaker string) (ClipStats, error) {
	counts, err := e.clips.Counts(speaker)
	if err != nil {
		return ClipStats{}, fmt.Errorf("engine: clip stats %q: %w", speaker, err)
	}
	score, err := e.clips.QualityScore(speaker)
	if err != nil {
		return ClipStats{}, fmt.Errorf("engine: clip stats %q: %w", speaker, err)
	}
	return ClipStats{Total: e.clips.Total(speaker), Counts: counts, QualityScore: score}, nil
}

// EvictClip removes one clip from the speaker's library. The installed model
// is unaffected until the next retrain.
func (e *Engine) EvictClip(ctx context.Context, speaker, clipID string) (bool, error) {
	ok, err := e.clips.Evict(ctx, speaker, clipID)
	if err != nil {
		return false, fmt.Errorf("engine: evict %q/%s: %w", speaker, clipID, err)
	}
	return ok, nil
}

// Retrain trains a new model from the speaker's ranked clips and returns its
// version. A speaker without clips yields [ErrInsufficientData] (also
// matching [ErrUnknownSpeaker]); the previous model, if any, stays installed.
func (e *Engine) Retrain(ctx context.Context, speaker string) (version uint64, err error) {
	start := time.Now()
	settings := e.Settings()

	var unknown error
	seq, err := e.clips.TrainingSet(speaker, settings.TrainingSetSize)
	if errors.Is(err, cliplib.ErrUnknownSpeaker) {
		unknown, seq = err, func(func(audio.Clip) bool) {}
	} else if err != nil {
		return 0, fmt.Errorf("engine: retrain %q: %w", speaker, err)
	}

	m, err := e.trainer.Train(ctx, speaker, seq)
	if e.metrics != nil {
		e.metrics.TrainingDuration.Record(ctx, time.Since(start).Seconds())
	}
	if err != nil {
		if e.metrics != nil {
			e.metrics.RecordTraining(ctx, speaker, trainingStatus(err), 0)
		}
		observe.Logger(ctx).Warn("retrain failed", "speaker", speaker, "err", err)
		if unknown != nil {
			return 0, fmt.Errorf("engine: retrain %q: %w: %w", speaker, err, unknown)
		}
		return 0, fmt.Errorf("engine: retrain %q: %w", speaker, err)
	}
	if e.metrics != nil {
		e.metrics.RecordTraining(ctx, speaker, "ok", 1)
	}
	return m.Version, nil
}

func trainingStatus(err error) string {
	if errors.Is(err, voicemodel.ErrInsufficientData) {
		return "insufficient_data"
	}
	return "error"
}

// Decide runs one decision cycle. A nil clip means silence; the error says
// why and has already been logged, so callers may ignore it.
func (e *Engine) Decide(ctx context.Context, speaker string, gc commentary.GameContext) (*audio.Clip, error) {
	_, clip, err := e.DecideDetailed(ctx, speaker, gc)
	return clip, err
}

// DecideDetailed is [Engine.Decide] plus the decision record.
func (e *Engine) DecideDetailed(ctx context.Context, speaker string, gc commentary.GameContext) (dec types.Decision, clip *audio.Clip, err error) {
	ctx, span := observe.StartSpeakerSpan(ctx, "engine.decide", speaker)
	start := time.Now()
	dec = types.Decision{Speaker: speaker}
	defer func() {
		dec.Duration = time.Since(start)
		if err != nil && dec.Outcome == "" {
			dec.Outcome = types.OutcomeError
		}
		if e.metrics != nil {
			e.metrics.DecideDuration.Record(ctx, dec.Duration.Seconds())
			e.metrics.RecordDecision(ctx, speaker, string(dec.Outcome))
		}
		observe.EndSpan(span, err)
	}()

	log := observe.Logger(ctx).With("speaker", speaker)

	if gc.At.IsZero() {
		gc.At = e.now()
	}
	if err = gc.Validate(); err != nil {
		dec.Outcome = types.OutcomeInvalidContext
		log.Warn("invalid game context", "err", err)
		return dec, nil, fmt.Errorf("engine: decide %q: %w", speaker, err)
	}

	st := e.state(speaker)
	st.synthMu.Lock()
	defer st.synthMu.Unlock()

	model, ok := e.trainer.Current(speaker)
	if !ok {
		dec.Outcome = types.OutcomeNoModel
		log.Warn("cannot speak yet", "err", ErrModelUnavailable)
		return dec, nil, fmt.Errorf("engine: decide %q: %w", speaker, ErrModelUnavailable)
	}

	sel, eligible, ok, err := e.selector.Select(ctx, st.session, gc, e.now())
	if err != nil {
		dec.Outcome = types.OutcomeInvalidContext
		log.Warn("invalid game context", "err", err)
		return dec, nil, fmt.Errorf("engine: decide %q: %w", speaker, err)
	}
	settings := e.Settings()
	if eligible < settings.MinEligible {
		e.refill(ctx, speaker, st, gc, settings)
	}
	if !ok {
		dec.Outcome = types.OutcomeNoLine
		log.Debug("staying silent", "reason", "no eligible line")
		return dec, nil, nil
	}
	dec.LineID, dec.Text = sel.Line.ID, sel.Line.Text

	accepted, rep, err := e.gate.Run(ctx, func(ctx context.Context, attempt int) (audio.Clip, error) {
		refs, err := e.clips.Sample(speaker, settings.ReferenceCount, st.rng)
		if err != nil && !errors.Is(err, cliplib.ErrUnknownSpeaker) {
			return audio.Clip{}, err
		}
		return e.synth.Synthesize(ctx, synth.Request{
			LineID:     sel.Line.ID,
			Text:       sel.Line.Text,
			Delivery:   sel.Delivery,
			Model:      model,
			References: refs,
		})
	})
	dec.Attempts = len(rep.Attempts)
	if err != nil {
		if errors.Is(err, gate.ErrSynthesisQualityFailure) {
			dec.Outcome = types.OutcomeQualityFailure
		}
		log.Warn("no clip produced", "line_id", sel.Line.ID, "attempts", dec.Attempts, "err", err)
		return dec, nil, fmt.Errorf("engine: decide %q: %w", speaker, err)
	}

	dec.Outcome = types.OutcomeSpoken
	if perr := e.sink.Play(ctx, speaker, accepted); perr != nil {
		log.Warn("playback failed", "line_id", sel.Line.ID, "err", perr)
	}
	log.Info("line spoken",
		"line_id", sel.Line.ID,
		"model_version", model.Version,
		"attempts", dec.Attempts,
		"duration", accepted.Duration(),
	)
	return dec, &accepted, nil
}

// refill asks the line writer for new lines in the background. At most one
// refill per speaker runs at a time.
func (e *Engine) refill(ctx context.Context, speaker string, st *speakerState, gc commentary.GameContext, s Settings) {
	if e.writer == nil || s.MinEligible <= 0 || !st.refilling.CompareAndSwap(false, true) {
		return
	}
	e.bgMu.Lock()
	defer e.bgMu.Unlock()
	if e.closed {
		st.refilling.Store(false)
		return
	}
	ctx = context.WithoutCancel(ctx)
	e.bg.Go(func() {
		defer st.refilling.Store(false)
		ctx, cancel := context.WithTimeout(ctx, s.RefillTimeout)
		defer cancel()

		start := time.Now()
		n, err := commentary.Refill(ctx, e.writer, st.session, gc, s.RefillCount, e.now())
		if e.metrics != nil {
			e.metrics.LineWriterDuration.Record(ctx, time.Since(start).Seconds())
			e.metrics.LinesGenerated.Add(ctx, int64(n))
		}
		log := observe.Logger(ctx)
		if err != nil {
			log.Warn("line refill failed", "speaker", speaker, "err", err)
			return
		}
		log.Info("line library refilled", "speaker", speaker, "added", n)
	})
}

// RetireStale drops generated lines unused for maxAge from every session and
// returns the number removed.
func (e *Engine) RetireStale(maxAge time.Duration) int {
	now := e.now()
	e.mu.RLock()
	defer e.mu.RUnlock()
	n := 0
	for _, st := range e.speakers {
		n += st.session.Library.RetireStale(maxAge, now)
	}
	return n
}

// Result is one speaker's outcome in [Engine.DecideAll].
type Result struct {
	Clip *audio.Clip
	Err  error
}

// DecideAll runs one decision cycle per speaker in parallel. A failure for one
// speaker never affects the others.
func (e *Engine) DecideAll(ctx context.Context, contexts map[string]commentary.GameContext) map[string]Result {
	var (
		mu  sync.Mutex
		out = make(map[string]Result, len(contexts))
		g   errgroup.Group
	)
	for speaker, gc := range contexts {
		g.Go(func() error {
			clip, err := e.Decide(ctx, speaker, gc)
			mu.Lock()
			out[speaker] = Result{Clip: clip, Err: err}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Wait blocks until background refills have finished. Refills may still be
// started afterwards; use [Engine.Close] at shutdown.
func (e *Engine) Wait() {
	e.bg.Wait()
}

// Close stops new background refills and waits for running ones. Decision
// cycles keep working but never refill again.
func (e *Engine) Close() {
	e.bgMu.Lock()
	e.closed = true
	e.bgMu.Unlock()
	e.bg.Wait()
}
