// Package gate decides whether synthesised audio is good enough to play.
//
// Every candidate is scored against three thresholds that must all be
// exceeded. A failing candidate is regenerated up to a bounded number of
// times; when the budget is spent the request gives up and no audio leaves
// the gate.
package gate

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/castvoice/internal/observe"
	"github.com/MrWong99/castvoice/pkg/audio"
)

// ErrSynthesisQualityFailure is returned when no candidate passed within the
// retry budget.
var ErrSynthesisQualityFailure = errors.New("gate: synthesis quality failure")

// DefaultMaxRetries allows three attempts in total.
const DefaultMaxRetries = 2

// State is the gate state of one candidate.
type State int

const (
	// StateGenerated is a candidate that has not been judged yet.
	StateGenerated State = iota
	// StateAccepted is a candidate that passed every threshold.
	StateAccepted
	// StateRetry is a failed candidate with retry budget left.
	StateRetry
	// StateGivenUp is a failed candidate after the last attempt.
	StateGivenUp
)

func (s State) String() string {
	switch s {
	case StateGenerated:
		return "generated"
	case StateAccepted:
		return "accepted"
	case StateRetry:
		return "retry"
	case StateGivenUp:
		return "given_up"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// next returns the state a generated candidate moves to.
func next(passed bool, attempt, maxRetries int) State {
	switch {
	case passed:
		return StateAccepted
	case attempt < maxRetries:
		return StateRetry
	default:
		return StateGivenUp
	}
}

// Thresholds are exclusive lower bounds on each quality metric.
type Thresholds struct {
	Clarity        float64 `yaml:"clarity"`
	Naturalness    float64 `yaml:"naturalness"`
	EmotionalMatch float64 `yaml:"emotional_match"`
}

// DefaultThresholds are the production quality bars.
var DefaultThresholds = Thresholds{Clarity: 0.8, Naturalness: 0.7, EmotionalMatch: 0.75}

// Passes reports whether q strictly exceeds every threshold.
func (t Thresholds) Passes(q audio.Quality) bool {
	return q.Clarity > t.Clarity && q.Naturalness > t.Naturalness && q.EmotionalMatch > t.EmotionalMatch
}

// Validate reports thresholds outside [0, 1).
func (t Thresholds) Validate() error {
	var errs []error
	for _, f := range []struct {
		name string
		v    float64
	}{
		{"clarity", t.Clarity},
		{"naturalness", t.Naturalness},
		{"emotional_match", t.EmotionalMatch},
	} {
		if f.v < 0 || f.v >= 1 || f.v != f.v {
			errs = append(errs, fmt.Errorf("%s threshold %v outside [0, 1)", f.name, f.v))
		}
	}
	return errors.Join(errs...)
}

// Attempt records one candidate.
type Attempt struct {
	// N is the zero-based attempt number.
	N       int
	State   State
	Quality audio.Quality

	// Err is the synthesis error, if the attempt produced no candidate.
	Err error
}

// Report describes a gate run.
type Report struct {
	Attempts []Attempt
	Final    State
}

// Candidate produces the candidate for the given zero-based attempt. Each
// call is expected to use a fresh reference set.
type Candidate func(ctx context.Context, attempt int) (audio.Clip, error)

// Gate runs candidates through the quality check. It is safe for concurrent
// use; settings may be changed at runtime.
type Gate struct {
	mu         sync.RWMutex
	thresholds Thresholds
	maxRetries int
	metrics    *observe.Metrics
}

// Option is a functional option for [Gate].
type Option func(*Gate)

// WithThresholds overrides the quality thresholds.
func WithThresholds(t Thresholds) Option {
	return func(g *Gate) { g.thresholds = t }
}

// WithMaxRetries sets how many regenerations follow a failed first attempt.
func WithMaxRetries(n int) Option {
	return func(g *Gate) {
		if n >= 0 {
			g.maxRetries = n
		}
	}
}

// WithMetrics records attempt counts and states on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(g *Gate) { g.metrics = m }
}

// New returns a Gate with the given options applied.
func New(opts ...Option) *Gate {
	g := &Gate{thresholds: DefaultThresholds, maxRetries: DefaultMaxRetries}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Configure replaces thresholds and retry budget. Used by config hot-reload.
func (g *Gate) Configure(t Thresholds, maxRetries int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.thresholds = t
	if maxRetries >= 0 {
		g.maxRetries = maxRetries
	}
}

// Settings returns the current thresholds and retry budget.
func (g *Gate) Settings() (Thresholds, int) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.thresholds, g.maxRetries
}

// Run calls produce until a candidate passes or the retry budget is spent. A
// synthesis error counts as a failed attempt. Cancellation of ctx stops the
// run immediately and returns the context error.
//
// On success the accepted clip is returned. Otherwise the error wraps
// [ErrSynthesisQualityFailure] (and the last synthesis error, if any) and the
// clip is zero.
func (g *Gate) Run(ctx context.Context, produce Candidate) (audio.Clip, Report, error) {
	thresholds, maxRetries := g.Settings()
	log := observe.Logger(ctx)

	var (
		rep     Report
		lastErr error
	)
	defer func() {
		if g.metrics != nil && len(rep.Attempts) > 0 {
			g.metrics.GateAttempts.Record(ctx, int64(len(rep.Attempts)))
		}
	}()

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			rep.Final = StateGivenUp
			return audio.Clip{}, rep, fmt.Errorf("gate: %w", err)
		}

		a := Attempt{N: attempt, State: StateGenerated}
		clip, err := produce(ctx, attempt)
		if err != nil && ctx.Err() != nil {
			rep.Final = StateGivenUp
			return audio.Clip{}, rep, fmt.Errorf("gate: %w", ctx.Err())
		}
		passed := false
		if err != nil {
			a.Err, lastErr = err, err
		} else {
			a.Quality = clip.Quality()
			passed = thresholds.Passes(a.Quality)
		}
		a.State = next(passed, attempt, maxRetries)
		rep.Attempts = append(rep.Attempts, a)
		rep.Final = a.State
		if g.metrics != nil {
			g.metrics.RecordGateState(ctx, a.State.String())
		}

		log.Debug("gate attempt",
			"attempt", attempt,
			"state", a.State.String(),
			"clarity", a.Quality.Clarity,
			"naturalness", a.Quality.Naturalness,
			"emotional_match", a.Quality.EmotionalMatch,
			"err", a.Err,
		)
		if a.State == StateAccepted {
			return clip, rep, nil
		}
	}

	if lastErr != nil {
		return audio.Clip{}, rep, fmt.Errorf("%w after %d attempts: %w", ErrSynthesisQualityFailure, len(rep.Attempts), lastErr)
	}
	return audio.Clip{}, rep, fmt.Errorf("%w after %d attempts", ErrSynthesisQualityFailure, len(rep.Attempts))
}
