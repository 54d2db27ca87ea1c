// Package scheduler runs the background maintenance of the commentary engine:
// periodic retraining of every speaker, retraining after a speaker's library
// has grown by a configured number of clips, and retirement of stale
// generated lines.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/castvoice/internal/voicemodel"
)

// maxParallelRetrains bounds concurrent retrains in [Scheduler.RetrainAll].
const maxParallelRetrains = 4

// Engine is the part of the commentary engine the scheduler drives.
type Engine interface {
	Retrain(ctx context.Context, speaker string) (uint64, error)
	Speakers() []string
	RetireStale(maxAge time.Duration) int
}

// Option configures a [Scheduler].
type Option func(*Scheduler)

// WithRetrainSpec retrains every speaker on the cron spec. Specs take an
// optional leading seconds field and descriptors such as "@hourly".
func WithRetrainSpec(spec string) Option {
	return func(s *Scheduler) { s.retrainSpec = spec }
}

// WithRetireSpec retires generated lines unused for maxAge on the cron spec.
func WithRetireSpec(spec string, maxAge time.Duration) Option {
	return func(s *Scheduler) {
		s.retireSpec = spec
		s.retireAfter.Store(int64(maxAge))
	}
}

// WithGrowthThreshold retrains a speaker after n new clips. Zero disables it.
func WithGrowthThreshold(n int) Option {
	return func(s *Scheduler) { s.growth.Store(int64(n)) }
}

// Scheduler owns a cron runner and the growth counters. It is safe for
// concurrent use.
type Scheduler struct {
	eng         Engine
	cron        *cron.Cron
	retrainSpec string
	retireSpec  string
	retireAfter atomic.Int64
	growth      atomic.Int64

	mu         sync.Mutex
	pending    map[string]int
	retraining map[string]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New validates the cron specs and returns a stopped scheduler.
func New(eng Engine, opts ...Option) (*Scheduler, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		eng: eng,
		cron: cron.New(cron.WithParser(cron.NewParser(
			cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		))),
		pending:    make(map[string]int),
		retraining: make(map[string]bool),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, o := range opts {
		o(s)
	}

	if s.retrainSpec != "" {
		if _, err := s.cron.AddFunc(s.retrainSpec, func() { s.RetrainAll(s.ctx) }); err != nil {
			cancel()
			return nil, fmt.Errorf("scheduler: retrain spec %q: %w", s.retrainSpec, err)
		}
	}
	if s.retireSpec != "" {
		if _, err := s.cron.AddFunc(s.retireSpec, func() { s.Retire() }); err != nil {
			cancel()
			return nil, fmt.Errorf("scheduler: retire spec %q: %w", s.retireSpec, err)
		}
	}
	return s, nil
}

// Start runs the cron jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	slog.Info("scheduler started",
		"retrain_cron", s.retrainSpec,
		"retire_cron", s.retireSpec,
		"growth_threshold", s.growth.Load(),
	)
}

// Stop halts the cron runner, cancels running retrains and waits for them.
func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	s.cancel()
	select {
	case <-stopCtx.Done():
	case <-time.After(5 * time.Second):
		slog.Warn("scheduler stop timed out waiting for running jobs")
	}
	s.wg.Wait()
}

// SetGrowthThreshold changes the growth trigger at runtime.
func (s *Scheduler) SetGrowthThreshold(n int) { s.growth.Store(int64(n)) }

// SetRetireAfter changes the retirement age at runtime. Zero disables
// retirement.
func (s *Scheduler) SetRetireAfter(d time.Duration) { s.retireAfter.Store(int64(d)) }

// ClipAdded counts a new clip for speaker and starts a background retrain once
// the growth threshold is reached. Its signature matches
// [cliplib.GrowthFunc]; it never blocks.
func (s *Scheduler) ClipAdded(speaker string, _ int) {
	threshold := int(s.growth.Load())
	if threshold <= 0 {
		return
	}
	s.mu.Lock()
	s.pending[speaker]++
	due := s.pending[speaker] >= threshold && !s.retraining[speaker]
	if due {
		s.pending[speaker] = 0
		s.retraining[speaker] = true
	}
	s.mu.Unlock()
	if !due {
		return
	}

	s.wg.Go(func() {
		defer func() {
			s.mu.Lock()
			delete(s.retraining, speaker)
			s.mu.Unlock()
		}()
		slog.Info("library grew, retraining", "speaker", speaker, "threshold", threshold)
		_ = s.retrain(s.ctx, speaker)
	})
}

// RetrainAll retrains every known speaker and returns the failures by
// speaker. Speakers with too few clips are skipped quietly.
func (s *Scheduler) RetrainAll(ctx context.Context) map[string]error {
	var (
		mu   sync.Mutex
		errs = make(map[string]error)
		g    errgroup.Group
	)
	g.SetLimit(maxParallelRetrains)
	for _, speaker := range s.eng.Speakers() {
		g.Go(func() error {
			if err := s.retrain(ctx, speaker); err != nil && !errors.Is(err, voicemodel.ErrInsufficientData) {
				mu.Lock()
				errs[speaker] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

func (s *Scheduler) retrain(ctx context.Context, speaker string) error {
	version, err := s.eng.Retrain(ctx, speaker)
	switch {
	case errors.Is(err, voicemodel.ErrInsufficientData):
		slog.Debug("retrain skipped", "speaker", speaker, "err", err)
	case err != nil:
		slog.Warn("scheduled retrain failed", "speaker", speaker, "err", err)
	default:
		s.mu.Lock()
		s.pending[speaker] = 0
		s.mu.Unlock()
		slog.Info("speaker retrained", "speaker", speaker, "version", version)
	}
	return err
}

// Retire drops stale generated lines and returns how many were removed.
func (s *Scheduler) Retire() int {
	maxAge := time.Duration(s.retireAfter.Load())
	if maxAge <= 0 {
		return 0
	}
	n := s.eng.RetireStale(maxAge)
	if n > 0 {
		slog.Info("retired stale lines", "count", n, "max_age", maxAge)
	}
	return n
}
