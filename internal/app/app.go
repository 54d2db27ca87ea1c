// Package app wires all castvoice subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the HTTP API and the background jobs, and Shutdown
// tears everything down in reverse order. ApplyConfig applies hot-reloaded
// configuration to the running subsystems.
//
// For testing, inject doubles via functional options (WithClipStore,
// WithSink, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/MrWong99/castvoice/internal/api"
	"github.com/MrWong99/castvoice/internal/cliplib"
	"github.com/MrWong99/castvoice/internal/cliplib/postgres"
	"github.com/MrWong99/castvoice/internal/commentary"
	"github.com/MrWong99/castvoice/internal/config"
	"github.com/MrWong99/castvoice/internal/engine"
	"github.com/MrWong99/castvoice/internal/events"
	"github.com/MrWong99/castvoice/internal/gate"
	"github.com/MrWong99/castvoice/internal/health"
	"github.com/MrWong99/castvoice/internal/ingest"
	"github.com/MrWong99/castvoice/internal/observe"
	"github.com/MrWong99/castvoice/internal/playback"
	"github.com/MrWong99/castvoice/internal/scheduler"
	"github.com/MrWong99/castvoice/internal/synth"
	"github.com/MrWong99/castvoice/internal/voicemodel"
	"github.com/MrWong99/castvoice/pkg/provider/linewriter"
	"github.com/MrWong99/castvoice/pkg/provider/voicegen"
)

// ErrNoGenerator is returned by the placeholder generator installed when no
// voice generator is configured.
var ErrNoGenerator = errors.New("app: no voice generator configured")

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	Generator voicegen.Generator

	// GeneratorName labels provider metrics. Default: "voicegen".
	GeneratorName string

	LineWriter linewriter.Writer

	// Checks are extra readiness checks for the providers, e.g. a ping of
	// the primary generator backend.
	Checks []health.Checker
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       atomic.Pointer[config.Config]
	providers *Providers

	metrics *observe.Metrics
	level   *slog.LevelVar

	// Subsystems, initialised in New, torn down in Shutdown.
	clipStore  cliplib.Store
	pg         *postgres.Store
	clips      *cliplib.Library
	trainer    *voicemodel.Trainer
	selector   *commentary.Selector
	gate       *gate.Gate
	synth      *synth.Synthesizer
	hub        *playback.Hub
	sinks      []engine.Sink
	engine     *engine.Engine
	sched      *scheduler.Scheduler
	natsConn   *nats.Conn
	subscriber *events.Subscriber
	health     *health.Handler
	api        *api.Server
	server     *http.Server
	listener   net.Listener

	// minQuality holds the float64 bits of the line quality floor.
	minQuality atomic.Uint64

	// reloadMu serialises ApplyConfig calls.
	reloadMu sync.Mutex

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithClipStore injects a clip store instead of connecting to Postgres.
func WithClipStore(s cliplib.Store) Option {
	return func(a *App) { a.clipStore = s }
}

// WithSink adds a destination for accepted clips next to the playback hub.
func WithSink(s engine.Sink) Option {
	return func(a *App) {
		if s != nil {
			a.sinks = append(a.sinks, s)
		}
	}
}

// WithMetrics records metrics on m instead of the global meter provider.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel lets ApplyConfig change the verbosity of the handler that
// reads lv.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
//
// New performs all initialisation synchronously: clip store connection and
// hydration, pipeline construction, speaker seeding, scheduler and event
// subscriber setup, and binding the HTTP listener. Nothing runs until
// [App.Run] is called.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{providers: providers}
	a.cfg.Store(cfg)
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.setMinQuality(cfg.Engine.MinLineQuality)

	// ── 1. Clip store + library ──────────────────────────────────────────
	if err := a.initClips(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init clips: %w", err)
	}

	// ── 2. Decision pipeline ─────────────────────────────────────────────
	a.initPipeline()

	// ── 3. Playback hub ──────────────────────────────────────────────────
	if err := a.initPlayback(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init playback: %w", err)
	}

	// ── 4. Engine + seeded speakers ──────────────────────────────────────
	a.initEngine()
	if err := a.seedSpeakers(ctx, cfg.Speakers); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: seed speakers: %w", err)
	}

	// ── 5. Scheduler ─────────────────────────────────────────────────────
	if err := a.initScheduler(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init scheduler: %w", err)
	}

	// ── 6. Event subscriber ──────────────────────────────────────────────
	if err := a.initEvents(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init events: %w", err)
	}

	// ── 7. HTTP API ──────────────────────────────────────────────────────
	if err := a.initServer(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init server: %w", err)
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initClips opens the Postgres store when configured and loads the stored
// clips into a fresh library.
func (a *App) initClips(ctx context.Context) error {
	cfg := a.cfg.Load()
	if a.clipStore == nil && cfg.Storage.PostgresDSN != "" {
		store, err := postgres.NewStore(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return err
		}
		a.pg = store
		a.clipStore = store
		a.closers = append(a.closers, func() error {
			store.Close()
			return nil
		})
		slog.Info("clip store connected", "backend", "postgres")
	}

	libOpts := []cliplib.Option{cliplib.WithWeights(*cfg.Engine.CategoryWeights)}
	if a.clipStore != nil {
		libOpts = append(libOpts, cliplib.WithStore(a.clipStore))
	}
	a.clips = cliplib.New(libOpts...)

	n, err := a.clips.Hydrate(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("clip library hydrated", "clips", n, "speakers", len(a.clips.Speakers()))
	}
	return nil
}

func (a *App) initPipeline() {
	e := a.cfg.Load().Engine

	a.trainer = voicemodel.NewTrainer(
		voicemodel.WithMinClips(e.MinTrainingClips),
		voicemodel.WithBaselineSize(e.BaselineSize),
	)
	a.selector = commentary.NewSelector(
		commentary.WithCooldown(e.Cooldown),
		commentary.WithPredicate(func(l commentary.Line) bool {
			return commentary.MinQuality(a.minLineQuality())(l)
		}),
	)
	a.gate = gate.New(
		gate.WithThresholds(e.Thresholds),
		gate.WithMaxRetries(e.Retries()),
		gate.WithMetrics(a.metrics),
	)

	gen := a.providers.Generator
	if gen == nil {
		gen = voicegen.GeneratorFunc(func(context.Context, voicegen.Request) (voicegen.Result, error) {
			return voicegen.Result{}, ErrNoGenerator
		})
	}
	name := a.providers.GeneratorName
	if name == "" {
		name = "voicegen"
	}
	a.synth = synth.New(gen,
		synth.WithOutputRate(e.OutputSampleRate),
		synth.WithDurationBounds(e.MinDuration, e.MaxDuration),
		synth.WithMetrics(a.metrics),
		synth.WithProviderName(name),
	)
}

func (a *App) initPlayback(ctx context.Context) error {
	pc := a.cfg.Load().Playback
	if dc := pc.Discord; dc.Enabled() {
		d, err := playback.DialDiscord(ctx, playback.DiscordConfig{
			Token:     dc.Token,
			GuildID:   dc.GuildID,
			ChannelID: dc.ChannelID,
			Speaker:   dc.Speaker,
			QueueSize: dc.QueueSize,
		})
		if err != nil {
			return err
		}
		a.sinks = append(a.sinks, d)
		a.closers = append(a.closers, d.Close)
	}
	if !pc.Enabled {
		return nil
	}
	enc, err := playback.NewEncoder(pc.SampleRate, pc.FrameMillis, pc.Bitrate)
	if err != nil {
		return err
	}
	a.hub = playback.NewHub(enc, playback.WithMetrics(a.metrics))
	a.sinks = append(a.sinks, a.hub)
	a.closers = append(a.closers, func() error {
		a.hub.Close()
		return nil
	})
	return nil
}

func (a *App) initEngine() {
	cfg := a.cfg.Load()
	opts := []engine.Option{
		engine.WithMetrics(a.metrics),
		engine.WithSettings(engineSettings(cfg.Engine)),
	}
	if a.providers.LineWriter != nil {
		opts = append(opts, engine.WithLineWriter(a.providers.LineWriter))
	}
	switch len(a.sinks) {
	case 0:
	case 1:
		opts = append(opts, engine.WithSink(a.sinks[0]))
	default:
		opts = append(opts, engine.WithSink(playback.Multi(a.sinks...)))
	}
	a.engine = engine.New(a.clips, a.trainer, a.selector, a.synth, a.gate, opts...)
	a.closers = append(a.closers, func() error {
		a.engine.Close()
		return nil
	})
}

// seedSpeakers applies persona, personality and seeded lines of each
// configured speaker.
func (a *App) seedSpeakers(ctx context.Context, speakers []config.SpeakerConfig) error {
	var errs []error
	for _, sp := range speakers {
		n, err := a.engine.SeedLines(ctx, sp.ID, sp.Persona, toLines(sp.Lines))
		if err != nil {
			errs = append(errs, err)
		}
		if sp.Personality != nil {
			a.engine.SetPersonality(sp.ID, *sp.Personality)
		}
		slog.Info("speaker configured", "speaker", sp.ID, "lines", n, "clips", a.clips.Total(sp.ID))
	}
	return errors.Join(errs...)
}

func (a *App) initScheduler() error {
	cfg := a.cfg.Load()
	sched, err := scheduler.New(a.engine,
		scheduler.WithRetrainSpec(cfg.Scheduler.RetrainCron),
		scheduler.WithRetireSpec(cfg.Scheduler.RetireCron, cfg.Engine.RetireAfter),
		scheduler.WithGrowthThreshold(cfg.Scheduler.GrowthThreshold),
	)
	if err != nil {
		return err
	}
	a.sched = sched
	a.clips.OnGrowth(sched.ClipAdded)
	a.closers = append(a.closers, func() error {
		sched.Stop()
		return nil
	})
	return nil
}

func (a *App) initEvents() error {
	ec := a.cfg.Load().Events
	if ec.NATSURL == "" {
		return nil
	}
	conn, err := events.Connect(ec.NATSURL)
	if err != nil {
		return err
	}
	a.natsConn = conn
	a.closers = append(a.closers, func() error {
		conn.Close()
		return nil
	})

	var opts []events.Option
	if ec.Queue != "" {
		opts = append(opts, events.WithQueue(ec.Queue))
	}
	a.subscriber = events.NewSubscriber(conn, a.engine, ec.SubjectPrefix, opts...)
	a.closers = append(a.closers, func() error {
		a.subscriber.Close()
		return nil
	})
	return nil
}

func (a *App) initServer() error {
	cfg := a.cfg.Load()

	checks := append([]health.Checker(nil), a.providers.Checks...)
	if a.pg != nil {
		checks = append(checks, health.Checker{Name: "postgres", Check: a.pg.Ping})
	}
	if a.subscriber != nil {
		checks = append(checks, health.Checker{Name: "nats", Check: a.subscriber.Healthy, Optional: true})
	}
	a.health = health.New(checks...)

	opts := []api.Option{
		api.WithMetrics(a.metrics),
		api.WithHealth(a.health),
	}
	if nf, ok := a.clipStore.(api.NearestFinder); ok {
		opts = append(opts, api.WithNearest(nf))
	}
	if a.hub != nil {
		opts = append(opts, api.WithHandler("GET "+cfg.Playback.Path, a.hub))
	}
	a.api = api.New(a.engine, opts...)

	ln, err := net.Listen("tcp", cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Server.ListenAddr, err)
	}
	a.listener = ln
	a.server = &http.Server{
		Handler:           a.api,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Engine returns the commentary engine.
func (a *App) Engine() *engine.Engine { return a.engine }

// Scheduler returns the background job scheduler.
func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }

// Addr returns the address the HTTP API listens on.
func (a *App) Addr() net.Addr { return a.listener.Addr() }

// Handler returns the HTTP handler serving the API.
func (a *App) Handler() http.Handler { return a.api }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the scheduler and the event subscriber, serves the HTTP API and
// blocks until ctx is cancelled or the server fails. When ctx is done, Run
// returns context.Canceled (or the underlying cause).
func (a *App) Run(ctx context.Context) error {
	a.sched.Start()

	if a.subscriber != nil {
		if err := a.subscriber.Start(); err != nil {
			return fmt.Errorf("app: start events: %w", err)
		}
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- a.server.Serve(a.listener)
	}()

	slog.Info("app running",
		"addr", a.listener.Addr().String(),
		"speakers", len(a.engine.Speakers()),
		"playback", a.hub != nil,
		"events", a.subscriber != nil,
	)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops accepting requests, then tears down all subsystems in
// reverse-init order. It respects the context deadline: if ctx expires before
// all closers finish, remaining closers are skipped and the context error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		// Stop the HTTP server first so no new decisions start.
		if err := a.server.Shutdown(ctx); err != nil {
			slog.Warn("http server shutdown error", "err", err)
			if ctx.Err() != nil {
				shutdownErr = ctx.Err()
				return
			}
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll releases what a failed New already opened.
func (a *App) closeAll() {
	if a.listener != nil {
		_ = a.listener.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
	a.closers = nil
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable differences between old and new.
// Sections that only take effect on restart are logged. It matches the
// callback signature of [config.NewWatcher].
func (a *App) ApplyConfig(old, new *config.Config) {
	a.reloadMu.Lock()
	defer a.reloadMu.Unlock()

	d := config.Diff(old, new)
	if d.IsEmpty() {
		return
	}
	ctx := context.Background()

	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}

	if d.EngineChanged {
		e := new.Engine
		a.gate.Configure(e.Thresholds, e.Retries())
		a.selector.SetCooldown(e.Cooldown)
		a.trainer.SetLimits(e.MinTrainingClips, e.BaselineSize)
		a.setMinQuality(e.MinLineQuality)
		a.engine.Reconfigure(engineSettings(e))
		a.sched.SetRetireAfter(e.RetireAfter)
		slog.Info("engine settings reloaded")
	}

	newSpeakers := make(map[string]config.SpeakerConfig, len(new.Speakers))
	for _, sp := range new.Speakers {
		newSpeakers[sp.ID] = sp
	}
	for _, sd := range d.SpeakerChanges {
		if sd.Removed {
			// Lines and clips stay; the speaker just loses its config.
			slog.Info("speaker removed from config", "speaker", sd.ID)
			continue
		}
		sp := newSpeakers[sd.ID]
		persona := ""
		if sd.Added || sd.PersonaChanged {
			persona = sp.Persona
		}
		n, err := a.engine.SeedLines(ctx, sd.ID, persona, toLines(sd.NewLines))
		if err != nil {
			slog.Warn("seeding reloaded lines failed", "speaker", sd.ID, "err", err)
		}
		switch {
		case sd.Added && sp.Personality != nil:
			a.engine.SetPersonality(sd.ID, *sp.Personality)
		case sd.PersonalityChanged:
			// A live broadcast keeps its drift and relaxes toward the new value.
			p := *new.Engine.Personality
			if sp.Personality != nil {
				p = *sp.Personality
			}
			a.engine.SetBaseline(sd.ID, p)
		}
		slog.Info("speaker reloaded", "speaker", sd.ID, "added", sd.Added, "new_lines", n)
	}

	// The growth threshold applies live; cron specs need a restart.
	a.sched.SetGrowthThreshold(new.Scheduler.GrowthThreshold)

	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart to take effect", "sections", d.RestartRequired)
	}
	a.cfg.Store(new)
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func (a *App) minLineQuality() float64 {
	return math.Float64frombits(a.minQuality.Load())
}

func (a *App) setMinQuality(q float64) {
	a.minQuality.Store(math.Float64bits(q))
}

// engineSettings converts the engine config block to [engine.Settings].
func engineSettings(e config.EngineConfig) engine.Settings {
	s := engine.DefaultSettings()
	s.TrainingSetSize = e.TrainingSetSize
	s.ReferenceCount = e.ReferenceCount
	s.MinEligible = max(e.MinEligibleLines, 0)
	s.RefillCount = e.RefillCount
	s.LibraryCapacity = e.LibraryCapacity
	if e.DuplicateThreshold > 0 {
		s.DuplicateThreshold = e.DuplicateThreshold
	}
	if e.Personality != nil {
		s.Personality = *e.Personality
	}
	s.Ingest = ingest.Preprocessor{
		MinDuration: e.MinDuration,
		MaxDuration: e.MaxDuration,
		MinClarity:  e.IngestMinClarity,
	}
	return s
}

// toLines converts configured lines to seeded library lines.
func toLines(lcs []config.LineConfig) []commentary.Line {
	out := make([]commentary.Line, 0, len(lcs))
	for _, lc := range lcs {
		out = append(out, lc.Line())
	}
	return out
}
