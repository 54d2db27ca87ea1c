package app_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/castvoice/internal/app"
	"github.com/MrWong99/castvoice/internal/cliplib"
	"github.com/MrWong99/castvoice/internal/commentary"
	"github.com/MrWong99/castvoice/internal/config"
	"github.com/MrWong99/castvoice/internal/engine"
	"github.com/MrWong99/castvoice/internal/health"
	"github.com/MrWong99/castvoice/internal/observe"
	"github.com/MrWong99/castvoice/pkg/audio"
	lwmock "github.com/MrWong99/castvoice/pkg/provider/linewriter/mock"
	vgmock "github.com/MrWong99/castvoice/pkg/provider/voicegen/mock"
)

const baseYAML = `
server:
  listen_addr: "127.0.0.1:0"
engine:
  cooldown: 1m
  min_training_clips: 3
speakers:
  - id: caster
    persona: loud play-by-play caster
    personality:
      enthusiasm: 0.9
      knowledge: 0.5
      humor: 0.2
      professionalism: 0.7
    lines:
      - text: What a play!
        style: clutch
      - text: The crowd is on its feet
        style: crowd
  - id: analyst
    lines:
      - text: Look at the positioning here
        style: analysis
`

// testConfig parses yaml plus any extra top-level sections.
func testConfig(t *testing.T, extra string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(baseYAML + extra))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

// testProviders returns providers with a mock generator and line writer.
func testProviders() *app.Providers {
	return &app.Providers{
		Generator:     &vgmock.Generator{},
		GeneratorName: "mock",
		LineWriter:    &lwmock.Writer{},
	}
}

// memStore is an in-memory cliplib.Store.
type memStore struct {
	mu      sync.Mutex
	clips   []cliplib.StoredClip
	deleted []string
}

func (s *memStore) SaveClip(_ context.Context, speaker string, clip audio.Clip, category audio.Category) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clips = append(s.clips, cliplib.StoredClip{Speaker: speaker, Category: category, Clip: clip})
	return nil
}

func (s *memStore) DeleteClip(_ context.Context, _, clipID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, clipID)
	return nil
}

func (s *memStore) LoadAll(context.Context) ([]cliplib.StoredClip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]cliplib.StoredClip(nil), s.clips...), nil
}

func (s *memStore) saved() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clips)
}

func toneClip(t *testing.T) audio.Clip {
	t.Helper()
	c, err := audio.NewClip(vgmock.Tone(time.Second, 16000), 16000,
		audio.Quality{Clarity: 0.9, Naturalness: 1, EmotionalMatch: 1}, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func newApp(t *testing.T, cfg *config.Config, opts ...app.Option) *app.App {
	t.Helper()
	opts = append([]app.Option{app.WithMetrics(observe.DefaultMetrics())}, opts...)
	a, err := app.New(context.Background(), cfg, testProviders(), opts...)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return a
}

func TestNew_SeedsSpeakers(t *testing.T) {
	t.Parallel()

	a := newApp(t, testConfig(t, ""))
	eng := a.Engine()

	if got := eng.Speakers(); len(got) != 2 || got[0] != "analyst" || got[1] != "caster" {
		t.Fatalf("Speakers() = %v, want [analyst caster]", got)
	}

	caster := eng.Session("caster")
	if caster.Persona != "loud play-by-play caster" {
		t.Errorf("persona = %q", caster.Persona)
	}
	if n := caster.Library.Len(); n != 2 {
		t.Errorf("caster lines = %d, want 2", n)
	}
	if p := caster.Personality(); p.Enthusiasm != 0.9 || p.Humor != 0.2 {
		t.Errorf("caster personality = %+v", p)
	}
	if p := eng.Session("analyst").Personality(); p != commentary.DefaultPersonality {
		t.Errorf("analyst personality = %+v, want default", p)
	}
}

func TestNew_HydratesFromStore(t *testing.T) {
	t.Parallel()

	store := &memStore{}
	for range 3 {
		_ = store.SaveClip(context.Background(), "caster", toneClip(t), audio.CategoryGameplay)
	}

	a := newApp(t, testConfig(t, ""), app.WithClipStore(store))

	stats, err := a.Engine().ClipStats("caster")
	if err != nil {
		t.Fatalf("ClipStats: %v", err)
	}
	if stats.Total != 3 {
		t.Errorf("Total = %d, want 3", stats.Total)
	}
	if store.saved() != 3 {
		t.Errorf("hydration re-persisted clips: %d saved", store.saved())
	}

	if err := a.Engine().AddClip(context.Background(), "caster", toneClip(t), audio.CategoryInterview); err != nil {
		t.Fatal(err)
	}
	if store.saved() != 4 {
		t.Errorf("saved = %d after ingest, want 4", store.saved())
	}
}

func TestNew_InvalidPlayback(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "")
	cfg.Playback.Enabled = true
	cfg.Playback.SampleRate = 44100

	_, err := app.New(context.Background(), cfg, testProviders(), app.WithMetrics(observe.DefaultMetrics()))
	if err == nil {
		t.Fatal("New() succeeded with a non-Opus sample rate")
	}
}

func TestNew_InvalidCron(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "scheduler:\n  retrain_cron: not a cron\n")
	_, err := app.New(context.Background(), cfg, testProviders(), app.WithMetrics(observe.DefaultMetrics()))
	if err == nil || !strings.Contains(err.Error(), "scheduler") {
		t.Fatalf("New() error = %v, want scheduler error", err)
	}
}

func TestDecide_DeliversToSink(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		played []string
	)
	sink := engine.SinkFunc(func(_ context.Context, speaker string, _ audio.Clip) error {
		mu.Lock()
		defer mu.Unlock()
		played = append(played, speaker)
		return nil
	})

	a := newApp(t, testConfig(t, ""), app.WithSink(sink))
	eng := a.Engine()
	ctx := context.Background()

	for range 3 {
		if err := eng.AddClip(ctx, "caster", toneClip(t), audio.CategoryGameplay); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := eng.Retrain(ctx, "caster"); err != nil {
		t.Fatalf("Retrain: %v", err)
	}

	clip, err := eng.Decide(ctx, "caster", commentary.GameContext{IsClutchMoment: true, Excitement: 0.9})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if clip == nil {
		t.Fatal("Decide returned silence")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(played) != 1 || played[0] != "caster" {
		t.Errorf("played = %v, want [caster]", played)
	}
}

func TestDecide_NoGenerator(t *testing.T) {
	t.Parallel()

	a, err := app.New(context.Background(), testConfig(t, ""), &app.Providers{}, app.WithMetrics(observe.DefaultMetrics()))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	eng := a.Engine()
	ctx := context.Background()
	for range 3 {
		if err := eng.AddClip(ctx, "caster", toneClip(t), audio.CategoryGameplay); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := eng.Retrain(ctx, "caster"); err != nil {
		t.Fatal(err)
	}

	clip, err := eng.Decide(ctx, "caster", commentary.GameContext{IsClutchMoment: true})
	if clip != nil {
		t.Error("spoke without a generator")
	}
	if !errors.Is(err, app.ErrNoGenerator) {
		t.Errorf("Decide error = %v, want ErrNoGenerator", err)
	}
}

func TestRunAndShutdown(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "playback:\n  enabled: true\n")
	a, err := app.New(context.Background(), cfg, &app.Providers{
		Generator: &vgmock.Generator{},
		Checks: []health.Checker{{
			Name:  "generator",
			Check: func(context.Context) error { return nil },
		}},
	}, app.WithMetrics(observe.DefaultMetrics()))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	base := "http://" + a.Addr().String()
	get := func(path string) (int, string) {
		t.Helper()
		var lastErr error
		for range 50 {
			resp, err := http.Get(base + path)
			if err != nil {
				lastErr = err
				time.Sleep(20 * time.Millisecond)
				continue
			}
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return resp.StatusCode, string(body)
		}
		t.Fatalf("GET %s: %v", path, lastErr)
		return 0, ""
	}

	if code, body := get("/readyz"); code != http.StatusOK || !strings.Contains(body, "generator") {
		t.Errorf("/readyz = %d %s", code, body)
	}
	if code, body := get("/v1/speakers"); code != http.StatusOK || !strings.Contains(body, "caster") {
		t.Errorf("/v1/speakers = %d %s", code, body)
	}
	if code, _ := get(config.DefaultPlaybackPath); code == http.StatusNotFound {
		t.Errorf("playback route not mounted")
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := a.Shutdown(shutdownCtx); err != nil {
		t.Errorf("Shutdown() = %v", err)
	}
	// Second call is a no-op.
	if err := a.Shutdown(shutdownCtx); err != nil {
		t.Errorf("second Shutdown() = %v", err)
	}
	if _, err := http.Get(base + "/healthz"); err == nil {
		t.Error("server still accepting requests after shutdown")
	}
}
