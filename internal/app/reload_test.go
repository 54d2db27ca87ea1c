package app

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/castvoice/internal/config"
	"github.com/MrWong99/castvoice/internal/gate"
	"github.com/MrWong99/castvoice/internal/observe"
	vgmock "github.com/MrWong99/castvoice/pkg/provider/voicegen/mock"
)

const reloadYAML = `
server:
  listen_addr: "127.0.0.1:0"
speakers:
  - id: caster
    lines:
      - text: What a play!
`

func loadConfig(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

func TestApplyConfig(t *testing.T) {
	t.Parallel()

	old := loadConfig(t, reloadYAML)
	lv := new(slog.LevelVar)
	a, err := New(context.Background(), old, &Providers{Generator: &vgmock.Generator{}},
		WithMetrics(observe.DefaultMetrics()), WithLogLevel(lv))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	updated := loadConfig(t, `
server:
  listen_addr: "127.0.0.1:0"
  log_level: debug
engine:
  cooldown: 5m
  max_retries: 0
  thresholds:
    clarity: 0.5
    naturalness: 0.5
    emotional_match: 0.5
  min_training_clips: 7
  min_line_quality: 0.9
  refill_count: 9
scheduler:
  growth_threshold: 4
speakers:
  - id: caster
    persona: calm analyst
    personality:
      enthusiasm: 0.1
      knowledge: 1
      humor: 0
      professionalism: 1
    lines:
      - text: What a play!
      - text: Textbook rotation from the defenders
  - id: rookie
    lines:
      - text: Here we go
`)
	before := a.engine.Session("caster").Personality()
	a.ApplyConfig(old, updated)

	if lv.Level() != slog.LevelDebug {
		t.Errorf("log level = %v, want debug", lv.Level())
	}
	th, retries := a.gate.Settings()
	if th != (gate.Thresholds{Clarity: 0.5, Naturalness: 0.5, EmotionalMatch: 0.5}) || retries != 0 {
		t.Errorf("gate settings = %+v, %d", th, retries)
	}
	if got := a.selector.Cooldown(); got != 5*time.Minute {
		t.Errorf("cooldown = %v, want 5m", got)
	}
	if got := a.minLineQuality(); got != 0.9 {
		t.Errorf("min line quality = %v, want 0.9", got)
	}
	if got := a.engine.Settings().RefillCount; got != 9 {
		t.Errorf("refill count = %d, want 9", got)
	}

	caster := a.engine.Session("caster")
	if caster.Persona != "calm analyst" {
		t.Errorf("persona = %q", caster.Persona)
	}
	if caster.Library.Len() != 2 {
		t.Errorf("caster lines = %d, want 2", caster.Library.Len())
	}
	if p := caster.Baseline(); p.Enthusiasm != 0.1 {
		t.Errorf("caster baseline enthusiasm = %v, want 0.1", p.Enthusiasm)
	}
	if p := caster.Personality(); p != before {
		t.Errorf("reload reset the live personality to %+v, want %+v", p, before)
	}
	if got := caster.Library.Cooldown(); got != 5*time.Minute {
		t.Errorf("caster eviction cooldown = %v, want 5m", got)
	}
	if a.engine.Session("rookie").Library.Len() != 1 {
		t.Error("added speaker was not seeded")
	}
	if a.cfg.Load() != updated {
		t.Error("current config not replaced")
	}
}

func TestApplyConfig_NoChange(t *testing.T) {
	t.Parallel()

	cfg := loadConfig(t, reloadYAML)
	a, err := New(context.Background(), cfg, nil, WithMetrics(observe.DefaultMetrics()))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	same := loadConfig(t, reloadYAML)
	a.ApplyConfig(cfg, same)
	if a.cfg.Load() != cfg {
		t.Error("an empty diff replaced the config")
	}
	if a.engine.Session("caster").Library.Len() != 1 {
		t.Error("an empty diff reseeded lines")
	}
}

func TestEngineSettings(t *testing.T) {
	t.Parallel()

	cfg := loadConfig(t, "engine:\n  min_eligible_lines: -1\n")
	s := engineSettings(cfg.Engine)
	if s.MinEligible != 0 {
		t.Errorf("MinEligible = %d, want refills disabled", s.MinEligible)
	}
	if s.TrainingSetSize != config.DefaultTrainingSetSize || s.RefillCount != config.DefaultRefillCount {
		t.Errorf("settings = %+v", s)
	}
}

func TestEngineSettings_IngestAndDuplicates(t *testing.T) {
	t.Parallel()

	cfg := loadConfig(t, `
engine:
  min_duration: 1s
  max_duration: 4s
  duplicate_threshold: 0.8
  ingest_min_clarity: -1
`)
	s := engineSettings(cfg.Engine)
	if s.DuplicateThreshold != 0.8 {
		t.Errorf("DuplicateThreshold = %v, want 0.8", s.DuplicateThreshold)
	}
	if s.Ingest.MinDuration != time.Second || s.Ingest.MaxDuration != 4*time.Second || s.Ingest.MinClarity != -1 {
		t.Errorf("Ingest = %+v", s.Ingest)
	}
}
