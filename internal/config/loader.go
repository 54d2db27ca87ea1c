package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/castvoice/internal/cliplib"
	"github.com/MrWong99/castvoice/internal/commentary"
	"github.com/MrWong99/castvoice/internal/gate"
	"github.com/MrWong99/castvoice/internal/synth"
	"github.com/MrWong99/castvoice/internal/voicemodel"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"generator":   {"coqui", "mock"},
	"line_writer": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
}

// Defaults used by [ApplyDefaults].
const (
	DefaultListenAddr      = ":8080"
	DefaultShutdownTimeout = 10 * time.Second
	DefaultSubjectPrefix   = "castvoice.context"
	DefaultPlaybackPath    = "/v1/playback"
	DefaultFrameMillis     = 20
	DefaultOpusRate        = 48000
	DefaultTrainingSetSize = 32
	DefaultReferenceCount  = 4
	DefaultMinEligible     = 2
	DefaultRefillCount     = 5
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with environment overrides merged in and defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := load(f, true)
	if err != nil {
		return nil, fmt.Errorf("config: %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Environment overrides are not applied.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	return load(r, false)
}

func load(r io.Reader, withEnv bool) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, err
	}
	if withEnv {
		if err := ApplyEnv(cfg); err != nil {
			return nil, err
		}
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

// Env holds the settings that may be overridden from the environment. Names
// carry the CASTVOICE_ prefix, e.g. CASTVOICE_POSTGRES_DSN.
type Env struct {
	ListenAddr       string `envconfig:"LISTEN_ADDR"`
	LogLevel         string `envconfig:"LOG_LEVEL"`
	PostgresDSN      string `envconfig:"POSTGRES_DSN"`
	NATSURL          string `envconfig:"NATS_URL"`
	GeneratorURL     string `envconfig:"GENERATOR_URL"`
	GeneratorAPIKey  string `envconfig:"GENERATOR_API_KEY"`
	LineWriterAPIKey string `envconfig:"LINE_WRITER_API_KEY"`
	LineWriterModel  string `envconfig:"LINE_WRITER_MODEL"`
	DiscordToken     string `envconfig:"DISCORD_TOKEN"`
}

// LoadDotEnv loads variables from the given .env files into the process
// environment without overriding variables that are already set. Missing
// files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	var existing []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("config: load %s: %w", strings.Join(existing, ", "), err)
	}
	return nil
}

// ApplyEnv overlays non-empty CASTVOICE_* environment variables onto cfg.
func ApplyEnv(cfg *Config) error {
	var env Env
	if err := envconfig.Process("castvoice", &env); err != nil {
		return fmt.Errorf("config: environment: %w", err)
	}
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.Server.ListenAddr, env.ListenAddr)
	if env.LogLevel != "" {
		cfg.Server.LogLevel = LogLevel(env.LogLevel)
	}
	set(&cfg.Storage.PostgresDSN, env.PostgresDSN)
	set(&cfg.Events.NATSURL, env.NATSURL)
	set(&cfg.Providers.Generator.BaseURL, env.GeneratorURL)
	set(&cfg.Providers.Generator.APIKey, env.GeneratorAPIKey)
	set(&cfg.Providers.LineWriter.APIKey, env.LineWriterAPIKey)
	set(&cfg.Providers.LineWriter.Model, env.LineWriterModel)
	set(&cfg.Playback.Discord.Token, env.DiscordToken)
	return nil
}

// ApplyDefaults fills every unset field with its production default.
func ApplyDefaults(cfg *Config) {
	s := &cfg.Server
	if s.ListenAddr == "" {
		s.ListenAddr = DefaultListenAddr
	}
	if s.LogLevel == "" {
		s.LogLevel = LogInfo
	}
	if s.ShutdownTimeout <= 0 {
		s.ShutdownTimeout = DefaultShutdownTimeout
	}

	e := &cfg.Engine
	if e.Cooldown <= 0 {
		e.Cooldown = commentary.DefaultCooldown
	}
	if e.Thresholds == (gate.Thresholds{}) {
		e.Thresholds = gate.DefaultThresholds
	}
	intDefault(&e.MinTrainingClips, voicemodel.DefaultMinClips)
	intDefault(&e.BaselineSize, voicemodel.DefaultBaselineSize)
	intDefault(&e.TrainingSetSize, DefaultTrainingSetSize)
	intDefault(&e.ReferenceCount, DefaultReferenceCount)
	intDefault(&e.OutputSampleRate, synth.DefaultOutputRate)
	intDefault(&e.LibraryCapacity, commentary.DefaultCapacity)
	intDefault(&e.RefillCount, DefaultRefillCount)
	if e.MinEligibleLines == 0 {
		e.MinEligibleLines = DefaultMinEligible
	}
	if e.MinDuration <= 0 {
		e.MinDuration = synth.DefaultMinDuration
	}
	if e.MaxDuration <= 0 {
		e.MaxDuration = synth.DefaultMaxDuration
	}
	if e.CategoryWeights == nil {
		w := cliplib.DefaultWeights
		e.CategoryWeights = &w
	}
	if e.Personality == nil {
		p := commentary.DefaultPersonality
		e.Personality = &p
	}
	if e.MinLineQuality == 0 {
		e.MinLineQuality = commentary.DefaultQualityThreshold
	}
	if e.DuplicateThreshold == 0 {
		e.DuplicateThreshold = commentary.DefaultDuplicateThreshold
	}

	if cfg.Events.SubjectPrefix == "" {
		cfg.Events.SubjectPrefix = DefaultSubjectPrefix
	}
	p := &cfg.Playback
	if p.Path == "" {
		p.Path = DefaultPlaybackPath
	}
	intDefault(&p.FrameMillis, DefaultFrameMillis)
	intDefault(&p.SampleRate, DefaultOpusRate)
}

func intDefault(dst *int, v int) {
	if *dst <= 0 {
		*dst = v
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	e := cfg.Engine
	if e.MaxRetries != nil && *e.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("engine.max_retries %d must not be negative", *e.MaxRetries))
	}
	if err := e.Thresholds.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("engine.thresholds: %w", err))
	}
	if e.MinDuration > 0 && e.MaxDuration > 0 && e.MinDuration >= e.MaxDuration {
		errs = append(errs, fmt.Errorf("engine.min_duration %v must be below max_duration %v", e.MinDuration, e.MaxDuration))
	}
	if e.Personality != nil {
		if err := e.Personality.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("engine.personality: %w", err))
		}
	}
	if w := e.CategoryWeights; w != nil && (w.Gameplay < 0 || w.Interview < 0 || w.Casual < 0) {
		errs = append(errs, errors.New("engine.category_weights must not be negative"))
	}
	if e.MinLineQuality < 0 || e.MinLineQuality > 1 {
		errs = append(errs, fmt.Errorf("engine.min_line_quality %v is out of range [0, 1]", e.MinLineQuality))
	}
	if e.DuplicateThreshold < 0 || e.DuplicateThreshold > 1 {
		errs = append(errs, fmt.Errorf("engine.duplicate_threshold %v is out of range (0, 1]", e.DuplicateThreshold))
	}
	if e.IngestMinClarity > 1 {
		errs = append(errs, fmt.Errorf("engine.ingest_min_clarity %v must not exceed 1", e.IngestMinClarity))
	}

	validateProviderName("generator", cfg.Providers.Generator.Name)
	for _, fb := range cfg.Providers.GeneratorFallbacks {
		validateProviderName("generator", fb.Name)
	}
	validateProviderName("line_writer", cfg.Providers.LineWriter.Name)
	for _, fb := range cfg.Providers.LineWriterFallbacks {
		validateProviderName("line_writer", fb.Name)
	}
	if cfg.Providers.Generator.Name == "" {
		slog.Warn("providers.generator is not configured; no speaker will ever speak")
	}

	switch cfg.Playback.FrameMillis {
	case 0, 10, 20, 40, 60:
	default:
		errs = append(errs, fmt.Errorf("playback.frame_ms %d is invalid; valid values: 10, 20, 40, 60", cfg.Playback.FrameMillis))
	}
	switch cfg.Playback.SampleRate {
	case 0, 8000, 12000, 16000, 24000, 48000:
	default:
		errs = append(errs, fmt.Errorf("playback.sample_rate %d is not an Opus rate", cfg.Playback.SampleRate))
	}

	if dc := cfg.Playback.Discord; dc.Enabled() {
		if dc.GuildID == "" {
			errs = append(errs, errors.New("playback.discord.guild_id is required with channel_id"))
		}
		if dc.Token == "" {
			errs = append(errs, errors.New("playback.discord.token (or CASTVOICE_DISCORD_TOKEN) is required with channel_id"))
		}
		if dc.QueueSize < 0 {
			errs = append(errs, fmt.Errorf("playback.discord.queue_size %d must not be negative", dc.QueueSize))
		}
	}

	if cfg.Scheduler.GrowthThreshold < 0 {
		errs = append(errs, fmt.Errorf("scheduler.growth_threshold %d must not be negative", cfg.Scheduler.GrowthThreshold))
	}

	seen := make(map[string]int, len(cfg.Speakers))
	for i, sp := range cfg.Speakers {
		prefix := fmt.Sprintf("speakers[%d]", i)
		if sp.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
		} else {
			if prev, ok := seen[sp.ID]; ok {
				errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of speakers[%d]", prefix, sp.ID, prev))
			}
			seen[sp.ID] = i
		}
		if sp.Personality != nil {
			if err := sp.Personality.Validate(); err != nil {
				errs = append(errs, fmt.Errorf("%s.personality: %w", prefix, err))
			}
		}
		for j, l := range sp.Lines {
			lp := fmt.Sprintf("%s.lines[%d]", prefix, j)
			if strings.TrimSpace(l.Text) == "" {
				errs = append(errs, fmt.Errorf("%s.text is required", lp))
			}
			if l.Style != "" && !l.Style.IsValid() {
				errs = append(errs, fmt.Errorf("%s.style %q is invalid; valid values: %v", lp, l.Style, commentary.Styles))
			}
			if l.QualityHint < 0 || l.QualityHint > 1 {
				errs = append(errs, fmt.Errorf("%s.quality_hint %v is out of range [0, 1]", lp, l.QualityHint))
			}
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	if slices.Contains(ValidProviderNames[kind], name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", ValidProviderNames[kind],
	)
}
