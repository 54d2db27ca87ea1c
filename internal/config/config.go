// Package config provides the configuration schema, loader, and provider
// registry for castvoice.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/castvoice/internal/cliplib"
	"github.com/MrWong99/castvoice/internal/commentary"
	"github.com/MrWong99/castvoice/internal/gate"
	"github.com/MrWong99/castvoice/internal/resilience"
	"github.com/MrWong99/castvoice/pkg/audio"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level converts l to a [slog.Level]. Unknown values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Engine    EngineConfig    `yaml:"engine"`
	Providers ProvidersConfig `yaml:"providers"`
	Storage   StorageConfig   `yaml:"storage"`
	Events    EventsConfig    `yaml:"events"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Playback  PlaybackConfig  `yaml:"playback"`
	Speakers  []SpeakerConfig `yaml:"speakers"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the HTTP API (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// ShutdownTimeout bounds graceful shutdown. Default: 10s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// EngineConfig holds the decision pipeline tunables. Everything here except
// OutputSampleRate and CategoryWeights can be hot-reloaded.
type EngineConfig struct {
	// Cooldown is the minimum time between two uses of the same line.
	Cooldown time.Duration `yaml:"cooldown"`

	// MaxRetries is the number of regenerations after a failed attempt. Nil
	// means [gate.DefaultMaxRetries]; zero disables retries.
	MaxRetries *int `yaml:"max_retries"`

	// Thresholds are the quality gate bars. Zero means the defaults.
	Thresholds gate.Thresholds `yaml:"thresholds"`

	MinTrainingClips int `yaml:"min_training_clips"`
	BaselineSize     int `yaml:"baseline_size"`
	TrainingSetSize  int `yaml:"training_set_size"`
	ReferenceCount   int `yaml:"reference_count"`

	// OutputSampleRate is the rate of every synthesised clip.
	OutputSampleRate int `yaml:"output_sample_rate"`

	// MinDuration and MaxDuration bound synthesised clip length.
	MinDuration time.Duration `yaml:"min_duration"`
	MaxDuration time.Duration `yaml:"max_duration"`

	// CategoryWeights weight clip categories in the library quality score.
	CategoryWeights *cliplib.Weights `yaml:"category_weights"`

	// Personality is the starting temperament of speakers without their own.
	Personality *commentary.Personality `yaml:"personality"`

	LibraryCapacity int `yaml:"library_capacity"`

	// DuplicateThreshold is the text similarity in (0, 1] at which a new
	// line is rejected as a near duplicate.
	DuplicateThreshold float64 `yaml:"duplicate_threshold"`

	// MinEligibleLines triggers a line refill when fewer lines survive
	// selection filters. Negative disables refills.
	MinEligibleLines int `yaml:"min_eligible_lines"`
	RefillCount      int `yaml:"refill_count"`

	// MinLineQuality rejects lines whose quality hint is below it.
	MinLineQuality float64 `yaml:"min_line_quality"`

	// RetireAfter drops generated lines unused for this long. Zero keeps them.
	RetireAfter time.Duration `yaml:"retire_after"`

	// IngestMinClarity drops recording segments below this clarity during
	// ingest. Zero means the default; negative keeps every segment.
	IngestMinClarity float64 `yaml:"ingest_min_clarity"`
}

// Retries returns the configured retry budget.
func (e EngineConfig) Retries() int {
	if e.MaxRetries == nil {
		return gate.DefaultMaxRetries
	}
	return *e.MaxRetries
}

// ProvidersConfig selects the voice generator and line writer backends. Each
// entry names a factory registered in the [Registry]; fallbacks are tried in
// order when the primary fails.
type ProvidersConfig struct {
	Generator           ProviderEntry   `yaml:"generator"`
	GeneratorFallbacks  []ProviderEntry `yaml:"generator_fallbacks"`
	LineWriter          ProviderEntry   `yaml:"line_writer"`
	LineWriterFallbacks []ProviderEntry `yaml:"line_writer_fallbacks"`

	// Resilience configures the circuit breaker of every backend.
	Resilience resilience.FallbackConfig `yaml:"resilience"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "coqui", "openai").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Timeout bounds a single request. Zero uses the provider default.
	Timeout time.Duration `yaml:"timeout"`

	// Options holds provider-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// StorageConfig configures clip persistence.
type StorageConfig struct {
	// PostgresDSN enables the Postgres clip store. Empty keeps clips in
	// memory only.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// EventsConfig configures game-context ingress over NATS.
type EventsConfig struct {
	// NATSURL enables the subscriber. Empty disables it.
	NATSURL string `yaml:"nats_url"`

	// SubjectPrefix is followed by ".<speaker>". Default: "castvoice.context".
	SubjectPrefix string `yaml:"subject_prefix"`

	// Queue is an optional NATS queue group for load sharing.
	Queue string `yaml:"queue"`
}

// SchedulerConfig configures background retraining and line retirement.
type SchedulerConfig struct {
	// RetrainCron is a cron spec (with optional seconds field) for retraining
	// every known speaker. Empty disables scheduled retraining.
	RetrainCron string `yaml:"retrain_cron"`

	// RetireCron is a cron spec for retiring stale generated lines.
	RetireCron string `yaml:"retire_cron"`

	// GrowthThreshold retrains a speaker after this many new clips. Zero
	// disables growth-triggered retraining.
	GrowthThreshold int `yaml:"growth_threshold"`
}

// PlaybackConfig configures the WebSocket playback hub and the optional
// Discord voice sink.
type PlaybackConfig struct {
	// Enabled turns the hub on.
	Enabled bool `yaml:"enabled"`

	// Path is the HTTP path subscribers connect to. Default: "/v1/playback".
	Path string `yaml:"path"`

	// FrameMillis is the Opus frame length: 10, 20, 40 or 60. Default: 20.
	FrameMillis int `yaml:"frame_ms"`

	// SampleRate is the Opus encoder rate: 8000, 12000, 16000, 24000 or
	// 48000. Default: 48000.
	SampleRate int `yaml:"sample_rate"`

	// Bitrate in bits per second. Zero uses the encoder default.
	Bitrate int `yaml:"bitrate"`

	// Discord additionally speaks clips into a Discord voice channel.
	Discord DiscordConfig `yaml:"discord"`
}

// DiscordConfig joins a bot to one guild voice channel. The sink is off while
// ChannelID is empty.
type DiscordConfig struct {
	// Token is the bot token. Prefer CASTVOICE_DISCORD_TOKEN.
	Token     string `yaml:"token"`
	GuildID   string `yaml:"guild_id"`
	ChannelID string `yaml:"channel_id"`

	// Speaker limits the channel to one speaker. Empty plays every speaker.
	Speaker string `yaml:"speaker"`

	// QueueSize is how many clips may wait for the channel. Default: 4.
	QueueSize int `yaml:"queue_size"`
}

// Enabled reports whether a voice channel is configured.
func (d DiscordConfig) Enabled() bool { return d.ChannelID != "" }

// SpeakerConfig declares a commentator and its seeded lines.
type SpeakerConfig struct {
	// ID is the speaker key used everywhere else.
	ID string `yaml:"id"`

	// Persona is a free-form style description passed to the line writer.
	Persona string `yaml:"persona"`

	// Personality overrides [EngineConfig.Personality] for this speaker.
	Personality *commentary.Personality `yaml:"personality"`

	Lines []LineConfig `yaml:"lines"`
}

// LineConfig is one seeded commentary line.
type LineConfig struct {
	Text        string           `yaml:"text"`
	Category    audio.Category   `yaml:"category"`
	Style       commentary.Style `yaml:"style"`
	Tags        []string         `yaml:"tags"`
	QualityHint float64          `yaml:"quality_hint"`
}

// Line converts lc to a seeded [commentary.Line].
func (lc LineConfig) Line() commentary.Line {
	return commentary.Line{
		Text:        lc.Text,
		Category:    lc.Category,
		Style:       lc.Style,
		Tags:        append([]string(nil), lc.Tags...),
		QualityHint: lc.QualityHint,
		Origin:      commentary.OriginSeeded,
	}
}
