package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/castvoice/internal/app"
	"github.com/MrWong99/castvoice/internal/config"
	"github.com/MrWong99/castvoice/internal/health"
	"github.com/MrWong99/castvoice/internal/resilience"
	"github.com/MrWong99/castvoice/pkg/provider/linewriter"
	"github.com/MrWong99/castvoice/pkg/provider/linewriter/anyllm"
	lwopenai "github.com/MrWong99/castvoice/pkg/provider/linewriter/openai"
	"github.com/MrWong99/castvoice/pkg/provider/voicegen"
	"github.com/MrWong99/castvoice/pkg/provider/voicegen/coqui"
	vgmock "github.com/MrWong99/castvoice/pkg/provider/voicegen/mock"
)

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the provider
// from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── Voice generators ──────────────────────────────────────────────────────

	reg.RegisterGenerator("coqui", func(entry config.ProviderEntry) (voicegen.Generator, error) {
		var opts []coqui.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if mode := optString(entry.Options, "api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		if entry.Timeout > 0 {
			opts = append(opts, coqui.WithTimeout(entry.Timeout))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	// mock speaks a synthetic tone; useful for wiring tests without a TTS
	// server.
	reg.RegisterGenerator("mock", func(config.ProviderEntry) (voicegen.Generator, error) {
		return &vgmock.Generator{}, nil
	})

	// ── Line writers ──────────────────────────────────────────────────────────

	reg.RegisterLineWriter("openai", func(entry config.ProviderEntry) (linewriter.Writer, error) {
		var opts []lwopenai.Option
		if entry.BaseURL != "" {
			opts = append(opts, lwopenai.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, lwopenai.WithOrganization(org))
		}
		if entry.Timeout > 0 {
			opts = append(opts, lwopenai.WithTimeout(entry.Timeout))
		}
		if t, ok := optFloat(entry.Options, "temperature"); ok {
			opts = append(opts, lwopenai.WithTemperature(t))
		}
		return lwopenai.New(entry.APIKey, entry.Model, opts...)
	})

	// anthropic, gemini, deepseek, mistral, groq, llamacpp and llamafile all
	// share the same pattern: optional APIKey + optional BaseURL.
	for _, providerName := range []string{
		"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLineWriter(providerName, func(entry config.ProviderEntry) (linewriter.Writer, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLineWriter("ollama", func(entry config.ProviderEntry) (linewriter.Writer, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	for _, kind := range []string{"generator", "line_writer"} {
		for _, name := range reg.Names(kind) {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// pinger is implemented by backends that can report their own reachability.
type pinger interface {
	Ping(ctx context.Context) error
}

// buildProviders instantiates all providers named in cfg using the registry
// and returns them in an [app.Providers] struct for the application to
// consume. Configured fallbacks are wrapped behind circuit breakers.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}
	pc := cfg.Providers

	if name := pc.Generator.Name; name != "" {
		primary, err := reg.CreateGenerator(pc.Generator)
		if err != nil {
			return nil, fmt.Errorf("create generator %q: %w", name, err)
		}
		slog.Info("provider created", "kind", "generator", "name", name)
		ps.Generator, ps.GeneratorName = primary, name
		if p, ok := primary.(pinger); ok {
			ps.Checks = append(ps.Checks, health.Checker{Name: "generator", Check: p.Ping, Optional: true})
		}

		if len(pc.GeneratorFallbacks) > 0 {
			fb := resilience.NewGeneratorFallback(primary, name, pc.Resilience)
			for _, entry := range pc.GeneratorFallbacks {
				g, err := reg.CreateGenerator(entry)
				if errors.Is(err, config.ErrProviderNotRegistered) {
					slog.Warn("fallback provider not registered, skipping", "kind", "generator", "name", entry.Name)
					continue
				} else if err != nil {
					return nil, fmt.Errorf("create generator fallback %q: %w", entry.Name, err)
				}
				fb.AddFallback(entry.Name, g)
				slog.Info("fallback provider created", "kind", "generator", "name", entry.Name)
			}
			ps.Generator = fb
		}
	}

	if name := pc.LineWriter.Name; name != "" {
		primary, err := reg.CreateLineWriter(pc.LineWriter)
		if err != nil {
			return nil, fmt.Errorf("create line writer %q: %w", name, err)
		}
		slog.Info("provider created", "kind", "line_writer", "name", name)
		ps.LineWriter = primary

		if len(pc.LineWriterFallbacks) > 0 {
			fb := resilience.NewLineWriterFallback(primary, name, pc.Resilience)
			for _, entry := range pc.LineWriterFallbacks {
				w, err := reg.CreateLineWriter(entry)
				if errors.Is(err, config.ErrProviderNotRegistered) {
					slog.Warn("fallback provider not registered, skipping", "kind", "line_writer", "name", entry.Name)
					continue
				} else if err != nil {
					return nil, fmt.Errorf("create line writer fallback %q: %w", entry.Name, err)
				}
				fb.AddFallback(entry.Name, w)
				slog.Info("fallback provider created", "kind", "line_writer", "name", entry.Name)
			}
			ps.LineWriter = fb
		}
	}

	return ps, nil
}

// checkProviders reports configured provider names with no registered
// factory.
func checkProviders(cfg *config.Config, reg *config.Registry) error {
	var errs []error
	check := func(kind, name string) {
		if name == "" {
			return
		}
		if slices.Contains(reg.Names(kind), name) {
			return
		}
		errs = append(errs, fmt.Errorf("%w: %s/%q", config.ErrProviderNotRegistered, kind, name))
	}
	check("generator", cfg.Providers.Generator.Name)
	for _, e := range cfg.Providers.GeneratorFallbacks {
		check("generator", e.Name)
	}
	check("line_writer", cfg.Providers.LineWriter.Name)
	for _, e := range cfg.Providers.LineWriterFallbacks {
		check("line_writer", e.Name)
	}
	return errors.Join(errs...)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	v, ok := opts[key].(string)
	if !ok {
		return ""
	}
	return v
}

// optFloat extracts a number from a provider Options map. YAML decodes
// integers as int, so both are accepted.
func optFloat(opts map[string]any, key string) (float64, bool) {
	switch v := opts[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}
