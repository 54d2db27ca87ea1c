// Command castvoice is the main entry point for the castvoice commentary
// server.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MrWong99/castvoice/internal/app"
	"github.com/MrWong99/castvoice/internal/config"
	"github.com/MrWong99/castvoice/internal/observe"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

var (
	configPath string
	envFiles   []string
)

var rootCmd = &cobra.Command{
	Use:           "castvoice",
	Short:         "castvoice - procedural esports commentary in a cloned voice",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the commentary server (HTTP API, playback, events, scheduler)",
	RunE:  runServe,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration and print a summary",
	RunE:  runCheck,
}

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List the built-in generator and line writer providers",
	RunE:  runProviders,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "castvoice", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML configuration file")
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", []string{".env"}, "dotenv files to load before reading the config")
	rootCmd.AddCommand(serveCmd, checkCmd, providersCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "castvoice: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads the dotenv files and the config file.
func loadConfig() (*config.Config, error) {
	if err := config.LoadDotEnv(envFiles...); err != nil {
		return nil, err
	}
	cfg, err := config.Load(configPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config file %q not found; copy configs/example.yaml to get started", configPath)
	}
	return cfg, err
}

func runServe(cmd *cobra.Command, _ []string) error {
	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(newLogger(os.Stderr, level))

	slog.Info("castvoice starting",
		"version", version,
		"config", configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	// Must run before anything calls observe.DefaultMetrics.
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "castvoice",
		ServiceVersion: version,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if err := otelShutdown(context.Background()); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		return fmt.Errorf("build providers: %w", err)
	}

	printStartupSummary(cmd.OutOrStdout(), cfg)

	application, err := app.New(ctx, cfg, providers, app.WithLogLevel(level))
	if err != nil {
		return fmt.Errorf("initialise application: %w", err)
	}

	// ── Hot reload ────────────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(configPath, application.ApplyConfig)
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	} else {
		runErr = nil
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutdown signal received, stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		return errors.Join(runErr, fmt.Errorf("shutdown: %w", err))
	}
	slog.Info("goodbye")
	return runErr
}

func runCheck(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	if err := checkProviders(cfg, reg); err != nil {
		return err
	}
	printStartupSummary(cmd.OutOrStdout(), cfg)
	fmt.Fprintln(cmd.OutOrStdout(), "config OK")
	return nil
}

func runProviders(cmd *cobra.Command, _ []string) error {
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	for _, kind := range []string{"generator", "line_writer"} {
		fmt.Fprintf(cmd.OutOrStdout(), "%s:\n", kind)
		for _, name := range reg.Names(kind) {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", name)
		}
	}
	return nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(w io.Writer, cfg *config.Config) {
	fmt.Fprintln(w, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(w, "║        castvoice startup summary      ║")
	fmt.Fprintln(w, "╠═══════════════════════════════════════╣")
	printProvider(w, "Generator", cfg.Providers.Generator.Name, cfg.Providers.Generator.Model)
	printProvider(w, "Line writer", cfg.Providers.LineWriter.Name, cfg.Providers.LineWriter.Model)
	fmt.Fprintf(w, "║  Fallbacks       : %-19s ║\n", fmt.Sprintf("%d gen / %d lw",
		len(cfg.Providers.GeneratorFallbacks), len(cfg.Providers.LineWriterFallbacks)))
	fmt.Fprintf(w, "║  Clip store      : %-19s ║\n", enabled(cfg.Storage.PostgresDSN != "", "postgres", "memory"))
	fmt.Fprintf(w, "║  NATS events     : %-19s ║\n", enabled(cfg.Events.NATSURL != "", cfg.Events.SubjectPrefix+".>", "(disabled)"))
	fmt.Fprintf(w, "║  Playback        : %-19s ║\n", enabled(cfg.Playback.Enabled, cfg.Playback.Path, "(disabled)"))
	fmt.Fprintf(w, "║  Speakers        : %-19d ║\n", len(cfg.Speakers))
	if cfg.Server.ListenAddr != "" {
		fmt.Fprintf(w, "║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Fprintln(w, "╚═══════════════════════════════════════╝")
}

func printProvider(w io.Writer, kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Fprintf(w, "║  %-12s    : %-19s ║\n", kind, value)
}

func enabled(on bool, yes, no string) string {
	if !on {
		return no
	}
	if len(yes) > 19 {
		return yes[:16] + "…"
	}
	return yes
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(w io.Writer, level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
