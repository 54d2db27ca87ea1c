// Package observe provides application-wide observability primitives for
// castvoice: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all castvoice metrics.
const meterName = "github.com/MrWong99/castvoice"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// DecideDuration tracks the end-to-end latency of one commentary decision.
	DecideDuration metric.Float64Histogram

	// SynthesisDuration tracks a single synthesis attempt, including
	// post-processing.
	SynthesisDuration metric.Float64Histogram

	// TrainingDuration tracks voice model training runs.
	TrainingDuration metric.Float64Histogram

	// LineWriterDuration tracks generative line refills.
	LineWriterDuration metric.Float64Histogram

	// GateAttempts records how many synthesis attempts a request consumed.
	GateAttempts metric.Int64Histogram

	// --- Counters ---

	// Decisions counts commentary decisions. Use with attributes:
	//   attribute.String("speaker", ...), attribute.String("outcome", ...)
	Decisions metric.Int64Counter

	// GateOutcomes counts per-attempt gate states. Use with attribute:
	//   attribute.String("state", ...)
	GateOutcomes metric.Int64Counter

	// TrainingRuns counts training runs. Use with attributes:
	//   attribute.String("speaker", ...), attribute.String("status", ...)
	TrainingRuns metric.Int64Counter

	// ClipsIngested counts clips added to the library. Use with attribute:
	//   attribute.String("category", ...)
	ClipsIngested metric.Int64Counter

	// ClipsRejected counts recording segments dropped during ingest. Use
	// with attribute:
	//   attribute.String("reason", ...)
	ClipsRejected metric.Int64Counter

	// LinesGenerated counts lines accepted from the line writer.
	LinesGenerated metric.Int64Counter

	// ProviderRequests counts provider calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ModelVersion tracks the installed model version per speaker. It is an
	// up-down counter fed with version deltas.
	ModelVersion metric.Int64UpDownCounter

	// ActiveSpeakers tracks the number of speakers with engine state.
	ActiveSpeakers metric.Int64UpDownCounter

	// PlaybackSubscribers tracks connected playback listeners.
	PlaybackSubscribers metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...),
	//   attribute.String("status", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// synthesis and decision latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.DecideDuration, err = m.Float64Histogram("castvoice.decide.duration",
		metric.WithDescription("Latency of one commentary decision."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SynthesisDuration, err = m.Float64Histogram("castvoice.synthesis.duration",
		metric.WithDescription("Latency of a single synthesis attempt."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TrainingDuration, err = m.Float64Histogram("castvoice.training.duration",
		metric.WithDescription("Latency of voice model training."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LineWriterDuration, err = m.Float64Histogram("castvoice.linewriter.duration",
		metric.WithDescription("Latency of generative line refills."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.GateAttempts, err = m.Int64Histogram("castvoice.gate.attempts",
		metric.WithDescription("Synthesis attempts consumed per request."),
		metric.WithExplicitBucketBoundaries(1, 2, 3, 4, 5),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Decisions, err = m.Int64Counter("castvoice.decisions",
		metric.WithDescription("Commentary decisions by speaker and outcome."),
	); err != nil {
		return nil, err
	}
	if met.GateOutcomes, err = m.Int64Counter("castvoice.gate.outcomes",
		metric.WithDescription("Quality gate states per attempt."),
	); err != nil {
		return nil, err
	}
	if met.TrainingRuns, err = m.Int64Counter("castvoice.training.runs",
		metric.WithDescription("Voice model training runs by speaker and status."),
	); err != nil {
		return nil, err
	}
	if met.ClipsIngested, err = m.Int64Counter("castvoice.clips.ingested",
		metric.WithDescription("Clips added to the library by category."),
	); err != nil {
		return nil, err
	}
	if met.ClipsRejected, err = m.Int64Counter("castvoice.clips.rejected",
		metric.WithDescription("Recording segments dropped during ingest by reason."),
	); err != nil {
		return nil, err
	}
	if met.LinesGenerated, err = m.Int64Counter("castvoice.lines.generated",
		metric.WithDescription("Generated commentary lines accepted into a library."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("castvoice.provider.requests",
		metric.WithDescription("Total provider requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("castvoice.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ModelVersion, err = m.Int64UpDownCounter("castvoice.model.version",
		metric.WithDescription("Installed voice model version per speaker."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSpeakers, err = m.Int64UpDownCounter("castvoice.active_speakers",
		metric.WithDescription("Number of speakers with engine state."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackSubscribers, err = m.Int64UpDownCounter("castvoice.playback.subscribers",
		metric.WithDescription("Number of connected playback listeners."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("castvoice.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route pattern and status class."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordDecision records one commentary decision with its outcome.
func (m *Metrics) RecordDecision(ctx context.Context, speaker, outcome string) {
	m.Decisions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("speaker", speaker),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordGateState records one quality gate attempt ending in state.
func (m *Metrics) RecordGateState(ctx context.Context, state string) {
	m.GateOutcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}

// RecordTraining records a training run and, on success, moves the version
// gauge by delta.
func (m *Metrics) RecordTraining(ctx context.Context, speaker, status string, delta int64) {
	m.TrainingRuns.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("speaker", speaker),
			attribute.String("status", status),
		),
	)
	if delta != 0 {
		m.ModelVersion.Add(ctx, delta, metric.WithAttributes(attribute.String("speaker", speaker)))
	}
}

// RecordClipIngested records a clip added to the library.
func (m *Metrics) RecordClipIngested(ctx context.Context, category string) {
	m.ClipsIngested.Add(ctx, 1, metric.WithAttributes(attribute.String("category", category)))
}

// RecordClipRejected records a recording segment dropped during ingest.
func (m *Metrics) RecordClipRejected(ctx context.Context, reason string) {
	m.ClipsRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
