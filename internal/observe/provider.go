package observe

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Bucket boundaries for the castvoice histograms, installed as views so they
// hold whatever an instrument advises.
var (
	// synthesisBuckets cover one voice generator call, from a cached
	// local model to a slow remote TTS backend.
	synthesisBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30}

	// decideBuckets cover a whole decision cycle: selection plus up to
	// three synthesis attempts.
	decideBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 90}

	// trainingBuckets cover voice model training.
	trainingBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120}

	// gateAttemptBuckets put one attempt per bucket. Anything above the
	// retry budget lands in the overflow bucket.
	gateAttemptBuckets = []float64{1, 2, 3, 4, 5}

	// httpBuckets cover API requests; decide routes block on synthesis.
	httpBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
)

// Views returns the histogram views castvoice installs on its meter provider.
func Views() []sdkmetric.View {
	bucket := func(name string, bounds []float64) sdkmetric.View {
		return sdkmetric.NewView(
			sdkmetric.Instrument{Name: name},
			sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{Boundaries: bounds}},
		)
	}
	return []sdkmetric.View{
		bucket("castvoice.synthesis.duration", synthesisBuckets),
		bucket("castvoice.linewriter.duration", synthesisBuckets),
		bucket("castvoice.decide.duration", decideBuckets),
		bucket("castvoice.training.duration", trainingBuckets),
		bucket("castvoice.gate.attempts", gateAttemptBuckets),
		bucket("castvoice.http.request.duration", httpBuckets),
	}
}

// ProviderConfig configures the OpenTelemetry SDK providers.
type ProviderConfig struct {
	// ServiceName is reported in telemetry. Default: "castvoice".
	ServiceName string

	// ServiceVersion is reported in telemetry.
	ServiceVersion string

	// TraceExporter receives finished spans. Nil records spans without
	// exporting them.
	TraceExporter sdktrace.SpanExporter

	// TraceSampleRatio samples that share of new traces. Zero samples
	// everything; a negative ratio samples nothing. Continued traces follow
	// the caller's decision.
	TraceSampleRatio float64

	// Registerer is where the Prometheus bridge registers. Nil means the
	// default registry served by promhttp.Handler.
	Registerer prometheus.Registerer

	// Readers are extra metric readers, e.g. a periodic OTLP exporter.
	Readers []sdkmetric.Reader
}

// sampler maps TraceSampleRatio to a parent-based sampler.
func (c ProviderConfig) sampler() sdktrace.Sampler {
	switch r := c.TraceSampleRatio; {
	case r < 0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	case r == 0 || r >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(r))
	}
}

// NewMeterProvider builds the castvoice meter provider: the Prometheus bridge
// on cfg.Registerer plus cfg.Readers, all with [Views] applied.
func NewMeterProvider(cfg ProviderConfig, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	var promOpts []promexporter.Option
	if cfg.Registerer != nil {
		promOpts = append(promOpts, promexporter.WithRegisterer(cfg.Registerer))
	}
	promExp, err := promexporter.New(promOpts...)
	if err != nil {
		return nil, err
	}

	opts := []sdkmetric.Option{
		sdkmetric.WithReader(promExp),
		sdkmetric.WithView(Views()...),
	}
	if res != nil {
		opts = append(opts, sdkmetric.WithResource(res))
	}
	for _, r := range cfg.Readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}
	return sdkmetric.NewMeterProvider(opts...), nil
}

// InitProvider installs the castvoice meter and tracer providers as the
// global OTel providers. Call it before [DefaultMetrics]. The returned
// function flushes and closes both; call it on shutdown.
func InitProvider(ctx context.Context, cfg ProviderConfig) (shutdown func(context.Context) error, err error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "castvoice"
	}
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	mp, err := NewMeterProvider(cfg, res)
	if err != nil {
		return nil, err
	}

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(cfg.sampler()),
	}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}
