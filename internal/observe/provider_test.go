package observe

import (
	"context"
	"slices"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newViewedMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader, *prometheus.Registry) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	reg := prometheus.NewRegistry()
	mp, err := NewMeterProvider(ProviderConfig{Registerer: reg, Readers: []sdkmetric.Reader{reader}}, nil)
	if err != nil {
		t.Fatalf("NewMeterProvider: %v", err)
	}
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader, reg
}

func TestViews_BucketBoundaries(t *testing.T) {
	m, reader, _ := newViewedMetrics(t)
	ctx := context.Background()

	m.SynthesisDuration.Record(ctx, 12, metric.WithAttributes(attribute.String("provider", "coqui")))
	m.DecideDuration.Record(ctx, 45)
	m.TrainingDuration.Record(ctx, 0.2)
	m.GateAttempts.Record(ctx, 3)
	m.HTTPRequestDuration.Record(ctx, 0.002)

	rm := collect(t, reader)
	tests := []struct {
		name   string
		bounds []float64
		bucket int
	}{
		{"castvoice.synthesis.duration", synthesisBuckets, 8},
		{"castvoice.decide.duration", decideBuckets, 10},
		{"castvoice.training.duration", trainingBuckets, 3},
		{"castvoice.http.request.duration", httpBuckets, 0},
	}
	for _, tc := range tests {
		met := findMetric(rm, tc.name)
		if met == nil {
			t.Errorf("%s not recorded", tc.name)
			continue
		}
		hist, ok := met.Data.(metricdata.Histogram[float64])
		if !ok || len(hist.DataPoints) != 1 {
			t.Errorf("%s data = %+v", tc.name, met.Data)
			continue
		}
		dp := hist.DataPoints[0]
		if !slices.Equal(dp.Bounds, tc.bounds) {
			t.Errorf("%s bounds = %v, want %v", tc.name, dp.Bounds, tc.bounds)
		}
		if dp.BucketCounts[tc.bucket] != 1 {
			t.Errorf("%s bucket counts = %v, want the sample in bucket %d", tc.name, dp.BucketCounts, tc.bucket)
		}
	}

	met := findMetric(rm, "castvoice.gate.attempts")
	if met == nil {
		t.Fatal("castvoice.gate.attempts not recorded")
	}
	attempts := met.Data.(metricdata.Histogram[int64]).DataPoints[0]
	if !slices.Equal(attempts.Bounds, gateAttemptBuckets) || attempts.BucketCounts[2] != 1 {
		t.Errorf("gate attempts = bounds %v counts %v", attempts.Bounds, attempts.BucketCounts)
	}
}

func TestNewMeterProvider_PrometheusBridge(t *testing.T) {
	m, _, reg := newViewedMetrics(t)
	m.RecordDecision(context.Background(), "caster", "spoken")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, f := range families {
		if strings.HasPrefix(f.GetName(), "castvoice_decisions") {
			return
		}
	}
	t.Error("castvoice decisions not exported to the registry")
}

func TestProviderConfig_Sampler(t *testing.T) {
	tests := []struct {
		ratio float64
		root  string
	}{
		{0, "root:AlwaysOnSampler"},
		{1, "root:AlwaysOnSampler"},
		{0.25, "root:TraceIDRatioBased{0.25}"},
		{-1, "root:AlwaysOffSampler"},
	}
	for _, tc := range tests {
		got := ProviderConfig{TraceSampleRatio: tc.ratio}.sampler().Description()
		if !strings.Contains(got, tc.root) {
			t.Errorf("ratio %v sampler = %q, want %q", tc.ratio, got, tc.root)
		}
	}
}
