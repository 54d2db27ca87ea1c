package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"castvoice.decide.duration", m.DecideDuration},
		{"castvoice.synthesis.duration", m.SynthesisDuration},
		{"castvoice.training.duration", m.TrainingDuration},
		{"castvoice.linewriter.duration", m.LineWriterDuration},
	}

	for _, tc := range histograms {
		tc.h.Record(ctx, 0.123)
		tc.h.Record(ctx, 0.456)
	}

	rm := collect(t, reader)

	for _, tc := range histograms {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", tc.name)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("sample count = %d, want 2", got)
			}
		})
	}
}

func TestGateAttemptsHistogram(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.GateAttempts.Record(ctx, 1)
	m.GateAttempts.Record(ctx, 3)

	rm := collect(t, reader)
	met := findMetric(rm, "castvoice.gate.attempts")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[int64])
	if !ok {
		t.Fatal("metric is not an int histogram")
	}
	if got := hist.DataPoints[0].Sum; got != 4 {
		t.Errorf("sum = %d, want 4", got)
	}
}

// sumFor returns the value of the data point of the named sum metric that
// carries key=value, and whether it was found.
func sumFor(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) (int64, bool) {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	for _, dp := range sum.DataPoints {
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == key && kv.Value.AsString() == value {
				return dp.Value, true
			}
		}
	}
	return 0, false
}

func TestCounterIncrement(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	attrs := metric.WithAttributes(
		attribute.String("provider", "coqui"),
		attribute.String("kind", "voicegen"),
		attribute.String("status", "ok"),
	)
	m.ProviderRequests.Add(ctx, 1, attrs)
	m.ProviderRequests.Add(ctx, 1, attrs)
	m.RecordProviderRequest(ctx, "coqui", "voicegen", "error")

	rm := collect(t, reader)
	if v, ok := sumFor(t, rm, "castvoice.provider.requests", "status", "ok"); !ok || v != 2 {
		t.Errorf("status=ok value = %d (found %v), want 2", v, ok)
	}
}

func TestDecisionsCounter(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordDecision(ctx, "caster", "spoken")
	m.RecordDecision(ctx, "caster", "spoken")
	m.RecordDecision(ctx, "caster", "no_line")

	rm := collect(t, reader)
	if v, ok := sumFor(t, rm, "castvoice.decisions", "outcome", "spoken"); !ok || v != 2 {
		t.Errorf("outcome=spoken value = %d (found %v), want 2", v, ok)
	}
	if v, ok := sumFor(t, rm, "castvoice.decisions", "outcome", "no_line"); !ok || v != 1 {
		t.Errorf("outcome=no_line value = %d (found %v), want 1", v, ok)
	}
}

func TestGateStateCounter(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordGateState(ctx, "retry")
	m.RecordGateState(ctx, "retry")
	m.RecordGateState(ctx, "accepted")

	rm := collect(t, reader)
	if v, _ := sumFor(t, rm, "castvoice.gate.outcomes", "state", "retry"); v != 2 {
		t.Errorf("state=retry value = %d, want 2", v)
	}
}

func TestRecordTraining_MovesVersionGauge(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordTraining(ctx, "caster", "ok", 1)
	m.RecordTraining(ctx, "caster", "ok", 1)
	m.RecordTraining(ctx, "caster", "insufficient_data", 0)

	rm := collect(t, reader)
	if v, _ := sumFor(t, rm, "castvoice.model.version", "speaker", "caster"); v != 2 {
		t.Errorf("model version = %d, want 2", v)
	}
	if v, _ := sumFor(t, rm, "castvoice.training.runs", "status", "insufficient_data"); v != 1 {
		t.Errorf("insufficient_data runs = %d, want 1", v)
	}
}

func TestProviderErrorsCounter(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordProviderError(ctx, "openai", "linewriter")

	rm := collect(t, reader)
	if v, ok := sumFor(t, rm, "castvoice.provider.errors", "kind", "linewriter"); !ok || v != 1 {
		t.Errorf("counter value = %d (found %v), want 1", v, ok)
	}
}

func TestGauges(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	// UpDownCounters are additive, so we simulate Set(5) as Add(5).
	m.ActiveSpeakers.Add(ctx, 5)
	m.PlaybackSubscribers.Add(ctx, 1)
	m.PlaybackSubscribers.Add(ctx, 1)
	m.RecordClipIngested(ctx, "gameplay")

	rm := collect(t, reader)

	gauges := []struct {
		name string
		want int64
	}{
		{"castvoice.active_speakers", 5},
		{"castvoice.playback.subscribers", 2},
		{"castvoice.clips.ingested", 1},
	}

	for _, tc := range gauges {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %q is not a sum", tc.name)
			}
			if len(sum.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := sum.DataPoints[0].Value; got != tc.want {
				t.Errorf("gauge value = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestHTTPRequestDuration(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.HTTPRequestDuration.Record(ctx, 0.05,
		metric.WithAttributes(
			attribute.String("method", "GET"),
			attribute.String("route", "GET /healthz"),
			attribute.String("status", "2xx"),
		),
	)

	rm := collect(t, reader)
	met := findMetric(rm, "castvoice.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if len(hist.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if got := hist.DataPoints[0].Count; got != 1 {
		t.Errorf("sample count = %d, want 1", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	// DefaultMetrics uses the global OTel provider so we just check
	// that repeated calls return the same pointer.
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
