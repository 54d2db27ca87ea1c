package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

const traceparent = "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"

// speakerMux mirrors the speaker-scoped castvoice routes.
func speakerMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/speakers/{speaker}/decide", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /v1/speakers/{speaker}/lines", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("speaker") == "ghost" {
			http.Error(w, "no lines", http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"lines":[]}`))
	})
	mux.HandleFunc("GET /metrics", func(w http.ResponseWriter, _ *http.Request) {})
	mux.HandleFunc("POST /v1/speakers/{speaker}/retrain", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	return mux
}

// serve wires metrics and an in-memory tracer around speakerMux.
func serve(t *testing.T) (http.Handler, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })

	return Middleware(m)(speakerMux()), reader, exp
}

func request(h http.Handler, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

// requestSeries returns the label sets recorded on the HTTP histogram with
// their sample counts.
func requestSeries(t *testing.T, reader *sdkmetric.ManualReader) map[attribute.Distinct]metricdata.HistogramDataPoint[float64] {
	t.Helper()
	met := findMetric(collect(t, reader), "castvoice.http.request.duration")
	if met == nil {
		t.Fatal("castvoice.http.request.duration not recorded")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("metric data = %T, want histogram", met.Data)
	}
	out := make(map[attribute.Distinct]metricdata.HistogramDataPoint[float64], len(hist.DataPoints))
	for _, dp := range hist.DataPoints {
		out[dp.Attributes.Equivalent()] = dp
	}
	return out
}

func labels(kv ...string) attribute.Distinct {
	attrs := make([]attribute.KeyValue, 0, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		attrs = append(attrs, attribute.String(kv[i], kv[i+1]))
	}
	set := attribute.NewSet(attrs...)
	return set.Equivalent()
}

func TestMiddleware_SpeakerRoutesShareOneSeries(t *testing.T) {
	h, reader, _ := serve(t)
	for _, sp := range []string{"caster", "analyst", "rookie", "guest_1", "guest_2"} {
		request(h, http.MethodPost, "/v1/speakers/"+sp+"/decide")
	}

	series := requestSeries(t, reader)
	if len(series) != 1 {
		t.Fatalf("series = %d, want 1 for five speakers", len(series))
	}
	dp, ok := series[labels("method", "POST", "route", "POST /v1/speakers/{speaker}/decide", "status", "2xx")]
	if !ok {
		t.Fatalf("decide series missing; got %v", series)
	}
	if dp.Count != 5 {
		t.Errorf("decide samples = %d, want 5", dp.Count)
	}
}

func TestMiddleware_StatusAndUnmatchedLabels(t *testing.T) {
	h, reader, _ := serve(t)
	request(h, http.MethodGet, "/v1/speakers/caster/lines")
	request(h, http.MethodGet, "/v1/speakers/ghost/lines")
	request(h, http.MethodGet, "/v1/speakers/ghost/lines")
	for _, p := range []string{"/random/a", "/random/b", "/v1/nope"} {
		if rec := request(h, http.MethodGet, p); rec.Code != http.StatusNotFound {
			t.Fatalf("GET %s = %d", p, rec.Code)
		}
	}

	series := requestSeries(t, reader)
	tests := []struct {
		name  string
		key   attribute.Distinct
		count uint64
	}{
		{"found", labels("method", "GET", "route", "GET /v1/speakers/{speaker}/lines", "status", "2xx"), 1},
		{"not found", labels("method", "GET", "route", "GET /v1/speakers/{speaker}/lines", "status", "4xx"), 2},
		{"unmatched", labels("method", "GET", "route", UnmatchedRoute, "status", "4xx"), 3},
	}
	for _, tc := range tests {
		dp, ok := series[tc.key]
		if !ok {
			t.Errorf("%s: series missing", tc.name)
			continue
		}
		if dp.Count != tc.count {
			t.Errorf("%s: samples = %d, want %d", tc.name, dp.Count, tc.count)
		}
	}
	if len(series) != len(tests) {
		t.Errorf("series = %d, want %d", len(series), len(tests))
	}
}

func TestMiddleware_SpanCarriesRouteAndSpeaker(t *testing.T) {
	h, _, exp := serve(t)
	request(h, http.MethodPost, "/v1/speakers/caster/retrain")
	request(h, http.MethodGet, "/metrics")

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	retrain := spans[0]
	if retrain.Name != "POST /v1/speakers/{speaker}/retrain" {
		t.Errorf("span name = %q", retrain.Name)
	}
	want := map[attribute.Key]attribute.Value{
		"speaker":                   attribute.StringValue("caster"),
		"http.route":                attribute.StringValue("POST /v1/speakers/{speaker}/retrain"),
		"http.response.status_code": attribute.IntValue(http.StatusBadGateway),
	}
	for _, kv := range retrain.Attributes {
		if w, ok := want[kv.Key]; ok {
			if kv.Value != w {
				t.Errorf("%s = %v, want %v", kv.Key, kv.Value.Emit(), w.Emit())
			}
			delete(want, kv.Key)
		}
	}
	for k := range want {
		t.Errorf("span missing %s", k)
	}
	if retrain.Status.Code != codes.Error {
		t.Errorf("5xx span status = %v, want Error", retrain.Status.Code)
	}

	for _, kv := range spans[1].Attributes {
		if kv.Key == "speaker" {
			t.Errorf("non-speaker route carries speaker %q", kv.Value.AsString())
		}
	}
}

func TestMiddleware_CorrelationID(t *testing.T) {
	h, _, _ := serve(t)

	rec := request(h, http.MethodPost, "/v1/speakers/caster/decide")
	if cid := rec.Header().Get("X-Correlation-ID"); len(cid) != 32 {
		t.Errorf("generated X-Correlation-ID = %q, want a 32-hex trace ID", cid)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/speakers/caster/decide", nil)
	req.Header.Set("traceparent", traceparent)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Correlation-ID"); got != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("continued X-Correlation-ID = %q", got)
	}
}

func TestStatusRecorder_FirstStatusWins(t *testing.T) {
	tests := []struct {
		name  string
		write func(w http.ResponseWriter)
		want  int
	}{
		{"implicit ok", func(w http.ResponseWriter) { _, _ = w.Write([]byte("x")) }, http.StatusOK},
		{"explicit", func(w http.ResponseWriter) { w.WriteHeader(http.StatusAccepted) }, http.StatusAccepted},
		{"late header ignored", func(w http.ResponseWriter) {
			w.WriteHeader(http.StatusCreated)
			w.WriteHeader(http.StatusInternalServerError)
		}, http.StatusCreated},
		{"header after body ignored", func(w http.ResponseWriter) {
			_, _ = w.Write([]byte("x"))
			w.WriteHeader(http.StatusTeapot)
		}, http.StatusOK},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := &statusRecorder{ResponseWriter: httptest.NewRecorder(), statusCode: http.StatusOK}
			tc.write(rec)
			if rec.statusCode != tc.want {
				t.Errorf("status = %d, want %d", rec.statusCode, tc.want)
			}
		})
	}
}
