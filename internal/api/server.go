// Package api exposes the commentary engine over HTTP.
//
// Every speaker-scoped route lives under /v1/speakers/{speaker}. Recordings
// are uploaded as WAV request bodies and split into clips on ingest;
// accepted commentary is returned as WAV.
// All routes run behind [observe.Middleware], so each request gets a span, a
// correlation ID and a duration sample.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/castvoice/internal/cliplib"
	"github.com/MrWong99/castvoice/internal/engine"
	"github.com/MrWong99/castvoice/internal/health"
	"github.com/MrWong99/castvoice/internal/ingest"
	"github.com/MrWong99/castvoice/internal/observe"
)

// DefaultMaxUpload caps a clip upload at 32 MiB.
const DefaultMaxUpload = 32 << 20

// NearestFinder looks up stored clips by acoustic similarity.
// [postgres.Store] implements it.
type NearestFinder interface {
	NearestClips(ctx context.Context, speaker string, target []float32, k int) ([]cliplib.StoredClip, error)
}

// Option configures a [Server].
type Option func(*Server)

// WithMetrics records request durations on m. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithNearest enables the similarity search route.
func WithNearest(n NearestFinder) Option {
	return func(s *Server) { s.nearest = n }
}

// WithHealth mounts /healthz and /readyz.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithHandler mounts an extra handler, e.g. the playback hub.
func WithHandler(pattern string, h http.Handler) Option {
	return func(s *Server) { s.extra = append(s.extra, route{pattern, h}) }
}

// WithMaxUpload caps clip upload bodies at n bytes.
func WithMaxUpload(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxUpload = n
		}
	}
}

type route struct {
	pattern string
	handler http.Handler
}

// Server routes HTTP requests to an [engine.Engine].
type Server struct {
	eng       *engine.Engine
	nearest   NearestFinder
	health    *health.Handler
	metrics   *observe.Metrics
	maxUpload int64
	extra     []route

	handler http.Handler
}

// New builds the route table for eng.
func New(eng *engine.Engine, opts ...Option) *Server {
	s := &Server{eng: eng, maxUpload: DefaultMaxUpload}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/speakers", s.handleSpeakers)
	mux.HandleFunc("POST /v1/decide", s.handleDecideAll)
	mux.HandleFunc("POST /v1/speakers/{speaker}/clips", s.handleAddClip)
	mux.HandleFunc("GET /v1/speakers/{speaker}/clips", s.handleClipStats)
	mux.HandleFunc("GET /v1/speakers/{speaker}/clips/list", s.handleListClips)
	mux.HandleFunc("DELETE /v1/speakers/{speaker}/clips/{id}", s.handleEvictClip)
	mux.HandleFunc("POST /v1/speakers/{speaker}/clips/nearest", s.handleNearest)
	mux.HandleFunc("POST /v1/speakers/{speaker}/retrain", s.handleRetrain)
	mux.HandleFunc("GET /v1/speakers/{speaker}/model", s.handleModel)
	mux.HandleFunc("POST /v1/speakers/{speaker}/lines", s.handleSeedLines)
	mux.HandleFunc("GET /v1/speakers/{speaker}/lines", s.handleLines)
	mux.HandleFunc("DELETE /v1/speakers/{speaker}/lines/{id}", s.handleRetireLine)
	mux.HandleFunc("POST /v1/speakers/{speaker}/decide", s.handleDecide)
	mux.Handle("GET /metrics", promhttp.Handler())
	if s.health != nil {
		s.health.Register(mux)
	}
	for _, r := range s.extra {
		mux.Handle(r.pattern, r.handler)
	}
	s.handler = observe.Middleware(s.metrics)(mux)
	return s
}

// ServeHTTP implements [http.Handler].
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encode response"}`, http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: err.Error()})
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrUnknownSpeaker), errors.Is(err, engine.ErrModelUnavailable):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrInsufficientData):
		return http.StatusConflict
	case errors.Is(err, engine.ErrInvalidContext), errors.Is(err, cliplib.ErrInvalidSpeaker),
		errors.Is(err, ingest.ErrNoUsableAudio):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
