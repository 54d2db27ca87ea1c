// Package health serves the liveness and readiness endpoints.
//
//   - GET /healthz answers 200 while the process can serve HTTP.
//   - GET /readyz runs every registered [Checker] in parallel. A failing
//     critical check makes it answer 503; a failing optional check only marks
//     the response "degraded".
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultTimeout bounds a single readiness check.
const DefaultTimeout = 5 * time.Second

// Checker is a named dependency check.
type Checker struct {
	// Name keys the check in the JSON response (e.g. "postgres", "nats").
	Name string

	// Check returns nil when the dependency is usable. It must honour ctx.
	Check func(ctx context.Context) error

	// Optional checks degrade readiness instead of failing it.
	Optional bool
}

// CheckResult is one entry of the readiness response.
type CheckResult struct {
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
	Duration string `json:"duration"`
}

// Response is the JSON body of both endpoints.
type Response struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// Handler serves the health endpoints. The checker list is fixed at construction time.
type Handler struct {
	checkers []Checker
	timeout  time.Duration
}

// New returns a Handler evaluating checkers on each /readyz request.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...), timeout: DefaultTimeout}
}

// WithTimeout returns h with a different per-check timeout.
func (h *Handler) WithTimeout(d time.Duration) *Handler {
	if d > 0 {
		h.timeout = d
	}
	return h
}

// Healthz is the liveness endpoint.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Response{Status: "ok"})
}

// Readyz is the readiness endpoint.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	res, ok := h.Evaluate(r.Context())
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Evaluate runs every checker concurrently and reports whether the service
// is ready.
func (h *Handler) Evaluate(ctx context.Context) (Response, bool) {
	var (
		mu     sync.Mutex
		checks = make(map[string]CheckResult, len(h.checkers))
		failed bool
		degr   bool
		g      errgroup.Group
	)
	for _, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, h.timeout)
			defer cancel()
			start := time.Now()
			err := c.Check(cctx)
			cr := CheckResult{Status: "ok", Duration: time.Since(start).Round(time.Microsecond).String()}
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				cr.Status, cr.Error = "fail", err.Error()
				if c.Optional {
					degr = true
				} else {
					failed = true
				}
			}
			checks[c.Name] = cr
			return nil
		})
	}
	_ = g.Wait()

	res := Response{Status: "ok", Checks: checks}
	switch {
	case failed:
		res.Status = "fail"
	case degr:
		res.Status = "degraded"
	}
	return res, !failed
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// writeJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
