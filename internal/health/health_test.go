package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func get(t *testing.T, h *Handler, path string) (int, Response) {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	var body Response
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return rec.Code, body
}

func ok(context.Context) error { return nil }

func TestHealthz(t *testing.T) {
	t.Parallel()
	code, body := get(t, New(Checker{Name: "db", Check: func(context.Context) error { return errors.New("down") }}), "/healthz")
	if code != http.StatusOK || body.Status != "ok" || body.Checks != nil {
		t.Errorf("healthz = %d %+v", code, body)
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()
	down := func(context.Context) error { return errors.New("connection refused") }
	tests := []struct {
		name       string
		checkers   []Checker
		wantCode   int
		wantStatus string
	}{
		{"no checkers", nil, http.StatusOK, "ok"},
		{"all pass", []Checker{{Name: "postgres", Check: ok}, {Name: "nats", Check: ok}}, http.StatusOK, "ok"},
		{"critical fails", []Checker{{Name: "postgres", Check: down}, {Name: "nats", Check: ok}}, http.StatusServiceUnavailable, "fail"},
		{"optional fails", []Checker{{Name: "postgres", Check: ok}, {Name: "line_writer", Check: down, Optional: true}}, http.StatusOK, "degraded"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			code, body := get(t, New(tc.checkers...), "/readyz")
			if code != tc.wantCode || body.Status != tc.wantStatus {
				t.Errorf("readyz = %d %q, want %d %q", code, body.Status, tc.wantCode, tc.wantStatus)
			}
			if len(body.Checks) != len(tc.checkers) {
				t.Errorf("checks = %+v", body.Checks)
			}
			for _, c := range tc.checkers {
				if c.Check(context.Background()) != nil && body.Checks[c.Name].Error == "" {
					t.Errorf("%s: error not reported", c.Name)
				}
			}
		})
	}
}

func TestReadyz_Timeout(t *testing.T) {
	t.Parallel()
	slow := Checker{Name: "generator", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	start := time.Now()
	code, body := get(t, New(slow).WithTimeout(20*time.Millisecond), "/readyz")
	if code != http.StatusServiceUnavailable || body.Checks["generator"].Status != "fail" {
		t.Errorf("readyz = %d %+v", code, body)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("check not bounded by timeout")
	}
}

func TestEvaluate_Parallel(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	wait := func(ctx context.Context) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	both := make(chan struct{}, 2)
	mk := func() func(context.Context) error {
		return func(ctx context.Context) error {
			both <- struct{}{}
			return wait(ctx)
		}
	}
	go func() {
		<-both
		<-both
		close(release)
	}()
	res, ready := New(Checker{Name: "a", Check: mk()}, Checker{Name: "b", Check: mk()}).Evaluate(context.Background())
	if !ready || res.Status != "ok" {
		t.Errorf("Evaluate = %+v, %v; checks did not run concurrently", res, ready)
	}
}
