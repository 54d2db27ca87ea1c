package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newGroup() *FallbackGroup[string] {
	fg := NewFallbackGroup("primary", "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
	})
	fg.Add("secondary", "secondary")
	return fg
}

func TestFallbackGroup_Order(t *testing.T) {
	tests := []struct {
		name    string
		failing map[string]bool
		want    string
		wantErr bool
	}{
		{"primary healthy", nil, "primary", false},
		{"primary fails", map[string]bool{"primary": true}, "secondary", false},
		{"all fail", map[string]bool{"primary": true, "secondary": true}, "", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ExecuteWithResult(context.Background(), newGroup(), func(name, v string) (string, error) {
				if tc.failing[name] {
					return "", errTest
				}
				return v, nil
			})
			if tc.wantErr {
				if !errors.Is(err, ErrAllFailed) || !errors.Is(err, errTest) {
					t.Errorf("err = %v, want ErrAllFailed wrapping the last error", err)
				}
				return
			}
			if err != nil || got != tc.want {
				t.Errorf("got %q, %v; want %q", got, err, tc.want)
			}
		})
	}
}

func TestFallbackGroup_SkipsOpenBreaker(t *testing.T) {
	fg := newGroup()
	var calls []string
	run := func() {
		_ = fg.Execute(context.Background(), func(name, _ string) error {
			calls = append(calls, name)
			if name == "primary" {
				return errTest
			}
			return nil
		})
	}
	run()
	run()
	if fg.States()["primary"] != StateOpen {
		t.Fatalf("states = %v", fg.States())
	}
	calls = nil
	run()
	if len(calls) != 1 || calls[0] != "secondary" {
		t.Errorf("calls = %v, want only secondary", calls)
	}
}

func TestFallbackGroup_CancellationStopsWalk(t *testing.T) {
	fg := newGroup()
	ctx, cancel := context.WithCancel(context.Background())
	var calls int
	err := fg.Execute(ctx, func(string, string) error {
		calls++
		cancel()
		return ctx.Err()
	})
	if !errors.Is(err, context.Canceled) || errors.Is(err, ErrAllFailed) {
		t.Errorf("err = %v, want plain context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if fg.States()["primary"] != StateClosed {
		t.Error("cancellation counted against the backend")
	}
}

func TestFallbackGroup_Accessors(t *testing.T) {
	fg := newGroup()
	if fg.Len() != 2 || fg.Primary() != "primary" {
		t.Errorf("Len = %d, Primary = %q", fg.Len(), fg.Primary())
	}
}
