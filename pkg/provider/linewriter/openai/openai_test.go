package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/castvoice/pkg/types"
)

// chatServer returns a fake chat completions endpoint answering with content.
func chatServer(t *testing.T, content string, gotBody *map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		if gotBody != nil {
			_ = json.NewDecoder(r.Body).Decode(gotBody)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": time.Now().Unix(),
			"model":   "gpt-4o-mini",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": content},
			}},
			"usage": map[string]any{"prompt_tokens": 10, "completion_tokens": 10, "total_tokens": 20},
		})
	}))
}

func TestWriteLines(t *testing.T) {
	var body map[string]any
	srv := chatServer(t, "1. What a shot!\n2. He's on fire.\n3. Unreal.", &body)
	defer srv.Close()

	w, err := New("sk-test", "gpt-4o-mini", WithBaseURL(srv.URL+"/v1/"), WithTemperature(0.5))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	lines, err := w.WriteLines(context.Background(), types.LineRequest{Speaker: "caster", Count: 2})
	if err != nil {
		t.Fatalf("WriteLines: %v", err)
	}
	if want := []string{"What a shot!", "He's on fire."}; !slices.Equal(lines, want) {
		t.Errorf("lines = %q, want %q", lines, want)
	}
	if body["model"] != "gpt-4o-mini" {
		t.Errorf("model = %v, want gpt-4o-mini", body["model"])
	}
	if body["temperature"] != 0.5 {
		t.Errorf("temperature = %v, want 0.5", body["temperature"])
	}
	msgs, _ := body["messages"].([]any)
	if len(msgs) != 2 {
		t.Errorf("sent %d messages, want 2", len(msgs))
	}
}

func TestWriteLines_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"bad key"}}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	w, err := New("sk-test", "gpt-4o-mini", WithBaseURL(srv.URL+"/v1/"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := w.WriteLines(context.Background(), types.LineRequest{Count: 1}); err == nil {
		t.Error("expected error from failing server")
	}
}

func TestNew_MissingAPIKey(t *testing.T) {
	if _, err := New("", "gpt-4o-mini"); err == nil {
		t.Fatal("expected error for missing API key")
	}
}

func TestNew_MissingModel(t *testing.T) {
	if _, err := New("sk-test", ""); err == nil {
		t.Fatal("expected error for missing model")
	}
}

func TestNew_Options(t *testing.T) {
	w, err := New("sk-test", "gpt-4o-mini",
		WithOrganization("org-1"),
		WithTimeout(5*time.Second),
		WithTemperature(0.3),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if w.temperature != 0.3 {
		t.Errorf("temperature = %v, want 0.3", w.temperature)
	}
}
