// Package anyllm provides a line writer backed by
// github.com/mozilla-ai/any-llm-go, a unified multi-provider interface that
// supports OpenAI, Anthropic, Gemini, Ollama, DeepSeek, Mistral, Groq, and more.
//
// Usage:
//
//	w, err := anyllm.New("ollama", "llama3.2")
//	w, err := anyllm.New("anthropic", "claude-3-5-haiku-latest", anyllmlib.WithAPIKey("sk-ant-..."))
package anyllm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/castvoice/pkg/provider/linewriter"
	"github.com/MrWong99/castvoice/pkg/types"
)

// Defaults for line-writing completions. Commentary benefits from variety.
const (
	defaultTemperature = 0.9
	defaultMaxTokens   = 400
)

// Writer implements linewriter.Writer by wrapping github.com/mozilla-ai/any-llm-go.
type Writer struct {
	backend     anyllmlib.Provider
	model       string
	temperature float64
}

var _ linewriter.Writer = (*Writer)(nil)

// New creates a Writer backed by the given LLM provider name.
//
// providerName is one of: "openai", "anthropic", "gemini", "ollama", "deepseek",
// "mistral", "groq", "llamacpp", "llamafile".
//
// opts are any-llm-go configuration options (e.g., anyllmlib.WithAPIKey,
// anyllmlib.WithBaseURL). Without an API key option the backend falls back to
// the relevant environment variable (e.g., OPENAI_API_KEY).
func New(providerName string, model string, opts ...anyllmlib.Option) (*Writer, error) {
	if providerName == "" {
		return nil, errors.New("anyllm: providerName must not be empty")
	}
	if model == "" {
		return nil, errors.New("anyllm: model must not be empty")
	}
	backend, err := createBackend(providerName, opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", providerName, err)
	}
	return &Writer{backend: backend, model: model, temperature: defaultTemperature}, nil
}

// createBackend creates the underlying any-llm-go provider for the given provider name.
func createBackend(providerName string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(providerName) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	case "llamafile":
		return llamafile.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider %q; supported: openai, anthropic, gemini, ollama, deepseek, mistral, groq, llamacpp, llamafile", providerName)
	}
}

// WriteLines implements linewriter.Writer.
func (w *Writer) WriteLines(ctx context.Context, req types.LineRequest) ([]string, error) {
	resp, err := w.backend.Completion(ctx, w.buildParams(req))
	if err != nil {
		return nil, fmt.Errorf("anyllm: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("anyllm: empty choices in response")
	}
	return linewriter.ParseLines(resp.Choices[0].Message.ContentString(), req.Count), nil
}

// buildParams converts a line request into anyllm CompletionParams.
func (w *Writer) buildParams(req types.LineRequest) anyllmlib.CompletionParams {
	temp := w.temperature
	maxTokens := defaultMaxTokens
	return anyllmlib.CompletionParams{
		Model: w.model,
		Messages: []anyllmlib.Message{
			{Role: anyllmlib.RoleSystem, Content: linewriter.SystemPrompt},
			{Role: "user", Content: linewriter.BuildPrompt(req)},
		},
		Temperature: &temp,
		MaxTokens:   &maxTokens,
	}
}
