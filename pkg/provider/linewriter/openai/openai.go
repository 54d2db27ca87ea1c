// Package openai provides a line writer backed by the OpenAI chat
// completions API. Any OpenAI-compatible endpoint works via WithBaseURL.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/castvoice/pkg/provider/linewriter"
	"github.com/MrWong99/castvoice/pkg/types"
)

const (
	defaultTemperature = 0.9
	defaultMaxTokens   = 400
)

// Writer implements linewriter.Writer using the OpenAI API.
type Writer struct {
	client      oai.Client
	model       string
	temperature float64
}

var _ linewriter.Writer = (*Writer)(nil)

// config holds optional configuration for the writer.
type config struct {
	baseURL      string
	organization string
	timeout      time.Duration
	temperature  float64
}

// Option is a functional option for Writer.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(c *config) {
		c.organization = org
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithTemperature overrides the sampling temperature (default 0.9).
func WithTemperature(t float64) Option {
	return func(c *config) {
		c.temperature = t
	}
}

// New constructs a new OpenAI line writer.
func New(apiKey string, model string, opts ...Option) (*Writer, error) {
	if apiKey == "" {
		return nil, errors.New("openai: apiKey must not be empty")
	}
	if model == "" {
		return nil, errors.New("openai: model must not be empty")
	}

	cfg := &config{temperature: defaultTemperature}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	return &Writer{
		client:      oai.NewClient(reqOpts...),
		model:       model,
		temperature: cfg.temperature,
	}, nil
}

// WriteLines implements linewriter.Writer.
func (w *Writer) WriteLines(ctx context.Context, req types.LineRequest) ([]string, error) {
	resp, err := w.client.Chat.Completions.New(ctx, w.buildParams(req))
	if err != nil {
		return nil, fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai: empty choices in response")
	}
	return linewriter.ParseLines(resp.Choices[0].Message.Content, req.Count), nil
}

// buildParams converts a line request into OpenAI SDK params.
func (w *Writer) buildParams(req types.LineRequest) oai.ChatCompletionNewParams {
	return oai.ChatCompletionNewParams{
		Model: shared.ChatModel(w.model),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage(linewriter.SystemPrompt),
			oai.UserMessage(linewriter.BuildPrompt(req)),
		},
		Temperature:         param.NewOpt(w.temperature),
		MaxCompletionTokens: param.NewOpt(int64(defaultMaxTokens)),
	}
}
