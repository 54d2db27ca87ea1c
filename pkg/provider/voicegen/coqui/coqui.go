// Package coqui provides a voicegen.Generator backed by a local Coqui TTS
// server. Two API modes are supported:
//
//   - APIModeXTTS (default): targets the Coqui XTTS v2 API server. Reference
//     clips are uploaded once per speaker model version via POST
//     /clone_speaker; synthesis is performed via POST /tts_to_audio/ with the
//     cloned speaker name and the requested pace.
//
//   - APIModeStandard: targets the standard Coqui TTS server
//     (ghcr.io/coqui-ai/tts-cpu). Synthesis is performed via GET /api/tts with
//     the speaker key as speaker_id. Reference clips are ignored.
//
// Coqui does not score its own output, so results carry no quality record.
//
// Typical usage:
//
//	g, err := coqui.New("http://localhost:8002",
//	    coqui.WithLanguage("en"),
//	    coqui.WithTimeout(15*time.Second),
//	)
//	res, err := g.Generate(ctx, req)
package coqui

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/castvoice/pkg/audio"
	"github.com/MrWong99/castvoice/pkg/provider/voicegen"
)

// Compile-time interface assertion.
var _ voicegen.Generator = (*Provider)(nil)

const (
	defaultLanguage        = "en"
	defaultTimeout         = 30 * time.Second
	ttsEndpoint            = "/tts_to_audio/"
	studioSpeakersEndpoint = "/studio_speakers"
	cloneSpeakerEndpoint   = "/clone_speaker"
	apiTTSEndpoint         = "/api/tts"
	detailsEndpoint        = "/details"
)

// APIMode selects which Coqui server API the provider will target.
type APIMode string

const (
	// APIModeXTTS targets the Coqui XTTS v2 API server (/tts_to_audio/).
	APIModeXTTS APIMode = "xtts"

	// APIModeStandard targets the standard Coqui TTS server (/api/tts).
	APIModeStandard APIMode = "standard"
)

// Option is a functional option for configuring a Coqui Provider.
type Option func(*Provider)

// WithLanguage sets the language code sent to the TTS server (e.g., "en",
// "de"). Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithTimeout sets the per-request HTTP timeout. Defaults to 30 s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// WithAPIMode sets the server API mode.
func WithAPIMode(mode APIMode) Option {
	return func(p *Provider) {
		p.apiMode = mode
	}
}

// WithHTTPClient replaces the HTTP client. The configured timeout is kept
// only if the new client has none.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		if c.Timeout == 0 {
			c.Timeout = p.httpClient.Timeout
		}
		p.httpClient = c
	}
}

// Provider implements voicegen.Generator backed by a Coqui TTS server. It is
// safe for concurrent use.
type Provider struct {
	serverURL  string
	language   string
	httpClient *http.Client
	apiMode    APIMode

	mu     sync.Mutex
	cloned map[string]string // speaker@version → server speaker name
}

// New creates a Provider that targets the TTS server at serverURL (e.g.,
// "http://localhost:8002"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("coqui: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		apiMode:    APIModeXTTS,
		httpClient: &http.Client{Timeout: defaultTimeout},
		cloned:     make(map[string]string),
	}
	for _, o := range opts {
		o(p)
	}
	if p.apiMode != APIModeXTTS && p.apiMode != APIModeStandard {
		return nil, fmt.Errorf("coqui: unknown api mode %q", p.apiMode)
	}
	return p, nil
}

// ttsRequest is the JSON body sent to POST /tts_to_audio/ (XTTS mode).
type ttsRequest struct {
	Text       string  `json:"text"`
	SpeakerWav string  `json:"speaker_wav"`
	Language   string  `json:"language"`
	Speed      float64 `json:"speed,omitempty"`
}

// cloneSpeakerResponse is the JSON body returned by POST /clone_speaker.
type cloneSpeakerResponse struct {
	Name   string `json:"name"`
	Status string `json:"status,omitempty"`
}

// Generate synthesises req.Text and returns the decoded PCM at the server's
// native sample rate.
func (p *Provider) Generate(ctx context.Context, req voicegen.Request) (voicegen.Result, error) {
	if strings.TrimSpace(req.Text) == "" {
		return voicegen.Result{}, errors.New("coqui: text must not be empty")
	}

	var (
		wav []byte
		err error
	)
	switch p.apiMode {
	case APIModeStandard:
		wav, err = p.generateStandard(ctx, req)
	default:
		wav, err = p.generateXTTS(ctx, req)
	}
	if err != nil {
		return voicegen.Result{}, err
	}

	pcm, rate, err := audio.DecodeWAVBytes(wav)
	if err != nil {
		return voicegen.Result{}, fmt.Errorf("coqui: %w", err)
	}
	if len(pcm) == 0 {
		return voicegen.Result{}, voicegen.ErrEmptyOutput
	}
	return voicegen.Result{PCM: pcm, SampleRate: rate}, nil
}

func (p *Provider) generateXTTS(ctx context.Context, req voicegen.Request) ([]byte, error) {
	speaker, err := p.speakerName(ctx, req)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(ttsRequest{
		Text:       req.Text,
		SpeakerWav: speaker,
		Language:   p.language,
		Speed:      req.Delivery.Pace,
	})
	if err != nil {
		return nil, fmt.Errorf("coqui: marshal tts request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+ttsEndpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("coqui: create tts request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "audio/wav")
	return p.do(httpReq, ttsEndpoint)
}

func (p *Provider) generateStandard(ctx context.Context, req voicegen.Request) ([]byte, error) {
	params := url.Values{}
	params.Set("text", req.Text)
	if req.Voice.Speaker != "" {
		params.Set("speaker_id", req.Voice.Speaker)
	}
	if p.language != "" {
		params.Set("language_id", p.language)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+apiTTSEndpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("coqui: create tts request: %w", err)
	}
	httpReq.Header.Set("Accept", "audio/wav")
	return p.do(httpReq, apiTTSEndpoint)
}

// speakerName returns the XTTS speaker to condition on. With reference clips
// the references are cloned once per speaker model version; without them the
// speaker key is used as a pre-registered studio speaker.
func (p *Provider) speakerName(ctx context.Context, req voicegen.Request) (string, error) {
	if len(req.References) == 0 {
		if req.Voice.Speaker == "" {
			return "", errors.New("coqui: speaker must not be empty without reference clips")
		}
		return req.Voice.Speaker, nil
	}

	key := fmt.Sprintf("%s@%d", req.Voice.Speaker, req.Voice.Version)
	p.mu.Lock()
	name, ok := p.cloned[key]
	p.mu.Unlock()
	if ok {
		return name, nil
	}

	samples := make([][]byte, 0, len(req.References))
	for _, c := range req.References {
		wav, err := audio.EncodeClipWAV(c)
		if err != nil {
			return "", fmt.Errorf("coqui: encode reference %s: %w", c.ID(), err)
		}
		samples = append(samples, wav)
	}
	name, err := p.cloneSpeaker(ctx, samples)
	if err != nil {
		return "", err
	}

	p.mu.Lock()
	p.cloned[key] = name
	p.mu.Unlock()
	return name, nil
}

// cloneSpeaker uploads WAV samples to POST /clone_speaker and returns the
// server-assigned speaker name.
func (p *Provider) cloneSpeaker(ctx context.Context, samples [][]byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for i, sample := range samples {
		filename := fmt.Sprintf("sample_%02d.wav", i)
		fw, err := mw.CreateFormFile("wav_files", filename)
		if err != nil {
			return "", fmt.Errorf("coqui: create form file %s: %w", filename, err)
		}
		if _, err := fw.Write(sample); err != nil {
			return "", fmt.Errorf("coqui: write form file %s: %w", filename, err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("coqui: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+cloneSpeakerEndpoint, &body)
	if err != nil {
		return "", fmt.Errorf("coqui: create clone-speaker request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("coqui: POST %s: %w", cloneSpeakerEndpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("coqui: POST %s returned status %d", cloneSpeakerEndpoint, resp.StatusCode)
	}

	var out cloneSpeakerResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("coqui: decode clone-speaker response: %w", err)
	}
	if out.Name == "" {
		return "", errors.New("coqui: clone-speaker response missing name")
	}
	return out.Name, nil
}

// Ping checks that the server answers its catalogue endpoint.
func (p *Provider) Ping(ctx context.Context) error {
	endpoint := studioSpeakersEndpoint
	if p.apiMode == APIModeStandard {
		endpoint = detailsEndpoint
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("coqui: create ping request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	_, err = p.do(req, endpoint)
	return err
}

func (p *Provider) do(req *http.Request, endpoint string) ([]byte, error) {
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: %s %s: %w", req.Method, endpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coqui: %s %s returned status %d", req.Method, endpoint, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("coqui: read %s response: %w", endpoint, err)
	}
	return body, nil
}
