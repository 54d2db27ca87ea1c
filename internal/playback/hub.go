// Package playback streams accepted commentary clips to listeners.
//
// [Hub] implements the engine sink: every clip it receives is encoded to
// Opus once and fanned out over WebSocket to the subscribers interested in
// its speaker. Slow subscribers are disconnected instead of blocking the
// engine. [Discord] speaks clips into a Discord voice channel, and [Multi]
// combines sinks.
package playback

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/castvoice/internal/engine"
	"github.com/MrWong99/castvoice/internal/observe"
	"github.com/MrWong99/castvoice/pkg/audio"
)

const (
	defaultBufferSize   = 8
	defaultWriteTimeout = 5 * time.Second
)

// Message is the JSON envelope sent for each clip. Packets are raw Opus
// packets, base64-encoded by encoding/json.
type Message struct {
	Type        string   `json:"type"`
	Speaker     string   `json:"speaker"`
	ClipID      string   `json:"clip_id"`
	SampleRate  int      `json:"sample_rate"`
	FrameMillis int      `json:"frame_ms"`
	DurationMs  int64    `json:"duration_ms"`
	Packets     [][]byte `json:"packets"`
}

// Option configures a [Hub].
type Option func(*Hub)

// WithMetrics records the subscriber count on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// WithBufferSize sets how many clips may queue per subscriber before it is
// dropped.
func WithBufferSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithWriteTimeout bounds a single WebSocket write.
func WithWriteTimeout(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.writeTimeout = d
		}
	}
}

// WithOriginPatterns allows cross-origin browser subscribers matching the
// given host patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(h *Hub) { h.origins = patterns }
}

type subscriber struct {
	speakers map[string]bool
	ch       chan []byte
	done     chan struct{}
	once     sync.Once
	code     websocket.StatusCode
	reason   string
}

func (s *subscriber) wants(speaker string) bool {
	return len(s.speakers) == 0 || s.speakers[speaker]
}

// Hub fans clips out to WebSocket subscribers. Subscribers pick speakers with
// repeated ?speaker= query parameters; none means all speakers.
type Hub struct {
	enc          *Encoder
	metrics      *observe.Metrics
	buffer       int
	writeTimeout time.Duration
	origins      []string

	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
}

var (
	_ engine.Sink  = (*Hub)(nil)
	_ http.Handler = (*Hub)(nil)
)

// NewHub returns a hub encoding with enc.
func NewHub(enc *Encoder, opts ...Option) *Hub {
	h := &Hub{
		enc:          enc,
		buffer:       defaultBufferSize,
		writeTimeout: defaultWriteTimeout,
		subs:         make(map[*subscriber]struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Subscribers returns the number of connected subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Play encodes clip and queues it for every subscriber of speaker. It never
// blocks on a subscriber.
func (h *Hub) Play(ctx context.Context, speaker string, clip audio.Clip) error {
	if !h.interested(speaker) {
		return nil
	}
	packets, err := h.enc.Encode(clip)
	if err != nil {
		return err
	}
	data, err := json.Marshal(Message{
		Type:        "clip",
		Speaker:     speaker,
		ClipID:      clip.ID(),
		SampleRate:  h.enc.SampleRate(),
		FrameMillis: int(h.enc.FrameDuration() / time.Millisecond),
		DurationMs:  clip.Duration().Milliseconds(),
		Packets:     packets,
	})
	if err != nil {
		return fmt.Errorf("playback: marshal clip %s: %w", clip.ID(), err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		if !s.wants(speaker) {
			continue
		}
		select {
		case s.ch <- data:
		default:
			observe.Logger(ctx).Warn("dropping slow playback subscriber", "speaker", speaker)
			h.dropLocked(s, websocket.StatusTryAgainLater, "subscriber too slow")
		}
	}
	return nil
}

func (h *Hub) interested(speaker string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		if s.wants(speaker) {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades the request and streams clips until the client goes
// away, the hub closes or the subscriber falls behind.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := observe.Logger(r.Context())
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		log.Warn("playback: websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	sub := h.subscribe(r.URL.Query()["speaker"])
	if sub == nil {
		conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	defer h.unsubscribe(sub)
	log.Debug("playback subscriber connected", "speakers", r.URL.Query()["speaker"])

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.done:
			conn.Close(sub.code, sub.reason)
			return
		case data := <-sub.ch:
			wctx, cancel := context.WithTimeout(ctx, h.writeTimeout)
			err := conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				log.Debug("playback write failed", "err", err)
				return
			}
		}
	}
}

func (h *Hub) subscribe(speakers []string) *subscriber {
	s := &subscriber{
		ch:   make(chan []byte, h.buffer),
		done: make(chan struct{}),
	}
	if len(speakers) > 0 {
		s.speakers = make(map[string]bool, len(speakers))
		for _, sp := range speakers {
			s.speakers[sp] = true
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.subs[s] = struct{}{}
	if h.metrics != nil {
		h.metrics.PlaybackSubscribers.Add(context.Background(), 1)
	}
	return s
}

func (h *Hub) unsubscribe(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(s, websocket.StatusNormalClosure, "")
}

// dropLocked removes s and signals its handler. Must be called with h.mu held.
func (h *Hub) dropLocked(s *subscriber, code websocket.StatusCode, reason string) {
	if _, ok := h.subs[s]; !ok {
		return
	}
	delete(h.subs, s)
	if h.metrics != nil {
		h.metrics.PlaybackSubscribers.Add(context.Background(), -1)
	}
	s.once.Do(func() {
		s.code, s.reason = code, reason
		close(s.done)
	})
}

// Close disconnects every subscriber and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for s := range h.subs {
		h.dropLocked(s, websocket.StatusGoingAway, "shutting down")
	}
}
