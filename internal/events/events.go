// Package events drives commentary decisions from game-context messages on
// NATS.
//
// Producers publish a JSON [commentary.GameContext] to
// "<prefix>.<speaker>". Each message runs one decision cycle for that speaker.
// When the message carries a reply subject the decision record is sent back,
// so a game server can use plain request/reply.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/MrWong99/castvoice/internal/commentary"
	"github.com/MrWong99/castvoice/internal/observe"
	"github.com/MrWong99/castvoice/pkg/audio"
	"github.com/MrWong99/castvoice/pkg/types"
)

const (
	defaultDecideTimeout = 30 * time.Second
	drainTimeout         = 5 * time.Second
	drainPoll            = 10 * time.Millisecond
)

// Decider runs one decision cycle. [engine.Engine] implements it.
type Decider interface {
	DecideDetailed(ctx context.Context, speaker string, gc commentary.GameContext) (types.Decision, *audio.Clip, error)
}

// Reply is the message sent to a request's reply subject.
type Reply struct {
	Speaker    string        `json:"speaker"`
	Outcome    types.Outcome `json:"outcome"`
	LineID     string        `json:"line_id,omitempty"`
	Text       string        `json:"text,omitempty"`
	Attempts   int           `json:"attempts"`
	ClipID     string        `json:"clip_id,omitempty"`
	DurationMs int64         `json:"duration_ms,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// Connect dials the NATS servers in url (comma separated) and keeps
// reconnecting for the life of the process.
func Connect(url string, opts ...nats.Option) (*nats.Conn, error) {
	base := []nats.Option{
		nats.Name("castvoice"),
		nats.Timeout(5 * time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	}
	conn, err := nats.Connect(url, append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("events: connect to nats: %w", err)
	}
	slog.Info("connected to NATS", "servers", url)
	return conn, nil
}

// Option configures a [Subscriber].
type Option func(*Subscriber)

// WithQueue shares messages among subscribers of the same queue group.
func WithQueue(group string) Option {
	return func(s *Subscriber) { s.queue = group }
}

// WithDecideTimeout bounds a single decision cycle.
func WithDecideTimeout(d time.Duration) Option {
	return func(s *Subscriber) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// Subscriber feeds NATS game contexts into a [Decider]. While a decision for
// a speaker is running, further contexts for that speaker are dropped: they
// would only produce commentary on a moment that has already passed.
type Subscriber struct {
	conn    *nats.Conn
	dec     Decider
	prefix  string
	queue   string
	timeout time.Duration
	publish func(subject string, data []byte) error

	ctx    context.Context
	cancel context.CancelFunc
	sub    *nats.Subscription

	// mu guards closed and every wg.Add, so no decision starts once Close
	// has begun waiting.
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	busy sync.Map // speaker -> *atomic.Bool
}

// NewSubscriber returns a subscriber for "<prefix>.>" on conn. Call
// [Subscriber.Start] to begin consuming.
func NewSubscriber(conn *nats.Conn, dec Decider, prefix string, opts ...Option) *Subscriber {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Subscriber{
		conn:    conn,
		dec:     dec,
		prefix:  strings.TrimSuffix(prefix, "."),
		timeout: defaultDecideTimeout,
		ctx:     ctx,
		cancel:  cancel,
	}
	if conn != nil {
		s.publish = conn.Publish
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Subject returns the wildcard subject the subscriber listens on.
func (s *Subscriber) Subject() string { return s.prefix + ".>" }

// Start subscribes. It returns immediately; messages are handled on the
// NATS delivery goroutine and decisions on their own goroutines.
func (s *Subscriber) Start() error {
	var (
		sub *nats.Subscription
		err error
	)
	if s.queue != "" {
		sub, err = s.conn.QueueSubscribe(s.Subject(), s.queue, s.handle)
	} else {
		sub, err = s.conn.Subscribe(s.Subject(), s.handle)
	}
	if err != nil {
		return fmt.Errorf("events: subscribe %s: %w", s.Subject(), err)
	}
	s.sub = sub
	slog.Info("listening for game contexts", "subject", s.Subject(), "queue", s.queue)
	return nil
}

// Healthy reports whether the connection is up and the subscription active.
func (s *Subscriber) Healthy(context.Context) error {
	if s.conn == nil || s.conn.Status() != nats.CONNECTED {
		return errors.New("events: nats not connected")
	}
	if s.sub == nil || !s.sub.IsValid() {
		return errors.New("events: not subscribed")
	}
	return nil
}

// Close drains the subscription, waits for the drain to finish and then for
// running decisions. Messages arriving after that are ignored. Close may be
// called more than once.
func (s *Subscriber) Close() {
	if s.sub != nil {
		if err := s.sub.Drain(); err == nil {
			s.awaitDrain(drainTimeout)
		}
	}
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}

// awaitDrain polls until the draining subscription has been removed.
func (s *Subscriber) awaitDrain(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for s.sub.IsValid() {
		if time.Now().After(deadline) {
			slog.Warn("nats drain timed out", "subject", s.Subject())
			return
		}
		time.Sleep(drainPoll)
	}
}

// track registers a decision goroutine unless the subscriber is closed.
func (s *Subscriber) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	return true
}

// speaker extracts the speaker from a message subject.
func (s *Subscriber) speaker(subject string) (string, bool) {
	sp, ok := strings.CutPrefix(subject, s.prefix+".")
	return sp, ok && sp != ""
}

func (s *Subscriber) handle(msg *nats.Msg) {
	speaker, ok := s.speaker(msg.Subject)
	if !ok {
		slog.Warn("game context on unexpected subject", "subject", msg.Subject)
		return
	}

	var gc commentary.GameContext
	if err := json.Unmarshal(msg.Data, &gc); err != nil {
		slog.Warn("invalid game context", "speaker", speaker, "err", err)
		s.reply(msg.Reply, Reply{
			Speaker: speaker,
			Outcome: types.OutcomeInvalidContext,
			Error:   fmt.Sprintf("%v: %v", commentary.ErrInvalidContext, err),
		})
		return
	}

	flag, _ := s.busy.LoadOrStore(speaker, new(atomic.Bool))
	busy := flag.(*atomic.Bool)
	if !busy.CompareAndSwap(false, true) {
		slog.Debug("dropping game context, decision in flight", "speaker", speaker)
		return
	}

	if !s.track() {
		busy.Store(false)
		slog.Debug("dropping game context, subscriber closed", "speaker", speaker)
		return
	}
	go func() {
		defer s.wg.Done()
		defer busy.Store(false)
		ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
		defer cancel()

		dec, clip, err := s.dec.DecideDetailed(ctx, speaker, gc)
		r := Reply{
			Speaker:  speaker,
			Outcome:  dec.Outcome,
			LineID:   dec.LineID,
			Text:     dec.Text,
			Attempts: dec.Attempts,
		}
		if clip != nil {
			r.ClipID = clip.ID()
			r.DurationMs = clip.Duration().Milliseconds()
		}
		if err != nil {
			r.Error = err.Error()
		}
		observe.Logger(ctx).Debug("game context handled", "speaker", speaker, "outcome", dec.Outcome)
		s.reply(msg.Reply, r)
	}()
}

func (s *Subscriber) reply(subject string, r Reply) {
	if subject == "" || s.publish == nil {
		return
	}
	data, err := json.Marshal(r)
	if err != nil {
		slog.Warn("failed to marshal decision reply", "err", err)
		return
	}
	if err := s.publish(subject, data); err != nil {
		slog.Warn("failed to publish decision reply", "subject", subject, "err", err)
	}
}
