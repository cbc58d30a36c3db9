// Package notify implements the per-user notification fan-out actor: a
// push-stream multiplexer delivering out-of-band events to every open
// stream a user holds. Framing is server-sent events: one
// "data: <json>\n\n" frame per event and ": keepalive\n\n" comment
// frames to defeat idle-connection teardown by intermediaries.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/planloop/planloop/sessions"
)

// DefaultKeepaliveInterval is the interval between keepalive comment
// frames on each subscribed stream.
const DefaultKeepaliveInterval = 30 * time.Second

// DefaultWriteTimeout bounds each frame write. A peer that stops
// reading turns into a deadline error instead of blocking the actor.
const DefaultWriteTimeout = 10 * time.Second

// StreamWriter is the outbound half of one push stream. An
// http.ResponseWriter plus its http.Flusher satisfies it via
// NewLockedStream.
type StreamWriter interface {
	io.Writer
	Flush()
}

// writeDeadliner is satisfied by streams that can bound a write, e.g.
// an http.ResponseWriter via http.ResponseController.
type writeDeadliner interface {
	SetWriteDeadline(time.Time) error
}

// lockedStream serializes writes from the actor (data frames) and the
// per-subscription keepalive goroutine (comment frames).
type lockedStream struct {
	mu      sync.Mutex
	w       StreamWriter
	timeout time.Duration
}

func (l *lockedStream) writeFrame(frame []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if d, ok := l.w.(writeDeadliner); ok {
		if err := d.SetWriteDeadline(time.Now().Add(l.timeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return err
		}
	}
	if _, err := l.w.Write(frame); err != nil {
		return err
	}
	l.w.Flush()
	return nil
}

// Subscription is one registered push stream.
type Subscription struct {
	id     string
	stream *lockedStream

	closeOnce sync.Once
	done      chan struct{}
}

// ID identifies the subscription for Unsubscribe.
func (s *Subscription) ID() string { return s.id }

// Done is closed when the subscription is pruned or its keepalive
// writes start failing; the serving handler should return then.
func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Option configures the Hub.
type Option func(*newConfig)

type newConfig struct {
	logger       *slog.Logger
	keepalive    time.Duration
	writeTimeout time.Duration
}

// WithLogger sets the slog logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) { c.logger = l }
}

// WithKeepaliveInterval overrides DefaultKeepaliveInterval.
func WithKeepaliveInterval(d time.Duration) Option {
	return func(c *newConfig) { c.keepalive = d }
}

// WithWriteTimeout overrides DefaultWriteTimeout.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *newConfig) { c.writeTimeout = d }
}

// Hub routes subscribe/notify calls to the per-user fan-out actors.
type Hub struct {
	reg *sessions.Registry[*Fanout]
}

// NewHub builds the hub and its actor registry.
func NewHub(opts ...Option) *Hub {
	cfg := newConfig{keepalive: DefaultKeepaliveInterval, writeTimeout: DefaultWriteTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.New(slog.DiscardHandler)
	}
	factory := func(userID string) *Fanout {
		return &Fanout{
			userID:       userID,
			log:          cfg.logger.With(slog.String("user_id", userID)),
			keepalive:    cfg.keepalive,
			writeTimeout: cfg.writeTimeout,
			subs:         make(map[string]*Subscription),
		}
	}
	return &Hub{reg: sessions.NewRegistry(factory, sessions.WithLogger(cfg.logger))}
}

// Subscribe registers w as a push stream for userID and starts its
// keepalive timer.
func (h *Hub) Subscribe(ctx context.Context, userID string, w StreamWriter) (*Subscription, error) {
	var sub *Subscription
	err := h.reg.Do(ctx, userID, func(ctx context.Context, f *Fanout) error {
		sub = f.subscribe(w)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Unsubscribe removes the subscription and cancels its keepalive. Safe
// to call for an already-pruned subscription.
func (h *Hub) Unsubscribe(ctx context.Context, userID string, subID string) error {
	return h.reg.Do(ctx, userID, func(ctx context.Context, f *Fanout) error {
		f.unsubscribe(subID)
		return nil
	})
}

// Notify writes one event to every open stream subscribed for userID
// and returns the number of successful deliveries. A write failure on
// one stream prunes only that stream.
func (h *Hub) Notify(ctx context.Context, userID string, payload any) (int, error) {
	var delivered int
	err := h.reg.Do(ctx, userID, func(ctx context.Context, f *Fanout) error {
		n, err := f.notify(payload)
		delivered = n
		return err
	})
	return delivered, err
}

// Close shuts down every fan-out actor.
func (h *Hub) Close() { h.reg.Close() }

// Fanout is one user's push-stream registry. All mutation happens on
// the actor goroutine; only the keepalive tickers run outside it, and
// they never touch the registry map.
type Fanout struct {
	userID       string
	log          *slog.Logger
	keepalive    time.Duration
	writeTimeout time.Duration
	subs         map[string]*Subscription
}

// Hydrate implements sessions.Actor. Fan-out state is connection-bound
// and has no durable component.
func (f *Fanout) Hydrate(ctx context.Context) error { return nil }

// Idle permits eviction only with no streams attached.
func (f *Fanout) Idle() bool { return len(f.subs) == 0 }

// Stop implements sessions.Stopper: signal every still-open
// subscription so its serving handler returns and its keepalive
// goroutine exits.
func (f *Fanout) Stop() {
	for id, sub := range f.subs {
		delete(f.subs, id)
		sub.close()
	}
}

func (f *Fanout) subscribe(w StreamWriter) *Subscription {
	sub := &Subscription{
		id:     uuid.NewString(),
		stream: &lockedStream{w: w, timeout: f.writeTimeout},
		done:   make(chan struct{}),
	}
	f.subs[sub.id] = sub
	go f.keepaliveLoop(sub)
	f.log.Debug("notify.subscribe", slog.String("sub_id", sub.id), slog.Int("streams", len(f.subs)))
	return sub
}

func (f *Fanout) unsubscribe(subID string) {
	sub, ok := f.subs[subID]
	if !ok {
		return
	}
	delete(f.subs, subID)
	sub.close()
	f.log.Debug("notify.unsubscribe", slog.String("sub_id", subID), slog.Int("streams", len(f.subs)))
}

func (f *Fanout) notify(payload any) (int, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("encode payload: %w", err)
	}
	frame := dataFrame(data)

	var delivered int
	for id, sub := range f.subs {
		if err := sub.stream.writeFrame(frame); err != nil {
			// Prune only this stream; the rest still get the event.
			delete(f.subs, id)
			sub.close()
			f.log.Warn("notify.write.fail", slog.String("sub_id", id), slog.String("err", err.Error()))
			continue
		}
		delivered++
	}
	return delivered, nil
}

// keepaliveLoop runs outside the actor goroutine. It only touches the
// subscription's own locked stream; on failure it signals the serving
// handler via Done instead of mutating the registry.
func (f *Fanout) keepaliveLoop(sub *Subscription) {
	ticker := time.NewTicker(f.keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-sub.done:
			return
		case <-ticker.C:
			if err := sub.stream.writeFrame(keepaliveFrame); err != nil {
				f.log.Debug("notify.keepalive.fail", slog.String("sub_id", sub.id), slog.String("err", err.Error()))
				sub.close()
				return
			}
		}
	}
}

var keepaliveFrame = []byte(": keepalive\n\n")

func dataFrame(data []byte) []byte {
	frame := make([]byte, 0, len(data)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, data...)
	frame = append(frame, "\n\n"...)
	return frame
}
