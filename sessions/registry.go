package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrRegistryClosed is returned by Do after Close.
	ErrRegistryClosed = errors.New("sessions: registry closed")
	// ErrActorEvicted is returned for operations that were queued on an
	// actor that got evicted before running them. The caller may retry;
	// a fresh actor will be created and hydrated.
	ErrActorEvicted = errors.New("sessions: actor evicted")
)

// Actor is the per-key unit of state and behavior.
type Actor interface {
	// Hydrate loads the actor's durable state. The registry calls it
	// exactly once, before the first operation; every operation queued
	// meanwhile waits. A hydration error is surfaced to the queued
	// callers and the actor is discarded, so the next request gets a
	// fresh hydration attempt.
	Hydrate(ctx context.Context) error
}

// Idler is optionally implemented by actors that can veto idle
// eviction, e.g. while they still own open connections.
type Idler interface {
	Idle() bool
}

// Stopper is optionally implemented by actors holding resources beyond
// their durable state (open streams, timers). The registry calls Stop
// on the actor's own goroutine after its mailbox stops, whether by
// eviction or registry close, so implementations need no locking.
type Stopper interface {
	Stop()
}

// Factory builds the actor for a key.
type Factory[A Actor] func(key string) A

// Option configures a Registry.
type Option func(*newConfig)

type newConfig struct {
	logger      *slog.Logger
	queueSize   int
	idleTimeout time.Duration
}

// WithLogger sets the slog logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) { c.logger = l }
}

// WithQueueSize bounds each actor's mailbox (default 64). A full
// mailbox makes Do block until the actor catches up or ctx ends.
func WithQueueSize(n int) Option {
	return func(c *newConfig) { c.queueSize = n }
}

// WithIdleTimeout evicts actors that received no operation for d and
// are not vetoing via Idler. Zero (default) disables idle eviction.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *newConfig) { c.idleTimeout = d }
}

// Registry owns the key -> actor map. At most one live actor exists
// per key (single writer); creation is single-flight under the
// registry lock and the actor's mailbox goroutine starts immediately.
type Registry[A Actor] struct {
	factory     Factory[A]
	log         *slog.Logger
	queueSize   int
	idleTimeout time.Duration

	mu     sync.Mutex
	actors map[string]*mailbox[A]
	closed bool
	wg     sync.WaitGroup
}

// NewRegistry builds a Registry around factory.
func NewRegistry[A Actor](factory Factory[A], opts ...Option) *Registry[A] {
	cfg := newConfig{queueSize: 64}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.New(slog.DiscardHandler)
	}
	return &Registry[A]{
		factory:     factory,
		log:         cfg.logger,
		queueSize:   cfg.queueSize,
		idleTimeout: cfg.idleTimeout,
		actors:      make(map[string]*mailbox[A]),
	}
}

type task[A Actor] struct {
	ctx  context.Context
	fn   func(ctx context.Context, a A) error
	done chan error
}

type mailbox[A Actor] struct {
	key   string
	actor A
	tasks chan task[A]
	stop  chan struct{} // closed exactly once, under the registry lock
}

// Do runs fn on the actor owning key, in mailbox order, and returns
// fn's error. The first Do for a key triggers hydration; fn never sees
// partially hydrated state.
func (r *Registry[A]) Do(ctx context.Context, key string, fn func(ctx context.Context, a A) error) error {
	mb, err := r.get(key)
	if err != nil {
		return err
	}

	t := task[A]{ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case mb.tasks <- t:
	case <-mb.stop:
		// Evicted between lookup and submit; a fresh actor will pick it up.
		return r.Do(ctx, key, fn)
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry[A]) get(key string) (*mailbox[A], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}
	if mb, ok := r.actors[key]; ok {
		return mb, nil
	}
	mb := &mailbox[A]{
		key:   key,
		actor: r.factory(key),
		tasks: make(chan task[A], r.queueSize),
		stop:  make(chan struct{}),
	}
	r.actors[key] = mb
	r.wg.Add(1)
	go r.run(mb)
	r.log.Debug("actor.create", slog.String("key", key))
	return mb, nil
}

// run is the actor's single execution context: hydrate first, then
// strictly one task at a time.
func (r *Registry[A]) run(mb *mailbox[A]) {
	defer r.wg.Done()
	defer func() {
		if s, ok := any(mb.actor).(Stopper); ok {
			s.Stop()
		}
	}()

	var first task[A]
	select {
	case first = <-mb.tasks:
	case <-mb.stop:
		r.drain(mb, ErrActorEvicted)
		return
	}

	if err := mb.actor.Hydrate(first.ctx); err != nil {
		r.log.Warn("actor.hydrate.fail", slog.String("key", mb.key), slog.String("err", err.Error()))
		hErr := fmt.Errorf("hydrate actor %q: %w", mb.key, err)
		first.done <- hErr
		r.remove(mb)
		r.drain(mb, hErr)
		return
	}
	r.log.Debug("actor.hydrate.ok", slog.String("key", mb.key))

	first.done <- first.fn(first.ctx, mb.actor)

	var idle *time.Timer
	var idleC <-chan time.Time
	if r.idleTimeout > 0 {
		idle = time.NewTimer(r.idleTimeout)
		defer idle.Stop()
		idleC = idle.C
	}

	for {
		select {
		case t := <-mb.tasks:
			t.done <- t.fn(t.ctx, mb.actor)
			if idle != nil {
				if !idle.Stop() {
					select {
					case <-idle.C:
					default:
					}
				}
				idle.Reset(r.idleTimeout)
			}
		case <-idleC:
			if i, ok := any(mb.actor).(Idler); ok && !i.Idle() {
				idle.Reset(r.idleTimeout)
				continue
			}
			r.log.Debug("actor.evict.idle", slog.String("key", mb.key))
			r.remove(mb)
			r.drain(mb, ErrActorEvicted)
			return
		case <-mb.stop:
			r.drain(mb, ErrActorEvicted)
			return
		}
	}
}

// drain answers every task still queued after the actor stopped.
func (r *Registry[A]) drain(mb *mailbox[A], err error) {
	for {
		select {
		case t := <-mb.tasks:
			t.done <- err
		default:
			return
		}
	}
}

// remove detaches mb from the map and closes its stop channel. Safe to
// call for an mb that was already replaced or removed.
func (r *Registry[A]) remove(mb *mailbox[A]) {
	r.mu.Lock()
	if cur, ok := r.actors[mb.key]; ok && cur == mb {
		delete(r.actors, mb.key)
	}
	select {
	case <-mb.stop:
	default:
		close(mb.stop)
	}
	r.mu.Unlock()
}

// Evict discards the actor for key, if any. The next Do re-creates and
// re-hydrates it.
func (r *Registry[A]) Evict(key string) {
	r.mu.Lock()
	mb, ok := r.actors[key]
	if ok {
		delete(r.actors, key)
		close(mb.stop)
	}
	r.mu.Unlock()
}

// Len reports the number of live actors.
func (r *Registry[A]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.actors)
}

// Close evicts every actor and waits for their goroutines to finish.
// Subsequent Do calls return ErrRegistryClosed.
func (r *Registry[A]) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.wg.Wait()
		return
	}
	r.closed = true
	for key, mb := range r.actors {
		delete(r.actors, key)
		close(mb.stop)
	}
	r.mu.Unlock()
	r.wg.Wait()
}
