// Package timer implements durable one-shot timers keyed by (kind, key).
//
// The TimerStore is the source of truth: an armed timer is a stored row, and
// Service keeps an in-memory min-heap of the rows it has loaded or armed so it
// knows when to wake up. A fired timer stays armed until its handler disarms
// it. A handler that fails is retried with exponential backoff until it
// succeeds or re-arms its timer, so a failed re-arm never strands the work.
package timer

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aevon-lab/linkpulse/internal/core/storage"
	"github.com/aevon-lab/linkpulse/internal/metrics"
	"github.com/cenkalti/backoff/v4"
	"github.com/coder/quartz"
	"golang.org/x/sync/semaphore"
)

// ErrStopped is returned by Arm once Run has returned.
var ErrStopped = errors.New("timer service stopped")

// Handler is invoked when a timer of its kind fires. It must disarm the timer
// before running side effects. An error schedules a retry unless the handler
// armed the timer again before returning it.
type Handler func(ctx context.Context, key string) error

// Config tunes dispatch.
type Config struct {
	// Concurrency bounds the number of handlers running at once.
	Concurrency int64
	// RetryDelay is the first backoff interval for a failed handler.
	RetryDelay time.Duration
	// MaxRetryDelay caps the backoff interval.
	MaxRetryDelay time.Duration
}

type timerID struct {
	kind string
	key  string
}

// Service schedules and dispatches durable timers.
type Service struct {
	store   storage.TimerStore
	clock   quartz.Clock
	cfg     Config
	metrics *metrics.Metrics
	sem     *semaphore.Weighted

	mu       sync.Mutex
	handlers map[string]Handler
	queue    timerHeap
	queued   map[timerID]*entry
	inflight map[timerID]struct{}
	stopped  bool

	wake chan struct{}
	wg   sync.WaitGroup
}

// New creates a Service. Register handlers and call Load before Run.
func New(store storage.TimerStore, clock quartz.Clock, cfg Config, m *metrics.Metrics) *Service {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.MaxRetryDelay < cfg.RetryDelay {
		cfg.MaxRetryDelay = cfg.RetryDelay
	}
	return &Service{
		store:    store,
		clock:    clock,
		cfg:      cfg,
		metrics:  m,
		sem:      semaphore.NewWeighted(cfg.Concurrency),
		handlers: make(map[string]Handler),
		queued:   make(map[timerID]*entry),
		inflight: make(map[timerID]struct{}),
		wake:     make(chan struct{}, 1),
	}
}

// Register sets the handler for kind, replacing any previous one.
func (s *Service) Register(kind string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[kind] = h
}

// Load reads every stored timer into the schedule. Timers already due fire on
// the next Poll.
func (s *Service) Load(ctx context.Context) error {
	timers, err := s.store.LoadTimers(ctx)
	if err != nil {
		return fmt.Errorf("failed to load timers: %w", err)
	}

	s.mu.Lock()
	for _, t := range timers {
		s.push(timerID{kind: t.Kind, key: t.Key}, t.FireAt)
	}
	s.mu.Unlock()
	s.signal()

	slog.Info("[Timers] Loaded durable timers", "count", len(timers))
	return nil
}

// Now returns the service clock's current time.
func (s *Service) Now() time.Time {
	return s.clock.Now()
}

// Armed reports whether a timer exists for (kind, key), including one that
// has fired but not yet been disarmed.
func (s *Service) Armed(kind, key string) bool {
	id := timerID{kind: kind, key: key}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.queued[id]; ok {
		return true
	}
	_, ok := s.inflight[id]
	return ok
}

// Arm persists a timer for (kind, key) firing at fireAt. Arming an armed
// timer is a no-op and keeps the original fire time; armed reports whether
// this call created the timer.
//
// Arm and Disarm for the same key must not run concurrently.
func (s *Service) Arm(ctx context.Context, kind, key string, fireAt time.Time) (bool, error) {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return false, ErrStopped
	}

	armed, err := s.store.ArmTimer(ctx, storage.Timer{Kind: kind, Key: key, FireAt: fireAt})
	if err != nil {
		return false, err
	}
	if !armed {
		return false, nil
	}

	s.mu.Lock()
	s.push(timerID{kind: kind, key: key}, fireAt)
	s.mu.Unlock()
	s.signal()

	slog.Debug("[Timers] Armed", "kind", kind, "key", key, "fire_at", fireAt)
	return true, nil
}

// Disarm removes the timer for (kind, key) from the store and the schedule.
func (s *Service) Disarm(ctx context.Context, kind, key string) error {
	if err := s.store.DisarmTimer(ctx, kind, key); err != nil {
		return err
	}

	id := timerID{kind: kind, key: key}
	s.mu.Lock()
	if e, ok := s.queued[id]; ok {
		heap.Remove(&s.queue, e.index)
		delete(s.queued, id)
	}
	delete(s.inflight, id)
	s.mu.Unlock()
	return nil
}

// Run dispatches timers as they come due until ctx is done, then waits for
// running handlers to return.
func (s *Service) Run(ctx context.Context) error {
	slog.Info("[Timers] Dispatcher started", "concurrency", s.cfg.Concurrency)
	defer func() {
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()
		s.wg.Wait()
		slog.Info("[Timers] Dispatcher stopped")
	}()

	for {
		s.Poll(ctx)

		var (
			t    *quartz.Timer
			wait <-chan time.Time
		)
		if d, ok := s.nextDelay(); ok {
			t = s.clock.NewTimer(d, "timers", "next")
			wait = t.C
		}

		select {
		case <-ctx.Done():
			if t != nil {
				t.Stop()
			}
			return nil
		case <-s.wake:
		case <-wait:
		}
		if t != nil {
			t.Stop()
		}
	}
}

// Poll dispatches every timer due at the current clock time and returns how
// many it dispatched. Handlers run on their own goroutines; see Wait.
func (s *Service) Poll(ctx context.Context) int {
	now := s.clock.Now()

	s.mu.Lock()
	var due []timerID
	for len(s.queue) > 0 && !s.queue[0].fireAt.After(now) {
		e := heap.Pop(&s.queue).(*entry)
		delete(s.queued, e.id)
		s.inflight[e.id] = struct{}{}
		due = append(due, e.id)
	}
	s.wg.Add(len(due))
	s.mu.Unlock()

	for _, id := range due {
		go s.dispatch(ctx, id)
	}
	return len(due)
}

// Wait blocks until every dispatched handler, including its retries, returns.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) dispatch(ctx context.Context, id timerID) {
	defer s.wg.Done()

	if err := s.sem.Acquire(ctx, 1); err != nil {
		s.abandon(id)
		return
	}
	defer s.sem.Release(1)

	s.mu.Lock()
	h, ok := s.handlers[id.kind]
	s.mu.Unlock()
	if !ok {
		slog.Error("[Timers] No handler registered, discarding timer", "kind", id.kind, "key", id.key)
		s.finish(ctx, id)
		return
	}

	s.metrics.TimerFired(id.kind)
	b := s.newBackOff()
	for {
		err := h(ctx, id.key)
		if err == nil {
			break
		}
		if s.isQueued(id) {
			// Re-armed by the handler; the next fire retries the work.
			slog.Warn("[Timers] Handler failed after re-arming",
				"kind", id.kind,
				"key", id.key,
				"error", err)
			return
		}
		if ctx.Err() != nil {
			s.abandon(id)
			return
		}

		delay := b.NextBackOff()
		slog.Warn("[Timers] Handler failed, retrying",
			"kind", id.kind,
			"key", id.key,
			"retry_in", delay,
			"error", err)
		s.metrics.TimerRetried(id.kind)

		t := s.clock.NewTimer(delay, "timers", "retry")
		select {
		case <-ctx.Done():
			t.Stop()
			s.abandon(id)
			return
		case <-t.C:
		}
	}
	s.finish(ctx, id)
}

func (s *Service) newBackOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.cfg.RetryDelay
	eb.MaxInterval = s.cfg.MaxRetryDelay
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0 // retry until disarmed or stopped
	eb.Reset()
	return eb
}

// finish disarms a timer whose handler returned without disarming it.
func (s *Service) finish(ctx context.Context, id timerID) {
	if !s.isInflight(id) {
		return
	}
	slog.Warn("[Timers] Handler returned without disarming", "kind", id.kind, "key", id.key)
	if err := s.Disarm(ctx, id.kind, id.key); err != nil {
		slog.Error("[Timers] Failed to disarm finished timer",
			"kind", id.kind,
			"key", id.key,
			"error", err)
		s.abandon(id)
	}
}

// abandon forgets an in-flight timer without touching the store. The row is
// picked up again by the next Load.
func (s *Service) abandon(id timerID) {
	s.mu.Lock()
	delete(s.inflight, id)
	s.mu.Unlock()
}

func (s *Service) isQueued(id timerID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.queued[id]
	return ok
}

func (s *Service) isInflight(id timerID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inflight[id]
	return ok
}

func (s *Service) nextDelay() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return 0, false
	}
	d := s.queue[0].fireAt.Sub(s.clock.Now())
	if d < 0 {
		d = 0
	}
	return d, true
}

// push must be called with mu held. A timer already queued or in flight is
// left alone.
func (s *Service) push(id timerID, fireAt time.Time) {
	if _, ok := s.queued[id]; ok {
		return
	}
	if _, ok := s.inflight[id]; ok {
		return
	}
	e := &entry{id: id, fireAt: fireAt}
	heap.Push(&s.queue, e)
	s.queued[id] = e
}

func (s *Service) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
