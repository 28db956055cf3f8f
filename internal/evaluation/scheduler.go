// Package evaluation debounces evaluation requests per link.
//
// Each link is an actor holding at most one pending request. The first submit
// while idle arms a durable timer for the debounce window; later submits only
// replace the payload. When the timer fires the latest payload is handed to
// the trigger sink exactly once per cycle.
package evaluation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aevon-lab/linkpulse/internal/actor"
	v1 "github.com/aevon-lab/linkpulse/internal/api/v1"
	"github.com/aevon-lab/linkpulse/internal/core/storage"
	"github.com/aevon-lab/linkpulse/internal/metrics"
	"github.com/aevon-lab/linkpulse/internal/timer"
	"github.com/aevon-lab/linkpulse/internal/trigger"
)

// TimerKind names the scheduler's durable timers.
const TimerKind = "evaluation"

type Config struct {
	// Window is the debounce delay measured from the first submit of a cycle.
	Window time.Duration
	// MaxAttempts is the number of failed trigger attempts after which a
	// pending request is dropped.
	MaxAttempts int
}

type state struct {
	pending *v1.PendingEvaluation
}

// Scheduler is the debounce actor system for evaluations.
type Scheduler struct {
	store   storage.EvaluationStore
	timers  *timer.Service
	sink    trigger.Sink
	cfg     Config
	metrics *metrics.Metrics
	actors  *actor.Registry[state]
}

// New creates a Scheduler and registers its timer handler with timers.
func New(store storage.EvaluationStore, timers *timer.Service, sink trigger.Sink, cfg Config, m *metrics.Metrics) *Scheduler {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	s := &Scheduler{
		store:   store,
		timers:  timers,
		sink:    sink,
		cfg:     cfg,
		metrics: m,
	}
	s.actors = actor.New("Evaluation", s.load)
	timers.Register(TimerKind, s.fire)
	return s
}

func (s *Scheduler) load(ctx context.Context, key string) (state, error) {
	pending, err := s.store.LoadPendingEvaluation(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return state{}, nil
	}
	if err != nil {
		return state{}, err
	}
	return state{pending: pending}, nil
}

// Submit records req as the latest pending request for key and arms the
// debounce timer if none is armed.
func (s *Scheduler) Submit(ctx context.Context, key string, req v1.EvaluationRequest) error {
	return s.actors.Do(ctx, key, func(ctx context.Context, st *state) error {
		pending := &v1.PendingEvaluation{
			Request:   req,
			UpdatedAt: s.timers.Now(),
		}
		if err := s.store.SavePendingEvaluation(ctx, key, pending); err != nil {
			return fmt.Errorf("submit %s: %w", key, err)
		}
		st.pending = pending

		if err := s.arm(ctx, key); err != nil {
			return fmt.Errorf("submit %s: %w", key, err)
		}
		return nil
	})
}

// Recover arms a timer for every link whose pending request has none, as
// after a crash between disarming and triggering. It returns the number of
// links armed.
func (s *Scheduler) Recover(ctx context.Context) (int, error) {
	keys, err := s.store.ListPendingEvaluationKeys(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending evaluations: %w", err)
	}

	recovered := 0
	for _, key := range keys {
		h, err := s.actors.Resolve(ctx, key)
		if err != nil {
			return recovered, fmt.Errorf("recover %s: %w", key, err)
		}
		err = h.Do(ctx, func(ctx context.Context, st *state) error {
			if st.pending == nil || s.timers.Armed(TimerKind, key) {
				return nil
			}
			if err := s.arm(ctx, key); err != nil {
				return err
			}
			recovered++
			return nil
		})
		if err != nil {
			return recovered, fmt.Errorf("recover %s: %w", key, err)
		}
	}

	if recovered > 0 {
		slog.Info("[Evaluation] Re-armed stranded evaluations", "count", recovered)
	}
	return recovered, nil
}

func (s *Scheduler) arm(ctx context.Context, key string) error {
	if s.timers.Armed(TimerKind, key) {
		return nil
	}
	_, err := s.timers.Arm(ctx, TimerKind, key, s.timers.Now().Add(s.cfg.Window))
	return err
}

func (s *Scheduler) fire(ctx context.Context, key string) error {
	return s.actors.Do(ctx, key, func(ctx context.Context, st *state) error {
		if err := s.timers.Disarm(ctx, TimerKind, key); err != nil {
			return err
		}

		pending := st.pending
		if pending == nil {
			slog.Debug("[Evaluation] Timer fired with nothing pending", "link_id", key)
			return nil
		}

		if err := s.sink.StartTrigger(ctx, key, pending.Request); err != nil {
			return s.triggerFailed(ctx, key, st, err)
		}
		s.metrics.RecordTrigger(metrics.ResultSuccess)

		if err := s.store.DeletePendingEvaluation(ctx, key); err != nil {
			slog.Warn("[Evaluation] Failed to clear triggered evaluation, re-arming",
				"link_id", key,
				"error", err)
			return s.rearm(ctx, key, "clear triggered", err)
		}
		st.pending = nil

		slog.Debug("[Evaluation] Triggered", "link_id", key)
		return nil
	})
}

func (s *Scheduler) triggerFailed(ctx context.Context, key string, st *state, cause error) error {
	attempts := st.pending.Attempts + 1

	if attempts >= s.cfg.MaxAttempts {
		slog.Error("[Evaluation] Dropping evaluation after repeated trigger failures",
			"link_id", key,
			"attempts", attempts,
			"error", cause)
		s.metrics.RecordTrigger(metrics.ResultDropped)

		if err := s.store.DeletePendingEvaluation(ctx, key); err != nil {
			slog.Warn("[Evaluation] Failed to clear dropped evaluation, re-arming",
				"link_id", key,
				"error", err)
			return s.rearm(ctx, key, "clear dropped", err)
		}
		st.pending = nil
		return nil
	}

	slog.Warn("[Evaluation] Trigger failed, retrying next window",
		"link_id", key,
		"attempts", attempts,
		"error", cause)
	s.metrics.RecordTrigger(metrics.ResultFailed)

	next := *st.pending
	next.Attempts = attempts
	next.UpdatedAt = s.timers.Now()
	st.pending = &next
	if err := s.store.SavePendingEvaluation(ctx, key, &next); err != nil {
		slog.Warn("[Evaluation] Failed to persist attempt count", "link_id", key, "error", err)
	}
	return s.rearm(ctx, key, "trigger", cause)
}

// rearm schedules the next attempt after a failed step. If the timer cannot
// be armed the combined error is returned so the timer service retries.
func (s *Scheduler) rearm(ctx context.Context, key, step string, cause error) error {
	if err := s.arm(ctx, key); err != nil {
		return fmt.Errorf("%s: %w; re-arm: %w", step, cause, err)
	}
	return nil
}
