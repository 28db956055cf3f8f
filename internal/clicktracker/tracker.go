// Package clicktracker keeps a durable per-account log of geo clicks and
// periodically pushes new entries to the account's live subscribers.
//
// Delivery is driven by watermarks: every cycle sends entries newer than the
// high watermark, then moves the high watermark to the newest entry sent and
// the low watermark to the oldest, pruning everything older than low.
package clicktracker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aevon-lab/linkpulse/internal/actor"
	v1 "github.com/aevon-lab/linkpulse/internal/api/v1"
	"github.com/aevon-lab/linkpulse/internal/broadcast"
	"github.com/aevon-lab/linkpulse/internal/core/storage"
	"github.com/aevon-lab/linkpulse/internal/metrics"
	"github.com/aevon-lab/linkpulse/internal/timer"
)

// TimerKind names the tracker's durable timers.
const TimerKind = "clicks"

type Config struct {
	// FlushInterval is the delay between the first append of a cycle and
	// delivery.
	FlushInterval time.Duration
	// SendTimeout bounds one batch send to one subscriber.
	SendTimeout time.Duration
}

type state struct {
	marks       v1.Watermarks
	subscribers *broadcast.Set
}

type Tracker struct {
	store   storage.ClickLogStore
	timers  *timer.Service
	cfg     Config
	metrics *metrics.Metrics
	actors  *actor.Registry[state]
}

// New creates a Tracker and registers its timer handler with timers.
func New(store storage.ClickLogStore, timers *timer.Service, cfg Config, m *metrics.Metrics) *Tracker {
	t := &Tracker{
		store:   store,
		timers:  timers,
		cfg:     cfg,
		metrics: m,
	}
	t.actors = actor.New("ClickTracker", t.load)
	timers.Register(TimerKind, t.flush)
	return t
}

func (t *Tracker) load(ctx context.Context, key string) (state, error) {
	marks, err := t.store.LoadWatermarks(ctx, key)
	if err != nil {
		return state{}, err
	}
	return state{
		marks:       marks,
		subscribers: broadcast.NewSet(t.cfg.SendTimeout),
	}, nil
}

// Append adds click to the account's log and schedules a delivery cycle if
// none is scheduled.
func (t *Tracker) Append(ctx context.Context, accountID string, click v1.GeoClick) error {
	return t.actors.Do(ctx, accountID, func(ctx context.Context, _ *state) error {
		if err := t.store.AppendClick(ctx, accountID, click); err != nil {
			return fmt.Errorf("append %s: %w", accountID, err)
		}
		if err := t.arm(ctx, accountID); err != nil {
			return fmt.Errorf("append %s: %w", accountID, err)
		}
		return nil
	})
}

// Subscribe attaches conn to the account. It receives only batches delivered
// after this call.
func (t *Tracker) Subscribe(ctx context.Context, accountID string, conn broadcast.Conn) error {
	return t.actors.Do(ctx, accountID, func(_ context.Context, st *state) error {
		if !st.subscribers.Add(conn) {
			return fmt.Errorf("subscriber %s already attached to %s", conn.ID(), accountID)
		}
		t.metrics.SubscriberAdded()
		slog.Info("[ClickTracker] Subscriber attached",
			"account_id", accountID,
			"conn_id", conn.ID(),
			"subscribers", st.subscribers.Len())
		return nil
	})
}

// Unsubscribe detaches the connection with connID. Unknown IDs are ignored.
func (t *Tracker) Unsubscribe(ctx context.Context, accountID, connID string) error {
	return t.actors.Do(ctx, accountID, func(_ context.Context, st *state) error {
		if st.subscribers.Remove(connID) {
			t.metrics.SubscriberRemoved()
			slog.Info("[ClickTracker] Subscriber detached", "account_id", accountID, "conn_id", connID)
		}
		return nil
	})
}

// Recover schedules a cycle for every account holding undelivered clicks but
// no armed timer. It returns the number of accounts armed.
func (t *Tracker) Recover(ctx context.Context) (int, error) {
	keys, err := t.store.ListUndeliveredClickKeys(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list undelivered click accounts: %w", err)
	}

	recovered := 0
	for _, key := range keys {
		if t.timers.Armed(TimerKind, key) {
			continue
		}
		h, err := t.actors.Resolve(ctx, key)
		if err != nil {
			return recovered, fmt.Errorf("recover %s: %w", key, err)
		}
		if err := h.Do(ctx, func(ctx context.Context, _ *state) error {
			return t.arm(ctx, key)
		}); err != nil {
			return recovered, fmt.Errorf("recover %s: %w", key, err)
		}
		recovered++
	}

	if recovered > 0 {
		slog.Info("[ClickTracker] Re-armed stranded delivery cycles", "count", recovered)
	}
	return recovered, nil
}

func (t *Tracker) arm(ctx context.Context, accountID string) error {
	if t.timers.Armed(TimerKind, accountID) {
		return nil
	}
	_, err := t.timers.Arm(ctx, TimerKind, accountID, t.timers.Now().Add(t.cfg.FlushInterval))
	return err
}

// flush runs one delivery cycle.
func (t *Tracker) flush(ctx context.Context, accountID string) error {
	return t.actors.Do(ctx, accountID, func(ctx context.Context, st *state) error {
		if err := t.timers.Disarm(ctx, TimerKind, accountID); err != nil {
			return err
		}

		batch, err := t.store.RetrieveClicksAfter(ctx, accountID, st.marks.High)
		if err != nil {
			return t.retryCycle(ctx, accountID, "retrieve", err)
		}

		if len(batch) == 0 {
			if err := t.store.SaveWatermarks(ctx, accountID, st.marks); err != nil {
				return t.retryCycle(ctx, accountID, "save watermarks", err)
			}
			slog.Debug("[ClickTracker] Nothing new to deliver", "account_id", accountID)
			return nil
		}

		failed := st.subscribers.Broadcast(ctx, batch)
		for range failed {
			t.metrics.SendFailed()
			t.metrics.SubscriberRemoved()
		}
		t.metrics.BatchDelivered(len(batch))

		next := v1.Watermarks{
			High: batch[len(batch)-1].Time,
			Low:  batch[0].Time,
		}
		if err := t.store.AdvanceWatermarks(ctx, accountID, next); err != nil {
			return t.retryCycle(ctx, accountID, "advance watermarks", err)
		}
		st.marks = next

		slog.Debug("[ClickTracker] Delivered batch",
			"account_id", accountID,
			"clicks", len(batch),
			"subscribers", st.subscribers.Len(),
			"failed", len(failed),
			"high", next.High,
			"low", next.Low)
		return nil
	})
}

func (t *Tracker) retryCycle(ctx context.Context, accountID, step string, cause error) error {
	slog.Warn("[ClickTracker] Delivery cycle failed, re-arming",
		"account_id", accountID,
		"step", step,
		"error", cause)
	if err := t.arm(ctx, accountID); err != nil {
		return fmt.Errorf("%s: %w; re-arm: %w", step, cause, err)
	}
	return nil
}
