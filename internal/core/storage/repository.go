package storage

import (
	"context"
	"errors"
	"time"

	v1 "github.com/aevon-lab/linkpulse/internal/api/v1"
)

// ErrNotFound is returned when a keyed durable value does not exist.
var ErrNotFound = errors.New("not found")

// Timer is one persisted one-shot timer. At most one exists per (Kind, Key).
type Timer struct {
	Kind   string
	Key    string
	FireAt time.Time
}

// TimerStore persists armed timers so they survive process restarts.
type TimerStore interface {
	// ArmTimer inserts the timer unless one is already armed for (Kind, Key).
	// armed reports whether this call created it.
	ArmTimer(ctx context.Context, t Timer) (armed bool, err error)

	// DisarmTimer removes the timer for (kind, key). Missing timers are not an error.
	DisarmTimer(ctx context.Context, kind, key string) error

	// LoadTimers returns every armed timer ordered by FireAt ascending.
	LoadTimers(ctx context.Context) ([]Timer, error)
}

// EvaluationStore holds the latest pending evaluation per link.
type EvaluationStore interface {
	// LoadPendingEvaluation returns ErrNotFound when the link has nothing pending.
	LoadPendingEvaluation(ctx context.Context, linkID string) (*v1.PendingEvaluation, error)

	// SavePendingEvaluation overwrites the link's pending evaluation.
	SavePendingEvaluation(ctx context.Context, linkID string, pending *v1.PendingEvaluation) error

	DeletePendingEvaluation(ctx context.Context, linkID string) error

	// ListPendingEvaluationKeys returns every link with a pending evaluation.
	// Used at startup to re-arm work stranded by a crash.
	ListPendingEvaluationKeys(ctx context.Context) ([]string, error)
}

// ClickLogStore is the per-account append log of geo clicks plus its watermarks.
type ClickLogStore interface {
	// AppendClick inserts one entry. Entries are never deduplicated or mutated.
	AppendClick(ctx context.Context, accountID string, click v1.GeoClick) error

	// RetrieveClicksAfter returns entries with Time > after, ordered by Time
	// ascending with ties broken by insertion order.
	RetrieveClicksAfter(ctx context.Context, accountID string, after int64) ([]v1.GeoClick, error)

	// LoadWatermarks returns the zero value when the account has none yet.
	LoadWatermarks(ctx context.Context, accountID string) (v1.Watermarks, error)

	// SaveWatermarks persists marks without pruning.
	SaveWatermarks(ctx context.Context, accountID string, marks v1.Watermarks) error

	// AdvanceWatermarks persists marks and deletes entries with Time < marks.Low
	// atomically.
	AdvanceWatermarks(ctx context.Context, accountID string, marks v1.Watermarks) error

	// ListUndeliveredClickKeys returns accounts holding entries newer than their
	// high watermark. Used at startup to re-arm stranded delivery cycles.
	ListUndeliveredClickKeys(ctx context.Context) ([]string, error)
}

// Store is the full durable boundary used by the actors.
type Store interface {
	TimerStore
	EvaluationStore
	ClickLogStore
}
