package memory

import (
	"context"
	"sort"
	"sync"

	v1 "github.com/aevon-lab/linkpulse/internal/api/v1"
	"github.com/aevon-lab/linkpulse/internal/core/storage"
)

type timerKey struct {
	kind string
	key  string
}

type clickRow struct {
	seq   int64
	click v1.GeoClick
}

// Store is an in-memory implementation of storage.Store.
// Useful for testing and development. Nothing survives a restart.
type Store struct {
	mu         sync.RWMutex
	timers     map[timerKey]storage.Timer
	pending    map[string]v1.PendingEvaluation
	clicks     map[string][]clickRow
	watermarks map[string]v1.Watermarks
	seq        int64
}

var _ storage.Store = (*Store)(nil)

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		timers:     make(map[timerKey]storage.Timer),
		pending:    make(map[string]v1.PendingEvaluation),
		clicks:     make(map[string][]clickRow),
		watermarks: make(map[string]v1.Watermarks),
	}
}

func (s *Store) ArmTimer(ctx context.Context, t storage.Timer) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := timerKey{kind: t.Kind, key: t.Key}
	if _, exists := s.timers[k]; exists {
		return false, nil
	}
	s.timers[k] = t
	return true, nil
}

func (s *Store) DisarmTimer(ctx context.Context, kind, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.timers, timerKey{kind: kind, key: key})
	return nil
}

func (s *Store) LoadTimers(ctx context.Context) ([]storage.Timer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]storage.Timer, 0, len(s.timers))
	for _, t := range s.timers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FireAt.Before(out[j].FireAt) })
	return out, nil
}

func (s *Store) LoadPendingEvaluation(ctx context.Context, linkID string) (*v1.PendingEvaluation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.pending[linkID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	// Return a copy to prevent external modification
	copy := p
	return &copy, nil
}

func (s *Store) SavePendingEvaluation(ctx context.Context, linkID string, pending *v1.PendingEvaluation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[linkID] = *pending
	return nil
}

func (s *Store) DeletePendingEvaluation(ctx context.Context, linkID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, linkID)
	return nil
}

func (s *Store) ListPendingEvaluationKeys(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.pending))
	for k := range s.pending {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Store) AppendClick(ctx context.Context, accountID string, click v1.GeoClick) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	s.clicks[accountID] = append(s.clicks[accountID], clickRow{seq: s.seq, click: click})
	return nil
}

func (s *Store) RetrieveClicksAfter(ctx context.Context, accountID string, after int64) ([]v1.GeoClick, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows []clickRow
	for _, row := range s.clicks[accountID] {
		if row.click.Time > after {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].click.Time != rows[j].click.Time {
			return rows[i].click.Time < rows[j].click.Time
		}
		return rows[i].seq < rows[j].seq
	})

	out := make([]v1.GeoClick, len(rows))
	for i, row := range rows {
		out[i] = row.click
	}
	return out, nil
}

func (s *Store) LoadWatermarks(ctx context.Context, accountID string) (v1.Watermarks, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.watermarks[accountID], nil
}

func (s *Store) SaveWatermarks(ctx context.Context, accountID string, marks v1.Watermarks) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watermarks[accountID] = marks
	return nil
}

func (s *Store) AdvanceWatermarks(ctx context.Context, accountID string, marks v1.Watermarks) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.watermarks[accountID] = marks

	kept := s.clicks[accountID][:0]
	for _, row := range s.clicks[accountID] {
		if row.click.Time >= marks.Low {
			kept = append(kept, row)
		}
	}
	if len(kept) == 0 {
		delete(s.clicks, accountID)
		return nil
	}
	s.clicks[accountID] = kept
	return nil
}

func (s *Store) ListUndeliveredClickKeys(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []string
	for accountID, rows := range s.clicks {
		high := s.watermarks[accountID].High
		for _, row := range rows {
			if row.click.Time > high {
				keys = append(keys, accountID)
				break
			}
		}
	}
	sort.Strings(keys)
	return keys, nil
}
