package evaluation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aevon-lab/linkpulse/internal/actor"
	v1 "github.com/aevon-lab/linkpulse/internal/api/v1"
	"github.com/aevon-lab/linkpulse/internal/core/storage"
	"github.com/aevon-lab/linkpulse/internal/core/storage/memory"
	"github.com/aevon-lab/linkpulse/internal/metrics"
	"github.com/aevon-lab/linkpulse/internal/timer"
	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const window = 10 * time.Second

type recordingSink struct {
	mu    sync.Mutex
	calls []v1.EvaluationRequest
	errs  []error
}

func (s *recordingSink) StartTrigger(_ context.Context, _ string, req v1.EvaluationRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return err
	}
	return nil
}

func (s *recordingSink) Calls() []v1.EvaluationRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]v1.EvaluationRequest(nil), s.calls...)
}

type harness struct {
	store  storage.Store
	clock  *quartz.Mock
	timers *timer.Service
	sink   *recordingSink
	sched  *Scheduler
}

func newHarness(t *testing.T, store storage.Store, clk *quartz.Mock, maxAttempts int) *harness {
	t.Helper()
	timers := timer.New(store, clk, timer.Config{}, metrics.NewNop())
	sink := &recordingSink{}
	sched := New(store, timers, sink, Config{Window: window, MaxAttempts: maxAttempts}, metrics.NewNop())
	return &harness{store: store, clock: clk, timers: timers, sink: sink, sched: sched}
}

// advance moves the clock and runs every timer that came due.
func (h *harness) advance(d time.Duration) int {
	h.clock.Advance(d)
	n := h.timers.Poll(context.Background())
	h.timers.Wait()
	return n
}

func request(dest string) v1.EvaluationRequest {
	return v1.EvaluationRequest{LinkID: "link_A", AccountID: "acct_1", DestinationURL: dest}
}

func TestScheduler_SubmitsWithinWindowCollapse(t *testing.T) {
	h := newHarness(t, memory.NewStore(), quartz.NewMock(t), 3)
	ctx := context.Background()

	for _, dest := range []string{"https://1", "https://2", "https://3"} {
		require.NoError(t, h.sched.Submit(ctx, "link_A", request(dest)))
		h.advance(time.Second)
	}

	assert.Equal(t, 1, h.advance(window-3*time.Second))
	assert.Equal(t, []v1.EvaluationRequest{request("https://3")}, h.sink.Calls())
	assert.False(t, h.timers.Armed(TimerKind, "link_A"))

	_, err := h.store.LoadPendingEvaluation(ctx, "link_A")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestScheduler_WindowMeasuredFromFirstSubmit(t *testing.T) {
	h := newHarness(t, memory.NewStore(), quartz.NewMock(t), 3)
	ctx := context.Background()

	require.NoError(t, h.sched.Submit(ctx, "link_A", request("https://click1")))
	h.advance(9 * time.Second)
	require.NoError(t, h.sched.Submit(ctx, "link_A", request("https://click2")))

	assert.Equal(t, 1, h.advance(time.Second), "fires 10s after the first submit")
	assert.Equal(t, []v1.EvaluationRequest{request("https://click2")}, h.sink.Calls())

	assert.Equal(t, 0, h.advance(9*time.Second))
	assert.Len(t, h.sink.Calls(), 1)
}

func TestScheduler_SubmitAfterFireStartsNewCycle(t *testing.T) {
	h := newHarness(t, memory.NewStore(), quartz.NewMock(t), 3)
	ctx := context.Background()

	require.NoError(t, h.sched.Submit(ctx, "link_A", request("https://1")))
	h.advance(window)
	require.NoError(t, h.sched.Submit(ctx, "link_A", request("https://2")))
	assert.True(t, h.timers.Armed(TimerKind, "link_A"))

	h.advance(window)
	assert.Equal(t, []v1.EvaluationRequest{request("https://1"), request("https://2")}, h.sink.Calls())
}

func TestScheduler_DistinctLinksAreIndependent(t *testing.T) {
	h := newHarness(t, memory.NewStore(), quartz.NewMock(t), 3)
	ctx := context.Background()

	require.NoError(t, h.sched.Submit(ctx, "link_A", request("https://a")))
	h.advance(5 * time.Second)
	b := v1.EvaluationRequest{LinkID: "link_B", DestinationURL: "https://b"}
	require.NoError(t, h.sched.Submit(ctx, "link_B", b))

	h.advance(5 * time.Second)
	assert.Equal(t, []v1.EvaluationRequest{request("https://a")}, h.sink.Calls())

	h.advance(5 * time.Second)
	assert.Equal(t, []v1.EvaluationRequest{request("https://a"), b}, h.sink.Calls())
}

func TestScheduler_SinkFailureRetriesThenDrops(t *testing.T) {
	h := newHarness(t, memory.NewStore(), quartz.NewMock(t), 3)
	ctx := context.Background()
	sinkErr := errors.New("executor unavailable")
	h.sink.errs = []error{sinkErr, sinkErr, sinkErr}

	require.NoError(t, h.sched.Submit(ctx, "link_A", request("https://a")))

	h.advance(window)
	pending, err := h.store.LoadPendingEvaluation(ctx, "link_A")
	require.NoError(t, err)
	assert.Equal(t, 1, pending.Attempts)
	assert.True(t, h.timers.Armed(TimerKind, "link_A"), "failed trigger re-arms")

	h.advance(window)
	pending, err = h.store.LoadPendingEvaluation(ctx, "link_A")
	require.NoError(t, err)
	assert.Equal(t, 2, pending.Attempts)

	h.advance(window)
	assert.Len(t, h.sink.Calls(), 3)
	assert.False(t, h.timers.Armed(TimerKind, "link_A"))
	_, err = h.store.LoadPendingEvaluation(ctx, "link_A")
	assert.ErrorIs(t, err, storage.ErrNotFound, "dropped after max attempts")
}

func TestScheduler_NewSubmitResetsAttempts(t *testing.T) {
	h := newHarness(t, memory.NewStore(), quartz.NewMock(t), 3)
	ctx := context.Background()
	h.sink.errs = []error{errors.New("executor unavailable")}

	require.NoError(t, h.sched.Submit(ctx, "link_A", request("https://old")))
	h.advance(window)

	require.NoError(t, h.sched.Submit(ctx, "link_A", request("https://new")))
	pending, err := h.store.LoadPendingEvaluation(ctx, "link_A")
	require.NoError(t, err)
	assert.Equal(t, 0, pending.Attempts)

	h.advance(window)
	assert.Equal(t, []v1.EvaluationRequest{request("https://old"), request("https://new")}, h.sink.Calls())
}

func TestScheduler_SurvivesRestart(t *testing.T) {
	store := memory.NewStore()
	clk := quartz.NewMock(t)
	ctx := context.Background()

	before := newHarness(t, store, clk, 3)
	require.NoError(t, before.sched.Submit(ctx, "link_A", request("https://a")))
	clk.Advance(4 * time.Second)

	after := newHarness(t, store, clk, 3)
	require.NoError(t, after.timers.Load(ctx))

	assert.Equal(t, 0, after.advance(5*time.Second))
	assert.Equal(t, 1, after.advance(time.Second))
	assert.Equal(t, []v1.EvaluationRequest{request("https://a")}, after.sink.Calls())
	assert.Empty(t, before.sink.Calls())
}

func TestScheduler_RecoverArmsStrandedEvaluations(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	require.NoError(t, store.SavePendingEvaluation(ctx, "link_A", &v1.PendingEvaluation{Request: request("https://a")}))

	h := newHarness(t, store, quartz.NewMock(t), 3)
	require.NoError(t, h.timers.Load(ctx))

	n, err := h.sched.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = h.sched.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "already armed")

	h.advance(window)
	assert.Equal(t, []v1.EvaluationRequest{request("https://a")}, h.sink.Calls())
}

func TestScheduler_FireWithNothingPendingIsNoop(t *testing.T) {
	store := memory.NewStore()
	clk := quartz.NewMock(t)
	ctx := context.Background()
	_, err := store.ArmTimer(ctx, storage.Timer{Kind: TimerKind, Key: "link_A", FireAt: clk.Now()})
	require.NoError(t, err)

	h := newHarness(t, store, clk, 3)
	require.NoError(t, h.timers.Load(ctx))

	assert.Equal(t, 1, h.advance(0))
	assert.Empty(t, h.sink.Calls())
	assert.False(t, h.timers.Armed(TimerKind, "link_A"))
}

type failingLoadStore struct {
	*memory.Store
	err error
}

func (s *failingLoadStore) LoadPendingEvaluation(context.Context, string) (*v1.PendingEvaluation, error) {
	return nil, s.err
}

func TestScheduler_LoadFailureRejectsSubmit(t *testing.T) {
	storeErr := errors.New("connection refused")
	h := newHarness(t, &failingLoadStore{Store: memory.NewStore(), err: storeErr}, quartz.NewMock(t), 3)

	err := h.sched.Submit(context.Background(), "link_A", request("https://a"))
	require.ErrorIs(t, err, actor.ErrLoad)
	assert.False(t, h.timers.Armed(TimerKind, "link_A"))
}

// armOutageStore fails the next n timer arms.
type armOutageStore struct {
	*memory.Store
	armFailures atomic.Int32
}

func (s *armOutageStore) ArmTimer(ctx context.Context, t storage.Timer) (bool, error) {
	if s.armFailures.Add(-1) >= 0 {
		return false, errors.New("connection refused")
	}
	return s.Store.ArmTimer(ctx, t)
}

func TestScheduler_TriggerRetriedWhenRearmFails(t *testing.T) {
	store := &armOutageStore{Store: memory.NewStore()}
	clk := quartz.NewMock(t)
	h := newHarness(t, store, clk, 3)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, h.sched.Submit(ctx, "link_A", request("https://a")))
	h.sink.errs = []error{errors.New("workflow unavailable")}
	store.armFailures.Store(1)

	trap := clk.Trap().NewTimer("timers", "retry")
	defer trap.Close()

	clk.Advance(window)
	require.Equal(t, 1, h.timers.Poll(ctx))

	call := trap.MustWait(ctx)
	assert.False(t, h.timers.Armed(TimerKind, "link_A"))
	call.MustRelease(ctx)

	clk.Advance(call.Duration).MustWait(ctx)
	h.timers.Wait()

	assert.Equal(t, []v1.EvaluationRequest{request("https://a"), request("https://a")}, h.sink.Calls())
	_, err := store.LoadPendingEvaluation(ctx, "link_A")
	assert.ErrorIs(t, err, storage.ErrNotFound, "triggered evaluation is cleared")
	assert.False(t, h.timers.Armed(TimerKind, "link_A"))
}

func TestScheduler_ConcurrentSubmitsOnOneKey(t *testing.T) {
	store := memory.NewStore()
	h := newHarness(t, store, quartz.NewMock(t), 3)
	ctx := context.Background()

	const n = 1000
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, h.sched.Submit(ctx, "link_A", request(fmt.Sprintf("https://%d", i))))
		}(i)
	}
	wg.Wait()

	timers, err := store.LoadTimers(ctx)
	require.NoError(t, err)
	require.Len(t, timers, 1, "exactly one timer armed")

	last, err := store.LoadPendingEvaluation(ctx, "link_A")
	require.NoError(t, err)

	assert.Equal(t, 1, h.advance(window))
	calls := h.sink.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, last.Request, calls[0], "the last admitted payload wins")
	assert.Equal(t, 0, h.advance(window))
}
