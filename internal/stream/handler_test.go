package stream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	v1 "github.com/aevon-lab/linkpulse/internal/api/v1"
	"github.com/aevon-lab/linkpulse/internal/broadcast"
	"github.com/aevon-lab/linkpulse/internal/clicktracker"
	httperr "github.com/aevon-lab/linkpulse/internal/core/errors"
	"github.com/aevon-lab/linkpulse/internal/core/storage/memory"
	"github.com/aevon-lab/linkpulse/internal/metrics"
	"github.com/aevon-lab/linkpulse/internal/timer"
	"github.com/coder/quartz"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSubscriber struct {
	subscribeErr error

	mu           sync.Mutex
	conns        map[string]broadcast.Conn
	accounts     map[string]string
	unsubscribed []string
	subscribed   chan broadcast.Conn
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{
		conns:      make(map[string]broadcast.Conn),
		accounts:   make(map[string]string),
		subscribed: make(chan broadcast.Conn, 1),
	}
}

func (s *fakeSubscriber) Subscribe(_ context.Context, accountID string, conn broadcast.Conn) error {
	if s.subscribeErr != nil {
		return s.subscribeErr
	}
	s.mu.Lock()
	s.conns[conn.ID()] = conn
	s.accounts[conn.ID()] = accountID
	s.mu.Unlock()
	s.subscribed <- conn
	return nil
}

func (s *fakeSubscriber) Unsubscribe(_ context.Context, _ string, connID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, connID)
	s.unsubscribed = append(s.unsubscribed, connID)
	return nil
}

func (s *fakeSubscriber) Unsubscribed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.unsubscribed...)
}

func newTestServer(t *testing.T, subs Subscriber) (*Handler, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	h := NewHandler(subs, nil)
	r := gin.New()
	h.RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		h.Close()
		srv.Close()
	})
	return h, srv
}

func dial(ctx context.Context, t *testing.T, srv *httptest.Server, accountID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/click-socket"
	ws, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{AccountHeader: []string{accountID}},
	})
	require.NoError(t, err)
	return ws
}

func waitSubscribed(ctx context.Context, t *testing.T, subscribed <-chan broadcast.Conn) broadcast.Conn {
	t.Helper()
	select {
	case conn := <-subscribed:
		return conn
	case <-ctx.Done():
		t.Fatal("socket was never subscribed")
		return nil
	}
}

func TestSocketHandler_DeliversBatches(t *testing.T) {
	subs := newFakeSubscriber()
	_, srv := newTestServer(t, subs)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws := dial(ctx, t, srv, "acct_1")
	defer ws.Close(websocket.StatusNormalClosure, "")

	server := waitSubscribed(ctx, t, subs.subscribed)
	subs.mu.Lock()
	assert.Equal(t, "acct_1", subs.accounts[server.ID()])
	subs.mu.Unlock()

	batch := []v1.GeoClick{{Latitude: 40.7, Longitude: -74, Country: "US", Time: 100}}
	require.NoError(t, server.Send(ctx, batch))

	var got []v1.GeoClick
	require.NoError(t, wsjson.Read(ctx, ws, &got))
	assert.Equal(t, batch, got)
}

func TestSocketHandler_UnsubscribesOnClientClose(t *testing.T) {
	subs := newFakeSubscriber()
	_, srv := newTestServer(t, subs)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws := dial(ctx, t, srv, "acct_1")
	server := waitSubscribed(ctx, t, subs.subscribed)
	require.NoError(t, ws.Close(websocket.StatusNormalClosure, "bye"))

	require.Eventually(t, func() bool {
		u := subs.Unsubscribed()
		return len(u) == 1 && u[0] == server.ID()
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSocketHandler_CloseDisconnectsClients(t *testing.T) {
	subs := newFakeSubscriber()
	h, srv := newTestServer(t, subs)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws := dial(ctx, t, srv, "acct_1")
	waitSubscribed(ctx, t, subs.subscribed)

	readErr := make(chan error, 1)
	go func() {
		_, _, err := ws.Read(ctx)
		readErr <- err
	}()

	h.Close()

	require.Error(t, <-readErr)
	assert.Len(t, subs.Unsubscribed(), 1)
}

func TestSocketHandler_MissingAccountHeader(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewHandler(newFakeSubscriber(), nil)
	defer h.Close()
	r := gin.New()
	h.RegisterRoutes(r)

	req := httptest.NewRequest(http.MethodGet, "/v1/click-socket", nil)
	req.Header.Set("Upgrade", "websocket")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	require.Equal(t, http.StatusNotFound, resp.Code)
	assert.Equal(t, "No Headers", resp.Body.String())
}

func TestSocketHandler_RequiresUpgrade(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewHandler(newFakeSubscriber(), nil)
	defer h.Close()
	r := gin.New()
	h.RegisterRoutes(r)

	req := httptest.NewRequest(http.MethodGet, "/v1/click-socket", nil)
	req.Header.Set(AccountHeader, "acct_1")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	require.Equal(t, http.StatusUpgradeRequired, resp.Code)
	var errResp httperr.ErrorResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &errResp))
	assert.Equal(t, httperr.HttpUpgradeRequired, errResp.ErrorType)
}

func TestSocketHandler_SubscribeFailureClosesSocket(t *testing.T) {
	subs := newFakeSubscriber()
	subs.subscribeErr = errors.New("actor state load failed")
	_, srv := newTestServer(t, subs)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws := dial(ctx, t, srv, "acct_1")
	_, _, err := ws.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusTryAgainLater, websocket.CloseStatus(err))
}

// notifyingSubscriber reports every successful subscription of the wrapped
// tracker.
type notifyingSubscriber struct {
	Subscriber
	subscribed chan broadcast.Conn
}

func (s *notifyingSubscriber) Subscribe(ctx context.Context, accountID string, conn broadcast.Conn) error {
	if err := s.Subscriber.Subscribe(ctx, accountID, conn); err != nil {
		return err
	}
	s.subscribed <- conn
	return nil
}

func TestSocketHandler_TrackerDeliversFlushedClicks(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := memory.NewStore()
	clk := quartz.NewMock(t)
	timers := timer.New(store, clk, timer.Config{}, metrics.NewNop())
	tracker := clicktracker.New(store, timers, clicktracker.Config{FlushInterval: 2 * time.Second}, metrics.NewNop())

	subs := &notifyingSubscriber{Subscriber: tracker, subscribed: make(chan broadcast.Conn, 1)}
	_, srv := newTestServer(t, subs)

	ws := dial(ctx, t, srv, "acct_1")
	defer ws.Close(websocket.StatusNormalClosure, "")
	waitSubscribed(ctx, t, subs.subscribed)

	click := v1.GeoClick{Latitude: 40.7, Longitude: -74, Country: "US", Time: 100}
	require.NoError(t, tracker.Append(ctx, "acct_1", click))

	clk.Advance(2 * time.Second).MustWait(ctx)
	require.Equal(t, 1, timers.Poll(ctx))
	timers.Wait()

	var got []v1.GeoClick
	require.NoError(t, wsjson.Read(ctx, ws, &got))
	assert.Equal(t, []v1.GeoClick{click}, got)

	marks, err := store.LoadWatermarks(ctx, "acct_1")
	require.NoError(t, err)
	assert.Equal(t, v1.Watermarks{High: 100, Low: 100}, marks)
}

func TestSocketHandler_RejectsAfterClose(t *testing.T) {
	subs := newFakeSubscriber()
	h, srv := newTestServer(t, subs)
	h.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/click-socket", nil)
	require.NoError(t, err)
	req.Header.Set(AccountHeader, "acct_1")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Connection", "Upgrade")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestSocketHandler_CloseRacesWithHandshakes(t *testing.T) {
	subs := newFakeSubscriber()
	subs.subscribed = make(chan broadcast.Conn, 16)
	h, srv := newTestServer(t, subs)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/click-socket"
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ws, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
				HTTPHeader: http.Header{AccountHeader: []string{"acct_1"}},
			})
			if err == nil {
				ws.CloseNow()
			}
		}()
	}
	h.Close()
	wg.Wait()
}
