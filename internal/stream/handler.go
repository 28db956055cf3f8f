// Package stream serves live click batches to websocket subscribers.
package stream

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"

	v1 "github.com/aevon-lab/linkpulse/internal/api/v1"
	"github.com/aevon-lab/linkpulse/internal/broadcast"
	httperr "github.com/aevon-lab/linkpulse/internal/core/errors"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// AccountHeader selects the account whose clicks a socket receives.
const AccountHeader = "account-id"

// Subscriber attaches connections to an account's click tracker.
type Subscriber interface {
	Subscribe(ctx context.Context, accountID string, conn broadcast.Conn) error
	Unsubscribe(ctx context.Context, accountID, connID string) error
}

// Handler upgrades subscription requests and tracks the live sockets so
// they can be closed at shutdown.
type Handler struct {
	subs    Subscriber
	options *websocket.AcceptOptions

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewHandler creates a Handler. originPatterns is passed to the websocket
// origin check; empty means same-origin only.
func NewHandler(subs Subscriber, originPatterns []string) *Handler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		subs:    subs,
		options: &websocket.AcceptOptions{OriginPatterns: originPatterns},
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.GET("/v1/click-socket", h.SocketHandler)
}

// SocketHandler upgrades the request and keeps the socket subscribed until
// the client goes away or the handler is closed.
func (h *Handler) SocketHandler(c *gin.Context) {
	accountID := c.GetHeader(AccountHeader)
	if accountID == "" {
		c.String(http.StatusNotFound, "No Headers")
		return
	}

	if !isUpgrade(c.Request) {
		c.JSON(http.StatusUpgradeRequired, httperr.ErrorResponse{
			ErrorType: httperr.HttpUpgradeRequired,
			Message:   "Expected websocket upgrade",
		})
		return
	}

	if !h.track() {
		c.JSON(http.StatusServiceUnavailable, httperr.ErrorResponse{
			ErrorType: httperr.HttpActorUnavailable,
			Message:   "No longer accepting websocket connections",
		})
		return
	}
	defer h.wg.Done()

	ws, err := websocket.Accept(acceptWriter(c.Writer), c.Request, h.options)
	if err != nil {
		// Accept has already written the HTTP error.
		slog.Warn("[Stream] Websocket accept failed", "account_id", accountID, "error", err)
		return
	}

	conn := newConn(ws)
	if err := h.subs.Subscribe(c.Request.Context(), accountID, conn); err != nil {
		slog.Error("[Stream] Failed to subscribe socket", "account_id", accountID, "error", err)
		_ = ws.Close(websocket.StatusTryAgainLater, "account unavailable")
		return
	}
	defer func() {
		if err := h.subs.Unsubscribe(context.Background(), accountID, conn.ID()); err != nil {
			slog.Warn("[Stream] Failed to unsubscribe socket", "account_id", accountID, "conn_id", conn.ID(), "error", err)
		}
	}()

	// Subscribers only receive. CloseRead's context ends when the peer
	// closes or sends a data message.
	readCtx := ws.CloseRead(h.ctx)
	<-readCtx.Done()
	_ = conn.Close("connection closed")
}

// track registers a socket handler unless Close has started.
func (h *Handler) track() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.wg.Add(1)
	return true
}

// Close closes every live socket and waits for their handlers to return.
func (h *Handler) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()

	h.cancel()
	h.wg.Wait()
}

// upgradeWriter writes the handshake on the writer gin wraps and hijacks
// through gin. Accept calls gin's WriteHeaderNow when it sees one, which marks
// the response written and makes gin refuse the hijack.
type upgradeWriter struct {
	http.ResponseWriter
	gin gin.ResponseWriter
}

func (w upgradeWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return w.gin.Hijack()
}

func acceptWriter(w gin.ResponseWriter) http.ResponseWriter {
	u, ok := w.(interface{ Unwrap() http.ResponseWriter })
	if !ok {
		return w
	}
	return upgradeWriter{ResponseWriter: u.Unwrap(), gin: w}
}

func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// conn adapts a websocket to broadcast.Conn. Batches are written as a JSON
// array of clicks.
type conn struct {
	id string
	ws *websocket.Conn
}

func newConn(ws *websocket.Conn) *conn {
	return &conn{id: uuid.NewString(), ws: ws}
}

func (c *conn) ID() string {
	return c.id
}

func (c *conn) Send(ctx context.Context, batch []v1.GeoClick) error {
	return wsjson.Write(ctx, c.ws, batch)
}

func (c *conn) Close(reason string) error {
	return c.ws.Close(websocket.StatusNormalClosure, reason)
}
