package broadcast

import (
	"context"
	"log/slog"
	"sync"
	"time"

	v1 "github.com/aevon-lab/linkpulse/internal/api/v1"
)

// DefaultSendTimeout bounds a single subscriber send.
const DefaultSendTimeout = 5 * time.Second

// Conn is one live subscriber connection.
type Conn interface {
	ID() string
	// Send delivers one batch. It must be safe to call concurrently with
	// Close from another goroutine.
	Send(ctx context.Context, batch []v1.GeoClick) error
	Close(reason string) error
}

// Set is an in-memory set of subscriber connections for one actor.
type Set struct {
	sendTimeout time.Duration

	mu    sync.Mutex
	conns map[string]Conn
}

func NewSet(sendTimeout time.Duration) *Set {
	if sendTimeout <= 0 {
		sendTimeout = DefaultSendTimeout
	}
	return &Set{
		sendTimeout: sendTimeout,
		conns:       make(map[string]Conn),
	}
}

// Add registers c. It reports false if a connection with the same ID exists.
func (s *Set) Add(c Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conns[c.ID()]; ok {
		return false
	}
	s.conns[c.ID()] = c
	return true
}

// Remove drops the connection with id and reports whether it was present.
func (s *Set) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conns[id]; !ok {
		return false
	}
	delete(s.conns, id)
	return true
}

func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Broadcast sends batch to every current connection concurrently and waits
// for all sends. A connection whose send fails is closed and removed; the
// rest are unaffected. It returns the IDs of the removed connections.
func (s *Set) Broadcast(ctx context.Context, batch []v1.GeoClick) []string {
	s.mu.Lock()
	conns := make([]Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if len(conns) == 0 {
		return nil
	}

	var (
		wg     sync.WaitGroup
		failMu sync.Mutex
		failed []string
	)
	for _, c := range conns {
		wg.Add(1)
		go func(c Conn) {
			defer wg.Done()

			sendCtx, cancel := context.WithTimeout(ctx, s.sendTimeout)
			defer cancel()

			if err := c.Send(sendCtx, batch); err != nil {
				slog.Warn("[Broadcast] Dropping subscriber after failed send",
					"conn_id", c.ID(),
					"error", err)
				_ = c.Close("send failed")

				failMu.Lock()
				failed = append(failed, c.ID())
				failMu.Unlock()
			}
		}(c)
	}
	wg.Wait()

	if len(failed) > 0 {
		s.mu.Lock()
		for _, id := range failed {
			delete(s.conns, id)
		}
		s.mu.Unlock()
	}
	return failed
}
