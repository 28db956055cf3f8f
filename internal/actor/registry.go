// Package actor maps string keys to single-writer actor instances.
//
// A Registry holds at most one Handle per key. Every operation on a handle
// runs under that handle's lock, so state for one key is only ever mutated by
// one goroutine at a time while distinct keys proceed in parallel. State is
// loaded lazily by a Loader before the first operation is admitted.
package actor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aevon-lab/linkpulse/internal/core/partition"
)

// ErrLoad wraps every failure returned by a Loader.
var ErrLoad = errors.New("actor state load failed")

// Loader reads the durable state for key. It is called with the handle lock
// held and is retried on the next operation if it fails.
type Loader[S any] func(ctx context.Context, key string) (S, error)

// Registry resolves keys to handles. The zero value is not usable; use New.
type Registry[S any] struct {
	name   string
	load   Loader[S]
	shards [partition.Count]shard[S]
}

type shard[S any] struct {
	mu      sync.Mutex
	handles map[string]*Handle[S]
}

// New creates a registry whose actors load state with load.
// name is only used in log messages.
func New[S any](name string, load Loader[S]) *Registry[S] {
	r := &Registry[S]{name: name, load: load}
	for i := range r.shards {
		r.shards[i].handles = make(map[string]*Handle[S])
	}
	return r
}

// Handle is the single logical instance for one key.
type Handle[S any] struct {
	key    string
	name   string
	load   Loader[S]
	sem    chan struct{}
	loaded bool
	state  S
}

// Resolve returns the handle for key, creating it if needed, and makes sure
// its state is loaded. A load failure returns an error wrapping ErrLoad.
func (r *Registry[S]) Resolve(ctx context.Context, key string) (*Handle[S], error) {
	h := r.handle(key)
	if err := h.Do(ctx, func(context.Context, *S) error { return nil }); err != nil {
		return nil, err
	}
	return h, nil
}

// Do runs fn against the actor for key under its lock.
func (r *Registry[S]) Do(ctx context.Context, key string, fn func(ctx context.Context, state *S) error) error {
	return r.handle(key).Do(ctx, fn)
}

func (r *Registry[S]) handle(key string) *Handle[S] {
	s := &r.shards[partition.For(key)]

	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.handles[key]
	if !ok {
		h = &Handle[S]{
			key:  key,
			name: r.name,
			load: r.load,
			sem:  make(chan struct{}, 1),
		}
		s.handles[key] = h
	}
	return h
}

// Do waits for the handle lock, loads state if it has not been loaded yet and
// runs fn. Waiting gives up with ctx.Err() when ctx is done.
//
// fn must not call Do on the same handle.
func (h *Handle[S]) Do(ctx context.Context, fn func(ctx context.Context, state *S) error) error {
	select {
	case h.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-h.sem }()

	if !h.loaded {
		state, err := h.load(ctx, h.key)
		if err != nil {
			slog.Warn("["+h.name+"] Actor load failed", "key", h.key, "error", err)
			return fmt.Errorf("%w: %s %q: %w", ErrLoad, h.name, h.key, err)
		}
		h.state = state
		h.loaded = true
	}

	return fn(ctx, &h.state)
}
