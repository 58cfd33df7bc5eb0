package singleflight

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
)

// Group coalesces concurrent function calls for the same key K so that
// the supplied fn is executed at most once per flight. Other concurrent
// callers wait for the shared result.
//
// Concurrency notes:
//   - The first caller for a given key becomes the leader and runs fn.
//   - Followers wait on c.done. Publishing (val, err) happens-before
//     close(c.done), so reads after <-done observe the final values.
//   - Cancelling ctx in a follower unblocks only that follower; it does
//     NOT cancel the leader's fn.
//   - The in-flight marker is removed exactly once, even when fn panics,
//     so a failed flight never blocks later callers.
type Group[K comparable, V any] struct {
	mu sync.Mutex
	m  map[K]*call[V]
}

type call[V any] struct {
	done chan struct{} // closed when val/err are published
	val  V
	err  error
	dups int
}

// PanicError is returned to every caller of a flight whose fn panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func (p *PanicError) Error() string {
	return fmt.Sprintf("singleflight: fn panicked: %v", p.Value)
}

// Do runs fn once for the given key. Concurrent calls with the same key
// wait for the shared result. shared reports whether the result was
// delivered to more than one caller. If ctx is cancelled in a follower,
// that follower returns ctx.Err() while the leader continues to run fn.
func (g *Group[K, V]) Do(ctx context.Context, key K, fn func() (V, error)) (v V, err error, shared bool) {
	g.mu.Lock()
	if g.m == nil {
		g.m = make(map[K]*call[V])
	}
	if c, ok := g.m[key]; ok {
		c.dups++
		g.mu.Unlock()

		select {
		case <-c.done:
			return c.val, c.err, true
		case <-ctx.Done():
			var zero V
			return zero, ctx.Err(), true
		}
	}

	c := &call[V]{done: make(chan struct{})}
	g.m[key] = c
	g.mu.Unlock()

	g.run(key, c, fn)

	g.mu.Lock()
	shared = c.dups > 0
	g.mu.Unlock()
	return c.val, c.err, shared
}

// Go starts fn in a background goroutine unless a flight for key is
// already running, in which case it returns false and does nothing.
// Callers joining with Do while the background flight runs receive its
// result. done, if non-nil, is invoked with the result after publication.
func (g *Group[K, V]) Go(key K, fn func() (V, error), done func(V, error)) bool {
	g.mu.Lock()
	if g.m == nil {
		g.m = make(map[K]*call[V])
	}
	if _, ok := g.m[key]; ok {
		g.mu.Unlock()
		return false
	}
	c := &call[V]{done: make(chan struct{})}
	g.m[key] = c
	g.mu.Unlock()

	go func() {
		g.run(key, c, fn)
		if done != nil {
			done(c.val, c.err)
		}
	}()
	return true
}

// InFlight reports whether a flight for key is currently running.
func (g *Group[K, V]) InFlight(key K) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.m[key]
	return ok
}

// run executes fn, publishes the result and removes the in-flight marker.
func (g *Group[K, V]) run(key K, c *call[V], fn func() (V, error)) {
	defer func() {
		if r := recover(); r != nil {
			var zero V
			c.val, c.err = zero, &PanicError{Value: r, Stack: debug.Stack()}
		}
		g.mu.Lock()
		delete(g.m, key)
		g.mu.Unlock()
		close(c.done)
	}()
	c.val, c.err = fn()
}
