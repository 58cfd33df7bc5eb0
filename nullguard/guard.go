// Package nullguard tracks companion markers for cached Null entries.
//
// Caching "the source has nothing for this key" protects the source from
// repeated misses, but an unbounded number of Null entries would let random
// keys crowd out real values. The guard keeps one marker per Null entry in a
// small store bounded by both size and TTL; a Null entry in the main store is
// only reclaimed once its marker has expired or been evicted.
package nullguard

import (
	"time"

	"github.com/IvanBrykalov/tiercache/local"
)

// Defaults used when Options leaves a field zero.
const (
	DefaultMaxSize = 5000
	DefaultExpire  = 60 * time.Second
)

// Options configures a Guard.
type Options struct {
	MaxSize int
	Expire  time.Duration
	Clock   local.Clock
}

// Guard is safe for concurrent use.
type Guard struct {
	markers *local.Store[struct{}]
}

// New builds a guard backed by a local store.
func New(opt Options) *Guard {
	if opt.MaxSize <= 0 {
		opt.MaxSize = DefaultMaxSize
	}
	if opt.Expire <= 0 {
		opt.Expire = DefaultExpire
	}
	return &Guard{markers: local.New[struct{}](local.Options[struct{}]{
		MaxSize:          opt.MaxSize,
		ExpireAfterWrite: opt.Expire,
		Clock:            opt.Clock,
	})}
}

// Register records (or re-arms) a marker for key.
func (g *Guard) Register(key string) { g.markers.Set(key, struct{}{}) }

// IsFresh reports whether key still has a live marker.
func (g *Guard) IsFresh(key string) bool {
	_, ok := g.markers.Get(key)
	return ok
}

// Invalidate drops key's marker. Idempotent.
func (g *Guard) Invalidate(key string) { g.markers.Remove(key) }

// InvalidateAll drops every marker.
func (g *Guard) InvalidateAll() { g.markers.Clear() }

// Len returns the number of resident markers, expired ones included.
func (g *Guard) Len() int { return g.markers.Len() }

func (g *Guard) Close() error { return g.markers.Close() }
