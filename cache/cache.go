// Package cache coordinates a two-tier cache: a per-process L1 in front of
// a shared Redis L2, kept eventually consistent across instances by
// invalidation messages.
//
// A Registry creates named caches lazily from configuration. Depending on
// the resolved type a name maps to a Level1 (local only), a Level2 (Redis
// only), a Composite (both) or a no-op cache. Every cache stores tagged
// values: a key is either absent, cached as Null (the source has nothing)
// or cached with a present value.
//
// Basic usage
//
//	reg, _ := cache.NewRegistry[User](cache.Options{Config: cfg, Redis: rdb, Transport: tr})
//	_ = reg.Start(ctx)
//	defer reg.Close(ctx)
//
//	users, _ := reg.Cache("users")
//	v, err := users.GetOrLoad(ctx, "42", func(ctx context.Context, key string) (value.Value[User], error) {
//	    return loadUser(ctx, key)
//	})
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/IvanBrykalov/tiercache/config"
	"github.com/IvanBrykalov/tiercache/load"
	"github.com/IvanBrykalov/tiercache/local"
	"github.com/IvanBrykalov/tiercache/syncpolicy"
	"github.com/IvanBrykalov/tiercache/value"
)

// Cache is the handle returned by a Registry. All methods are safe for
// concurrent use.
type Cache[V any] interface {
	Name() string
	Type() config.CacheType

	// Get returns the cached value; Absent when nothing is cached.
	Get(ctx context.Context, key string) (value.Value[V], error)
	// GetAll returns the cached entries among keys; missing keys are omitted.
	GetAll(ctx context.Context, keys []string) (map[string]value.Value[V], error)
	// GetOrLoad returns the cached value or computes it with fn. Concurrent
	// calls for a key run fn once. fn is remembered for background refresh.
	GetOrLoad(ctx context.Context, key string, fn load.Func[V]) (value.Value[V], error)

	// Put stores v. Absent values, and Null when nulls are disallowed,
	// evict the key instead.
	Put(ctx context.Context, key string, v value.Value[V]) error
	PutAll(ctx context.Context, entries map[string]value.Value[V]) error

	Evict(ctx context.Context, key string) error
	EvictAll(ctx context.Context, keys []string) error
	Clear(ctx context.Context) error
	Exists(ctx context.Context, key string) (bool, error)
}

// Kind tells whether a Level1 cache can refresh entries by itself.
type Kind uint8

const (
	// Plain caches only hold what was put or loaded on demand.
	Plain Kind = iota
	// Loading caches serve stale entries while reloading them in the
	// background.
	Loading
)

func (k Kind) String() string {
	if k == Loading {
		return "loading"
	}
	return "plain"
}

var (
	// ErrClosed is returned by a closed Registry.
	ErrClosed = errors.New("cache: registry closed")
	// ErrUnknownType is returned for an unsupported cache type.
	ErrUnknownType = errors.New("cache: unknown cache type")
	// ErrNoRemote is returned when a cache needs L2 but no Redis client was given.
	ErrNoRemote = errors.New("cache: redis client required")
)

// Layer labels metrics by tier.
type Layer string

const (
	LayerL1 Layer = "l1"
	LayerL2 Layer = "l2"
)

// Metrics observes cache activity. Implementations must be safe for
// concurrent use.
type Metrics interface {
	Hit(cache string, layer Layer)
	Miss(cache string, layer Layer)
	// Load observes a loader run.
	Load(cache string, d time.Duration, err error)
	// Evicted counts L1 evictions done by the store itself.
	Evicted(cache string, reason local.EvictReason)
	// NullReclaimed counts Null entries dropped by a refresh sweep.
	NullReclaimed(cache string)
}

// NoopMetrics discards everything.
type NoopMetrics struct{}

func (NoopMetrics) Hit(string, Layer)                 {}
func (NoopMetrics) Miss(string, Layer)                {}
func (NoopMetrics) Load(string, time.Duration, error) {}
func (NoopMetrics) Evicted(string, local.EvictReason) {}
func (NoopMetrics) NullReclaimed(string)              {}

// storeMetrics feeds local store evictions into Metrics.
type storeMetrics struct {
	name string
	m    Metrics
}

func (s storeMetrics) Hit()                      {}
func (s storeMetrics) Miss()                     {}
func (s storeMetrics) Evict(r local.EvictReason) { s.m.Evicted(s.name, r) }

// publisher is satisfied by *syncpolicy.Policy.
type publisher interface {
	Publish(msg syncpolicy.Message)
}

// events stamps and publishes change messages for one cache. A nil pub
// makes every method a no-op.
type events struct {
	pub        publisher
	instanceID string
	cacheType  config.CacheType
	cacheName  string
}

func (e events) refresh(key string) {
	if e.pub != nil {
		e.pub.Publish(syncpolicy.NewKeyMessage(e.instanceID, string(e.cacheType), e.cacheName, key, syncpolicy.OpRefresh))
	}
}

func (e events) clear(key string) {
	if e.pub != nil {
		e.pub.Publish(syncpolicy.NewKeyMessage(e.instanceID, string(e.cacheType), e.cacheName, key, syncpolicy.OpClear))
	}
}

func (e events) clearAll() {
	if e.pub != nil {
		e.pub.Publish(syncpolicy.NewClearMessage(e.instanceID, string(e.cacheType), e.cacheName))
	}
}

// storable reports whether v may be written given the null setting.
func storable[V any](v value.Value[V], allowNull bool) bool {
	switch v.Kind() {
	case value.Present:
		return true
	case value.Null:
		return allowNull
	}
	return false
}

var (
	_ Cache[int] = (*Level1[int])(nil)
	_ Cache[int] = (*Level2[int])(nil)
	_ Cache[int] = (*Composite[int])(nil)
	_ Cache[int] = noneCache[int]{}
)
