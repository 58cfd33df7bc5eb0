package cache

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/IvanBrykalov/tiercache/config"
	"github.com/IvanBrykalov/tiercache/load"
	"github.com/IvanBrykalov/tiercache/local"
	"github.com/IvanBrykalov/tiercache/nullguard"
	"github.com/IvanBrykalov/tiercache/value"
)

// Level1 is the in-process tier. Standalone (type local) it publishes its
// own change messages; inside a Composite it only touches local state and
// leaves publishing to the composite, except for load-through results and
// sweep reclaims.
type Level1[V any] struct {
	cfg     config.CacheConfig
	kind    Kind
	store   *local.Store[value.Value[V]]
	guard   *nullguard.Guard
	loads   *load.Coalescer[V]
	l2      *Level2[V]
	ev      events
	metrics Metrics
	log     *zap.Logger
}

type level1Deps[V any] struct {
	loads   *load.Coalescer[V]
	guard   *nullguard.Guard
	l2      *Level2[V]
	ev      events
	metrics Metrics
	clock   local.Clock
	log     *zap.Logger
}

func newLevel1[V any](cfg config.CacheConfig, d level1Deps[V]) *Level1[V] {
	kind := Plain
	if cfg.Local.RefreshAfterWrite > 0 {
		kind = Loading
	}
	return &Level1[V]{
		cfg:  cfg,
		kind: kind,
		store: local.New[value.Value[V]](local.Options[value.Value[V]]{
			MaxSize:           cfg.Local.MaxSize,
			Shards:            cfg.Local.Shards,
			ExpireAfterWrite:  cfg.Local.ExpireAfterWrite,
			ExpireAfterAccess: cfg.Local.ExpireAfterAccess,
			Metrics:           storeMetrics{name: cfg.Name, m: d.metrics},
			Clock:             d.clock,
		}),
		guard:   d.guard,
		loads:   d.loads,
		l2:      d.l2,
		ev:      d.ev,
		metrics: d.metrics,
		log:     d.log.Named("l1"),
	}
}

func (c *Level1[V]) Name() string           { return c.cfg.Name }
func (c *Level1[V]) Type() config.CacheType { return config.TypeLocal }

// Kind reports whether the cache refreshes entries by itself.
func (c *Level1[V]) Kind() Kind { return c.kind }

// Get returns the local entry. On a Loading cache an entry older than
// refresh-after-write is returned as is while a background reload starts.
func (c *Level1[V]) Get(_ context.Context, key string) (value.Value[V], error) {
	e, ok := c.store.GetEntry(key)
	if !ok {
		c.metrics.Miss(c.cfg.Name, LayerL1)
		return value.AbsentOf[V](), nil
	}
	c.metrics.Hit(c.cfg.Name, LayerL1)
	if c.kind == Loading && e.Age(c.store.Now()) >= c.cfg.Local.RefreshAfterWrite {
		c.refreshAhead(key)
	}
	return e.Value, nil
}

func (c *Level1[V]) GetAll(ctx context.Context, keys []string) (map[string]value.Value[V], error) {
	out := make(map[string]value.Value[V], len(keys))
	for _, k := range keys {
		v, _ := c.Get(ctx, k)
		if v.Cached() {
			out[k] = v
		}
	}
	return out, nil
}

// GetOrLoad returns the local entry or loads it: from L2 first when the
// cache is part of a composite, then with fn.
func (c *Level1[V]) GetOrLoad(ctx context.Context, key string, fn load.Func[V]) (value.Value[V], error) {
	if v, _ := c.Get(ctx, key); v.Cached() {
		return v, nil
	}
	if fn != nil {
		c.loads.Register(key, fn)
	} else {
		fn = c.loads.Loader(key)
	}
	through := c.through(fn)
	v, _, err := c.loads.Reload(ctx, key, func(ctx context.Context, key string) (value.Value[V], error) {
		// A flight that finished between the miss above and this one
		// already stored the key.
		if e, ok := c.store.GetEntry(key); ok {
			return e.Value, nil
		}
		return through(ctx, key)
	})
	return v, err
}

func (c *Level1[V]) Put(_ context.Context, key string, v value.Value[V]) error {
	if !storable(v, c.cfg.AllowNullValues) {
		c.ClearLocal(key)
		c.ev.clear(key)
		return nil
	}
	c.putLocal(key, v)
	c.ev.refresh(key)
	return nil
}

func (c *Level1[V]) PutAll(ctx context.Context, entries map[string]value.Value[V]) error {
	for k, v := range entries {
		_ = c.Put(ctx, k, v)
	}
	return nil
}

func (c *Level1[V]) Evict(_ context.Context, key string) error {
	c.ClearLocal(key)
	c.ev.clear(key)
	return nil
}

func (c *Level1[V]) EvictAll(ctx context.Context, keys []string) error {
	for _, k := range keys {
		_ = c.Evict(ctx, k)
	}
	return nil
}

func (c *Level1[V]) Clear(context.Context) error {
	c.ClearLocalAll()
	c.ev.clearAll()
	return nil
}

func (c *Level1[V]) Exists(_ context.Context, key string) (bool, error) {
	_, ok := c.store.Peek(key)
	return ok, nil
}

// Keys lists resident keys.
func (c *Level1[V]) Keys() []string { return c.store.Keys() }

// Len returns the number of resident entries.
func (c *Level1[V]) Len() int { return c.store.Len() }

// ClearLocal drops key from this instance only.
func (c *Level1[V]) ClearLocal(key string) {
	c.store.Remove(key)
	if c.guard != nil {
		c.guard.Invalidate(key)
	}
}

// ClearLocalAll drops every entry of this instance only.
func (c *Level1[V]) ClearLocalAll() {
	c.store.Clear()
	if c.guard != nil {
		c.guard.InvalidateAll()
	}
}

// Refresh synchronously reloads key with its registered loader.
func (c *Level1[V]) Refresh(ctx context.Context, key string) error {
	fn := c.loads.Loader(key)
	if fn == nil && c.l2 == nil {
		return &load.Error{Cache: c.cfg.Name, Key: key, Err: load.ErrNoLoader}
	}
	_, _, err := c.loads.Reload(ctx, key, c.through(fn))
	return err
}

// RefreshAll reloads every resident key and joins the failures.
func (c *Level1[V]) RefreshAll(ctx context.Context) error {
	var errs []error
	for _, k := range c.store.Keys() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.Refresh(ctx, k); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RefreshExpired is the per-key step of a refresh sweep. A Null entry whose
// guard marker is gone is reclaimed. On a Loading cache an entry that is
// past refresh-after-write, expired, or expiring within one refresh period
// is reloaded.
func (c *Level1[V]) RefreshExpired(ctx context.Context, key string) error {
	e, ok := c.store.Peek(key)
	if !ok {
		return nil
	}
	if e.Value.IsNull() && (c.guard == nil || !c.guard.IsFresh(key)) {
		c.store.Remove(key)
		c.metrics.NullReclaimed(c.cfg.Name)
		c.ev.clear(key)
		c.log.Debug("null entry reclaimed", zap.String("key", key))
		return nil
	}
	if c.kind != Loading || !c.due(e) {
		return nil
	}
	fn := c.loads.Loader(key)
	if fn == nil && c.l2 == nil {
		return nil
	}
	_, _, err := c.loads.Reload(ctx, key, c.through(fn))
	if errors.Is(err, load.ErrNoLoader) {
		// L2 lost the key and nothing can recompute it.
		c.ClearLocal(key)
		return nil
	}
	return err
}

func (c *Level1[V]) due(e local.Entry[value.Value[V]]) bool {
	now := c.store.Now()
	if e.Age(now) >= c.cfg.Local.RefreshAfterWrite {
		return true
	}
	rem, ok := e.Remaining(now)
	return ok && rem <= c.cfg.Local.RefreshPeriod
}

// Close releases the local store and guard.
func (c *Level1[V]) Close() error {
	if c.guard != nil {
		_ = c.guard.Close()
	}
	return c.store.Close()
}

// putLocal stores v in L1 only, registering a guard marker for Null.
func (c *Level1[V]) putLocal(key string, v value.Value[V]) {
	c.store.Set(key, v)
	if c.guard != nil {
		if v.IsNull() {
			c.guard.Register(key)
		} else {
			c.guard.Invalidate(key)
		}
	}
}

func (c *Level1[V]) refreshAhead(key string) {
	fn := c.loads.Loader(key)
	if fn == nil && c.l2 == nil {
		return
	}
	c.loads.RefreshAhead(key, c.through(fn), nil)
}

// through builds the computation for one load cycle: L2 first when
// present, then fn. A value produced by fn is written to L2, then L1, and
// announced to peers.
func (c *Level1[V]) through(fn load.Func[V]) load.Func[V] {
	return func(ctx context.Context, key string) (value.Value[V], error) {
		if c.l2 != nil {
			v, err := c.l2.Get(ctx, key)
			if err != nil {
				return v, err
			}
			if v.Cached() {
				c.putLocal(key, v)
				return v, nil
			}
		}
		if fn == nil {
			return value.AbsentOf[V](), load.ErrNoLoader
		}
		start := time.Now()
		v, err := fn(ctx, key)
		c.metrics.Load(c.cfg.Name, time.Since(start), err)
		if err != nil {
			return v, err
		}
		v = v.Normalize()
		if !storable(v, c.cfg.AllowNullValues) {
			return v, nil
		}
		if c.l2 != nil {
			if err := c.l2.Put(ctx, key, v); err != nil {
				return v, err
			}
		}
		c.putLocal(key, v)
		c.ev.refresh(key)
		return v, nil
	}
}
