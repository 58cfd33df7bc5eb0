package cache

import (
	"context"

	"go.uber.org/zap"

	"github.com/IvanBrykalov/tiercache/config"
	"github.com/IvanBrykalov/tiercache/hotkey"
	"github.com/IvanBrykalov/tiercache/load"
	"github.com/IvanBrykalov/tiercache/syncpolicy"
	"github.com/IvanBrykalov/tiercache/value"
)

// Composite routes each key between L1 and L2. A key gets an L1 copy when
// L1 is open for every key, when the key or the whole cache is listed as
// manual, or when the hot-key detector reports it hot. Writes always go to
// L2 first; L1 is a possibly stale subset of L2.
type Composite[V any] struct {
	cfg config.CacheConfig
	l1  *Level1[V]
	l2  *Level2[V]
	hot hotkey.Detector
	rec hotkey.Recorder
	ev  events
	log *zap.Logger
}

func newComposite[V any](cfg config.CacheConfig, l1 *Level1[V], l2 *Level2[V], hot hotkey.Detector, ev events, log *zap.Logger) *Composite[V] {
	if hot == nil {
		hot = hotkey.None{}
	}
	c := &Composite[V]{cfg: cfg, l1: l1, l2: l2, hot: hot, ev: ev, log: log.Named("composite")}
	c.rec, _ = hot.(hotkey.Recorder)
	l2.loaded = ev.refresh
	return c
}

func (c *Composite[V]) Name() string           { return c.cfg.Name }
func (c *Composite[V]) Type() config.CacheType { return config.TypeComposite }

// L1 and L2 expose the tiers, e.g. for sweeps and tests.
func (c *Composite[V]) L1() *Level1[V] { return c.l1 }
func (c *Composite[V]) L2() *Level2[V] { return c.l2 }

// Eligible reports whether key is served from L1.
func (c *Composite[V]) Eligible(key string) bool {
	if c.cfg.L1AllOpen || c.cfg.L1ManualCache || c.cfg.ManualKey(key) {
		return true
	}
	return c.isHot(key)
}

func (c *Composite[V]) isHot(key string) (hot bool) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Warn("hot-key detector panicked", zap.String("key", key), zap.Any("panic", r))
			hot = false
		}
	}()
	return c.hot.IsHot(c.cfg.Name, key)
}

func (c *Composite[V]) record(key string) {
	if c.rec == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.log.Warn("hot-key recorder panicked", zap.String("key", key), zap.Any("panic", r))
		}
	}()
	c.rec.Record(c.cfg.Name, key)
}

func (c *Composite[V]) Get(ctx context.Context, key string) (value.Value[V], error) {
	c.record(key)
	eligible := c.Eligible(key)
	if eligible {
		if v, _ := c.l1.Get(ctx, key); v.Cached() {
			return v, nil
		}
	}
	v, err := c.l2.Get(ctx, key)
	if err != nil {
		return v, err
	}
	if eligible && v.Cached() {
		c.l1.putLocal(key, v)
	}
	return v, nil
}

func (c *Composite[V]) GetAll(ctx context.Context, keys []string) (map[string]value.Value[V], error) {
	out := make(map[string]value.Value[V], len(keys))
	eligible := make(map[string]bool, len(keys))
	var rest []string
	for _, k := range keys {
		c.record(k)
		if eligible[k] = c.Eligible(k); eligible[k] {
			if v, _ := c.l1.Get(ctx, k); v.Cached() {
				out[k] = v
				continue
			}
		}
		rest = append(rest, k)
	}
	if len(rest) == 0 {
		return out, nil
	}
	found, err := c.l2.GetAll(ctx, rest)
	if err != nil {
		return out, err
	}
	for k, v := range found {
		if eligible[k] {
			c.l1.putLocal(k, v)
		}
		out[k] = v
	}
	return out, nil
}

// GetOrLoad uses the L1 load path for eligible keys (L1, L2, then fn) and
// the L2 load path otherwise. Peers are told to refresh only when fn ran.
func (c *Composite[V]) GetOrLoad(ctx context.Context, key string, fn load.Func[V]) (value.Value[V], error) {
	c.record(key)
	if c.Eligible(key) {
		return c.l1.GetOrLoad(ctx, key, fn)
	}
	return c.l2.GetOrLoad(ctx, key, fn)
}

func (c *Composite[V]) Put(ctx context.Context, key string, v value.Value[V]) error {
	if !storable(v, c.cfg.AllowNullValues) {
		return c.Evict(ctx, key)
	}
	if err := c.l2.Put(ctx, key, v); err != nil {
		return err
	}
	if c.Eligible(key) {
		c.l1.putLocal(key, v)
	} else {
		c.l1.ClearLocal(key)
	}
	c.ev.refresh(key)
	return nil
}

func (c *Composite[V]) PutAll(ctx context.Context, entries map[string]value.Value[V]) error {
	keep := make(map[string]value.Value[V], len(entries))
	var drop []string
	for k, v := range entries {
		if storable(v, c.cfg.AllowNullValues) {
			keep[k] = v
		} else {
			drop = append(drop, k)
		}
	}
	if err := c.l2.PutAll(ctx, keep); err != nil {
		return err
	}
	for k, v := range keep {
		if c.Eligible(k) {
			c.l1.putLocal(k, v)
		} else {
			c.l1.ClearLocal(k)
		}
		c.ev.refresh(k)
	}
	if len(drop) > 0 {
		return c.EvictAll(ctx, drop)
	}
	return nil
}

func (c *Composite[V]) Evict(ctx context.Context, key string) error {
	c.l1.ClearLocal(key)
	if err := c.l2.Evict(ctx, key); err != nil {
		return err
	}
	c.ev.clear(key)
	return nil
}

func (c *Composite[V]) EvictAll(ctx context.Context, keys []string) error {
	for _, k := range keys {
		c.l1.ClearLocal(k)
	}
	if err := c.l2.EvictAll(ctx, keys); err != nil {
		return err
	}
	for _, k := range keys {
		c.ev.clear(k)
	}
	return nil
}

func (c *Composite[V]) Clear(ctx context.Context) error {
	c.l1.ClearLocalAll()
	if err := c.l2.Clear(ctx); err != nil {
		return err
	}
	c.ev.clearAll()
	return nil
}

func (c *Composite[V]) Exists(ctx context.Context, key string) (bool, error) {
	if c.Eligible(key) {
		if ok, _ := c.l1.Exists(ctx, key); ok {
			return true, nil
		}
	}
	return c.l2.Exists(ctx, key)
}

// onMessage applies a peer's change to local state only. Both operations
// drop the L1 copy; the next read fetches the current value from L2.
func onMessage[V any](l1 *Level1[V]) syncpolicy.Handler {
	return func(_ context.Context, msg syncpolicy.Message) {
		if key, ok := msg.Key(); ok {
			l1.ClearLocal(key)
			return
		}
		l1.ClearLocalAll()
	}
}
