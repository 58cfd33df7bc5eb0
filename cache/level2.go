package cache

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/IvanBrykalov/tiercache/config"
	"github.com/IvanBrykalov/tiercache/load"
	"github.com/IvanBrykalov/tiercache/remote"
	"github.com/IvanBrykalov/tiercache/value"
)

// Level2 is the Redis tier. Values are stored as JSON envelopes under
// "<prefix><cache>:<key>". It never publishes messages: it holds no
// per-instance state.
type Level2[V any] struct {
	cfg     config.CacheConfig
	store   *remote.Store
	loads   *load.Coalescer[V]
	metrics Metrics
	log     *zap.Logger

	// loaded, if set, is called after fn produced and stored a value.
	loaded func(key string)
}

func newLevel2[V any](cfg config.CacheConfig, store *remote.Store, loads *load.Coalescer[V], m Metrics, log *zap.Logger) *Level2[V] {
	return &Level2[V]{cfg: cfg, store: store, loads: loads, metrics: m, log: log.Named("l2")}
}

func (c *Level2[V]) Name() string           { return c.cfg.Name }
func (c *Level2[V]) Type() config.CacheType { return config.TypeRemote }

func (c *Level2[V]) Get(ctx context.Context, key string) (value.Value[V], error) {
	raw, ok, err := c.store.Get(ctx, c.cfg.RemoteKey(key))
	if err != nil {
		return value.AbsentOf[V](), err
	}
	if !ok {
		c.metrics.Miss(c.cfg.Name, LayerL2)
		return value.AbsentOf[V](), nil
	}
	v, err := value.Decode[V](raw)
	if err != nil {
		c.log.Warn("undecodable entry", zap.String("key", key), zap.Error(err))
		c.metrics.Miss(c.cfg.Name, LayerL2)
		return value.AbsentOf[V](), nil
	}
	c.metrics.Hit(c.cfg.Name, LayerL2)
	return v, nil
}

func (c *Level2[V]) GetAll(ctx context.Context, keys []string) (map[string]value.Value[V], error) {
	rkeys := make([]string, len(keys))
	for i, k := range keys {
		rkeys[i] = c.cfg.RemoteKey(k)
	}
	raw, err := c.store.GetMulti(ctx, rkeys)
	if err != nil {
		return nil, err
	}
	out := make(map[string]value.Value[V], len(raw))
	for i, rk := range rkeys {
		b, ok := raw[rk]
		if !ok {
			c.metrics.Miss(c.cfg.Name, LayerL2)
			continue
		}
		v, err := value.Decode[V](b)
		if err != nil {
			c.log.Warn("undecodable entry", zap.String("key", keys[i]), zap.Error(err))
			continue
		}
		c.metrics.Hit(c.cfg.Name, LayerL2)
		out[keys[i]] = v
	}
	return out, nil
}

// GetOrLoad reads L2 and loads on a miss. With cluster_load the load is
// serialized across instances by a Redis lock; otherwise only per instance.
func (c *Level2[V]) GetOrLoad(ctx context.Context, key string, fn load.Func[V]) (value.Value[V], error) {
	v, err := c.Get(ctx, key)
	if err != nil || v.Cached() {
		return v, err
	}
	if fn != nil {
		c.loads.Register(key, fn)
	} else {
		fn = c.loads.Loader(key)
	}
	if fn == nil {
		return value.AbsentOf[V](), &load.Error{Cache: c.cfg.Name, Key: key, Err: load.ErrNoLoader}
	}
	compute := func(ctx context.Context, key string) (value.Value[V], error) {
		if v, err := c.Get(ctx, key); err != nil || v.Cached() {
			return v, err
		}
		return c.loadAndStore(ctx, key, fn)
	}
	if c.cfg.Remote.ClusterLoad {
		compute = func(ctx context.Context, key string) (value.Value[V], error) {
			return c.lockedLoad(ctx, key, fn)
		}
	}
	v, _, err = c.loads.Reload(ctx, key, compute)
	return v, err
}

// lockedLoad runs fn while holding the key's cluster lock. Instances that
// lose the race poll L2 for the winner's result and fall back to a local
// load once lock_wait has passed.
func (c *Level2[V]) lockedLoad(ctx context.Context, key string, fn load.Func[V]) (value.Value[V], error) {
	lockKey := c.cfg.LockKey(key)
	deadline := time.Now().Add(c.cfg.Remote.LockWait)
	for {
		unlock, ok, err := c.store.Lock(ctx, lockKey, c.cfg.Remote.LockTTL)
		if err != nil {
			return value.AbsentOf[V](), err
		}
		if ok {
			defer func() {
				if err := unlock(context.WithoutCancel(ctx)); err != nil {
					c.log.Warn("unlock failed", zap.String("key", key), zap.Error(err))
				}
			}()
			if v, err := c.Get(ctx, key); err == nil && v.Cached() {
				return v, nil
			}
			return c.loadAndStore(ctx, key, fn)
		}
		if v, err := c.Get(ctx, key); err == nil && v.Cached() {
			return v, nil
		}
		if time.Now().After(deadline) {
			c.log.Warn("lock wait exceeded, loading locally", zap.String("key", key))
			return c.loadAndStore(ctx, key, fn)
		}
		t := time.NewTimer(c.cfg.Remote.LockPoll)
		select {
		case <-ctx.Done():
			t.Stop()
			return value.AbsentOf[V](), ctx.Err()
		case <-t.C:
		}
	}
}

func (c *Level2[V]) loadAndStore(ctx context.Context, key string, fn load.Func[V]) (value.Value[V], error) {
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
	if err := c.Put(ctx, key, v); err != nil {
		return v, err
	}
	if c.loaded != nil {
		c.loaded(key)
	}
	return v, nil
}

func (c *Level2[V]) ttl(v value.Value[V]) time.Duration {
	if v.IsNull() {
		return c.cfg.NullValueExpire
	}
	return c.cfg.Remote.Expire
}

func (c *Level2[V]) Put(ctx context.Context, key string, v value.Value[V]) error {
	if !storable(v, c.cfg.AllowNullValues) {
		return c.Evict(ctx, key)
	}
	b, err := value.Encode(v)
	if err != nil {
		return err
	}
	return c.store.Set(ctx, c.cfg.RemoteKey(key), b, c.ttl(v))
}

// PutAll writes present values and nulls in two pipelined batches since
// they carry different TTLs.
func (c *Level2[V]) PutAll(ctx context.Context, entries map[string]value.Value[V]) error {
	present := make(map[string][]byte)
	nulls := make(map[string][]byte)
	var evict []string
	for k, v := range entries {
		if !storable(v, c.cfg.AllowNullValues) {
			evict = append(evict, k)
			continue
		}
		b, err := value.Encode(v)
		if err != nil {
			return err
		}
		if v.IsNull() {
			nulls[c.cfg.RemoteKey(k)] = b
		} else {
			present[c.cfg.RemoteKey(k)] = b
		}
	}
	if len(present) > 0 {
		if err := c.store.SetMulti(ctx, present, c.cfg.Remote.Expire); err != nil {
			return err
		}
	}
	if len(nulls) > 0 {
		if err := c.store.SetMulti(ctx, nulls, c.cfg.NullValueExpire); err != nil {
			return err
		}
	}
	if len(evict) > 0 {
		return c.EvictAll(ctx, evict)
	}
	return nil
}

func (c *Level2[V]) Evict(ctx context.Context, key string) error {
	_, err := c.store.Delete(ctx, c.cfg.RemoteKey(key))
	return err
}

func (c *Level2[V]) EvictAll(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	rkeys := make([]string, len(keys))
	for i, k := range keys {
		rkeys[i] = c.cfg.RemoteKey(k)
	}
	_, err := c.store.Delete(ctx, rkeys...)
	return err
}

// Clear deletes every key in the cache namespace.
func (c *Level2[V]) Clear(ctx context.Context) error {
	n, err := c.store.Clear(ctx, remote.Pattern(c.cfg.RemotePrefix()))
	c.log.Debug("cleared", zap.Int64("keys", n))
	return err
}

func (c *Level2[V]) Exists(ctx context.Context, key string) (bool, error) {
	return c.store.Exists(ctx, c.cfg.RemoteKey(key))
}
