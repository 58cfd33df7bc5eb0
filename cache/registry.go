package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/IvanBrykalov/tiercache/config"
	"github.com/IvanBrykalov/tiercache/hotkey"
	"github.com/IvanBrykalov/tiercache/load"
	"github.com/IvanBrykalov/tiercache/local"
	"github.com/IvanBrykalov/tiercache/nullguard"
	"github.com/IvanBrykalov/tiercache/refresh"
	"github.com/IvanBrykalov/tiercache/remote"
	"github.com/IvanBrykalov/tiercache/syncpolicy"
)

// Options configures a Registry.
type Options struct {
	// Config must be complete; start from config.Default().
	Config config.Config
	// InstanceID overrides Config.InstanceID; a UUID is generated when
	// both are empty.
	InstanceID string
	// Redis backs L2 and is required for remote and composite caches.
	// It stays owned by the caller.
	Redis redis.UniversalClient
	// Transport carries invalidation messages when Config.Sync.Enabled.
	// Nil builds one from Config.Sync. The registry closes it.
	Transport syncpolicy.Transport
	// HotKeys overrides the detector built from Config.HotKey.
	HotKeys hotkey.Detector

	Logger         *zap.Logger
	Metrics        Metrics
	SyncMetrics    syncpolicy.Metrics
	RefreshMetrics refresh.Metrics
	// Clock drives L1 and null-guard expiry; nil uses wall time.
	Clock local.Clock
}

type instance[V any] struct {
	c  Cache[V]
	l1 *Level1[V]
}

// Registry creates caches by name on first use and reuses them. It owns
// the sync policy and the refresh scheduler. One Registry serves one
// value type; use several registries for several types.
type Registry[V any] struct {
	opt    Options
	cfg    config.Config
	id     string
	log    *zap.Logger
	remote *remote.Store
	policy *syncpolicy.Policy
	sched  *refresh.Scheduler
	hot    hotkey.Detector

	mu      sync.Mutex
	caches  map[string]instance[V]
	started bool
	closed  bool
}

// NewRegistry validates the configuration and wires the shared services.
func NewRegistry[V any](opt Options) (*Registry[V], error) {
	cfg := opt.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	id := opt.InstanceID
	if id == "" {
		id = cfg.InstanceID
	}
	if id == "" {
		id = uuid.NewString()
	}
	log := opt.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("tiercache").With(zap.String("instance", id))
	if opt.Metrics == nil {
		opt.Metrics = NoopMetrics{}
	}

	r := &Registry[V]{
		opt:    opt,
		cfg:    cfg,
		id:     id,
		log:    log,
		hot:    opt.HotKeys,
		caches: make(map[string]instance[V]),
		sched:  refresh.New(refresh.Options{Logger: log, Metrics: opt.RefreshMetrics}),
	}
	if r.hot == nil {
		r.hot = NewDetector(cfg.HotKey)
	}
	if opt.Redis != nil {
		r.remote = remote.New(opt.Redis, remote.Options{
			Name:           "l2",
			BatchGetSize:   cfg.Remote.BatchGetSize,
			BatchPutSize:   cfg.Remote.BatchPutSize,
			BatchEvictSize: cfg.Remote.BatchEvictSize,
			Breaker:        cfg.Remote.Breaker,
			Logger:         log,
		})
	}
	if cfg.Sync.Enabled {
		tr := opt.Transport
		if tr == nil {
			var err error
			if tr, err = NewTransport(cfg, id, opt.Redis, log); err != nil {
				return nil, fmt.Errorf("cache: build transport: %w", err)
			}
		}
		p, err := syncpolicy.New(syncpolicy.Options{
			InstanceID:     id,
			Topic:          cfg.Sync.Topic,
			QueueSize:      cfg.Sync.QueueSize,
			PublishTimeout: cfg.Sync.PublishTimeout,
			Transport:      tr,
			Logger:         log,
			Metrics:        opt.SyncMetrics,
		})
		if err != nil {
			return nil, err
		}
		r.policy = p
	}
	return r, nil
}

// InstanceID returns the id stamped on outgoing messages.
func (r *Registry[V]) InstanceID() string { return r.id }

// Policy returns the sync policy, or nil when sync is disabled.
func (r *Registry[V]) Policy() *syncpolicy.Policy { return r.policy }

// Scheduler returns the refresh scheduler.
func (r *Registry[V]) Scheduler() *refresh.Scheduler { return r.sched }

// Cache returns the cache called name, creating it on first use.
func (r *Registry[V]) Cache(name string) (Cache[V], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if inst, ok := r.caches[name]; ok {
		return inst.c, nil
	}
	if err := config.ValidateName(name); err != nil {
		return nil, err
	}
	cc := r.cfg.For(name)
	inst, err := r.build(cc)
	if err != nil {
		return nil, err
	}
	if inst.l1 != nil {
		if r.policy != nil {
			r.policy.Register(name, onMessage(inst.l1))
		}
		if cc.Local.AutoRefresh {
			if err := r.sched.Add(inst.l1, cc.Local.RefreshPeriod, cc.Local.RefreshPoolSize); err != nil {
				_ = inst.l1.Close()
				return nil, err
			}
		}
	}
	r.caches[name] = inst
	r.log.Info("cache created", zap.String("cache", name), zap.String("type", string(cc.Type)))
	return inst.c, nil
}

func (r *Registry[V]) build(cc config.CacheConfig) (instance[V], error) {
	ev := events{instanceID: r.id, cacheType: cc.Type, cacheName: cc.Name}
	if r.policy != nil {
		ev.pub = r.policy
	}
	log := r.log.With(zap.String("cache", cc.Name))

	switch cc.Type {
	case config.TypeNone:
		return instance[V]{c: noneCache[V]{name: cc.Name}}, nil

	case config.TypeLocal:
		guard := r.guard(cc)
		l1 := newLevel1(cc, level1Deps[V]{
			loads: r.coalescer(cc, guard, log), guard: guard, ev: ev,
			metrics: r.opt.Metrics, clock: r.opt.Clock, log: log,
		})
		return instance[V]{c: l1, l1: l1}, nil

	case config.TypeRemote:
		if r.remote == nil {
			return instance[V]{}, ErrNoRemote
		}
		l2 := newLevel2(cc, r.remote, r.coalescer(cc, nil, log), r.opt.Metrics, log)
		return instance[V]{c: l2}, nil

	case config.TypeComposite:
		if r.remote == nil {
			return instance[V]{}, ErrNoRemote
		}
		guard := r.guard(cc)
		// Markers come from Level1.putLocal only: nulls loaded for keys
		// outside L1 must not push out markers of resident entries.
		loads := r.coalescer(cc, nil, log)
		l2 := newLevel2(cc, r.remote, loads, r.opt.Metrics, log)
		l1 := newLevel1(cc, level1Deps[V]{
			loads: loads, guard: guard, l2: l2, ev: ev,
			metrics: r.opt.Metrics, clock: r.opt.Clock, log: log,
		})
		return instance[V]{c: newComposite(cc, l1, l2, r.hot, ev, log), l1: l1}, nil
	}
	return instance[V]{}, fmt.Errorf("%w: %q", ErrUnknownType, cc.Type)
}

func (r *Registry[V]) guard(cc config.CacheConfig) *nullguard.Guard {
	if !cc.AllowNullValues {
		return nil
	}
	return nullguard.New(nullguard.Options{
		MaxSize: cc.NullValueMaxSize,
		Expire:  cc.NullValueExpire,
		Clock:   r.opt.Clock,
	})
}

func (r *Registry[V]) coalescer(cc config.CacheConfig, guard *nullguard.Guard, log *zap.Logger) *load.Coalescer[V] {
	opt := load.Options{Cache: cc.Name, Logger: log}
	if guard != nil {
		opt.OnNull = guard.Register
	}
	return load.New[V](opt)
}

// Names lists the caches created so far.
func (r *Registry[V]) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.caches))
	for n := range r.caches {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Start subscribes to peer messages and starts refresh sweeps.
func (r *Registry[V]) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if r.started {
		return nil
	}
	if r.policy != nil {
		if err := r.policy.Start(ctx); err != nil {
			return err
		}
	}
	r.sched.Start()
	r.started = true
	r.log.Info("registry started", zap.Bool("sync", r.policy != nil))
	return nil
}

// Close stops sweeps and the sync policy and releases every L1 store.
// The Redis client is left open.
func (r *Registry[V]) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.closed = true
	caches := r.caches
	r.mu.Unlock()

	var errs []error
	if err := r.sched.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if r.policy != nil {
		if err := r.policy.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, inst := range caches {
		if inst.l1 != nil {
			_ = inst.l1.Close()
		}
	}
	r.log.Info("registry closed")
	return errors.Join(errs...)
}
