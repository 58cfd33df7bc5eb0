// Package load coalesces value computations per key.
//
// A Coalescer guarantees that, per instance, at most one computation for a
// key runs at a time: concurrent callers join the running flight and share
// its result or error. It also remembers the last loader registered for
// each key so that background refreshes can recompute entries without a
// caller at hand.
package load

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/IvanBrykalov/tiercache/internal/singleflight"
	"github.com/IvanBrykalov/tiercache/value"
)

// Func computes the value for key. Returning an Absent value means "nothing
// found" and is remembered as Null.
type Func[V any] func(ctx context.Context, key string) (value.Value[V], error)

// Error wraps a loader failure or panic.
type Error struct {
	Cache string
	Key   string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("load %s/%s: %v", e.Cache, e.Key, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrNoLoader is returned when a load cycle starts without a function and
// none was registered for the key.
var ErrNoLoader = errors.New("load: no loader registered")

// DefaultLoadTimeout bounds background refresh computations.
const DefaultLoadTimeout = 30 * time.Second

// Options configures a Coalescer.
type Options struct {
	// Cache names the owning cache in errors and logs.
	Cache string
	// LoadTimeout bounds RefreshAhead computations (0 => DefaultLoadTimeout).
	LoadTimeout time.Duration
	// OnNull is called with the key whenever a computation yields Null.
	OnNull func(key string)
	// OnLoad observes every computation that actually ran.
	OnLoad func(key string, d time.Duration, err error)
	Logger *zap.Logger
}

// Coalescer is safe for concurrent use.
type Coalescer[V any] struct {
	opt Options
	log *zap.Logger
	sf  singleflight.Group[string, value.Value[V]]

	mu      sync.RWMutex
	loaders map[string]Func[V]
}

// New returns a Coalescer.
func New[V any](opt Options) *Coalescer[V] {
	if opt.LoadTimeout <= 0 {
		opt.LoadTimeout = DefaultLoadTimeout
	}
	log := opt.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Coalescer[V]{
		opt:     opt,
		log:     log.Named("load").With(zap.String("cache", opt.Cache)),
		loaders: make(map[string]Func[V]),
	}
}

// Load registers fn as key's loader and returns the coalesced result. If a
// computation for key is already running, the caller waits for it and fn
// is not invoked; it is still kept for future cycles. ran reports whether
// this call executed the computation itself.
func (c *Coalescer[V]) Load(ctx context.Context, key string, fn Func[V]) (v value.Value[V], ran bool, err error) {
	if fn != nil {
		c.Register(key, fn)
	}
	return c.Reload(ctx, key, fn)
}

// Reload is Load without registering fn. A nil fn falls back to the
// registered loader.
func (c *Coalescer[V]) Reload(ctx context.Context, key string, fn Func[V]) (v value.Value[V], ran bool, err error) {
	if fn == nil {
		if fn = c.Loader(key); fn == nil {
			return value.Value[V]{}, false, &Error{Cache: c.opt.Cache, Key: key, Err: ErrNoLoader}
		}
	}
	v, err, _ = c.sf.Do(ctx, key, func() (value.Value[V], error) {
		ran = true
		return c.compute(ctx, key, fn)
	})
	if err != nil {
		if !ran && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return value.Value[V]{}, false, err
		}
		return value.Value[V]{}, ran, c.wrap(key, err)
	}
	return v, ran, nil
}

// RefreshAhead starts a background computation for key unless one is in
// flight and returns immediately. done, if non-nil, receives the result.
// It reports whether a computation was started.
func (c *Coalescer[V]) RefreshAhead(key string, fn Func[V], done func(value.Value[V], error)) bool {
	if fn == nil {
		if fn = c.Loader(key); fn == nil {
			return false
		}
	}
	return c.sf.Go(key, func() (value.Value[V], error) {
		ctx, cancel := context.WithTimeout(context.Background(), c.opt.LoadTimeout)
		defer cancel()
		return c.compute(ctx, key, fn)
	}, func(v value.Value[V], err error) {
		if err != nil {
			err = c.wrap(key, err)
			c.log.Warn("refresh-ahead failed", zap.String("key", key), zap.Error(err))
		}
		if done != nil {
			done(v, err)
		}
	})
}

// InFlight reports whether a computation for key is running.
func (c *Coalescer[V]) InFlight(key string) bool { return c.sf.InFlight(key) }

// Register stores fn as the loader for key, replacing any previous one.
func (c *Coalescer[V]) Register(key string, fn Func[V]) {
	c.mu.Lock()
	c.loaders[key] = fn
	c.mu.Unlock()
}

// Loader returns the last loader registered for key, or nil.
func (c *Coalescer[V]) Loader(key string) Func[V] {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loaders[key]
}

// Forget drops key's registered loader.
func (c *Coalescer[V]) Forget(key string) {
	c.mu.Lock()
	delete(c.loaders, key)
	c.mu.Unlock()
}

// compute runs fn, normalizes Absent to Null and fires hooks. Panics are
// converted by the singleflight group.
func (c *Coalescer[V]) compute(ctx context.Context, key string, fn Func[V]) (value.Value[V], error) {
	start := time.Now()
	v, err := fn(ctx, key)
	if hook := c.opt.OnLoad; hook != nil {
		hook(key, time.Since(start), err)
	}
	if err != nil {
		return value.Value[V]{}, err
	}
	v = v.Normalize()
	if v.IsNull() && c.opt.OnNull != nil {
		c.opt.OnNull(key)
	}
	c.log.Debug("loaded", zap.String("key", key), zap.Stringer("kind", v.Kind()))
	return v, nil
}

// wrap turns a computation failure into *Error.
func (c *Coalescer[V]) wrap(key string, err error) error {
	var le *Error
	if errors.As(err, &le) {
		return err
	}
	var pe *singleflight.PanicError
	if errors.As(err, &pe) {
		c.log.Error("loader panicked", zap.String("key", key), zap.Any("panic", pe.Value), zap.ByteString("stack", pe.Stack))
	}
	return &Error{Cache: c.opt.Cache, Key: key, Err: err}
}
