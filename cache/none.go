package cache

import (
	"context"

	"github.com/IvanBrykalov/tiercache/config"
	"github.com/IvanBrykalov/tiercache/load"
	"github.com/IvanBrykalov/tiercache/value"
)

// noneCache stores nothing; GetOrLoad always calls the loader.
type noneCache[V any] struct{ name string }

func (c noneCache[V]) Name() string           { return c.name }
func (c noneCache[V]) Type() config.CacheType { return config.TypeNone }

func (noneCache[V]) Get(context.Context, string) (value.Value[V], error) {
	return value.AbsentOf[V](), nil
}

func (noneCache[V]) GetAll(context.Context, []string) (map[string]value.Value[V], error) {
	return map[string]value.Value[V]{}, nil
}

func (c noneCache[V]) GetOrLoad(ctx context.Context, key string, fn load.Func[V]) (value.Value[V], error) {
	if fn == nil {
		return value.AbsentOf[V](), &load.Error{Cache: c.name, Key: key, Err: load.ErrNoLoader}
	}
	v, err := fn(ctx, key)
	if err != nil {
		return value.AbsentOf[V](), &load.Error{Cache: c.name, Key: key, Err: err}
	}
	return v.Normalize(), nil
}

func (noneCache[V]) Put(context.Context, string, value.Value[V]) error       { return nil }
func (noneCache[V]) PutAll(context.Context, map[string]value.Value[V]) error { return nil }
func (noneCache[V]) Evict(context.Context, string) error                     { return nil }
func (noneCache[V]) EvictAll(context.Context, []string) error                { return nil }
func (noneCache[V]) Clear(context.Context) error                             { return nil }
func (noneCache[V]) Exists(context.Context, string) (bool, error)            { return false, nil }
