package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ErrInvalidName is returned for cache names that cannot own an L2
// namespace: empty, containing ':', or the reserved lock namespace.
var ErrInvalidName = errors.New("config: invalid cache name")

// lockNamespace is the L2 segment holding cluster load locks.
const lockNamespace = "lock"

// ValidateName checks that name's L2 namespace "<prefix><name>:" cannot
// overlap with another cache's or with the lock keys.
func ValidateName(name string) error {
	if name == "" || name == lockNamespace || strings.Contains(name, ":") {
		return errors.Wrapf(ErrInvalidName, "%q", name)
	}
	return nil
}

// CacheConfig is the immutable snapshot a single cache is built from.
type CacheConfig struct {
	Name             string
	Type             CacheType
	AllowNullValues  bool
	NullValueExpire  time.Duration
	NullValueMaxSize int

	Local  Local
	Remote Remote

	L1AllOpen bool
	// L1ManualKeys holds keys that always get an L1 copy.
	L1ManualKeys map[string]struct{}
	// L1ManualCache is set when the whole cache is listed in
	// l1_manual_cache_names.
	L1ManualCache bool
}

// For resolves the settings of the cache called name.
func (c *Config) For(name string) CacheConfig {
	cc := CacheConfig{
		Name:             name,
		Type:             c.CacheType,
		AllowNullValues:  c.AllowNullValues,
		NullValueExpire:  c.NullValueExpire,
		NullValueMaxSize: c.NullValueMaxSize,
		Local:            c.Local,
		Remote:           c.Remote,
		L1AllOpen:        c.Composite.L1AllOpen,
		L1ManualKeys:     make(map[string]struct{}, len(c.Composite.L1ManualKeys)),
	}
	cc.Remote.ExpireByCache = nil
	if d, ok := c.Remote.ExpireByCache[name]; ok {
		cc.Remote.Expire = d
	}
	for _, k := range c.Composite.L1ManualKeys {
		cc.L1ManualKeys[k] = struct{}{}
	}
	for _, n := range c.Composite.L1ManualCacheNames {
		if n == name {
			cc.L1ManualCache = true
		}
	}

	o, ok := c.Caches[name]
	if !ok {
		return cc
	}
	set(&cc.Type, o.Type)
	set(&cc.AllowNullValues, o.AllowNullValues)
	set(&cc.NullValueExpire, o.NullValueExpire)
	set(&cc.Local.MaxSize, o.MaxSize)
	set(&cc.Local.ExpireAfterWrite, o.ExpireAfterWrite)
	set(&cc.Local.ExpireAfterAccess, o.ExpireAfterAccess)
	set(&cc.Local.RefreshAfterWrite, o.RefreshAfterWrite)
	set(&cc.Local.AutoRefresh, o.AutoRefresh)
	set(&cc.Local.RefreshPeriod, o.RefreshPeriod)
	set(&cc.L1AllOpen, o.L1AllOpen)
	set(&cc.Remote.ClusterLoad, o.ClusterLoad)
	return cc
}

func set[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

// ManualKey reports whether key is listed in l1_manual_keys.
func (cc CacheConfig) ManualKey(key string) bool {
	_, ok := cc.L1ManualKeys[key]
	return ok
}

// RemoteKey namespaces key inside L2.
func (cc CacheConfig) RemoteKey(key string) string {
	return cc.Remote.KeyPrefix + cc.Name + ":" + key
}

// LockKey is the L2 key of key's cluster load lock.
func (cc CacheConfig) LockKey(key string) string {
	return cc.Remote.KeyPrefix + lockNamespace + ":" + cc.Name + ":" + key
}

// RemotePrefix is the namespace shared by every L2 key of the cache.
func (cc CacheConfig) RemotePrefix() string {
	return cc.Remote.KeyPrefix + cc.Name + ":"
}
