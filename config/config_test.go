package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, TypeComposite, cfg.CacheType)
	assert.True(t, cfg.AllowNullValues)
	assert.Equal(t, 60*time.Second, cfg.NullValueExpire)
}

func TestParse_OverlaysDefaultsAndExpandsEnv(t *testing.T) {
	t.Setenv("TIERCACHE_REDIS", "redis-1:6379")
	cfg, err := Parse([]byte(`
instance_id: node-a
null_value_expire: 30s
local:
  max_size: 500
  refresh_after_write: 2m
remote:
  key_prefix: "app:"
  expire_by_cache:
    users: 10m
redis:
  addrs: ["${TIERCACHE_REDIS}"]
sync:
  transport: redis
logging:
  level: debug
`))
	require.NoError(t, err)
	assert.Equal(t, "node-a", cfg.InstanceID)
	assert.Equal(t, 30*time.Second, cfg.NullValueExpire)
	assert.Equal(t, 500, cfg.Local.MaxSize)
	assert.Equal(t, 2*time.Minute, cfg.Local.RefreshAfterWrite)
	assert.Equal(t, 30*time.Minute, cfg.Local.ExpireAfterWrite, "unset fields keep defaults")
	assert.Equal(t, []string{"redis-1:6379"}, cfg.Redis.Addrs)
	assert.Equal(t, TransportRedis, cfg.Sync.Transport)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestParse_Empty(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default().Local, cfg.Local)
}

func TestParse_RejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("locall:\n  max_size: 1\n"))
	require.Error(t, err)
}

func TestParse_RejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"cache type": "cache_type: disk\n",
		"max size":   "local:\n  max_size: 0\n",
		"transport":  "sync:\n  transport: carrier-pigeon\n",
		"amqp url":   "sync:\n  transport: amqp\n",
		"hotkey":     "hotkey:\n  detector: magic\n",
		"override":   "caches:\n  users:\n    type: disk\n",
		"refresh":    "local:\n  auto_refresh: true\n  refresh_period: 0s\n",
		"nested":     "caches:\n  \"users:archive\":\n    max_size: 5\n",
		"reserved":   "remote:\n  expire_by_cache:\n    lock: 1m\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			require.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiercache.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cache_type: local\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, TypeLocal, cfg.CacheType)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing.yaml")
}

func TestFor_ResolvesOverrides(t *testing.T) {
	cfg, err := Parse([]byte(`
remote:
  key_prefix: "app:"
  expire_by_cache:
    users: 10m
composite:
  l1_manual_keys: ["42"]
  l1_manual_cache_names: ["users"]
caches:
  users:
    type: local
    allow_null_values: false
    max_size: 7
    refresh_after_write: 1m
`))
	require.NoError(t, err)

	users := cfg.For("users")
	assert.Equal(t, "users", users.Name)
	assert.Equal(t, TypeLocal, users.Type)
	assert.False(t, users.AllowNullValues)
	assert.Equal(t, 7, users.Local.MaxSize)
	assert.Equal(t, time.Minute, users.Local.RefreshAfterWrite)
	assert.Equal(t, 10*time.Minute, users.Remote.Expire)
	assert.True(t, users.L1ManualCache)
	assert.True(t, users.ManualKey("42"))
	assert.False(t, users.ManualKey("7"))
	assert.Equal(t, "app:users:42", users.RemoteKey("42"))
	assert.Equal(t, "app:users:", users.RemotePrefix())

	orders := cfg.For("orders")
	assert.Equal(t, TypeComposite, orders.Type)
	assert.True(t, orders.AllowNullValues)
	assert.Equal(t, time.Hour, orders.Remote.Expire)
	assert.False(t, orders.L1ManualCache)
}

func TestRedisClientConfig(t *testing.T) {
	r := Redis{Addrs: []string{"a:1", "b:2"}, Password: "pw", DB: 2, PoolSize: 4}
	cc := r.ClientConfig()
	assert.Equal(t, r.Addrs, cc.Addrs)
	assert.Equal(t, "pw", cc.Password)
	assert.Equal(t, 2, cc.DB)
	assert.Equal(t, 4, cc.PoolSize)
}

func TestValidateName(t *testing.T) {
	require.NoError(t, ValidateName("users"))
	for _, name := range []string{"", "users:archive", "lock"} {
		require.ErrorIs(t, ValidateName(name), ErrInvalidName, name)
	}

	cfg := Default()
	cfg.Remote.KeyPrefix = "app:"
	cc := cfg.For("users")
	assert.Equal(t, "app:users:42", cc.RemoteKey("42"))
	assert.Equal(t, "app:lock:users:42", cc.LockKey("42"))
	assert.NotContains(t, cc.LockKey("42"), cc.RemotePrefix())
}
