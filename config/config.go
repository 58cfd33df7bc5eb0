// Package config holds the YAML configuration of a cache registry and
// resolves it into per-cache snapshots.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/drone/envsubst"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/IvanBrykalov/tiercache/logging"
	"github.com/IvanBrykalov/tiercache/remote"
	"github.com/IvanBrykalov/tiercache/syncpolicy/amqpbus"
	"github.com/IvanBrykalov/tiercache/syncpolicy/kafkabus"
)

// CacheType selects how a named cache is assembled.
type CacheType string

const (
	TypeComposite CacheType = "composite"
	TypeLocal     CacheType = "local"
	TypeRemote    CacheType = "remote"
	TypeNone      CacheType = "none"
)

func (t CacheType) valid() bool {
	switch t {
	case TypeComposite, TypeLocal, TypeRemote, TypeNone:
		return true
	}
	return false
}

// Transport names accepted by Sync.Transport.
const (
	TransportMemory = "memory"
	TransportRedis  = "redis"
	TransportKafka  = "kafka"
	TransportAMQP   = "amqp"
)

// Config is the root configuration.
type Config struct {
	// InstanceID identifies this process on the bus; generated when empty.
	InstanceID string    `yaml:"instance_id"`
	CacheType  CacheType `yaml:"cache_type"`

	AllowNullValues  bool          `yaml:"allow_null_values"`
	NullValueExpire  time.Duration `yaml:"null_value_expire"`
	NullValueMaxSize int           `yaml:"null_value_max_size"`

	Local     Local          `yaml:"local"`
	Remote    Remote         `yaml:"remote"`
	Composite Composite      `yaml:"composite"`
	Sync      Sync           `yaml:"sync"`
	Redis     Redis          `yaml:"redis"`
	HotKey    HotKey         `yaml:"hotkey"`
	Logging   logging.Config `yaml:"logging"`

	// Caches overrides settings per cache name.
	Caches map[string]Override `yaml:"caches"`
}

// Local configures the L1 store.
type Local struct {
	MaxSize           int           `yaml:"max_size"`
	Shards            int           `yaml:"shards"`
	ExpireAfterWrite  time.Duration `yaml:"expire_after_write"`
	ExpireAfterAccess time.Duration `yaml:"expire_after_access"`
	// RefreshAfterWrite > 0 makes L1 loading-capable: older entries are
	// served stale while a background reload runs.
	RefreshAfterWrite time.Duration `yaml:"refresh_after_write"`
	AutoRefresh       bool          `yaml:"auto_refresh"`
	RefreshPeriod     time.Duration `yaml:"refresh_period"`
	RefreshPoolSize   int           `yaml:"refresh_pool_size"`
}

// Remote configures the L2 store.
type Remote struct {
	KeyPrefix string        `yaml:"key_prefix"`
	Expire    time.Duration `yaml:"expire"`
	// ExpireByCache overrides Expire for single caches.
	ExpireByCache  map[string]time.Duration `yaml:"expire_by_cache"`
	BatchGetSize   int                      `yaml:"batch_get_size"`
	BatchPutSize   int                      `yaml:"batch_put_size"`
	BatchEvictSize int                      `yaml:"batch_evict_size"`
	// ClusterLoad serializes loads across instances with a Redis lock.
	ClusterLoad bool                 `yaml:"cluster_load"`
	LockTTL     time.Duration        `yaml:"lock_ttl"`
	LockWait    time.Duration        `yaml:"lock_wait"`
	LockPoll    time.Duration        `yaml:"lock_poll"`
	Breaker     remote.BreakerConfig `yaml:"breaker"`
}

// Composite decides which keys of a composite cache get an L1 copy.
type Composite struct {
	L1AllOpen          bool     `yaml:"l1_all_open"`
	L1ManualKeys       []string `yaml:"l1_manual_keys"`
	L1ManualCacheNames []string `yaml:"l1_manual_cache_names"`
}

// Sync configures cross-instance invalidation.
type Sync struct {
	Enabled        bool            `yaml:"enabled"`
	Transport      string          `yaml:"transport"`
	Topic          string          `yaml:"topic"`
	QueueSize      int             `yaml:"queue_size"`
	PublishTimeout time.Duration   `yaml:"publish_timeout"`
	Kafka          kafkabus.Config `yaml:"kafka"`
	AMQP           amqpbus.Config  `yaml:"amqp"`
}

// Redis describes the deployment shared by L2 and the redis transport.
type Redis struct {
	Addrs       []string      `yaml:"addrs"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	PoolSize    int           `yaml:"pool_size"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// ClientConfig converts r for remote.NewClient.
func (r Redis) ClientConfig() remote.ClientConfig {
	return remote.ClientConfig{
		Addrs:       r.Addrs,
		Password:    r.Password,
		DB:          r.DB,
		PoolSize:    r.PoolSize,
		DialTimeout: r.DialTimeout,
	}
}

// HotKey selects the hot-key detector built when none is injected.
type HotKey struct {
	// Detector is none (default), static or window.
	Detector  string              `yaml:"detector"`
	Static    map[string][]string `yaml:"static"`
	Threshold int                 `yaml:"threshold"`
	Window    time.Duration       `yaml:"window"`
}

// Override replaces selected settings for one cache. Nil fields inherit.
type Override struct {
	Type              *CacheType     `yaml:"type"`
	AllowNullValues   *bool          `yaml:"allow_null_values"`
	NullValueExpire   *time.Duration `yaml:"null_value_expire"`
	MaxSize           *int           `yaml:"max_size"`
	ExpireAfterWrite  *time.Duration `yaml:"expire_after_write"`
	ExpireAfterAccess *time.Duration `yaml:"expire_after_access"`
	RefreshAfterWrite *time.Duration `yaml:"refresh_after_write"`
	AutoRefresh       *bool          `yaml:"auto_refresh"`
	RefreshPeriod     *time.Duration `yaml:"refresh_period"`
	L1AllOpen         *bool          `yaml:"l1_all_open"`
	ClusterLoad       *bool          `yaml:"cluster_load"`
}

// Default returns the configuration used for unset fields.
func Default() Config {
	return Config{
		CacheType:        TypeComposite,
		AllowNullValues:  true,
		NullValueExpire:  60 * time.Second,
		NullValueMaxSize: 5000,
		Local: Local{
			MaxSize:          10_000,
			ExpireAfterWrite: 30 * time.Minute,
			RefreshPeriod:    30 * time.Second,
			RefreshPoolSize:  8,
		},
		Remote: Remote{
			Expire:         time.Hour,
			BatchGetSize:   remote.DefaultBatchSize,
			BatchPutSize:   remote.DefaultBatchSize,
			BatchEvictSize: remote.DefaultBatchSize,
			LockTTL:        10 * time.Second,
			LockWait:       5 * time.Second,
			LockPoll:       50 * time.Millisecond,
			Breaker:        remote.DefaultBreakerConfig(),
		},
		Sync: Sync{
			Enabled:        true,
			Transport:      TransportMemory,
			Topic:          "tiercache:topic",
			QueueSize:      1024,
			PublishTimeout: 5 * time.Second,
			Kafka:          kafkabus.DefaultConfig(),
		},
		Redis: Redis{
			Addrs:       []string{"localhost:6379"},
			PoolSize:    10,
			DialTimeout: 5 * time.Second,
		},
		HotKey: HotKey{
			Detector:  "none",
			Threshold: 100,
			Window:    10 * time.Second,
		},
		Logging: logging.Config{Level: "info", Format: "console"},
	}
}

// Parse expands ${VAR} references in data and decodes it over Default().
// Unknown fields are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	s, err := envsubst.EvalEnv(string(data))
	if err != nil {
		return cfg, errors.Wrap(err, "expand env vars")
	}
	dec := yaml.NewDecoder(bytes.NewBufferString(s))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, errors.Wrap(err, "decode yaml")
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Load reads and parses the file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "read config %s", path)
	}
	cfg, err := Parse(data)
	if err != nil {
		return cfg, errors.Wrapf(err, "config %s", path)
	}
	return cfg, nil
}

// Validate checks value ranges and transport names.
func (c *Config) Validate() error {
	if !c.CacheType.valid() {
		return fmt.Errorf("config: unknown cache_type %q", c.CacheType)
	}
	if c.NullValueExpire < 0 || c.NullValueMaxSize < 0 {
		return fmt.Errorf("config: null_value_expire and null_value_max_size must not be negative")
	}
	if c.Local.MaxSize <= 0 {
		return fmt.Errorf("config: local.max_size must be positive, got %d", c.Local.MaxSize)
	}
	if c.Local.ExpireAfterWrite < 0 || c.Local.ExpireAfterAccess < 0 || c.Local.RefreshAfterWrite < 0 {
		return fmt.Errorf("config: local expirations must not be negative")
	}
	if c.Local.AutoRefresh && c.Local.RefreshPeriod <= 0 {
		return fmt.Errorf("config: local.refresh_period must be positive when auto_refresh is on")
	}
	if c.Remote.Expire < 0 {
		return fmt.Errorf("config: remote.expire must not be negative")
	}
	for name, d := range c.Remote.ExpireByCache {
		if err := ValidateName(name); err != nil {
			return errors.Wrap(err, "config: remote.expire_by_cache")
		}
		if d < 0 {
			return fmt.Errorf("config: remote.expire_by_cache[%s] must not be negative", name)
		}
	}
	if c.Remote.ClusterLoad && (c.Remote.LockTTL <= 0 || c.Remote.LockPoll <= 0) {
		return fmt.Errorf("config: remote.lock_ttl and remote.lock_poll are required with cluster_load")
	}
	switch c.Sync.Transport {
	case TransportMemory, TransportRedis, TransportKafka, TransportAMQP:
	default:
		return fmt.Errorf("config: unknown sync.transport %q", c.Sync.Transport)
	}
	if c.Sync.Enabled && c.Sync.Transport == TransportAMQP && c.Sync.AMQP.URL == "" {
		return fmt.Errorf("config: sync.amqp.url is required for the amqp transport")
	}
	switch c.HotKey.Detector {
	case "", "none", "static", "window":
	default:
		return fmt.Errorf("config: unknown hotkey.detector %q", c.HotKey.Detector)
	}
	for name, o := range c.Caches {
		if err := ValidateName(name); err != nil {
			return errors.Wrap(err, "config: caches")
		}
		if o.Type != nil && !o.Type.valid() {
			return fmt.Errorf("config: caches[%s]: unknown type %q", name, *o.Type)
		}
		if o.MaxSize != nil && *o.MaxSize <= 0 {
			return fmt.Errorf("config: caches[%s]: max_size must be positive", name)
		}
	}
	return nil
}
