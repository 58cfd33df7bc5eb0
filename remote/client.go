package remote

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
)

// ClientConfig describes the Redis deployment backing L2.
type ClientConfig struct {
	// Addrs lists one address for a single node, several for a cluster.
	Addrs    []string
	Password string
	DB       int
	PoolSize int
	// DialTimeout also bounds the startup ping.
	DialTimeout time.Duration
}

// NewClient builds a universal client and checks connectivity.
func NewClient(ctx context.Context, cfg ClientConfig) (redis.UniversalClient, error) {
	if len(cfg.Addrs) == 0 {
		cfg.Addrs = []string{"localhost:6379"}
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = 10
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}

	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:       cfg.Addrs,
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		DialTimeout: cfg.DialTimeout,
	})

	pctx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrapf(err, "connect to redis %v", cfg.Addrs)
	}
	return rdb, nil
}
