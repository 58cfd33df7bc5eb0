// Package remote is the shared (L2) backing store on Redis.
//
// Store works on raw bytes; codecs and key namespacing belong to callers.
// Every Redis round trip goes through a circuit breaker so an outage turns
// into fast ErrUnavailable failures instead of piling up timeouts. Batch
// operations are pipelined in fixed-size chunks, one GET/SET/DEL per key,
// which also keeps them valid on a Redis Cluster.
package remote

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ErrUnavailable marks failures caused by Redis being unreachable or the
// breaker being open.
var ErrUnavailable = errors.New("remote: redis unavailable")

// OpError is returned for failed Redis operations. It matches both
// ErrUnavailable and the underlying cause with errors.Is.
type OpError struct {
	Op  string
	Err error
}

func (e *OpError) Error() string { return "remote " + e.Op + ": " + e.Err.Error() }

func (e *OpError) Unwrap() []error { return []error{ErrUnavailable, e.Err} }

// Default batch sizes.
const (
	DefaultBatchSize = 200
	defaultScanCount = 1000
)

// Options configures a Store.
type Options struct {
	// Name labels the breaker and logs.
	Name           string
	BatchGetSize   int
	BatchPutSize   int
	BatchEvictSize int
	Breaker        BreakerConfig
	Logger         *zap.Logger
}

// Store is safe for concurrent use.
type Store struct {
	rdb redis.UniversalClient
	cb  *gobreaker.CircuitBreaker
	opt Options
	log *zap.Logger
}

// New wraps rdb. The client stays owned by the caller.
func New(rdb redis.UniversalClient, opt Options) *Store {
	if opt.Name == "" {
		opt.Name = "redis"
	}
	if opt.BatchGetSize <= 0 {
		opt.BatchGetSize = DefaultBatchSize
	}
	if opt.BatchPutSize <= 0 {
		opt.BatchPutSize = DefaultBatchSize
	}
	if opt.BatchEvictSize <= 0 {
		opt.BatchEvictSize = DefaultBatchSize
	}
	log := opt.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("remote")
	return &Store{
		rdb: rdb,
		cb:  newBreaker(opt.Name, opt.Breaker, log),
		opt: opt,
		log: log,
	}
}

// Client exposes the underlying client, e.g. for pub/sub.
func (s *Store) Client() redis.UniversalClient { return s.rdb }

// BreakerOpen reports whether the breaker currently rejects calls.
func (s *Store) BreakerOpen() bool {
	return s.cb != nil && s.cb.State() == gobreaker.StateOpen
}

// Get returns the raw bytes stored at key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var b []byte
	err := s.do("get", func() error {
		var err error
		b, err = s.rdb.Get(ctx, key).Bytes()
		return err
	})
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

// GetMulti reads keys in pipelined chunks of BatchGetSize. Missing keys are
// absent from the result.
func (s *Store) GetMulti(ctx context.Context, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	for _, chunk := range chunks(keys, s.opt.BatchGetSize) {
		var cmds []*redis.StringCmd
		err := s.do("mget", func() error {
			pipe := s.rdb.Pipeline()
			cmds = make([]*redis.StringCmd, len(chunk))
			for i, k := range chunk {
				cmds[i] = pipe.Get(ctx, k)
			}
			_, err := pipe.Exec(ctx)
			return err
		})
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, err
		}
		for i, cmd := range cmds {
			b, err := cmd.Bytes()
			if err == nil {
				out[chunk[i]] = b
			}
		}
	}
	return out, nil
}

// Set stores val at key; ttl <= 0 stores without expiry.
func (s *Store) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	return s.do("set", func() error {
		return s.rdb.Set(ctx, key, val, ttlArg(ttl)).Err()
	})
}

// SetMulti writes items in pipelined chunks of BatchPutSize.
func (s *Store) SetMulti(ctx context.Context, items map[string][]byte, ttl time.Duration) error {
	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	for _, chunk := range chunks(keys, s.opt.BatchPutSize) {
		err := s.do("mset", func() error {
			_, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
				for _, k := range chunk {
					p.Set(ctx, k, items[k], ttlArg(ttl))
				}
				return nil
			})
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Delete removes keys in pipelined chunks of BatchEvictSize and returns
// how many existed.
func (s *Store) Delete(ctx context.Context, keys ...string) (int64, error) {
	var n int64
	for _, chunk := range chunks(keys, s.opt.BatchEvictSize) {
		var cmds []*redis.IntCmd
		err := s.do("del", func() error {
			pipe := s.rdb.Pipeline()
			cmds = make([]*redis.IntCmd, len(chunk))
			for i, k := range chunk {
				cmds[i] = pipe.Del(ctx, k)
			}
			_, err := pipe.Exec(ctx)
			return err
		})
		if err != nil {
			return n, err
		}
		for _, c := range cmds {
			n += c.Val()
		}
	}
	return n, nil
}

// Clear deletes every key matching pattern (SCAN MATCH), on every master
// when the client is a cluster client.
func (s *Store) Clear(ctx context.Context, pattern string) (int64, error) {
	var keys []string
	scan := func(ctx context.Context, c redis.Cmdable) error {
		iter := c.Scan(ctx, 0, pattern, defaultScanCount).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		return iter.Err()
	}

	err := s.do("scan", func() error {
		if cc, ok := s.rdb.(*redis.ClusterClient); ok {
			var mu sync.Mutex
			return cc.ForEachMaster(ctx, func(ctx context.Context, c *redis.Client) error {
				var local []string
				iter := c.Scan(ctx, 0, pattern, defaultScanCount).Iterator()
				for iter.Next(ctx) {
					local = append(local, iter.Val())
				}
				mu.Lock()
				keys = append(keys, local...)
				mu.Unlock()
				return iter.Err()
			})
		}
		return scan(ctx, s.rdb)
	})
	if err != nil {
		return 0, errors.Wrapf(err, "clear %q", pattern)
	}
	if len(keys) == 0 {
		return 0, nil
	}
	s.log.Debug("clearing namespace", zap.String("pattern", pattern), zap.Int("keys", len(keys)))
	return s.Delete(ctx, keys...)
}

// Exists reports whether key is stored.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	var n int64
	err := s.do("exists", func() error {
		var err error
		n, err = s.rdb.Exists(ctx, key).Result()
		return err
	})
	return n > 0, err
}

// Ping checks connectivity, bypassing the breaker.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return &OpError{Op: "ping", Err: err}
	}
	return nil
}

// ---- locking ----

var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

// Unlock releases a lock obtained with Lock.
type Unlock func(ctx context.Context) error

// Lock tries once to take a cluster-wide lock on key with SET NX PX ttl.
// ok is false when another holder owns it. The returned Unlock only
// deletes the lock while it still carries this holder's token.
func (s *Store) Lock(ctx context.Context, key string, ttl time.Duration) (Unlock, bool, error) {
	token := uuid.NewString()
	var ok bool
	err := s.do("lock", func() error {
		var err error
		ok, err = s.rdb.SetNX(ctx, key, token, ttl).Result()
		return err
	})
	if err != nil || !ok {
		return nil, false, err
	}
	return func(ctx context.Context) error {
		return s.do("unlock", func() error {
			return unlockScript.Run(ctx, s.rdb, []string{key}, token).Err()
		})
	}, true, nil
}

// ---- helpers ----

// do runs fn through the breaker and classifies failures.
func (s *Store) do(op string, fn func() error) error {
	var err error
	if s.cb == nil {
		err = fn()
	} else {
		_, err = s.cb.Execute(func() (interface{}, error) { return nil, fn() })
	}
	switch {
	case err == nil, errors.Is(err, redis.Nil):
		return err
	case errors.Is(err, context.Canceled):
		return err
	default:
		return &OpError{Op: op, Err: err}
	}
}

func ttlArg(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return 0
	}
	return ttl
}

func chunks(keys []string, size int) [][]string {
	if len(keys) == 0 {
		return nil
	}
	out := make([][]string, 0, (len(keys)+size-1)/size)
	for size < len(keys) {
		keys, out = keys[size:], append(out, keys[:size:size])
	}
	return append(out, keys)
}

// Pattern escapes glob metacharacters in prefix and appends "*".
func Pattern(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return r.Replace(prefix) + "*"
}
