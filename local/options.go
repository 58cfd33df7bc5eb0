package local

import "time"

// EvictReason explains why an entry was removed.
type EvictReason int

const (
	// EvictSize: removed as least recently used to stay within MaxSize.
	EvictSize EvictReason = iota
	// EvictExpired: expired by write or access TTL (lazy, on access).
	EvictExpired
)

func (r EvictReason) String() string {
	if r == EvictExpired {
		return "expired"
	}
	return "size"
}

// Metrics exposes store-level observability hooks.
// A NoopMetrics implementation is provided and used by default.
type Metrics interface {
	Hit()
	Miss()
	Evict(reason EvictReason)
}

// Clock provides time in UnixNano; useful for deterministic tests.
type Clock interface{ NowUnixNano() int64 }

// Options configures a Store. Zero values are safe except MaxSize;
// defaults are applied in New():
//   - Shards <= 0  => auto (rounded up to power of two)
//   - nil Metrics  => NoopMetrics
//   - nil Clock    => time.Now()
type Options[V any] struct {
	// MaxSize is the entry count limit, split evenly across shards.
	MaxSize int

	// Shards defines the number of shards. If 0, an automatic value is chosen
	// (≈ 2*GOMAXPROCS) and rounded to the next power of two.
	Shards int

	// ExpireAfterWrite bounds an entry's lifetime from its last write (0 = off).
	ExpireAfterWrite time.Duration
	// ExpireAfterAccess bounds an entry's idle time since its last read or write (0 = off).
	ExpireAfterAccess time.Duration

	// OnEvict is called on eviction under the shard lock; keep callbacks lightweight.
	OnEvict func(key string, v V, reason EvictReason)
	Metrics Metrics

	Clock Clock
}

// NoopMetrics is a drop-in Metrics implementation that does nothing.
type NoopMetrics struct{}

func (NoopMetrics) Hit()              {}
func (NoopMetrics) Miss()             {}
func (NoopMetrics) Evict(EvictReason) {}

var _ Metrics = NoopMetrics{}
