// Package local is the in-process (L1) backing store: a sharded,
// capacity-bounded LRU map with expire-after-write and expire-after-access
// TTLs.
//
// Each shard owns a map plus an intrusive MRU↔LRU list under one mutex, so
// operations are O(1) expected and unrelated keys rarely contend. Expiration
// is lazy: an expired entry is dropped when it is read or when its shard
// trims to capacity. Peek and Keys still see expired entries, which lets a
// refresher find entries that are due.
package local

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/IvanBrykalov/tiercache/internal/util"
)

// ErrClosed is returned by Close on an already closed store.
var ErrClosed = errors.New("local: store closed")

// Entry is a snapshot of a resident entry.
type Entry[V any] struct {
	Key       string
	Value     V
	WrittenAt time.Time
	// ExpiresAt is the earliest of the write and access deadlines;
	// zero means the entry never expires.
	ExpiresAt time.Time
}

// Age returns how long ago the entry was written.
func (e Entry[V]) Age(now time.Time) time.Duration { return now.Sub(e.WrittenAt) }

// Remaining returns the time left before expiry; ok is false when the
// entry has no deadline.
func (e Entry[V]) Remaining(now time.Time) (d time.Duration, ok bool) {
	if e.ExpiresAt.IsZero() {
		return 0, false
	}
	return e.ExpiresAt.Sub(now), true
}

// Stats are cumulative counters across all shards.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// Store is safe for concurrent use by multiple goroutines.
type Store[V any] struct {
	shards []*shard[V]
	closed atomic.Bool
	opt    Options[V]
}

// New constructs a Store. MaxSize must be positive.
func New[V any](opt Options[V]) *Store[V] {
	if opt.MaxSize <= 0 {
		panic("local: MaxSize must be > 0")
	}
	if opt.Metrics == nil {
		opt.Metrics = NoopMetrics{}
	}

	s := &Store[V]{opt: opt}
	n := util.ShardCount(opt.Shards, opt.MaxSize)
	perShard := (opt.MaxSize + n - 1) / n
	s.shards = make([]*shard[V], n)
	for i := range s.shards {
		s.shards[i] = newShard[V](perShard, &s.opt)
	}
	return s
}

// Get returns the value for key and promotes it.
func (s *Store[V]) Get(key string) (V, bool) {
	e, ok := s.GetEntry(key)
	return e.Value, ok
}

// GetEntry is Get returning the full entry.
func (s *Store[V]) GetEntry(key string) (Entry[V], bool) {
	if s.closed.Load() {
		return Entry[V]{}, false
	}
	return s.shard(key).get(key)
}

// Peek returns the entry for key, expired or not, without promoting it or
// touching hit/miss counters.
func (s *Store[V]) Peek(key string) (Entry[V], bool) {
	if s.closed.Load() {
		return Entry[V]{}, false
	}
	return s.shard(key).peek(key)
}

// Set inserts or updates key using ExpireAfterWrite.
func (s *Store[V]) Set(key string, v V) {
	s.SetWithTTL(key, v, s.opt.ExpireAfterWrite)
}

// SetWithTTL inserts or updates key with an explicit write TTL.
// A non-positive ttl disables the write TTL for this entry.
func (s *Store[V]) SetWithTTL(key string, v V, ttl time.Duration) {
	if s.closed.Load() {
		return
	}
	s.shard(key).set(key, v, ttl)
}

// Remove deletes key and reports whether it was resident.
func (s *Store[V]) Remove(key string) bool {
	if s.closed.Load() {
		return false
	}
	return s.shard(key).remove(key)
}

// Clear drops every entry. It is not counted as eviction.
func (s *Store[V]) Clear() {
	for _, sh := range s.shards {
		sh.clear()
	}
}

// Keys returns a snapshot of resident keys, including expired ones not yet
// reclaimed. Order is unspecified.
func (s *Store[V]) Keys() []string {
	out := make([]string, 0, s.Len())
	for _, sh := range s.shards {
		out = sh.keys(out)
	}
	return out
}

// Len returns the total number of resident entries across all shards.
func (s *Store[V]) Len() int {
	total := 0
	for _, sh := range s.shards {
		total += sh.size()
	}
	return total
}

func (s *Store[V]) Stats() Stats {
	var st Stats
	for _, sh := range s.shards {
		st.Hits += sh.hits.Load()
		st.Misses += sh.misses.Load()
		st.Evictions += sh.evicts.Load()
	}
	return st
}

// Close marks the store closed and releases its entries. Reads then miss
// and writes are ignored.
func (s *Store[V]) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	s.Clear()
	return nil
}

// Now returns the store clock's current time.
func (s *Store[V]) Now() time.Time {
	if s.opt.Clock != nil {
		return time.Unix(0, s.opt.Clock.NowUnixNano())
	}
	return time.Now()
}

func (s *Store[V]) shard(key string) *shard[V] {
	return s.shards[util.ShardIndex(key, len(s.shards))]
}
