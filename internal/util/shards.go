// Package util contains internal helpers (shard sizing, padded counters).
//revive:disable:var-naming  // allow 'util' as an internal helpers package name
package util

import (
	"runtime"

	"github.com/cespare/xxhash/v2"
)

// maxShards caps the automatic shard count.
const maxShards = 256

// NextPow2 returns the smallest power of two >= x.
// x == 0 yields 1; a result that would overflow is clamped to 1<<63.
func NextPow2(x uint64) uint64 {
	if x <= 1 {
		return 1
	}
	x--
	x |= x >> 1
	x |= x >> 2
	x |= x >> 4
	x |= x >> 8
	x |= x >> 16
	x |= x >> 32
	x++
	if x == 0 {
		return 1 << 63
	}
	return x
}

// ShardCount normalizes a requested shard count. A non-positive request
// selects nextPow2(2*GOMAXPROCS) clamped to [1..256]; an explicit request is
// rounded up to a power of two. Small stores never get more shards than
// entries.
func ShardCount(requested, capacity int) int {
	n := requested
	if n <= 0 {
		p := runtime.GOMAXPROCS(0)
		if p < 1 {
			p = 1
		}
		n = p * 2
		if n > maxShards {
			n = maxShards
		}
	}
	if capacity > 0 && n > capacity {
		n = capacity
	}
	return int(NextPow2(uint64(n)))
}

// ShardIndex maps a string key onto one of shards buckets.
// shards must be a power of two.
func ShardIndex(key string, shards int) int {
	if shards <= 1 {
		return 0
	}
	return int(xxhash.Sum64String(key) & uint64(shards-1))
}
