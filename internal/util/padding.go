package util

import (
	"sync/atomic"
	"unsafe"
)

// CacheLineSize is a reasonable default for most modern CPUs.
const CacheLineSize = 64

// PaddedCounter is an atomic counter that occupies a full cache line, so
// per-shard hit/miss counters updated from different cores do not share one.
type PaddedCounter struct {
	atomic.Uint64
	_ [CacheLineSize - 8]byte
}

var _ [CacheLineSize - int(unsafe.Sizeof(PaddedCounter{}))]byte
