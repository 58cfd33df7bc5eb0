package prom

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IvanBrykalov/tiercache/cache"
	"github.com/IvanBrykalov/tiercache/local"
	"github.com/IvanBrykalov/tiercache/syncpolicy"
)

func TestAdapter_CacheMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := New(reg, "tiercache", "test", prometheus.Labels{"app": "unit"})

	a.Hit("users", cache.LayerL1)
	a.Hit("users", cache.LayerL1)
	a.Miss("users", cache.LayerL2)
	a.Load("users", 2*time.Millisecond, nil)
	a.Load("users", time.Millisecond, errors.New("boom"))
	a.Evicted("users", local.EvictExpired)
	a.Evicted("users", local.EvictSize)
	a.NullReclaimed("users")

	assert.Equal(t, 2.0, testutil.ToFloat64(a.hits.WithLabelValues("users", "l1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.misses.WithLabelValues("users", "l2")))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.loadErrs.WithLabelValues("users")))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.evicts.WithLabelValues("users", "expired")))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.evicts.WithLabelValues("users", "size")))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.reclaimed.WithLabelValues("users")))
	assert.Equal(t, 1, testutil.CollectAndCount(a.loads))
}

func TestAdapter_SyncAndRefreshMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := New(reg, "tiercache", "", nil)

	a.Published(syncpolicy.OpRefresh)
	a.Received(syncpolicy.OpClear)
	a.Dropped("queue_full")
	a.SweepCompleted("users", 10, 2, 30*time.Millisecond)

	expected := `
# HELP tiercache_sync_dropped_total Invalidation messages dropped
# TYPE tiercache_sync_dropped_total counter
tiercache_sync_dropped_total{reason="queue_full"} 1
# HELP tiercache_refresh_failures_total Failed key refreshes
# TYPE tiercache_refresh_failures_total counter
tiercache_refresh_failures_total{cache="users"} 2
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"tiercache_sync_dropped_total", "tiercache_refresh_failures_total"))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.published.WithLabelValues("refresh")))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.received.WithLabelValues("clear")))
	assert.Equal(t, 10.0, testutil.ToFloat64(a.sweepKeys.WithLabelValues("users")))
}

func TestNew_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg, "tiercache", "dup", nil)
	assert.Panics(t, func() { New(reg, "tiercache", "dup", nil) })
}
