package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"github.com/IvanBrykalov/tiercache/config"
	"github.com/IvanBrykalov/tiercache/load"
	"github.com/IvanBrykalov/tiercache/syncpolicy/memory"
	"github.com/IvanBrykalov/tiercache/value"
)

type fakeClock struct {
	mu sync.Mutex
	t  int64
}

func (f *fakeClock) NowUnixNano() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) add(d time.Duration) {
	f.mu.Lock()
	f.t += int64(d)
	f.mu.Unlock()
}

type countingMetrics struct {
	NoopMetrics
	mu        sync.Mutex
	hits      map[Layer]int
	misses    map[Layer]int
	loads     int
	reclaimed int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{hits: map[Layer]int{}, misses: map[Layer]int{}}
}

func (m *countingMetrics) Hit(_ string, l Layer) {
	m.mu.Lock()
	m.hits[l]++
	m.mu.Unlock()
}

func (m *countingMetrics) Miss(_ string, l Layer) {
	m.mu.Lock()
	m.misses[l]++
	m.mu.Unlock()
}

func (m *countingMetrics) Load(string, time.Duration, error) {
	m.mu.Lock()
	m.loads++
	m.mu.Unlock()
}

func (m *countingMetrics) NullReclaimed(string) {
	m.mu.Lock()
	m.reclaimed++
	m.mu.Unlock()
}

func (m *countingMetrics) snapshot() (hits, misses map[Layer]int, loads, reclaimed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hits, misses = map[Layer]int{}, map[Layer]int{}
	for k, v := range m.hits {
		hits[k] = v
	}
	for k, v := range m.misses {
		misses[k] = v
	}
	return hits, misses, m.loads, m.reclaimed
}

// pausingMetrics blocks the first miss on layer until release is closed.
type pausingMetrics struct {
	NoopMetrics
	layer   Layer
	once    sync.Once
	missed  chan struct{}
	release chan struct{}
}

func newPausingMetrics(l Layer) *pausingMetrics {
	return &pausingMetrics{layer: l, missed: make(chan struct{}), release: make(chan struct{})}
}

func (m *pausingMetrics) Miss(_ string, l Layer) {
	if l != m.layer {
		return
	}
	first := false
	m.once.Do(func() { first = true })
	if first {
		close(m.missed)
		<-m.release
	}
}

func newRedis(t *testing.T) (*miniredis.Miniredis, redis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Composite.L1AllOpen = true
	cfg.Sync.PublishTimeout = time.Second
	return cfg
}

func newTestRegistry(t *testing.T, opt Options, hub *memory.Hub) *Registry[string] {
	t.Helper()
	if hub != nil {
		opt.Transport = hub.Transport()
	} else {
		opt.Config.Sync.Enabled = false
	}
	r, err := NewRegistry[string](opt)
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { _ = r.Close(context.Background()) })
	return r
}

func mustCache(t *testing.T, r *Registry[string], name string) Cache[string] {
	t.Helper()
	c, err := r.Cache(name)
	require.NoError(t, err)
	return c
}

func constLoader(v string, calls *counter) load.Func[string] {
	return func(context.Context, string) (value.Value[string], error) {
		calls.inc()
		return value.Of(v), nil
	}
}

type counter struct {
	mu sync.Mutex
	n  int
}

func (c *counter) inc() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return c.n
}

func (c *counter) get() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func str(t *testing.T, v value.Value[string]) string {
	t.Helper()
	s, ok := v.Get()
	require.True(t, ok, "expected a present value, got %s", v)
	return s
}
