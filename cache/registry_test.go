package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/IvanBrykalov/tiercache/config"
	"github.com/IvanBrykalov/tiercache/syncpolicy/memory"
	"github.com/IvanBrykalov/tiercache/value"
)

func TestRegistry_ReusesCachesByName(t *testing.T) {
	t.Parallel()
	_, rdb := newRedis(t)
	r := newTestRegistry(t, Options{Config: testConfig(), Redis: rdb}, nil)

	c1 := mustCache(t, r, "users")
	c2 := mustCache(t, r, "users")
	assert.Same(t, c1.(*Composite[string]), c2.(*Composite[string]))
	mustCache(t, r, "orders")
	assert.Equal(t, []string{"orders", "users"}, r.Names())
	assert.NotEmpty(t, r.InstanceID(), "a UUID is generated")
}

func TestRegistry_TypesFromConfig(t *testing.T) {
	t.Parallel()
	_, rdb := newRedis(t)
	cfg := testConfig()
	local := config.TypeLocal
	remoteT := config.TypeRemote
	none := config.TypeNone
	cfg.Caches = map[string]config.Override{
		"l": {Type: &local},
		"r": {Type: &remoteT},
		"n": {Type: &none},
	}
	r := newTestRegistry(t, Options{Config: cfg, Redis: rdb}, nil)

	for name, want := range map[string]config.CacheType{
		"l": config.TypeLocal, "r": config.TypeRemote, "n": config.TypeNone, "c": config.TypeComposite,
	} {
		c := mustCache(t, r, name)
		assert.Equal(t, want, c.Type(), name)
		assert.Equal(t, name, c.Name())
	}
}

func TestRegistry_RemoteTypesNeedRedis(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, Options{Config: testConfig()}, nil)
	_, err := r.Cache("users")
	require.ErrorIs(t, err, ErrNoRemote)
}

func TestRegistry_InvalidConfig(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Local.MaxSize = 0
	_, err := NewRegistry[string](Options{Config: cfg})
	require.Error(t, err)
}

func TestRegistry_RejectsOverlappingNames(t *testing.T) {
	t.Parallel()
	_, rdb := newRedis(t)
	r := newTestRegistry(t, Options{Config: testConfig(), Redis: rdb}, nil)
	for _, name := range []string{"", "users:archive", "lock"} {
		_, err := r.Cache(name)
		require.ErrorIs(t, err, config.ErrInvalidName, name)
	}
	assert.Empty(t, r.Names())
}

// A caller that missed before another caller's load finished must take the
// stored value instead of running its loader again.
func TestGetOrLoad_MissRacingFinishedLoad(t *testing.T) {
	t.Parallel()
	cases := map[string]struct {
		cfg   config.Config
		layer Layer
	}{
		"local":     {cfg: localConfig(), layer: LayerL1},
		"remote":    {cfg: remoteConfig(), layer: LayerL2},
		"composite": {cfg: testConfig(), layer: LayerL1},
	}
	for name, tc := range cases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			_, rdb := newRedis(t)
			m := newPausingMetrics(tc.layer)
			c := mustCache(t, newTestRegistry(t, Options{Config: tc.cfg, Redis: rdb, Metrics: m}, nil), "users")

			var calls counter
			late := make(chan value.Value[string], 1)
			go func() {
				v, err := c.GetOrLoad(ctx, "k", constLoader("v", &calls))
				assert.NoError(t, err)
				late <- v
			}()
			<-m.missed

			v, err := c.GetOrLoad(ctx, "k", constLoader("v", &calls))
			require.NoError(t, err)
			assert.Equal(t, "v", str(t, v))

			close(m.release)
			assert.Equal(t, "v", str(t, <-late))
			assert.Equal(t, 1, calls.get(), "loader runs once per cold key")
		})
	}
}

func TestNoneCache_AlwaysLoads(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfg := testConfig()
	cfg.CacheType = config.TypeNone
	c := mustCache(t, newTestRegistry(t, Options{Config: cfg}, nil), "users")

	var calls counter
	for i := 0; i < 2; i++ {
		v, err := c.GetOrLoad(ctx, "k", constLoader("v", &calls))
		require.NoError(t, err)
		assert.Equal(t, "v", str(t, v))
	}
	assert.Equal(t, 2, calls.get())
	require.NoError(t, c.Put(ctx, "k", value.Of("v")))
	v, _ := c.Get(ctx, "k")
	assert.True(t, v.IsAbsent())
}

func TestRegistry_CloseLifecycle(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ctx := context.Background()
	cfg := localConfig()
	cfg.Local.RefreshAfterWrite = time.Minute
	cfg.Local.AutoRefresh = true
	cfg.Local.RefreshPeriod = time.Second

	hub := memory.NewHub()
	r, err := NewRegistry[string](Options{Config: cfg, Transport: hub.Transport()})
	require.NoError(t, err)
	_, err = r.Cache("users")
	require.NoError(t, err)
	assert.Equal(t, 1, r.Scheduler().Len())
	require.NoError(t, r.Start(ctx))
	require.NoError(t, r.Start(ctx), "start is idempotent")

	require.NoError(t, r.Close(ctx))
	_, err = r.Cache("users")
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, r.Close(ctx), ErrClosed)
	require.ErrorIs(t, r.Start(ctx), ErrClosed)
}

func TestEvents_NilPublisherIsNoop(t *testing.T) {
	t.Parallel()
	var ev events
	ev.refresh("k")
	ev.clear("k")
	ev.clearAll()

	assert.True(t, storable(value.Of(1), false))
	assert.True(t, storable(value.NullOf[int](), true))
	assert.False(t, storable(value.NullOf[int](), false))
	assert.False(t, storable(value.AbsentOf[int](), true))
}
