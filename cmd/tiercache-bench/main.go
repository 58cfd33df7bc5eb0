// Command tiercache-bench runs several cache instances against one shared L2
// and measures hit rates and stale reads under a Zipf workload. It exposes
// Prometheus metrics and optional pprof endpoints.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	_ "net/http/pprof" // registers /debug/pprof/* on DefaultServeMux
	"os"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/IvanBrykalov/tiercache/cache"
	"github.com/IvanBrykalov/tiercache/config"
	"github.com/IvanBrykalov/tiercache/logging"
	pmet "github.com/IvanBrykalov/tiercache/metrics/prom"
	"github.com/IvanBrykalov/tiercache/remote"
	"github.com/IvanBrykalov/tiercache/syncpolicy"
	"github.com/IvanBrykalov/tiercache/syncpolicy/memory"
	"github.com/IvanBrykalov/tiercache/syncpolicy/redisbus"
	"github.com/IvanBrykalov/tiercache/value"
)

func main() {
	// ---- Flags ----
	var (
		configFile = flag.String("config", "", "YAML config file; defaults are used when empty")
		instances  = flag.Int("instances", 3, "number of in-process cache instances")
		transport  = flag.String("transport", "memory", "invalidation transport: memory | redis")
		redisAddr  = flag.String("redis", "", "Redis address; empty starts an embedded server")
		cacheName  = flag.String("cache", "bench", "cache name")

		workers  = flag.Int("workers", 2*runtime.GOMAXPROCS(0), "number of worker goroutines")
		duration = flag.Duration("duration", 10*time.Second, "benchmark duration")
		readPct  = flag.Int("reads", 90, "read percentage [0..100]")

		keys  = flag.Int("keys", 100_000, "keyspace size")
		zipfS = flag.Float64("zipf_s", 1.1, "Zipf s > 1 (skew)")
		zipfV = flag.Float64("zipf_v", 1.0, "Zipf v")
		seed  = flag.Int64("seed", time.Now().UnixNano(), "random seed")

		pprofAddr   = flag.String("pprof", "", "serve pprof at addr (e.g. :6060); empty = disabled")
		metricsAddr = flag.String("http", ":8080", "serve Prometheus metrics at addr")
	)
	flag.Parse()

	cfg := config.Default()
	if *configFile != "" {
		var err error
		if cfg, err = config.Load(*configFile); err != nil {
			log.Fatalf("config: %v", err)
		}
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("logging: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	// ---- pprof server (on DefaultServeMux) ----
	if *pprofAddr != "" {
		go func() {
			logger.Info("pprof serving", zap.String("addr", *pprofAddr))
			logger.Warn("pprof stopped", zap.Error(http.ListenAndServe(*pprofAddr, nil)))
		}()
	}

	// ---- Prometheus metrics (on DefaultServeMux) ----
	metrics := pmet.New(nil, "tiercache", "bench", nil)
	http.Handle("/metrics", promhttp.Handler())
	go func() {
		logger.Info("metrics serving", zap.String("addr", *metricsAddr))
		logger.Warn("metrics stopped", zap.Error(http.ListenAndServe(*metricsAddr, nil)))
	}()

	// ---- Shared L2 ----
	ctx := context.Background()
	if *redisAddr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			log.Fatalf("embedded redis: %v", err)
		}
		defer mr.Close()
		*redisAddr = mr.Addr()
		logger.Info("embedded redis started", zap.String("addr", mr.Addr()))
	}
	cfg.Redis.Addrs = []string{*redisAddr}
	rdb, err := remote.NewClient(ctx, cfg.Redis.ClientConfig())
	if err != nil {
		log.Fatalf("redis: %v", err)
	}
	defer func() { _ = rdb.Close() }()

	// ---- Instances ----
	hub := memory.NewHub()
	caches := make([]cache.Cache[string], *instances)
	for i := range caches {
		var tr syncpolicy.Transport
		switch *transport {
		case "memory":
			tr = hub.Transport()
		case "redis":
			tr = redisbus.New(rdb, logger)
		default:
			log.Fatalf("unknown transport: %q (use memory or redis)", *transport)
		}
		reg, err := cache.NewRegistry[string](cache.Options{
			Config:         cfg,
			InstanceID:     "bench-" + strconv.Itoa(i),
			Redis:          rdb,
			Transport:      tr,
			Logger:         logger,
			Metrics:        metrics,
			SyncMetrics:    metrics,
			RefreshMetrics: metrics,
		})
		if err != nil {
			log.Fatalf("registry: %v", err)
		}
		if err := reg.Start(ctx); err != nil {
			log.Fatalf("start: %v", err)
		}
		defer func() { _ = reg.Close(context.Background()) }()
		if caches[i], err = reg.Cache(*cacheName); err != nil {
			log.Fatalf("cache: %v", err)
		}
	}

	// ---- Source of truth ----
	var source sync.Map
	loader := func(_ context.Context, key string) (value.Value[string], error) {
		if v, ok := source.Load(key); ok {
			return value.Of(v.(string)), nil
		}
		return value.Of("v0"), nil
	}

	// ---- Snapshot flags for goroutines ----
	readPctVal := *readPct
	keysMax := uint64(*keys - 1)
	seedBase := *seed
	zipfSVal := *zipfS
	zipfVVal := *zipfV
	workersN := *workers
	if workersN <= 0 {
		workersN = 1
	}

	// ---- Load generation ----
	var reads, writes, stale, errs, total uint64
	runCtx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(workersN)
	for w := 0; w < workersN; w++ {
		go func(id int) {
			defer wg.Done()

			// Each worker gets its own RNG + Zipf (rand.Rand is NOT goroutine-safe).
			localR := rand.New(rand.NewSource(seedBase + int64(id)*9973))
			localZipf := rand.NewZipf(localR, zipfSVal, zipfVVal, keysMax)

			for runCtx.Err() == nil {
				atomic.AddUint64(&total, 1)
				c := caches[localR.Intn(len(caches))]
				k := "k:" + strconv.FormatUint(localZipf.Uint64(), 10)

				if int(localR.Int31n(100)) < readPctVal {
					atomic.AddUint64(&reads, 1)
					v, err := c.GetOrLoad(runCtx, k, loader)
					if err != nil {
						atomic.AddUint64(&errs, 1)
						continue
					}
					want, _ := loader(runCtx, k)
					if v.OrElse("") != want.OrElse("") {
						atomic.AddUint64(&stale, 1)
					}
					continue
				}
				atomic.AddUint64(&writes, 1)
				nv := "v" + strconv.Itoa(localR.Int())
				source.Store(k, nv)
				if err := c.Put(runCtx, k, value.Of(nv)); err != nil {
					atomic.AddUint64(&errs, 1)
				}
			}
		}(w)
	}
	wg.Wait()
	elapsed := time.Since(start)

	// ---- Report ----
	ops := atomic.LoadUint64(&total)
	readsN := atomic.LoadUint64(&reads)
	staleN := atomic.LoadUint64(&stale)

	staleRate := 0.0
	if readsN > 0 {
		staleRate = float64(staleN) / float64(readsN) * 100
	}

	fmt.Fprintf(os.Stdout, "instances=%d transport=%s workers=%d keys=%d dur=%v seed=%d\n",
		*instances, *transport, workersN, *keys, elapsed, seedBase)
	fmt.Printf("ops=%d (%.0f ops/s)  reads=%d  writes=%d  errors=%d\n",
		ops, float64(ops)/elapsed.Seconds(), readsN, atomic.LoadUint64(&writes), atomic.LoadUint64(&errs))
	fmt.Printf("stale reads=%d (%.3f%%)\n", staleN, staleRate)
}
