// Package prom exports tiercache activity as Prometheus metrics.
package prom

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/IvanBrykalov/tiercache/cache"
	"github.com/IvanBrykalov/tiercache/local"
	"github.com/IvanBrykalov/tiercache/refresh"
	"github.com/IvanBrykalov/tiercache/syncpolicy"
)

// Adapter implements cache.Metrics, syncpolicy.Metrics and refresh.Metrics.
// Safe for concurrent use; all Prometheus metric types are goroutine-safe.
type Adapter struct {
	hits      *prometheus.CounterVec
	misses    *prometheus.CounterVec
	loads     *prometheus.HistogramVec
	loadErrs  *prometheus.CounterVec
	evicts    *prometheus.CounterVec
	reclaimed *prometheus.CounterVec

	published *prometheus.CounterVec
	received  *prometheus.CounterVec
	dropped   *prometheus.CounterVec

	sweepKeys     *prometheus.CounterVec
	sweepFailures *prometheus.CounterVec
	sweepSeconds  *prometheus.HistogramVec
}

// New constructs a Prometheus metrics adapter.
//   - reg:          registry to register metrics with (nil => prometheus.DefaultRegisterer)
//   - ns, sub:      Prometheus namespace and subsystem
//   - constLabels:  static labels applied to all metrics (may be nil)
func New(reg prometheus.Registerer, ns, sub string, constLabels prometheus.Labels) *Adapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        name,
			Help:        help,
			ConstLabels: constLabels,
		}, labels)
	}
	histogram := func(name, help string, labels ...string) *prometheus.HistogramVec {
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        name,
			Help:        help,
			ConstLabels: constLabels,
			Buckets:     prometheus.ExponentialBuckets(0.0005, 4, 10),
		}, labels)
	}
	a := &Adapter{
		hits:      counter("hits_total", "Cache hits by tier", "cache", "layer"),
		misses:    counter("misses_total", "Cache misses by tier", "cache", "layer"),
		loads:     histogram("load_duration_seconds", "Loader run time", "cache"),
		loadErrs:  counter("load_errors_total", "Failed loader runs", "cache"),
		evicts:    counter("evictions_total", "L1 evictions by reason", "cache", "reason"),
		reclaimed: counter("null_reclaimed_total", "Null entries reclaimed by refresh sweeps", "cache"),

		published: counter("sync_published_total", "Invalidation messages handed to the transport", "op"),
		received:  counter("sync_received_total", "Invalidation messages received from peers", "op"),
		dropped:   counter("sync_dropped_total", "Invalidation messages dropped", "reason"),

		sweepKeys:     counter("refresh_keys_total", "Keys visited by refresh sweeps", "cache"),
		sweepFailures: counter("refresh_failures_total", "Failed key refreshes", "cache"),
		sweepSeconds:  histogram("refresh_sweep_duration_seconds", "Refresh sweep run time", "cache"),
	}
	reg.MustRegister(
		a.hits, a.misses, a.loads, a.loadErrs, a.evicts, a.reclaimed,
		a.published, a.received, a.dropped,
		a.sweepKeys, a.sweepFailures, a.sweepSeconds,
	)
	return a
}

// Hit increments the hit counter.
func (a *Adapter) Hit(c string, l cache.Layer) { a.hits.WithLabelValues(c, string(l)).Inc() }

// Miss increments the miss counter.
func (a *Adapter) Miss(c string, l cache.Layer) { a.misses.WithLabelValues(c, string(l)).Inc() }

// Load observes a loader run; failures are counted separately.
func (a *Adapter) Load(c string, d time.Duration, err error) {
	a.loads.WithLabelValues(c).Observe(d.Seconds())
	if err != nil {
		a.loadErrs.WithLabelValues(c).Inc()
	}
}

// Evicted increments the eviction counter with a reason label.
func (a *Adapter) Evicted(c string, r local.EvictReason) {
	a.evicts.WithLabelValues(c, reason(r)).Inc()
}

func (a *Adapter) NullReclaimed(c string) { a.reclaimed.WithLabelValues(c).Inc() }

func (a *Adapter) Published(op syncpolicy.Op) { a.published.WithLabelValues(string(op)).Inc() }
func (a *Adapter) Received(op syncpolicy.Op)  { a.received.WithLabelValues(string(op)).Inc() }
func (a *Adapter) Dropped(r string)           { a.dropped.WithLabelValues(r).Inc() }

// SweepCompleted records one refresh sweep.
func (a *Adapter) SweepCompleted(c string, keys, failed int, d time.Duration) {
	a.sweepKeys.WithLabelValues(c).Add(float64(keys))
	a.sweepFailures.WithLabelValues(c).Add(float64(failed))
	a.sweepSeconds.WithLabelValues(c).Observe(d.Seconds())
}

// reason maps EvictReason to a stable label value.
func reason(r local.EvictReason) string {
	switch r {
	case local.EvictExpired:
		return "expired"
	default:
		return "size"
	}
}

var (
	_ cache.Metrics      = (*Adapter)(nil)
	_ syncpolicy.Metrics = (*Adapter)(nil)
	_ refresh.Metrics    = (*Adapter)(nil)
)
