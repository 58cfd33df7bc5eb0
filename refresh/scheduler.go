// Package refresh runs periodic refresh-ahead sweeps over caches.
//
// Each registered target gets a fixed-delay cron entry. A sweep visits every
// key the target holds and lets the target decide whether the key is due,
// using a bounded worker pool so one slow source cannot monopolize the
// process. Failures are per key: they are logged and counted, and the sweep
// moves on.
package refresh

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Target is a cache that can be swept.
type Target interface {
	Name() string
	// Keys returns the keys currently held locally.
	Keys() []string
	// RefreshExpired refreshes or reclaims key if it is due.
	RefreshExpired(ctx context.Context, key string) error
}

// Result summarizes one sweep.
type Result struct {
	Keys     int
	Failed   int
	Duration time.Duration
}

// Metrics observes sweeps.
type Metrics interface {
	SweepCompleted(cache string, keys, failed int, d time.Duration)
}

// NoopMetrics does nothing.
type NoopMetrics struct{}

func (NoopMetrics) SweepCompleted(string, int, int, time.Duration) {}

var _ Metrics = NoopMetrics{}

// DefaultPoolSize bounds concurrent refreshes per sweep when none is given.
const DefaultPoolSize = 8

// Options configures a Scheduler.
type Options struct {
	Logger  *zap.Logger
	Metrics Metrics
}

// Scheduler is safe for concurrent use.
type Scheduler struct {
	cron    *cron.Cron
	log     *zap.Logger
	metrics Metrics

	// ctx is cancelled by Stop so in-flight sweeps wind down.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	entries map[string]cron.EntryID
	started bool
}

// New returns a stopped scheduler.
func New(opt Options) *Scheduler {
	log := opt.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("refresh")
	if opt.Metrics == nil {
		opt.Metrics = NoopMetrics{}
	}
	cl := cronLogger{log: log.Sugar()}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		log:     log,
		metrics: opt.Metrics,
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]cron.EntryID),
	}
}

// Add schedules sweeps of t every period (fixed delay between runs;
// sub-second periods round up to one second). Adding a target with an
// existing name replaces its schedule.
func (s *Scheduler) Add(t Target, period time.Duration, poolSize int) error {
	if period <= 0 {
		return fmt.Errorf("refresh: period must be positive, got %v", period)
	}
	if poolSize <= 0 {
		poolSize = DefaultPoolSize
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[t.Name()]; ok {
		s.cron.Remove(id)
	}
	s.entries[t.Name()] = s.cron.Schedule(cron.Every(period), cron.FuncJob(func() {
		s.Sweep(s.ctx, t, poolSize)
	}))
	s.log.Info("refresh scheduled",
		zap.String("cache", t.Name()),
		zap.Duration("period", period),
		zap.Int("pool", poolSize),
	)
	return nil
}

// Remove unschedules the named target.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[name]; ok {
		s.cron.Remove(id)
		delete(s.entries, name)
	}
}

// Len returns the number of scheduled targets.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Start begins running scheduled sweeps. Idempotent.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
}

// Stop cancels in-flight sweeps and waits for running jobs, or until ctx
// is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sweep runs one pass over t's keys with at most poolSize concurrent
// refreshes. It stops scheduling new keys once ctx is done.
func (s *Scheduler) Sweep(ctx context.Context, t Target, poolSize int) Result {
	if poolSize <= 0 {
		poolSize = DefaultPoolSize
	}
	start := time.Now()
	keys := t.Keys()

	var failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(poolSize)
	for _, key := range keys {
		if ctx.Err() != nil {
			break
		}
		key := key
		g.Go(func() error {
			if err := s.refreshOne(ctx, t, key); err != nil {
				failed.Add(1)
				s.log.Warn("refresh failed",
					zap.String("cache", t.Name()),
					zap.String("key", key),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	_ = g.Wait()

	res := Result{Keys: len(keys), Failed: int(failed.Load()), Duration: time.Since(start)}
	s.metrics.SweepCompleted(t.Name(), res.Keys, res.Failed, res.Duration)
	s.log.Debug("sweep done",
		zap.String("cache", t.Name()),
		zap.Int("keys", res.Keys),
		zap.Int("failed", res.Failed),
		zap.Duration("took", res.Duration),
	)
	return res
}

func (s *Scheduler) refreshOne(ctx context.Context, t Target, key string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("refresh panicked: %v", r)
		}
	}()
	return t.RefreshExpired(ctx, key)
}

// cronLogger adapts zap to cron.Logger. Cron's info messages are per-tick
// chatter and go to debug.
type cronLogger struct{ log *zap.SugaredLogger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}

var _ cron.Logger = cronLogger{}
