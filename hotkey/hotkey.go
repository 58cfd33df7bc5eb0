// Package hotkey decides which keys deserve an L1 copy even when a cache
// keeps L1 closed by default.
package hotkey

import (
	"sync"
	"time"

	"github.com/IvanBrykalov/tiercache/internal/util"
)

// Detector reports whether a key is hot. Implementations must be safe for
// concurrent use.
type Detector interface {
	IsHot(cacheName, key string) bool
}

// Recorder is implemented by detectors that learn from reads.
type Recorder interface {
	Record(cacheName, key string)
}

// None never reports a hot key.
type None struct{}

func (None) IsHot(string, string) bool { return false }

// Static reports a fixed set of keys as hot.
type Static struct {
	keys map[string]map[string]struct{}
}

// NewStatic builds a detector from cacheName -> keys.
func NewStatic(hot map[string][]string) *Static {
	s := &Static{keys: make(map[string]map[string]struct{}, len(hot))}
	for cache, keys := range hot {
		set := make(map[string]struct{}, len(keys))
		for _, k := range keys {
			set[k] = struct{}{}
		}
		s.keys[cache] = set
	}
	return s
}

func (s *Static) IsHot(cacheName, key string) bool {
	_, ok := s.keys[cacheName][key]
	return ok
}

// Clock provides time in UnixNano.
type Clock interface{ NowUnixNano() int64 }

type wallClock struct{}

func (wallClock) NowUnixNano() int64 { return time.Now().UnixNano() }

// WindowOptions configures a Window detector.
type WindowOptions struct {
	// Threshold accesses within one window make a key hot (default 100).
	Threshold int
	// Window is the counting period (default 10s).
	Window time.Duration
	// MaxKeys bounds tracked keys per shard; the counter set is reset when
	// exceeded (default 10000).
	MaxKeys int
	Shards  int
	Clock   Clock
}

// Window counts accesses per fixed window. A key is hot while its count in
// the current or the previous window reaches Threshold.
type Window struct {
	opt    WindowOptions
	shards []*windowShard
}

type windowShard struct {
	mu       sync.Mutex
	start    int64
	current  map[string]int
	previous map[string]int
}

// NewWindow returns a sliding-window counter detector.
func NewWindow(opt WindowOptions) *Window {
	if opt.Threshold <= 0 {
		opt.Threshold = 100
	}
	if opt.Window <= 0 {
		opt.Window = 10 * time.Second
	}
	if opt.MaxKeys <= 0 {
		opt.MaxKeys = 10_000
	}
	if opt.Clock == nil {
		opt.Clock = wallClock{}
	}
	n := util.ShardCount(opt.Shards, 0)
	w := &Window{opt: opt, shards: make([]*windowShard, n)}
	now := opt.Clock.NowUnixNano()
	for i := range w.shards {
		w.shards[i] = &windowShard{start: now, current: map[string]int{}, previous: map[string]int{}}
	}
	return w
}

// Record counts one access.
func (w *Window) Record(cacheName, key string) {
	id := cacheName + "\x00" + key
	s := w.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	w.rollLocked(s)
	if _, ok := s.current[id]; !ok && len(s.current) >= w.opt.MaxKeys {
		s.current = make(map[string]int)
	}
	s.current[id]++
}

func (w *Window) IsHot(cacheName, key string) bool {
	id := cacheName + "\x00" + key
	s := w.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	w.rollLocked(s)
	return s.current[id] >= w.opt.Threshold || s.previous[id] >= w.opt.Threshold
}

func (w *Window) shard(id string) *windowShard {
	return w.shards[util.ShardIndex(id, len(w.shards))]
}

// rollLocked advances s to the window containing now.
func (w *Window) rollLocked(s *windowShard) {
	now := w.opt.Clock.NowUnixNano()
	win := int64(w.opt.Window)
	switch elapsed := now - s.start; {
	case elapsed < win:
		return
	case elapsed < 2*win:
		s.previous, s.current = s.current, make(map[string]int)
	default:
		s.previous, s.current = make(map[string]int), make(map[string]int)
	}
	s.start = now - (now-s.start)%win
}

var (
	_ Detector = None{}
	_ Detector = (*Static)(nil)
	_ Detector = (*Window)(nil)
	_ Recorder = (*Window)(nil)
)
