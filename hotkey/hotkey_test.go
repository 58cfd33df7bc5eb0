package hotkey

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct{ t int64 }

func (f *fakeClock) NowUnixNano() int64  { return f.t }
func (f *fakeClock) add(d time.Duration) { f.t += int64(d) }

func TestStatic(t *testing.T) {
	t.Parallel()

	d := NewStatic(map[string][]string{"users": {"42"}})
	if !d.IsHot("users", "42") {
		t.Fatal("configured key must be hot")
	}
	if d.IsHot("users", "7") || d.IsHot("orders", "42") {
		t.Fatal("unconfigured keys must not be hot")
	}
	if (None{}).IsHot("users", "42") {
		t.Fatal("None is never hot")
	}
}

func TestWindow_ThresholdAndDecay(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{}
	w := NewWindow(WindowOptions{Threshold: 3, Window: time.Second, Shards: 1, Clock: clk})

	for i := 0; i < 2; i++ {
		w.Record("users", "42")
	}
	if w.IsHot("users", "42") {
		t.Fatal("below threshold must not be hot")
	}
	w.Record("users", "42")
	if !w.IsHot("users", "42") {
		t.Fatal("threshold reached must be hot")
	}
	if w.IsHot("orders", "42") {
		t.Fatal("counts are per cache")
	}

	// Still hot through the next window via the previous counts.
	clk.add(1500 * time.Millisecond)
	if !w.IsHot("users", "42") {
		t.Fatal("key must stay hot for one more window")
	}
	clk.add(time.Second)
	if w.IsHot("users", "42") {
		t.Fatal("key must cool down after two idle windows")
	}
}

func TestWindow_LongIdleResets(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{}
	w := NewWindow(WindowOptions{Threshold: 1, Window: time.Second, Shards: 1, Clock: clk})
	w.Record("c", "k")
	clk.add(10 * time.Second)
	if w.IsHot("c", "k") {
		t.Fatal("stale counts must be dropped")
	}
}

func TestWindow_MaxKeysBound(t *testing.T) {
	t.Parallel()

	w := NewWindow(WindowOptions{Threshold: 1, MaxKeys: 2, Shards: 1, Clock: &fakeClock{}})
	w.Record("c", "a")
	w.Record("c", "b")
	w.Record("c", "c")
	if w.IsHot("c", "a") {
		t.Fatal("counter set must reset when full")
	}
	if !w.IsHot("c", "c") {
		t.Fatal("newest key must be counted")
	}
}

func TestWindow_Concurrent(t *testing.T) {
	t.Parallel()

	w := NewWindow(WindowOptions{Threshold: 1000, Window: time.Hour})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 125; j++ {
				w.Record("c", "k")
				w.IsHot("c", "k")
			}
		}()
	}
	wg.Wait()
	if !w.IsHot("c", "k") {
		t.Fatal("1000 concurrent records must reach the threshold")
	}
}
