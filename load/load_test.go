package load

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/IvanBrykalov/tiercache/value"
)

func constant(v string, calls *int64, delay time.Duration) Func[string] {
	return func(_ context.Context, _ string) (value.Value[string], error) {
		atomic.AddInt64(calls, 1)
		time.Sleep(delay)
		return value.Of(v), nil
	}
}

// Concurrent Load calls for the same key run the loader exactly once.
func TestCoalescer_Load_Singleflight(t *testing.T) {
	t.Parallel()

	c := New[string](Options{Cache: "users"})
	var calls int64

	const N = 64
	var g errgroup.Group
	var ranCount int64
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	start := make(chan struct{})
	for i := 0; i < N; i++ {
		g.Go(func() error {
			<-start
			v, ran, err := c.Load(ctx, "k", constant("v:k", &calls, 50*time.Millisecond))
			if err != nil {
				return err
			}
			if ran {
				atomic.AddInt64(&ranCount, 1)
			}
			if got, _ := v.Get(); got != "v:k" {
				return fmt.Errorf("got %q", got)
			}
			return nil
		})
	}
	close(start)
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Fatalf("loader must run exactly once, got %d", got)
	}
	if got := atomic.LoadInt64(&ranCount); got != 1 {
		t.Fatalf("exactly one caller must report ran, got %d", got)
	}
}

// A failure reaches every waiter, carries cache and key, and does not
// poison the slot.
func TestCoalescer_ErrorPropagatesAndReleases(t *testing.T) {
	t.Parallel()

	c := New[string](Options{Cache: "users"})
	boom := errors.New("db down")
	release := make(chan struct{})
	failing := func(context.Context, string) (value.Value[string], error) {
		<-release
		return value.Value[string]{}, boom
	}

	var g errgroup.Group
	errs := make([]error, 8)
	for i := range errs {
		i := i
		g.Go(func() error {
			_, _, errs[i] = c.Load(context.Background(), "k", failing)
			return nil
		})
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	_ = g.Wait()

	for i, err := range errs {
		var le *Error
		if !errors.As(err, &le) {
			t.Fatalf("caller %d: want *Error, got %v", i, err)
		}
		if le.Cache != "users" || le.Key != "k" || !errors.Is(err, boom) {
			t.Fatalf("caller %d: unexpected error %+v", i, le)
		}
	}

	var calls int64
	v, _, err := c.Load(context.Background(), "k", constant("ok", &calls, 0))
	if err != nil || v.OrElse("") != "ok" {
		t.Fatalf("retry after failure: v=%v err=%v", v, err)
	}
}

func TestCoalescer_PanicBecomesError(t *testing.T) {
	t.Parallel()

	c := New[int](Options{Cache: "c"})
	_, _, err := c.Load(context.Background(), "k", func(context.Context, string) (value.Value[int], error) {
		panic("kaboom")
	})
	var le *Error
	if !errors.As(err, &le) {
		t.Fatalf("want *Error, got %v", err)
	}
	if c.InFlight("k") {
		t.Fatal("slot must be released after a panic")
	}
}

func TestCoalescer_AbsentBecomesNullAndFiresHook(t *testing.T) {
	t.Parallel()

	var nulls []string
	c := New[string](Options{OnNull: func(k string) { nulls = append(nulls, k) }})

	v, _, err := c.Load(context.Background(), "missing", func(context.Context, string) (value.Value[string], error) {
		return value.AbsentOf[string](), nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if !v.IsNull() {
		t.Fatalf("absent result must normalize to null, got %v", v)
	}
	if len(nulls) != 1 || nulls[0] != "missing" {
		t.Fatalf("OnNull got %v", nulls)
	}
}

// First caller wins; the later caller's loader is registered for the next cycle.
func TestCoalescer_FirstCallerWinsLaterRegistered(t *testing.T) {
	t.Parallel()

	c := New[string](Options{})
	release := make(chan struct{})
	first := func(context.Context, string) (value.Value[string], error) {
		<-release
		return value.Of("first"), nil
	}
	second := func(context.Context, string) (value.Value[string], error) {
		return value.Of("second"), nil
	}

	done := make(chan value.Value[string], 1)
	go func() {
		v, _, _ := c.Load(context.Background(), "k", first)
		done <- v
	}()
	for !c.InFlight("k") {
		time.Sleep(time.Millisecond)
	}

	joined := make(chan value.Value[string], 1)
	go func() {
		v, _, _ := c.Load(context.Background(), "k", second)
		joined <- v
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)

	if v := <-done; v.OrElse("") != "first" {
		t.Fatalf("leader got %v", v)
	}
	if v := <-joined; v.OrElse("") != "first" {
		t.Fatalf("follower must share the leader result, got %v", v)
	}

	v, ran, err := c.Reload(context.Background(), "k", nil)
	if err != nil || !ran || v.OrElse("") != "second" {
		t.Fatalf("next cycle must use the later loader: v=%v ran=%v err=%v", v, ran, err)
	}
}

func TestCoalescer_ReloadWithoutLoader(t *testing.T) {
	t.Parallel()

	c := New[string](Options{Cache: "c"})
	_, _, err := c.Reload(context.Background(), "k", nil)
	if !errors.Is(err, ErrNoLoader) {
		t.Fatalf("want ErrNoLoader, got %v", err)
	}

	c.Register("k", func(context.Context, string) (value.Value[string], error) { return value.Of("x"), nil })
	if c.Loader("k") == nil {
		t.Fatal("registered loader must be returned")
	}
	c.Forget("k")
	if c.Loader("k") != nil {
		t.Fatal("Forget must drop the loader")
	}
}

func TestCoalescer_FollowerCancel(t *testing.T) {
	t.Parallel()

	c := New[string](Options{})
	release := make(chan struct{})
	go func() {
		_, _, _ = c.Load(context.Background(), "k", func(context.Context, string) (value.Value[string], error) {
			<-release
			return value.Of("v"), nil
		})
	}()
	for !c.InFlight("k") {
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ran, err := c.Load(ctx, "k", nil)
	if ran || !errors.Is(err, context.Canceled) {
		t.Fatalf("follower must return ctx error unwrapped: ran=%v err=%v", ran, err)
	}
	var le *Error
	if errors.As(err, &le) {
		t.Fatal("cancellation is not a loader failure")
	}
	close(release)
}

// RefreshAhead never blocks and starts at most one computation.
func TestCoalescer_RefreshAhead(t *testing.T) {
	t.Parallel()

	c := New[string](Options{})
	var calls int64
	release := make(chan struct{})
	fn := func(context.Context, string) (value.Value[string], error) {
		atomic.AddInt64(&calls, 1)
		<-release
		return value.Of("fresh"), nil
	}

	got := make(chan value.Value[string], 1)
	start := time.Now()
	if !c.RefreshAhead("k", fn, func(v value.Value[string], err error) {
		if err == nil {
			got <- v
		}
	}) {
		t.Fatal("first RefreshAhead must start a computation")
	}
	if c.RefreshAhead("k", fn, nil) {
		t.Fatal("second RefreshAhead must not start while in flight")
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatal("RefreshAhead must not block")
	}

	close(release)
	select {
	case v := <-got:
		if v.OrElse("") != "fresh" {
			t.Fatalf("got %v", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("refresh did not complete")
	}
	if n := atomic.LoadInt64(&calls); n != 1 {
		t.Fatalf("calls = %d, want 1", n)
	}
	if c.RefreshAhead("other", nil, nil) {
		t.Fatal("no registered loader: nothing to start")
	}
}
