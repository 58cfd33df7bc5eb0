package syncpolicy_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/IvanBrykalov/tiercache/syncpolicy"
	"github.com/IvanBrykalov/tiercache/syncpolicy/memory"
)

type countingMetrics struct {
	published, received atomic.Int64
	mu                  sync.Mutex
	dropped             map[string]int
}

func (m *countingMetrics) Published(syncpolicy.Op) { m.published.Add(1) }
func (m *countingMetrics) Received(syncpolicy.Op)  { m.received.Add(1) }
func (m *countingMetrics) Dropped(r string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dropped == nil {
		m.dropped = make(map[string]int)
	}
	m.dropped[r]++
}

func (m *countingMetrics) drops(r string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped[r]
}

func newPolicy(t *testing.T, hub *memory.Hub, id string, m syncpolicy.Metrics) *syncpolicy.Policy {
	t.Helper()
	p, err := syncpolicy.New(syncpolicy.Options{InstanceID: id, Transport: hub.Transport(), Metrics: m})
	require.NoError(t, err)
	return p
}

func TestPolicy_DeliversToPeersNotSelf(t *testing.T) {
	defer goleak.VerifyNone(t)

	hub := memory.NewHub()
	a := newPolicy(t, hub, "a", nil)
	b := newPolicy(t, hub, "b", nil)

	var selfCalls, peerCalls atomic.Int64
	got := make(chan syncpolicy.Message, 1)
	a.Register("users", func(context.Context, syncpolicy.Message) { selfCalls.Add(1) })
	b.Register("users", func(_ context.Context, m syncpolicy.Message) {
		peerCalls.Add(1)
		got <- m
	})

	ctx := context.Background()
	require.NoError(t, a.Start(ctx))
	require.NoError(t, b.Start(ctx))

	a.Publish(syncpolicy.NewKeyMessage("a", "composite", "users", "42", syncpolicy.OpRefresh))

	select {
	case m := <-got:
		k, _ := m.Key()
		assert.Equal(t, "42", k)
		assert.Equal(t, "a", m.InstanceID())
	case <-time.After(2 * time.Second):
		t.Fatal("peer did not receive the message")
	}

	require.NoError(t, a.Close())
	require.NoError(t, b.Close())
	assert.Zero(t, selfCalls.Load(), "own messages must be ignored")
	assert.EqualValues(t, 1, peerCalls.Load())
}

func TestPolicy_OnMessage(t *testing.T) {
	p := newPolicy(t, memory.NewHub(), "me", nil)
	t.Cleanup(func() { _ = p.Close() })

	calls := 0
	p.Register("c", func(context.Context, syncpolicy.Message) { calls++ })
	p.Register("boom", func(context.Context, syncpolicy.Message) { panic("handler bug") })

	ctx := context.Background()
	assert.False(t, p.OnMessage(ctx, syncpolicy.NewClearMessage("me", "local", "c")), "echo")
	assert.True(t, p.OnMessage(ctx, syncpolicy.NewClearMessage("peer", "local", "c")))
	assert.True(t, p.OnMessage(ctx, syncpolicy.NewClearMessage("peer", "local", "c")), "idempotent re-delivery")
	assert.False(t, p.OnMessage(ctx, syncpolicy.NewClearMessage("peer", "local", "unknown")))
	assert.NotPanics(t, func() {
		assert.False(t, p.OnMessage(ctx, syncpolicy.NewClearMessage("peer", "local", "boom")))
	})
	assert.Equal(t, 2, calls)
}

type failingTransport struct {
	calls atomic.Int64
}

func (f *failingTransport) Publish(context.Context, string, []byte) error {
	f.calls.Add(1)
	return errors.New("broker down")
}
func (f *failingTransport) Subscribe(context.Context, string, func([]byte)) error { return nil }
func (f *failingTransport) Close() error                                          { return nil }

func TestPolicy_PublishFailureIsSwallowed(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := &countingMetrics{}
	tr := &failingTransport{}
	p, err := syncpolicy.New(syncpolicy.Options{InstanceID: "a", Transport: tr, Metrics: m})
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	assert.NotPanics(t, func() {
		p.Publish(syncpolicy.NewClearMessage("a", "composite", "users"))
	})
	require.NoError(t, p.Close())

	assert.EqualValues(t, 1, tr.calls.Load())
	assert.Equal(t, 1, m.drops("transport"))
	assert.Zero(t, m.published.Load())
}

func TestPolicy_QueueFullDrops(t *testing.T) {
	m := &countingMetrics{}
	p, err := syncpolicy.New(syncpolicy.Options{
		InstanceID: "a",
		Transport:  memory.NewHub().Transport(),
		QueueSize:  2,
		Metrics:    m,
	})
	require.NoError(t, err)

	// Not started: nothing drains the queue.
	for i := 0; i < 5; i++ {
		p.Publish(syncpolicy.NewClearMessage("a", "local", "c"))
	}
	assert.Equal(t, 3, m.drops("queue_full"))

	require.NoError(t, p.Close())
	p.Publish(syncpolicy.NewClearMessage("a", "local", "c"))
	assert.Equal(t, 1, m.drops("closed"))
	assert.ErrorIs(t, p.Start(context.Background()), syncpolicy.ErrClosed)
}

func TestPolicy_CloseDrainsQueue(t *testing.T) {
	defer goleak.VerifyNone(t)

	hub := memory.NewHub()
	m := &countingMetrics{}
	a := newPolicy(t, hub, "a", m)

	for i := 0; i < 10; i++ {
		a.Publish(syncpolicy.NewClearMessage("a", "local", "c"))
	}
	require.NoError(t, a.Start(context.Background()))
	require.NoError(t, a.Close())
	assert.EqualValues(t, 10, m.published.Load())
}

func TestPolicy_UndecodablePayloadDropped(t *testing.T) {
	defer goleak.VerifyNone(t)

	hub := memory.NewHub()
	m := &countingMetrics{}
	p := newPolicy(t, hub, "a", m)
	require.NoError(t, p.Start(context.Background()))

	raw := hub.Transport()
	require.NoError(t, raw.Publish(context.Background(), syncpolicy.DefaultTopic, []byte("garbage")))
	require.NoError(t, raw.Close())
	require.NoError(t, p.Close())

	assert.Equal(t, 1, m.drops("decode"))
}

func TestNew_Validation(t *testing.T) {
	_, err := syncpolicy.New(syncpolicy.Options{InstanceID: "a"})
	assert.Error(t, err)
	_, err = syncpolicy.New(syncpolicy.Options{Transport: memory.NewHub().Transport()})
	assert.Error(t, err)
}
