// Package redisbus is a Transport over Redis PUBLISH/SUBSCRIBE, typically
// sharing the client that backs L2.
package redisbus

import (
	"context"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/IvanBrykalov/tiercache/syncpolicy"
)

// Transport implements syncpolicy.Transport. The client is owned by the
// caller and is not closed by Close.
type Transport struct {
	rdb redis.UniversalClient
	log *zap.Logger

	mu     sync.Mutex
	subs   []*redis.PubSub
	wg     sync.WaitGroup
	closed bool
}

var _ syncpolicy.Transport = (*Transport)(nil)

// New returns a transport on rdb.
func New(rdb redis.UniversalClient, log *zap.Logger) *Transport {
	if log == nil {
		log = zap.NewNop()
	}
	return &Transport{rdb: rdb, log: log.Named("redisbus")}
}

func (t *Transport) Publish(ctx context.Context, topic string, payload []byte) error {
	return errors.Wrapf(t.rdb.Publish(ctx, topic, payload).Err(), "redis publish %s", topic)
}

// Subscribe waits for the SUBSCRIBE confirmation, then delivers in a
// background goroutine until ctx is done or Close is called.
func (t *Transport) Subscribe(ctx context.Context, topic string, fn func([]byte)) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errors.New("redisbus: transport closed")
	}
	t.mu.Unlock()

	ps := t.rdb.Subscribe(ctx, topic)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return errors.Wrapf(err, "redis subscribe %s", topic)
	}

	t.mu.Lock()
	t.subs = append(t.subs, ps)
	t.mu.Unlock()

	ch := ps.Channel()
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for {
			select {
			case <-ctx.Done():
				_ = ps.Close()
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				fn([]byte(m.Payload))
			}
		}
	}()
	t.log.Debug("subscribed", zap.String("topic", topic))
	return nil
}

// Close unsubscribes and waits for delivery goroutines.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	subs := t.subs
	t.subs = nil
	t.mu.Unlock()

	var first error
	for _, ps := range subs {
		if err := ps.Close(); err != nil && !errors.Is(err, redis.ErrClosed) && first == nil {
			first = err
		}
	}
	t.wg.Wait()
	return first
}
