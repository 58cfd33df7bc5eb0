// Package memory is an in-process Transport: every Transport created from
// the same Hub sees every payload published on a topic. It connects several
// registries inside one process, mostly in tests and demos.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/IvanBrykalov/tiercache/syncpolicy"
)

// ErrClosed is returned by a closed Transport.
var ErrClosed = errors.New("memory: transport closed")

// Hub fans payloads out to subscribers.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[*subscriber]struct{}
}

type subscriber struct {
	fn func([]byte)
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*subscriber]struct{})}
}

// Transport returns a new endpoint attached to h.
func (h *Hub) Transport() *Transport {
	return &Transport{hub: h, done: make(chan struct{})}
}

func (h *Hub) deliver(topic string, payload []byte) {
	h.mu.RLock()
	subs := make([]*subscriber, 0, len(h.subs[topic]))
	for s := range h.subs[topic] {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	for _, s := range subs {
		// Each subscriber gets its own copy.
		b := append([]byte(nil), payload...)
		s.fn(b)
	}
}

func (h *Hub) add(topic string, s *subscriber) {
	h.mu.Lock()
	if h.subs[topic] == nil {
		h.subs[topic] = make(map[*subscriber]struct{})
	}
	h.subs[topic][s] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) remove(topic string, s *subscriber) {
	h.mu.Lock()
	delete(h.subs[topic], s)
	h.mu.Unlock()
}

// Transport implements syncpolicy.Transport. Publish delivers synchronously.
type Transport struct {
	hub  *Hub
	done chan struct{}

	mu     sync.Mutex
	closed bool
	subs   map[*subscriber]string
}

var _ syncpolicy.Transport = (*Transport)(nil)

func (t *Transport) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}
	t.hub.deliver(topic, payload)
	return nil
}

func (t *Transport) Subscribe(ctx context.Context, topic string, fn func([]byte)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	s := &subscriber{fn: fn}
	if t.subs == nil {
		t.subs = make(map[*subscriber]string)
	}
	t.subs[s] = topic
	t.hub.add(topic, s)

	go func() {
		select {
		case <-ctx.Done():
			t.unsubscribe(s)
		case <-t.done:
		}
	}()
	return nil
}

func (t *Transport) unsubscribe(s *subscriber) {
	t.mu.Lock()
	topic, ok := t.subs[s]
	delete(t.subs, s)
	t.mu.Unlock()
	if ok {
		t.hub.remove(topic, s)
	}
}

// Close detaches all subscriptions. Idempotent.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	subs := t.subs
	t.subs = nil
	t.mu.Unlock()
	for s, topic := range subs {
		t.hub.remove(topic, s)
	}
	return nil
}
