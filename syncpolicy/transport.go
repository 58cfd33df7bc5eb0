package syncpolicy

import "context"

// Transport moves opaque payloads between instances. Delivery is
// at-least-once and unordered; publishers also receive their own messages.
type Transport interface {
	// Publish sends payload on topic.
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe delivers every payload seen on topic to fn until ctx is
	// done or the transport is closed. It returns once the subscription is
	// active.
	Subscribe(ctx context.Context, topic string, fn func(payload []byte)) error
	Close() error
}
