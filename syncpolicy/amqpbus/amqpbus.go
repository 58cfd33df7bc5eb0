// Package amqpbus is a Transport over an AMQP fanout exchange. Every
// subscriber binds its own exclusive, auto-deleted queue, so every instance
// receives every message.
package amqpbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"github.com/IvanBrykalov/tiercache/syncpolicy"
)

// Config describes the broker connection.
type Config struct {
	URL string `yaml:"url"`
	// Exchange overrides the exchange name; the topic is used when empty.
	Exchange string `yaml:"exchange"`
}

// Channel is the subset of *amqp.Channel the transport uses.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Connection opens channels.
type Connection interface {
	Channel() (Channel, error)
	Close() error
}

type conn struct{ *amqp.Connection }

func (c conn) Channel() (Channel, error) { return c.Connection.Channel() }

// Dial connects to the broker at cfg.URL.
func Dial(cfg Config) (Connection, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("amqp url is required")
	}
	c, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to amqp broker: %w", err)
	}
	return conn{c}, nil
}

// Transport implements syncpolicy.Transport.
type Transport struct {
	cfg  Config
	conn Connection
	log  *zap.Logger

	pubMu    sync.Mutex
	pub      Channel
	declared map[string]bool

	mu     sync.Mutex
	subs   []Channel
	wg     sync.WaitGroup
	closed bool
}

var _ syncpolicy.Transport = (*Transport)(nil)

// New wraps an open connection; Close closes it.
func New(cfg Config, c Connection, log *zap.Logger) *Transport {
	if log == nil {
		log = zap.NewNop()
	}
	return &Transport{cfg: cfg, conn: c, log: log.Named("amqpbus"), declared: make(map[string]bool)}
}

func (t *Transport) exchange(topic string) string {
	if t.cfg.Exchange != "" {
		return t.cfg.Exchange
	}
	return topic
}

func declare(ch Channel, exchange string) error {
	return ch.ExchangeDeclare(exchange, amqp.ExchangeFanout, true, false, false, false, nil)
}

func (t *Transport) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.pubMu.Lock()
	defer t.pubMu.Unlock()

	if t.pub == nil {
		ch, err := t.conn.Channel()
		if err != nil {
			return fmt.Errorf("failed to open channel: %w", err)
		}
		t.pub = ch
	}
	ex := t.exchange(topic)
	if !t.declared[ex] {
		if err := declare(t.pub, ex); err != nil {
			t.resetPublisher()
			return fmt.Errorf("failed to declare exchange %s: %w", ex, err)
		}
		t.declared[ex] = true
	}
	err := t.pub.Publish(ex, "", false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        payload,
		Timestamp:   time.Now(),
	})
	if err != nil {
		// A failed channel is unusable; reopen on next publish.
		t.resetPublisher()
		return fmt.Errorf("failed to publish to %s: %w", ex, err)
	}
	return nil
}

// resetPublisher drops the publish channel. pubMu must be held.
func (t *Transport) resetPublisher() {
	if t.pub != nil {
		_ = t.pub.Close()
	}
	t.pub = nil
	t.declared = make(map[string]bool)
}

func (t *Transport) Subscribe(ctx context.Context, topic string, fn func([]byte)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("amqpbus: transport closed")
	}

	ch, err := t.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	ex := t.exchange(topic)
	if err := declare(ch, ex); err != nil {
		_ = ch.Close()
		return fmt.Errorf("failed to declare exchange %s: %w", ex, err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("failed to declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, "", ex, false, nil); err != nil {
		_ = ch.Close()
		return fmt.Errorf("failed to bind queue %s to %s: %w", q.Name, ex, err)
	}
	msgs, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("failed to start consuming from %s: %w", q.Name, err)
	}
	t.subs = append(t.subs, ch)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for {
			select {
			case <-ctx.Done():
				_ = ch.Close()
				return
			case d, ok := <-msgs:
				if !ok {
					t.log.Info("amqp delivery channel closed", zap.String("exchange", ex))
					return
				}
				fn(d.Body)
			}
		}
	}()
	t.log.Info("subscribed", zap.String("exchange", ex), zap.String("queue", q.Name))
	return nil
}

// Close closes channels and the connection.
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

	for _, ch := range subs {
		_ = ch.Close()
	}
	t.wg.Wait()

	t.pubMu.Lock()
	t.resetPublisher()
	t.pubMu.Unlock()
	return t.conn.Close()
}
