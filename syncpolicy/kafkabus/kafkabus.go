// Package kafkabus is a Transport over Kafka. Each instance consumes with
// its own consumer group, so every instance sees every message.
package kafkabus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"go.uber.org/zap"

	"github.com/IvanBrykalov/tiercache/syncpolicy"
)

const pollInterval = 100 * time.Millisecond

// Transport implements syncpolicy.Transport.
type Transport struct {
	cfg      Config
	log      *zap.Logger
	producer *kafka.Producer

	mu        sync.Mutex
	consumers []*kafka.Consumer
	wg        sync.WaitGroup
	done      chan struct{}
	closed    bool
}

var _ syncpolicy.Transport = (*Transport)(nil)

// New validates cfg and creates the producer.
func New(cfg Config, instanceID string, log *zap.Logger) (*Transport, error) {
	if err := cfg.Validate(instanceID); err != nil {
		return nil, fmt.Errorf("invalid kafka config: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	p, err := kafka.NewProducer(cfg.producerConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return &Transport{
		cfg:      cfg,
		log:      log.Named("kafkabus"),
		producer: p,
		done:     make(chan struct{}),
	}, nil
}

// Publish produces payload and waits for the delivery report or ctx.
func (t *Transport) Publish(ctx context.Context, topic string, payload []byte) error {
	delivery := make(chan kafka.Event, 1)
	err := t.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Value:          payload,
		Timestamp:      time.Now(),
	}, delivery)
	if err != nil {
		return fmt.Errorf("failed to produce message: %w", err)
	}

	select {
	case e := <-delivery:
		m, ok := e.(*kafka.Message)
		if !ok {
			return fmt.Errorf("unexpected delivery event %v", e)
		}
		if m.TopicPartition.Error != nil {
			return fmt.Errorf("delivery failed: %w", m.TopicPartition.Error)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe starts a consumer for topic.
func (t *Transport) Subscribe(ctx context.Context, topic string, fn func([]byte)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("kafkabus: transport closed")
	}

	c, err := kafka.NewConsumer(t.cfg.consumerConfig())
	if err != nil {
		return fmt.Errorf("failed to create kafka consumer: %w", err)
	}
	if err := c.SubscribeTopics([]string{topic}, nil); err != nil {
		_ = c.Close()
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, err)
	}
	t.consumers = append(t.consumers, c)

	t.wg.Add(1)
	go t.consume(ctx, c, fn)
	t.log.Info("subscribed", zap.String("topic", topic), zap.String("group", t.cfg.GroupID))
	return nil
}

func (t *Transport) consume(ctx context.Context, c *kafka.Consumer, fn func([]byte)) {
	defer t.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		default:
		}
		msg, err := c.ReadMessage(pollInterval)
		if err != nil {
			if kerr, ok := err.(kafka.Error); ok && kerr.Code() == kafka.ErrTimedOut {
				continue
			}
			t.log.Warn("kafka consumer error", zap.Error(err))
			continue
		}
		fn(msg.Value)
	}
}

// Close stops consumers, flushes and closes the producer.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	consumers := t.consumers
	t.consumers = nil
	t.mu.Unlock()

	t.wg.Wait()
	var errs []error
	for _, c := range consumers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	t.producer.Flush(int(t.cfg.Timeout.Milliseconds()))
	t.producer.Close()

	if len(errs) > 0 {
		return fmt.Errorf("errors closing kafka transport: %v", errs)
	}
	return nil
}
