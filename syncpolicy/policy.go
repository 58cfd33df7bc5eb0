// Package syncpolicy keeps the L1 caches of many instances eventually
// consistent. Every local mutation is announced as a Message on a shared
// topic; every instance applies foreign messages by invalidating its own L1.
//
// Publishing never blocks or fails the mutating caller: messages go to a
// bounded queue drained by one worker, and a full queue or transport error
// only costs a log line and a metric. Receivers never re-publish and ignore
// their own messages.
package syncpolicy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Handler applies a foreign message to one cache.
type Handler func(ctx context.Context, msg Message)

// Metrics observes message flow. Drop reasons: queue_full, closed,
// encode, transport, decode.
type Metrics interface {
	Published(op Op)
	Received(op Op)
	Dropped(reason string)
}

// NoopMetrics does nothing.
type NoopMetrics struct{}

func (NoopMetrics) Published(Op)   {}
func (NoopMetrics) Received(Op)    {}
func (NoopMetrics) Dropped(string) {}

var _ Metrics = NoopMetrics{}

// Defaults applied by New.
const (
	DefaultTopic          = "tiercache:topic"
	DefaultQueueSize      = 1024
	DefaultPublishTimeout = 5 * time.Second
	DefaultDrainTimeout   = 2 * time.Second
)

// ErrClosed is returned by Start after Close.
var ErrClosed = errors.New("syncpolicy: closed")

// Options configures a Policy.
type Options struct {
	InstanceID     string
	Topic          string
	QueueSize      int
	PublishTimeout time.Duration
	DrainTimeout   time.Duration
	Transport      Transport
	Logger         *zap.Logger
	Metrics        Metrics
}

// Policy is safe for concurrent use.
type Policy struct {
	opt Options
	log *zap.Logger

	queue chan Message
	stop  chan struct{}
	wg    sync.WaitGroup

	mu       sync.RWMutex
	handlers map[string]Handler
	cancel   context.CancelFunc

	started atomic.Bool
	closed  atomic.Bool
}

// New validates opt and returns an idle Policy; call Start to subscribe.
func New(opt Options) (*Policy, error) {
	if opt.Transport == nil {
		return nil, errors.New("syncpolicy: transport is required")
	}
	if opt.InstanceID == "" {
		return nil, errors.New("syncpolicy: instance id is required")
	}
	if opt.Topic == "" {
		opt.Topic = DefaultTopic
	}
	if opt.QueueSize <= 0 {
		opt.QueueSize = DefaultQueueSize
	}
	if opt.PublishTimeout <= 0 {
		opt.PublishTimeout = DefaultPublishTimeout
	}
	if opt.DrainTimeout <= 0 {
		opt.DrainTimeout = DefaultDrainTimeout
	}
	if opt.Metrics == nil {
		opt.Metrics = NoopMetrics{}
	}
	log := opt.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Policy{
		opt:      opt,
		log:      log.Named("sync").With(zap.String("instance", opt.InstanceID)),
		queue:    make(chan Message, opt.QueueSize),
		stop:     make(chan struct{}),
		handlers: make(map[string]Handler),
	}, nil
}

// InstanceID returns the id stamped on outgoing messages.
func (p *Policy) InstanceID() string { return p.opt.InstanceID }

// Register routes messages for cacheName to h, replacing any previous handler.
func (p *Policy) Register(cacheName string, h Handler) {
	p.mu.Lock()
	p.handlers[cacheName] = h
	p.mu.Unlock()
}

// Publish enqueues msg without blocking. Messages published before Start
// wait in the queue.
func (p *Policy) Publish(msg Message) {
	if p.closed.Load() {
		p.opt.Metrics.Dropped("closed")
		return
	}
	select {
	case p.queue <- msg:
	default:
		p.opt.Metrics.Dropped("queue_full")
		p.log.Warn("sync queue full, dropping message", zap.Stringer("msg", msg))
	}
}

// OnMessage applies msg unless it originated here. It reports whether a
// handler ran.
func (p *Policy) OnMessage(ctx context.Context, msg Message) (handled bool) {
	if msg.InstanceID() == p.opt.InstanceID {
		return false
	}
	p.opt.Metrics.Received(msg.Op())

	p.mu.RLock()
	h := p.handlers[msg.CacheName()]
	p.mu.RUnlock()
	if h == nil {
		p.log.Debug("no handler for message", zap.Stringer("msg", msg))
		return false
	}

	defer func() {
		if r := recover(); r != nil {
			handled = false
			p.log.Error("sync handler panicked", zap.Stringer("msg", msg), zap.Any("panic", r))
		}
	}()
	h(ctx, msg)
	return true
}

// Start subscribes to the topic and starts the publish worker.
func (p *Policy) Start(ctx context.Context) error {
	if p.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if !p.started.CompareAndSwap(false, true) {
		return nil
	}

	// The subscription lives until Close, not until ctx is done.
	subCtx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()
	err := p.opt.Transport.Subscribe(subCtx, p.opt.Topic, func(payload []byte) {
		msg, err := Decode(payload)
		if err != nil {
			p.opt.Metrics.Dropped("decode")
			p.log.Warn("undecodable sync message", zap.ByteString("payload", payload), zap.Error(err))
			return
		}
		p.OnMessage(subCtx, msg)
	})
	if err != nil {
		cancel()
		p.started.Store(false)
		return fmt.Errorf("syncpolicy: subscribe %q: %w", p.opt.Topic, err)
	}

	p.wg.Add(1)
	go p.run(subCtx)
	p.log.Info("sync policy started", zap.String("topic", p.opt.Topic))
	return nil
}

// Close stops the worker after draining queued messages (bounded by
// DrainTimeout), cancels the subscription and closes the transport.
func (p *Policy) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(p.stop)
	p.wg.Wait()
	p.mu.RLock()
	cancel := p.cancel
	p.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
	err := p.opt.Transport.Close()
	p.log.Info("sync policy closed")
	return err
}

func (p *Policy) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case msg := <-p.queue:
			p.send(ctx, msg)
		case <-p.stop:
			p.drain(ctx)
			return
		}
	}
}

func (p *Policy) drain(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, p.opt.DrainTimeout)
	defer cancel()
	for {
		select {
		case msg := <-p.queue:
			p.send(ctx, msg)
		case <-ctx.Done():
			if n := len(p.queue); n > 0 {
				p.log.Warn("sync drain timed out", zap.Int("dropped", n))
			}
			return
		default:
			return
		}
	}
}

func (p *Policy) send(ctx context.Context, msg Message) {
	payload, err := msg.MarshalJSON()
	if err != nil {
		p.opt.Metrics.Dropped("encode")
		p.log.Error("encode sync message", zap.Stringer("msg", msg), zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(ctx, p.opt.PublishTimeout)
	defer cancel()
	if err := p.opt.Transport.Publish(ctx, p.opt.Topic, payload); err != nil {
		p.opt.Metrics.Dropped("transport")
		p.log.Warn("publish sync message", zap.Stringer("msg", msg), zap.Error(err))
		return
	}
	p.opt.Metrics.Published(msg.Op())
	p.log.Debug("published", zap.Stringer("msg", msg))
}
