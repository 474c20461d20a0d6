// Package bus provides the case event bus implementations for Kestrel.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// ChannelBus implements EventBus in process with buffered Go channels.
// Used as the Community tier event bus. Delivery is best effort: a
// subscriber whose buffer is full loses the event and Dropped is bumped.
type ChannelBus struct {
	mu         sync.RWMutex
	bufferSize int
	byTopic    map[string][]*channelSubscription
	closed     bool
	wg         sync.WaitGroup
	dropped    atomic.Int64
}

type channelSubscription struct {
	bus      *ChannelBus
	id       string
	tenantID string
	topic    string
	handler  domain.MessageHandler
	queue    chan *domain.Message
	once     sync.Once
}

// NewChannelBus creates a new channel-based event bus.
func NewChannelBus(bufferSize int) *ChannelBus {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &ChannelBus{
		bufferSize: bufferSize,
		byTopic:    make(map[string][]*channelSubscription),
	}
}

// Publish fans a message out to every subscriber of the topic whose tenant
// matches, including AllTenants subscribers.
func (b *ChannelBus) Publish(ctx context.Context, tenantID string, topic string, payload []byte) error {
	msg, err := newEnvelope(ctx, tenantID, topic, payload)
	if err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	for _, sub := range b.byTopic[topic] {
		if sub.tenantID != tenantID && sub.tenantID != domain.AllTenants {
			continue
		}
		select {
		case sub.queue <- msg:
		default:
			b.dropped.Add(1)
			slog.Warn("case event dropped, subscriber buffer full",
				"topic", topic,
				"tenant_id", tenantID,
				"subscription_id", sub.id,
			)
		}
	}
	return nil
}

// Subscribe registers a handler for a topic. The handler runs on a dedicated
// goroutine, so events on one subscription are handled in publish order.
// Cancelling ctx unsubscribes.
func (b *ChannelBus) Subscribe(ctx context.Context, tenantID string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	sub := &channelSubscription{
		bus:      b,
		id:       uuid.New().String(),
		tenantID: tenantID,
		topic:    topic,
		handler:  handler,
		queue:    make(chan *domain.Message, b.bufferSize),
	}
	b.byTopic[topic] = append(b.byTopic[topic], sub)

	b.wg.Add(1)
	go sub.run(context.WithoutCancel(ctx))
	context.AfterFunc(ctx, func() { _ = sub.Unsubscribe() })

	return sub, nil
}

func (s *channelSubscription) run(ctx context.Context) {
	defer s.bus.wg.Done()
	for msg := range s.queue {
		if err := s.handler(ctx, msg); err != nil {
			slog.Error("case event handler failed",
				"topic", msg.Topic,
				"tenant_id", msg.TenantID,
				"message_id", msg.ID,
				"error", err,
			)
		}
	}
}

// Dropped reports how many deliveries were lost to full subscriber buffers.
func (b *ChannelBus) Dropped() int64 {
	return b.dropped.Load()
}

// Ping checks bus health.
func (b *ChannelBus) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

// Close stops accepting events and waits for subscribers to drain the
// events already queued.
func (b *ChannelBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, subs := range b.byTopic {
		for _, sub := range subs {
			sub.stop()
		}
	}
	b.byTopic = make(map[string][]*channelSubscription)
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}

func (s *channelSubscription) stop() {
	s.once.Do(func() { close(s.queue) })
}

// Unsubscribe detaches from the bus. Events already queued are still handled.
func (s *channelSubscription) Unsubscribe() error {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.byTopic[s.topic]
	for i, other := range subs {
		if other == s {
			b.byTopic[s.topic] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.byTopic[s.topic]) == 0 {
		delete(b.byTopic, s.topic)
	}
	s.stop()
	return nil
}

// Topic returns the subscribed topic.
func (s *channelSubscription) Topic() string {
	return s.topic
}
