package pubsub

import (
	"context"
	"sync"
	"time"
)

// defaultBuffer is the per-subscriber channel depth. A subscriber that falls
// this far behind misses the overflow instead of stalling publishers.
const defaultBuffer = 64

// Broker delivers published events to every live subscriber.
type Broker[T any] struct {
	mu     sync.RWMutex
	subs   map[chan Event[T]]struct{}
	closed chan struct{}
	depth  int
}

// NewBroker creates a broker with the default subscriber buffer.
func NewBroker[T any]() *Broker[T] {
	return NewBrokerWithBuffer[T](defaultBuffer)
}

// NewBrokerWithBuffer creates a broker whose subscriber channels hold depth
// events.
func NewBrokerWithBuffer[T any](depth int) *Broker[T] {
	return &Broker[T]{
		subs:   make(map[chan Event[T]]struct{}),
		closed: make(chan struct{}),
		depth:  depth,
	}
}

func (b *Broker[T]) isClosed() bool {
	select {
	case <-b.closed:
		return true
	default:
		return false
	}
}

// Subscribe registers a channel that receives every event published until
// ctx is cancelled or the broker closes; either way the channel is closed.
// Subscribing to a closed broker returns an already-closed channel.
func (b *Broker[T]) Subscribe(ctx context.Context) <-chan Event[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.isClosed() {
		ch := make(chan Event[T])
		close(ch)
		return ch
	}

	sub := make(chan Event[T], b.depth)
	b.subs[sub] = struct{}{}
	go b.unsubscribeOnDone(ctx, sub)
	return sub
}

func (b *Broker[T]) unsubscribeOnDone(ctx context.Context, sub chan Event[T]) {
	<-ctx.Done()
	b.mu.Lock()
	defer b.mu.Unlock()

	// Close already tore the subscription down.
	if b.isClosed() {
		return
	}
	delete(b.subs, sub)
	close(sub)
}

// Publish stamps the payload and offers it to every subscriber. Full
// subscriber channels are skipped; Publish never blocks.
func (b *Broker[T]) Publish(eventType EventType, payload T) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.isClosed() {
		return
	}

	ev := Event[T]{
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now(),
	}
	for sub := range b.subs {
		select {
		case sub <- ev:
		default:
		}
	}
}

// Close shuts the broker down, closing every subscriber channel. Idempotent;
// publishes after Close are dropped.
func (b *Broker[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.isClosed() {
		return
	}
	close(b.closed)
	for sub := range b.subs {
		close(sub)
	}
	b.subs = nil
}

// SubscriberCount returns the number of live subscriptions.
func (b *Broker[T]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
