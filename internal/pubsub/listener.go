package pubsub

import (
	"context"
)

// Next waits for the next event on ch, returning false if the context is
// cancelled or the channel is closed.
func Next[T any](ctx context.Context, ch <-chan Event[T]) (Event[T], bool) {
	select {
	case <-ctx.Done():
		var zero Event[T]
		return zero, false
	case event, ok := <-ch:
		if !ok {
			var zero Event[T]
			return zero, false
		}
		return event, true
	}
}

// ContinuousListener wraps a broker subscription for consumers that drain
// events one at a time or via the raw channel.
type ContinuousListener[T any] struct {
	ctx context.Context
	ch  <-chan Event[T]
}

// NewContinuousListener creates a new listener that subscribes to the broker.
// The subscription is automatically cleaned up when the context is cancelled.
func NewContinuousListener[T any](ctx context.Context, broker *Broker[T]) *ContinuousListener[T] {
	return &ContinuousListener[T]{
		ctx: ctx,
		ch:  broker.Subscribe(ctx),
	}
}

// Next blocks until the next event arrives. Returns false when the listener's
// context is cancelled or the broker closes.
func (l *ContinuousListener[T]) Next() (Event[T], bool) {
	return Next(l.ctx, l.ch)
}

// Channel exposes the underlying subscription channel for select loops.
func (l *ContinuousListener[T]) Channel() <-chan Event[T] {
	return l.ch
}
