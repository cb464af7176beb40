package pubsub

import (
	"context"
	"sync/atomic"
)

// Inline is a single-process adapter that delivers broadcasts synchronously
// on the publishing goroutine.
type Inline struct {
	subscribers *SubscriberMap
	closed      atomic.Bool
}

func NewInline() *Inline {
	return &Inline{subscribers: NewSubscriberMap(ChannelHooks{})}
}

func (i *Inline) Broadcast(_ context.Context, channel string, payload []byte) error {
	if i.closed.Load() {
		return ErrShutdown
	}
	i.subscribers.Broadcast(channel, payload)
	return nil
}

func (i *Inline) Subscribe(_ context.Context, channel string, subscriber *Subscriber, onSuccess func()) error {
	return i.subscribers.Add(channel, subscriber, onSuccess)
}

func (i *Inline) Unsubscribe(_ context.Context, channel string, subscriber *Subscriber) error {
	return i.subscribers.Remove(channel, subscriber)
}

func (i *Inline) Shutdown(context.Context) error {
	i.closed.Store(true)
	return nil
}

func (i *Inline) Subscribers() *SubscriberMap {
	return i.subscribers
}
