package pubsub

import (
	"context"
	"sync"
)

// Async is a single-process adapter. Deliveries and subscription callbacks
// run on a dedicated event loop goroutine, never on the publisher.
type Async struct {
	subscribers *SubscriberMap
	queue       chan func()
	done        chan struct{}
	stopped     chan struct{}
	closeOnce   sync.Once
}

func NewAsync(buffer int) *Async {
	if buffer <= 0 {
		buffer = 256
	}

	a := &Async{
		queue:   make(chan func(), buffer),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	a.subscribers = NewSubscriberMap(ChannelHooks{
		AddChannel: func(_ string, onSuccess func()) error {
			if onSuccess != nil {
				a.post(onSuccess)
			}
			return nil
		},
		Invoke: func(s *Subscriber, message []byte) {
			a.post(func() { s.Deliver(message) })
		},
	})

	go a.loop()
	return a
}

func (a *Async) loop() {
	defer close(a.stopped)
	for {
		select {
		case fn := <-a.queue:
			fn()
		case <-a.done:
			return
		}
	}
}

func (a *Async) post(fn func()) {
	select {
	case a.queue <- fn:
	case <-a.done:
	}
}

func (a *Async) Broadcast(_ context.Context, channel string, payload []byte) error {
	select {
	case <-a.done:
		return ErrShutdown
	default:
	}
	a.subscribers.Broadcast(channel, payload)
	return nil
}

func (a *Async) Subscribe(_ context.Context, channel string, subscriber *Subscriber, onSuccess func()) error {
	return a.subscribers.Add(channel, subscriber, onSuccess)
}

func (a *Async) Unsubscribe(_ context.Context, channel string, subscriber *Subscriber) error {
	return a.subscribers.Remove(channel, subscriber)
}

func (a *Async) Shutdown(ctx context.Context) error {
	a.closeOnce.Do(func() { close(a.done) })
	select {
	case <-a.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Async) Subscribers() *SubscriberMap {
	return a.subscribers
}
