package pubsub

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cable-service/pkg/logger"
)

var (
	ErrShutdown        = fmt.Errorf("pubsub adapter shut down")
	ErrPayloadTooLarge = fmt.Errorf("pubsub payload too large")
)

// Handler receives the raw payload of a broadcast.
type Handler func(message []byte)

// Subscriber is a registered handler. Subscribers are compared by identity so
// the same handler value can be unsubscribed later.
type Subscriber struct {
	handler Handler
}

func NewSubscriber(handler Handler) *Subscriber {
	return &Subscriber{handler: handler}
}

func (s *Subscriber) Deliver(message []byte) {
	s.handler(message)
}

// Adapter is the distributed broadcast bus. Broadcast publishes to every
// process; Subscribe registers a local handler and calls onSuccess once the
// bus confirms the channel is being listened to.
type Adapter interface {
	Broadcast(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string, subscriber *Subscriber, onSuccess func()) error
	Unsubscribe(ctx context.Context, channel string, subscriber *Subscriber) error
	Shutdown(ctx context.Context) error
}

// Options are shared by the networked adapters.
type Options struct {
	ChannelPrefix string
	Logger        *slog.Logger

	// OnError is told about bus failures, e.g. to feed instrumentation.
	OnError func(op string, err error)

	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = logger.Discard()
	}
	if o.OnError == nil {
		o.OnError = func(string, error) {}
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = time.Second
	}
	if o.MaxReconnectDelay <= 0 {
		o.MaxReconnectDelay = 30 * time.Second
	}
	return o
}

// backoff doubles delay up to max.
func backoff(delay, max time.Duration) time.Duration {
	if delay *= 2; delay > max {
		return max
	}
	return delay
}

// sleep waits for d or until ctx is done. It reports whether the wait completed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
