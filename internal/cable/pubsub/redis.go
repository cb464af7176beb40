package pubsub

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Redis broadcasts through Redis PUBLISH and listens on a single shared
// PubSub connection per process.
type Redis struct {
	client redis.UniversalClient
	opts   Options

	subscribers *SubscriberMap

	mu      sync.Mutex
	pubsub  *redis.PubSub
	pending map[string][]func()

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewRedis(client redis.UniversalClient, opts Options) *Redis {
	ctx, cancel := context.WithCancel(context.Background())

	r := &Redis{
		client:  client,
		opts:    opts.withDefaults(),
		pending: make(map[string][]func()),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	r.subscribers = NewSubscriberMap(ChannelHooks{
		AddChannel:    r.addChannel,
		RemoveChannel: r.removeChannel,
	})
	return r
}

func (r *Redis) Broadcast(ctx context.Context, channel string, payload []byte) error {
	if r.ctx.Err() != nil {
		return ErrShutdown
	}
	return r.client.Publish(ctx, r.opts.ChannelPrefix+channel, payload).Err()
}

func (r *Redis) Subscribe(_ context.Context, channel string, subscriber *Subscriber, onSuccess func()) error {
	if r.ctx.Err() != nil {
		return ErrShutdown
	}
	return r.subscribers.Add(channel, subscriber, onSuccess)
}

func (r *Redis) Unsubscribe(_ context.Context, channel string, subscriber *Subscriber) error {
	return r.subscribers.Remove(channel, subscriber)
}

func (r *Redis) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	ps := r.pubsub
	r.mu.Unlock()

	r.cancel()
	if ps == nil {
		return nil
	}

	err := ps.Close()
	select {
	case <-r.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

func (r *Redis) Subscribers() *SubscriberMap {
	return r.subscribers
}

func (r *Redis) addChannel(channel string, onSuccess func()) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if onSuccess != nil {
		key := r.opts.ChannelPrefix + channel
		r.pending[key] = append(r.pending[key], onSuccess)
	}

	if r.pubsub == nil {
		r.pubsub = r.client.Subscribe(r.ctx, r.opts.ChannelPrefix+channel)
		go r.listen(r.pubsub)
		return nil
	}
	return r.pubsub.Subscribe(r.ctx, r.opts.ChannelPrefix+channel)
}

func (r *Redis) removeChannel(channel string) error {
	r.mu.Lock()
	ps := r.pubsub
	delete(r.pending, r.opts.ChannelPrefix+channel)
	r.mu.Unlock()

	if ps == nil {
		return nil
	}
	return ps.Unsubscribe(r.ctx, r.opts.ChannelPrefix+channel)
}

// listen consumes the shared subscription. go-redis re-dials and
// re-subscribes a broken PubSub on the next Receive, so the loop only has to
// back off between failed reads.
func (r *Redis) listen(ps *redis.PubSub) {
	defer close(r.done)

	delay := r.opts.ReconnectDelay
	for {
		msg, err := ps.Receive(r.ctx)
		if err != nil {
			if r.ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return
			}

			r.opts.Logger.Error("Redis subscription failed, retrying", "error", err, "retry_in", delay)
			r.opts.OnError("listen", err)
			if !sleep(r.ctx, delay) {
				return
			}
			delay = backoff(delay, r.opts.MaxReconnectDelay)
			continue
		}
		delay = r.opts.ReconnectDelay

		switch m := msg.(type) {
		case *redis.Subscription:
			if m.Kind == "subscribe" {
				r.confirm(m.Channel)
			}
		case *redis.Message:
			r.subscribers.Broadcast(strings.TrimPrefix(m.Channel, r.opts.ChannelPrefix), []byte(m.Payload))
		}
	}
}

func (r *Redis) confirm(key string) {
	r.mu.Lock()
	callbacks := r.pending[key]
	delete(r.pending, key)
	r.mu.Unlock()

	for _, cb := range callbacks {
		cb()
	}
}
