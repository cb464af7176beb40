package pubsub

import (
	"context"
	"encoding/base64"
	"sync"

	"github.com/nats-io/nats.go"
)

// NATS maps each broadcasting onto a subject. Broadcasting names may contain
// characters NATS treats as wildcards or separators, so they are encoded.
type NATS struct {
	conn *nats.Conn
	opts Options

	subscribers *SubscriberMap

	mu   sync.Mutex
	subs map[string]*nats.Subscription

	closeOnce sync.Once
	closed    chan struct{}
}

func NewNATS(conn *nats.Conn, opts Options) *NATS {
	if opts.ChannelPrefix == "" {
		opts.ChannelPrefix = "cable"
	}

	n := &NATS{
		conn:   conn,
		opts:   opts.withDefaults(),
		subs:   make(map[string]*nats.Subscription),
		closed: make(chan struct{}),
	}
	n.subscribers = NewSubscriberMap(ChannelHooks{
		AddChannel:    n.addChannel,
		RemoveChannel: n.removeChannel,
	})
	return n
}

func (n *NATS) subject(channel string) string {
	return n.opts.ChannelPrefix + "." + base64.RawURLEncoding.EncodeToString([]byte(channel))
}

func (n *NATS) Broadcast(_ context.Context, channel string, payload []byte) error {
	if n.isClosed() {
		return ErrShutdown
	}
	return n.conn.Publish(n.subject(channel), payload)
}

func (n *NATS) Subscribe(_ context.Context, channel string, subscriber *Subscriber, onSuccess func()) error {
	if n.isClosed() {
		return ErrShutdown
	}
	return n.subscribers.Add(channel, subscriber, onSuccess)
}

func (n *NATS) Unsubscribe(_ context.Context, channel string, subscriber *Subscriber) error {
	return n.subscribers.Remove(channel, subscriber)
}

func (n *NATS) Shutdown(context.Context) error {
	var err error
	n.closeOnce.Do(func() {
		close(n.closed)

		n.mu.Lock()
		for channel, sub := range n.subs {
			if uerr := sub.Unsubscribe(); uerr != nil && err == nil {
				err = uerr
			}
			delete(n.subs, channel)
		}
		n.mu.Unlock()
	})
	return err
}

func (n *NATS) Subscribers() *SubscriberMap {
	return n.subscribers
}

func (n *NATS) isClosed() bool {
	select {
	case <-n.closed:
		return true
	default:
		return false
	}
}

func (n *NATS) addChannel(channel string, onSuccess func()) error {
	sub, err := n.conn.Subscribe(n.subject(channel), func(msg *nats.Msg) {
		n.subscribers.Broadcast(channel, msg.Data)
	})
	if err != nil {
		n.opts.OnError("subscribe", err)
		return err
	}

	// Flush round-trips to the server so the interest is registered before
	// the subscription is confirmed.
	if err := n.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		n.opts.OnError("flush", err)
		return err
	}

	n.mu.Lock()
	n.subs[channel] = sub
	n.mu.Unlock()

	if onSuccess != nil {
		onSuccess()
	}
	return nil
}

func (n *NATS) removeChannel(channel string) error {
	n.mu.Lock()
	sub, ok := n.subs[channel]
	delete(n.subs, channel)
	n.mu.Unlock()

	if !ok {
		return nil
	}
	return sub.Unsubscribe()
}
