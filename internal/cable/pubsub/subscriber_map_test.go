package pubsub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu       sync.Mutex
	messages []string
}

func (r *recorder) handler() Handler {
	return func(message []byte) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.messages = append(r.messages, string(message))
	}
}

func (r *recorder) received() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.messages...)
}

func TestSubscriberMapChannelLifecycle(t *testing.T) {
	var added, removed []string
	m := NewSubscriberMap(ChannelHooks{
		AddChannel: func(channel string, onSuccess func()) error {
			added = append(added, channel)
			onSuccess()
			return nil
		},
		RemoveChannel: func(channel string) error {
			removed = append(removed, channel)
			return nil
		},
	})

	a := NewSubscriber(func([]byte) {})
	b := NewSubscriber(func([]byte) {})

	confirmed := 0
	require.NoError(t, m.Add("chat", a, func() { confirmed++ }))
	require.NoError(t, m.Add("chat", b, func() { confirmed++ }))

	assert.Equal(t, []string{"chat"}, added, "only the first subscriber adds the channel")
	assert.Equal(t, 2, confirmed)
	assert.Equal(t, 2, m.Count("chat"))

	require.NoError(t, m.Remove("chat", a))
	assert.Empty(t, removed)
	require.NoError(t, m.Remove("chat", b))
	assert.Equal(t, []string{"chat"}, removed)
	assert.Zero(t, m.Size())
	assert.Empty(t, m.Channels())

	// Removing from an unknown channel is a no-op.
	require.NoError(t, m.Remove("missing", a))
}

func TestSubscriberMapRemoveByIdentity(t *testing.T) {
	m := NewSubscriberMap(ChannelHooks{})

	var first, second recorder
	a := NewSubscriber(first.handler())
	b := NewSubscriber(second.handler())

	require.NoError(t, m.Add("room", a, nil))
	require.NoError(t, m.Add("room", b, nil))
	require.NoError(t, m.Remove("room", a))

	n := m.Broadcast("room", []byte("hello"))
	assert.Equal(t, 1, n)
	assert.Empty(t, first.received())
	assert.Equal(t, []string{"hello"}, second.received())
}

func TestSubscriberMapAddChannelFailure(t *testing.T) {
	m := NewSubscriberMap(ChannelHooks{
		AddChannel: func(string, func()) error { return assert.AnError },
	})

	err := m.Add("chat", NewSubscriber(func([]byte) {}), nil)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Zero(t, m.Count("chat"))
}

func TestInlineAdapter(t *testing.T) {
	ctx := context.Background()
	adapter := NewInline()

	var rec recorder
	sub := NewSubscriber(rec.handler())

	confirmed := false
	require.NoError(t, adapter.Subscribe(ctx, "news", sub, func() { confirmed = true }))
	assert.True(t, confirmed)

	require.NoError(t, adapter.Broadcast(ctx, "news", []byte(`{"a":1}`)))
	require.NoError(t, adapter.Broadcast(ctx, "other", []byte(`ignored`)))
	assert.Equal(t, []string{`{"a":1}`}, rec.received())

	require.NoError(t, adapter.Unsubscribe(ctx, "news", sub))
	require.NoError(t, adapter.Broadcast(ctx, "news", []byte(`late`)))
	assert.Len(t, rec.received(), 1)

	require.NoError(t, adapter.Shutdown(ctx))
	assert.ErrorIs(t, adapter.Broadcast(ctx, "news", nil), ErrShutdown)
}

func TestAsyncAdapterDeliversOffThePublisher(t *testing.T) {
	ctx := context.Background()
	adapter := NewAsync(0)
	defer adapter.Shutdown(ctx)

	var rec recorder
	confirmed := make(chan struct{})
	require.NoError(t, adapter.Subscribe(ctx, "news", NewSubscriber(rec.handler()), func() { close(confirmed) }))

	select {
	case <-confirmed:
	case <-time.After(time.Second):
		t.Fatal("subscription was never confirmed")
	}

	for _, msg := range []string{"one", "two", "three"} {
		require.NoError(t, adapter.Broadcast(ctx, "news", []byte(msg)))
	}

	assert.Eventually(t, func() bool { return len(rec.received()) == 3 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"one", "two", "three"}, rec.received(), "deliveries keep publish order")
}

func TestAsyncAdapterShutdown(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	adapter := NewAsync(1)
	require.NoError(t, adapter.Shutdown(ctx))
	require.NoError(t, adapter.Shutdown(ctx), "shutdown is idempotent")
	assert.ErrorIs(t, adapter.Broadcast(ctx, "news", []byte("x")), ErrShutdown)
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, 2*time.Second, backoff(time.Second, 30*time.Second))
	assert.Equal(t, 30*time.Second, backoff(20*time.Second, 30*time.Second))
}
