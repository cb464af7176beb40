package pubsub

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProducer records the messages sent through it.
type fakeProducer struct {
	sarama.SyncProducer

	mu   sync.Mutex
	sent []*sarama.ProducerMessage
}

func (p *fakeProducer) SendMessage(msg *sarama.ProducerMessage) (int32, int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, msg)
	return 0, int64(len(p.sent)), nil
}

func (p *fakeProducer) Close() error { return nil }

func (p *fakeProducer) count(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, msg := range p.sent {
		if k, err := msg.Key.Encode(); err == nil && string(k) == key {
			n++
		}
	}
	return n
}

func TestKafkaConfirmsOnceConsumerIsReady(t *testing.T) {
	interval := kafkaReadyInterval
	kafkaReadyInterval = 20 * time.Millisecond
	t.Cleanup(func() { kafkaReadyInterval = interval })

	producer := &fakeProducer{}
	// Nothing listens on the broker address, so the consumer never joins on
	// its own.
	adapter := NewKafka(producer, KafkaConfig{
		Brokers: []string{"127.0.0.1:1"},
		Topic:   "cable",
		GroupID: "cable-test",
	}, Options{ReconnectDelay: 10 * time.Millisecond})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		adapter.Shutdown(ctx)
	})

	ctx := context.Background()
	var confirmed atomic.Int32
	confirm := func() { confirmed.Add(1) }

	require.NoError(t, adapter.Subscribe(ctx, "chat", NewSubscriber(func([]byte) {}), confirm))
	require.NoError(t, adapter.Subscribe(ctx, "chat", NewSubscriber(func([]byte) {}), confirm))

	require.Eventually(t, func() bool { return producer.count(kafkaReadyKey) >= 2 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, confirmed.Load(), "nothing is confirmed before the consumer has a position")
	assert.Equal(t, 2, adapter.Subscribers().Count("chat"))

	adapter.markReady()
	assert.Equal(t, int32(2), confirmed.Load())
	select {
	case <-adapter.Ready():
	default:
		t.Fatal("ready channel is still open")
	}

	require.NoError(t, adapter.Subscribe(ctx, "news", NewSubscriber(func([]byte) {}), confirm))
	assert.Equal(t, int32(3), confirmed.Load(), "later subscriptions confirm immediately")

	adapter.markReady()
	assert.Equal(t, int32(3), confirmed.Load())

	announced := producer.count(kafkaReadyKey)
	time.Sleep(5 * kafkaReadyInterval)
	assert.LessOrEqual(t, producer.count(kafkaReadyKey), announced+1, "announcing stops once ready")
}

func TestKafkaShutdownWithoutSubscribers(t *testing.T) {
	adapter := NewKafka(&fakeProducer{}, KafkaConfig{
		Brokers: []string{"127.0.0.1:1"},
		Topic:   "cable",
		GroupID: "cable-test",
	}, Options{})

	require.NoError(t, adapter.Shutdown(context.Background()))
	assert.ErrorIs(t, adapter.Subscribe(context.Background(), "chat", NewSubscriber(func([]byte) {}), nil), ErrShutdown)
	assert.ErrorIs(t, adapter.Broadcast(context.Background(), "chat", []byte("{}")), ErrShutdown)
}
