package pubsub

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/hashicorp/go-multierror"
	"github.com/segmentio/kafka-go"
)

// kafkaReadyKey marks the messages the adapter sends to itself until its
// consumer has joined the group and holds a position in the topic. It cannot
// collide with a channel name.
const kafkaReadyKey = "\x00cable_kafka_ready"

var kafkaReadyInterval = 500 * time.Millisecond

// Kafka publishes every broadcast to one topic keyed by channel. Each process
// consumes the whole topic in its own consumer group and fans out locally.
// Subscriptions are confirmed once the consumer has fetched its first message.
type Kafka struct {
	producer sarama.SyncProducer
	reader   *kafka.Reader
	topic    string
	opts     Options

	subscribers *SubscriberMap

	readyMu sync.Mutex
	ready   chan struct{}
	pending []func()

	started sync.Once
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

func NewKafka(producer sarama.SyncProducer, cfg KafkaConfig, opts Options) *Kafka {
	ctx, cancel := context.WithCancel(context.Background())

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.Topic,
		GroupID:     cfg.GroupID,
		StartOffset: kafka.LastOffset,
	})

	return &Kafka{
		producer:    producer,
		reader:      reader,
		topic:       cfg.Topic,
		opts:        opts.withDefaults(),
		subscribers: NewSubscriberMap(ChannelHooks{}),
		ready:       make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (k *Kafka) Broadcast(_ context.Context, channel string, payload []byte) error {
	if k.ctx.Err() != nil {
		return ErrShutdown
	}
	_, _, err := k.producer.SendMessage(&sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(k.opts.ChannelPrefix + channel),
		Value: sarama.ByteEncoder(payload),
	})
	return err
}

func (k *Kafka) Subscribe(_ context.Context, channel string, subscriber *Subscriber, onSuccess func()) error {
	if k.ctx.Err() != nil {
		return ErrShutdown
	}
	k.start()
	return k.subscribers.Add(channel, subscriber, k.whenReady(onSuccess))
}

func (k *Kafka) start() {
	k.started.Do(func() {
		k.wg.Add(2)
		go k.consume()
		go k.announce()
	})
}

// whenReady defers onSuccess until the consumer holds a position in the
// topic, so no broadcast sent after the confirmation is missed.
func (k *Kafka) whenReady(onSuccess func()) func() {
	if onSuccess == nil {
		return nil
	}
	return func() {
		k.readyMu.Lock()
		select {
		case <-k.ready:
		default:
			k.pending = append(k.pending, onSuccess)
			k.readyMu.Unlock()
			return
		}
		k.readyMu.Unlock()
		onSuccess()
	}
}

func (k *Kafka) markReady() {
	k.readyMu.Lock()
	select {
	case <-k.ready:
		k.readyMu.Unlock()
		return
	default:
	}
	close(k.ready)
	pending := k.pending
	k.pending = nil
	k.readyMu.Unlock()

	k.opts.Logger.Debug("Kafka consumer ready", "topic", k.topic, "confirmed", len(pending))
	for _, onSuccess := range pending {
		onSuccess()
	}
}

// Ready is closed once the consumer has fetched its first message.
func (k *Kafka) Ready() <-chan struct{} {
	return k.ready
}

// announce writes ready markers until the consumer sees one of them or any
// other message.
func (k *Kafka) announce() {
	defer k.wg.Done()

	ticker := time.NewTicker(kafkaReadyInterval)
	defer ticker.Stop()
	for {
		_, _, err := k.producer.SendMessage(&sarama.ProducerMessage{
			Topic: k.topic,
			Key:   sarama.StringEncoder(kafkaReadyKey),
		})
		if err != nil {
			k.opts.Logger.Warn("Failed to announce Kafka consumer", "error", err)
		}

		select {
		case <-k.ready:
			return
		case <-k.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (k *Kafka) Unsubscribe(_ context.Context, channel string, subscriber *Subscriber) error {
	return k.subscribers.Remove(channel, subscriber)
}

func (k *Kafka) Shutdown(ctx context.Context) error {
	k.cancel()

	// Subscribers arriving after shutdown must not start the consumer.
	k.started.Do(func() {})
	stopped := make(chan struct{})
	go func() {
		k.wg.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		return ctx.Err()
	}

	return multierror.Append(nil, k.reader.Close(), k.producer.Close()).ErrorOrNil()
}

func (k *Kafka) Subscribers() *SubscriberMap {
	return k.subscribers
}

func (k *Kafka) consume() {
	defer k.wg.Done()

	delay := k.opts.ReconnectDelay
	for {
		msg, err := k.reader.ReadMessage(k.ctx)
		if err != nil {
			if k.ctx.Err() != nil {
				return
			}

			k.opts.Logger.Error("Kafka consumer failed, retrying", "error", err, "retry_in", delay)
			k.opts.OnError("consume", err)
			if !sleep(k.ctx, delay) {
				return
			}
			delay = backoff(delay, k.opts.MaxReconnectDelay)
			continue
		}
		delay = k.opts.ReconnectDelay
		k.markReady()

		channel := string(msg.Key)
		if channel == kafkaReadyKey {
			continue
		}
		if !strings.HasPrefix(channel, k.opts.ChannelPrefix) {
			continue
		}
		k.subscribers.Broadcast(strings.TrimPrefix(channel, k.opts.ChannelPrefix), msg.Value)
	}
}
