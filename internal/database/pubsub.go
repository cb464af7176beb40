package database

import (
	"fmt"
	"log/slog"

	"cable-service/internal/cable/pubsub"
	"cable-service/internal/config"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
)

// Backends holds the pub/sub adapter selected by the configuration and the
// connections opened for it.
type Backends struct {
	Adapter pubsub.Adapter

	// Redis is set when the adapter, presence or rate limiting needs it.
	Redis *RedisClient

	closers []func() error
}

// Open connects to whatever the configured adapter needs. onError is handed
// to the networked adapters and may be nil.
func Open(cfg *config.Config, log *slog.Logger, onError func(op string, err error)) (*Backends, error) {
	b := &Backends{}
	opts := pubsub.Options{
		ChannelPrefix: cfg.PubSub.ChannelPrefix,
		Logger:        log,
		OnError:       onError,
	}

	if cfg.UsesRedis() {
		client, err := NewRedisConnection(&cfg.Redis, log)
		if err != nil {
			return nil, err
		}
		b.Redis = client
		b.closers = append(b.closers, client.Close)
	}

	switch cfg.PubSub.Adapter {
	case config.AdapterInline:
		b.Adapter = pubsub.NewInline()

	case config.AdapterAsync:
		b.Adapter = pubsub.NewAsync(cfg.PubSub.BufferSize)

	case config.AdapterRedis:
		b.Adapter = pubsub.NewRedis(b.Redis.GetClient(), opts)

	case config.AdapterPostgres:
		dsn := cfg.Database.DSN()
		db, err := NewPostgresConnection(dsn)
		if err != nil {
			return nil, b.abort(err)
		}
		b.closers = append(b.closers, func() error { return ClosePostgres(db) })
		b.Adapter = pubsub.NewPostgres(db, dsn, opts)

	case config.AdapterNATS:
		nc, err := NewNATSConnection(&cfg.NATS, log)
		if err != nil {
			return nil, b.abort(err)
		}
		b.closers = append(b.closers, func() error {
			nc.Close()
			return nil
		})
		b.Adapter = pubsub.NewNATS(nc, opts)

	case config.AdapterKafka:
		producer, err := NewKafkaProducer(&cfg.Kafka, int(cfg.Cable.MaxMessageSize.Bytes()))
		if err != nil {
			return nil, b.abort(err)
		}
		// Every process needs its own group to see every broadcast.
		groupID := cfg.Kafka.GroupID
		if groupID == "" {
			groupID = "cable-" + uuid.NewString()
		}
		// The adapter closes the producer on shutdown.
		b.Adapter = pubsub.NewKafka(producer, pubsub.KafkaConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
			GroupID: groupID,
		}, opts)

	default:
		return nil, b.abort(fmt.Errorf("unknown pubsub adapter %q", cfg.PubSub.Adapter))
	}

	log.Info("Pub/sub adapter ready", "adapter", cfg.PubSub.Adapter)
	return b, nil
}

func (b *Backends) abort(err error) error {
	if cerr := b.Close(); cerr != nil {
		return multierror.Append(err, cerr)
	}
	return err
}

// Close releases the connections in reverse order of opening. The adapter
// must already be shut down.
func (b *Backends) Close() error {
	var result *multierror.Error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			result = multierror.Append(result, err)
		}
	}
	b.closers = nil
	return result.ErrorOrNil()
}
