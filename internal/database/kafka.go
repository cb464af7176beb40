package database

import (
	"fmt"

	"cable-service/internal/config"

	"github.com/IBM/sarama"
)

func NewKafkaProducer(cfg *config.KafkaConfig, maxMessageBytes int) (sarama.SyncProducer, error) {
	sc := sarama.NewConfig()
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Retry.Max = 5
	sc.Producer.Return.Successes = true
	sc.Producer.Compression = sarama.CompressionSnappy
	// Keying by stream keeps a stream's broadcasts on one partition, in order.
	sc.Producer.Partitioner = sarama.NewHashPartitioner
	sc.Version = sarama.V2_0_0_0
	sc.ClientID = "cable-service"
	if maxMessageBytes > 0 {
		sc.Producer.MaxMessageBytes = maxMessageBytes
	}

	producer, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return producer, nil
}
