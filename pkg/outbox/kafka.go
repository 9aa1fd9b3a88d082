package outbox

import (
	"github.com/segmentio/kafka-go"

	"github.com/reelflow/reelflow/pkg/config"
)

// NewWriters builds the event and dead-letter topic writers. Messages are
// hash-partitioned by key.
func NewWriters(cfg config.KafkaConfig) (events, dlq *kafka.Writer) {
	newWriter := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Transport: &kafka.Transport{
				ClientID: cfg.ClientID,
			},
		}
	}
	events = newWriter(cfg.EventTopic)
	if cfg.DLQTopic != "" {
		dlq = newWriter(cfg.DLQTopic)
	}
	return events, dlq
}
