package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaStore appends events to a Kafka topic keyed by user id, so one
// user's trail stays ordered within a partition. Reads are not supported;
// downstream consumers own querying.
type KafkaStore struct {
	client *kgo.Client
	topic  string
}

type kafkaRecord struct {
	ID     string            `json:"id"`
	Time   time.Time         `json:"time"`
	UserID string            `json:"user_id,omitempty"`
	Action string            `json:"action"`
	Detail map[string]string `json:"detail,omitempty"`
}

// NewKafkaStore connects a producer to the given brokers.
func NewKafkaStore(brokers []string, topic string) (*KafkaStore, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, fmt.Errorf("connect kafka audit producer: %w", err)
	}
	return &KafkaStore{client: client, topic: topic}, nil
}

func (s *KafkaStore) Append(ctx context.Context, event Event) error {
	payload, err := json.Marshal(kafkaRecord(event))
	if err != nil {
		return fmt.Errorf("encode audit event: %w", err)
	}
	record := &kgo.Record{
		Topic: s.topic,
		Key:   []byte(event.UserID),
		Value: payload,
	}
	if err := s.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("produce audit event: %w", err)
	}
	return nil
}

// ListByUser is unsupported on the Kafka sink.
func (s *KafkaStore) ListByUser(context.Context, string) ([]Event, error) {
	return nil, fmt.Errorf("kafka audit store is write-only")
}

// Close flushes and releases the producer.
func (s *KafkaStore) Close() {
	s.client.Close()
}
