package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaFeed streams events to a topic for consumers outside the web tier
// (search indexing, analytics). Messages are keyed by product so one
// product's events stay ordered within a partition.
type KafkaFeed struct {
	writer *kafka.Writer
}

func NewKafkaFeed(brokers []string, topic string) *KafkaFeed {
	return &KafkaFeed{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchSize:    100,
			BatchTimeout: 10 * time.Millisecond,
			RequiredAcks: kafka.RequireOne,
			Compression:  kafka.Snappy,
		},
	}
}

// message keys by product, falling back to the conversation.
func message(evt Event) (kafka.Message, error) {
	value, err := json.Marshal(evt)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal event: %w", err)
	}
	key := evt.ProductID
	if key == "" {
		key = evt.ConversationID
	}
	return kafka.Message{
		Key:   []byte(key),
		Value: value,
		Time:  evt.At,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(evt.Type)},
		},
	}, nil
}

func (f *KafkaFeed) Publish(ctx context.Context, evt Event) error {
	msg, err := message(evt)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := f.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write %s to kafka: %w", evt.Type, err)
	}
	return nil
}

func (f *KafkaFeed) Close() error {
	return f.writer.Close()
}
