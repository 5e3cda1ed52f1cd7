package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/socialchat/internal/logger"
	"github.com/socialchat/internal/metrics"
)

// KafkaPublisher writes event metadata to a topic, keyed by room id so a room's
// events stay ordered within one partition. Message content never leaves the process.
// Writes are asynchronous: Publish only queues, failed batches are logged and counted
// from the writer's completion callback. Typing events are not written at all.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		Completion:   reportFailedBatch,
	}}
}

func reportFailedBatch(messages []kafka.Message, err error) {
	if err == nil {
		return
	}
	for _, m := range messages {
		typ := "unknown"
		for _, h := range m.Headers {
			if h.Key == "event-type" {
				typ = string(h.Value)
			}
		}
		metrics.EventPublishFailures.WithLabelValues(typ).Inc()
		logger.Errorf("kafka publish %s room=%s: %v", typ, m.Key, err)
	}
}

// forKafka reports whether an event type goes to Kafka; typing is ephemeral.
func forKafka(t Type) bool {
	return t != Typing
}

func (k *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	if !forKafka(e.Type) {
		return nil
	}
	msg, err := kafkaMessage(e)
	if err != nil {
		return err
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka publish %s: %w", e.Type, err)
	}
	return nil
}

func (k *KafkaPublisher) Close() error {
	return k.writer.Close()
}

func kafkaMessage(e Event) (kafka.Message, error) {
	value, err := json.Marshal(e.Metadata())
	if err != nil {
		return kafka.Message{}, fmt.Errorf("kafka marshal %s: %w", e.Type, err)
	}
	return kafka.Message{
		Key:   []byte(e.RoomID),
		Value: value,
		Time:  e.At,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(e.Type)},
		},
	}, nil
}
