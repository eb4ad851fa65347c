package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/triggers"
)

const DefaultTopic = "trip-events"

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer publishes trip events keyed by trip id so every event for
// one trip lands on the same partition, in order.
type KafkaProducer struct {
	writer  messageWriter
	timeout time.Duration
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.Hash{}})
	return &KafkaProducer{writer: w, timeout: 2 * time.Second}
}

func (k *KafkaProducer) PublishTripEvent(ctx context.Context, ev triggers.TripEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode trip event: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	if err := k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(ev.TripID), Value: b}); err != nil {
		return fmt.Errorf("publish trip event %s: %w", ev.TripID, err)
	}
	return nil
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
