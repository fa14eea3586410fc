package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/goodtune/tvbill/internal/config"
	"github.com/segmentio/kafka-go"
)

// messageWriter is the part of *kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink exports every event to a Kafka topic for downstream reporting.
type KafkaSink struct {
	writer messageWriter
	topic  string
}

// NewKafkaSink creates a sink writing to the configured brokers.
func NewKafkaSink(cfg config.KafkaConfig) *KafkaSink {
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			MaxAttempts:            3,
			BatchTimeout:           10 * time.Millisecond,
			AllowAutoTopicCreation: true,
		},
		topic: cfg.Topic,
	}
}

// Publish implements Publisher.
func (k *KafkaSink) Publish(ctx context.Context, e Event) error {
	msg, err := k.message(e)
	if err != nil {
		return err
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("export %s: %w", e.Name, err)
	}
	return nil
}

// message keys by device so one TV's events stay ordered within a partition.
func (k *KafkaSink) message(e Event) (kafka.Message, error) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	value, err := json.Marshal(e)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode %s: %w", e.Name, err)
	}
	key := e.deviceKey()
	if key == "" {
		key = e.Name
	}
	return kafka.Message{
		Topic: k.topic,
		Key:   []byte(key),
		Value: value,
		Time:  e.Timestamp,
		Headers: []kafka.Header{
			{Key: "event", Value: []byte(e.Name)},
		},
	}, nil
}

// Close flushes and closes the writer.
func (k *KafkaSink) Close() error {
	return k.writer.Close()
}
