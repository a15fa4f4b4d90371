package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/roadside-dispatch/internal/models"
)

// MessageWriter is the subset of *kafka.Writer the producer uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaProducer struct {
	writer  MessageWriter
	timeout time.Duration
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
	return &KafkaProducer{writer: w, timeout: 2 * time.Second}
}

// Publish writes a lifecycle event keyed by request id, so every event of a
// request lands on one partition in order.
func (k *KafkaProducer) Publish(ctx context.Context, e models.Event) error {
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(e.RequestID),
		Value:   b,
		Headers: []kafka.Header{{Key: "event-type", Value: []byte(e.Type)}},
		Time:    e.At,
	})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// DecodeEvent parses a message written by Publish.
func DecodeEvent(m kafka.Message) (models.Event, error) {
	var e models.Event
	err := json.Unmarshal(m.Value, &e)
	return e, err
}
