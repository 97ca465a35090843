package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/courier-dispatch/internal/geo"
)

// KafkaProducer publishes courier positions keyed by courier id, so every
// courier's updates land on one partition in order.
type KafkaProducer struct {
	writer  *kafka.Writer
	timeout time.Duration
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := &kafka.Writer{Addr: kafka.TCP(brokers...), Topic: topic, Balancer: &kafka.Hash{}}
	return &KafkaProducer{writer: w, timeout: 2 * time.Second}
}

// LocationMessage encodes a position for the location topic.
func LocationMessage(p geo.CourierPosition) (kafka.Message, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{Key: []byte(p.CourierID), Value: b}, nil
}

func (k *KafkaProducer) PublishLocation(ctx context.Context, p geo.CourierPosition) error {
	msg, err := LocationMessage(p)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	return k.writer.WriteMessages(ctx, msg)
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
