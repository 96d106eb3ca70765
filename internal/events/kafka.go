package events

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaPublisher writes events to one topic keyed by tenant, so a tenant's
// events stay ordered within a partition.
type KafkaPublisher struct {
	w *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{w: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}}
}

func (p *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	b, err := e.encode()
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	err = p.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(e.TenantID),
		Value: b,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(e.Type)},
		},
		Time: e.At,
	})
	if err != nil {
		return fmt.Errorf("kafka publish %s: %w", e.Type, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error { return p.w.Close() }
