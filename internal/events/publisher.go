package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	kafka "github.com/segmentio/kafka-go"
)

// Publisher emits the operational events named in §6 "Event publication"
// (PredictionCompleted, ModelPromoted, ModelRolledBack, DriftDetected) to a
// Kafka topic, fire-and-forget. It satisfies both training.EventPublisher
// and drift.EventPublisher (identical Publish signature) without either
// package importing this one, keeping the dependency direction outward
// from domain packages to infrastructure.
type Publisher struct {
	writer *kafka.Writer
}

// NewPublisher constructs a Publisher writing to the given topic.
func NewPublisher(brokers []string, topic string) *Publisher {
	return &Publisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

type publishedEvent struct {
	Name      string    `json:"name"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// Publish writes one event to the topic, keyed by event name so consumers
// interested in only one kind can filter cheaply at the partition level.
func (p *Publisher) Publish(ctx context.Context, eventName string, payload any) error {
	body, err := json.Marshal(publishedEvent{Name: eventName, Timestamp: time.Now(), Payload: payload})
	if err != nil {
		return fmt.Errorf("events: marshal %s: %w", eventName, err)
	}

	if err := p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(eventName), Value: body}); err != nil {
		return fmt.Errorf("events: publish %s: %w", eventName, err)
	}

	return nil
}

// Close releases the underlying writer's connections.
func (p *Publisher) Close() error {
	return p.writer.Close()
}
