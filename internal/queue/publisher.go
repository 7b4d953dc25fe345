package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/austindbirch/mailhook/internal/delivery"
	"github.com/austindbirch/mailhook/internal/tracing"
)

// Producer is the part of *nsq.Producer used for publishing
type Producer interface {
	Publish(topic string, body []byte) error
}

// Publisher sends jobs and dead letters to NSQ topics
type Publisher struct {
	prod     Producer
	topic    string
	dlqTopic string
}

func NewPublisher(prod Producer, topic, dlqTopic string) *Publisher {
	return &Publisher{prod: prod, topic: topic, dlqTopic: dlqTopic}
}

// Enqueue publishes a job for attemptID; the caller must already hold the attempt lock
func (p *Publisher) Enqueue(ctx context.Context, attemptID string) error {
	b, err := NewJob(ctx, attemptID).Encode()
	if err != nil {
		return err
	}
	if err := p.prod.Publish(p.topic, b); err != nil {
		return fmt.Errorf("publish %s: %w", p.topic, err)
	}
	tracing.AddSpanEvent(ctx, "nsq.published_job")
	return nil
}

func (p *Publisher) PublishDeadLetter(ctx context.Context, dl delivery.DeadLetter) error {
	b, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	if err := p.prod.Publish(p.dlqTopic, b); err != nil {
		return fmt.Errorf("publish %s: %w", p.dlqTopic, err)
	}
	tracing.AddSpanEvent(ctx, "nsq.published_dlq")
	return nil
}
