package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"snapsummary/internal/model"
)

// Publisher sends persistent JSON messages to a single durable queue.
type Publisher struct {
	conn      *amqp.Connection
	queueName string
}

func NewPublisher(conn *amqp.Connection, queueName string) *Publisher {
	return &Publisher{
		conn:      conn,
		queueName: queueName,
	}
}

func (p *Publisher) publishJSON(ctx context.Context, messageType string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s payload failed: %w", messageType, err)
	}

	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("open rabbitmq channel failed: %w", err)
	}
	defer ch.Close()

	if err := ch.PublishWithContext(
		ctx,
		"",
		p.queueName,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			Type:         messageType,
			Body:         payload,
			DeliveryMode: amqp.Persistent,
		},
	); err != nil {
		return fmt.Errorf("publish %s failed: %w", messageType, err)
	}
	return nil
}

// MessagePublisher hands chat messages to the persistence worker.
type MessagePublisher struct {
	*Publisher
}

func NewMessagePublisher(conn *amqp.Connection, queueName string) *MessagePublisher {
	return &MessagePublisher{Publisher: NewPublisher(conn, queueName)}
}

func (p *MessagePublisher) Publish(ctx context.Context, msg model.ChatMessage) error {
	return p.publishJSON(ctx, "chat.message", msg)
}

// EventPublisher announces committed uploads and summaries.
type EventPublisher struct {
	*Publisher
}

func NewEventPublisher(conn *amqp.Connection, queueName string) *EventPublisher {
	return &EventPublisher{Publisher: NewPublisher(conn, queueName)}
}

func (p *EventPublisher) PublishEvent(ctx context.Context, event model.PipelineEvent) error {
	return p.publishJSON(ctx, event.Type, event)
}
