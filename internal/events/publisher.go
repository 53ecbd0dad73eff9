package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/atulyaai/tantra/internal/model"
)

// AMQP names used by tantra.
const (
	ExchangeTasks          = "tantra.tasks"
	QueueTasksFinished     = "tantra.tasks.finished"
	RoutingKeyTaskFinished = "task.finished"
)

// Message is the envelope published to the exchange.
type Message struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewTaskFinishedMessage wraps the serialized task in a message envelope.
func NewTaskFinishedMessage(t model.Task) Message {
	return Message{
		ID:        uuid.NewString(),
		Type:      RoutingKeyTaskFinished,
		Payload:   t.ToMap(),
		Timestamp: time.Now().UTC(),
	}
}

// Publisher sends task messages to the exchange.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPublisher creates a publisher on conn.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	return &Publisher{conn: conn, logger: logger}
}

// PublishTaskFinished publishes a persistent task.finished message. Its
// signature matches the orchestrator's finish hook.
func (p *Publisher) PublishTaskFinished(ctx context.Context, t model.Task) error {
	msg := NewTaskFinishedMessage(t)
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	return p.conn.WithChannel(func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(ctx,
			ExchangeTasks,
			RoutingKeyTaskFinished,
			false, // mandatory
			false, // immediate
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				MessageId:    msg.ID,
				Timestamp:    msg.Timestamp,
				Body:         body,
			},
		)
		if err != nil {
			return fmt.Errorf("publish to %s/%s: %w", ExchangeTasks, RoutingKeyTaskFinished, err)
		}

		p.logger.Debug("published message",
			"exchange", ExchangeTasks,
			"routing_key", RoutingKeyTaskFinished,
			"message_id", msg.ID,
			"task_id", t.ID,
		)
		return nil
	})
}
