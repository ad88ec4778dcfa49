package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/procorch/internal/domain"
)

// MessageType — тип сообщения в очереди.
type MessageType string

// MessageTypeRunRequested — запрос на выполнение процесса.
// Уведомления используют тип события (domain.EventType) как MessageType.
const MessageTypeRunRequested MessageType = "run.requested"

// Publisher публикует сообщения в RabbitMQ.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPublisher создаёт новый Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		conn:   conn,
		logger: logger,
	}
}

// Message — сообщение для публикации.
type Message struct {
	// ID — уникальный идентификатор сообщения.
	ID string `json:"id"`

	// Type — тип сообщения.
	Type MessageType `json:"type"`

	// Payload — полезная нагрузка.
	Payload any `json:"payload"`

	// Timestamp — время создания.
	Timestamp time.Time `json:"timestamp"`
}

// Publish публикует сообщение в указанный exchange с routing key.
func (p *Publisher) Publish(ctx context.Context, exchange Exchange, routingKey RoutingKey, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	return p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(
			ctx,
			string(exchange),   // exchange
			string(routingKey), // routing key
			false,
			false,
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent, // сообщение переживёт рестарт RabbitMQ
				MessageId:    msg.ID,
				Timestamp:    msg.Timestamp,
				Type:         string(msg.Type),
				Body:         body,
			},
		)
		if err != nil {
			return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
		}

		p.logger.Debug("published message",
			"exchange", exchange,
			"routing_key", routingKey,
			"message_id", msg.ID,
			"type", msg.Type,
		)

		return nil
	})
}

// Notify публикует уведомление в procorch.events.
// Реализует report.Notifier.
func (p *Publisher) Notify(ctx context.Context, ev *domain.Event) error {
	return p.Publish(ctx, ExchangeEvents, RoutingKey(ev.Type), EventMessage(ev))
}

// PublishRunRequest ставит запрос на выполнение в очередь runs.requested.
// Потребитель: procorch-runner.
func (p *Publisher) PublishRunRequest(ctx context.Context, req *domain.RunRequest) error {
	return p.Publish(ctx, ExchangeRuns, RoutingKeyRequested, RunRequestMessage(req))
}

// EventMessage оборачивает уведомление в Message.
// ID сообщения совпадает с ID события: подписчики дедуплицируют по нему.
func EventMessage(ev *domain.Event) *Message {
	return &Message{
		ID:        ev.ID.String(),
		Type:      MessageType(ev.Type),
		Payload:   ev,
		Timestamp: ev.Timestamp,
	}
}

// RunRequestMessage оборачивает run-запрос в Message.
func RunRequestMessage(req *domain.RunRequest) *Message {
	id := req.ExecutionID
	if id == uuid.Nil {
		id = uuid.New()
	}
	return &Message{
		ID:        id.String(),
		Type:      MessageTypeRunRequested,
		Payload:   req,
		Timestamp: time.Now(),
	}
}
