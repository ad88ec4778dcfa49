package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/procorch/internal/domain"
)

// RunHandler запускает принятый run-запрос.
//
// nil — запрос принят (ack). Ошибка, обёрнутая в Reject, отправляет
// сообщение в DLQ сразу; ErrDuplicate подтверждает его без запуска;
// прочие ошибки возвращают запрос в очередь один раз.
type RunHandler func(ctx context.Context, req domain.RunRequest) error

var (
	// ErrRejected — запрос некорректен, повторная доставка бесполезна.
	ErrRejected = errors.New("message rejected")

	// ErrDuplicate — run с этим execution id уже принят.
	ErrDuplicate = errors.New("duplicate run request")
)

// Reject помечает ошибку обработчика как окончательную.
func Reject(err error) error {
	return fmt.Errorf("%w: %w", ErrRejected, err)
}

// Disposition — что сделать с доставленным сообщением.
type Disposition int

const (
	// Ack — подтвердить.
	Ack Disposition = iota
	// Requeue — вернуть в очередь для повторной доставки.
	Requeue
	// DeadLetter — отклонить без повтора (уйдёт в DLQ).
	DeadLetter
)

func (d Disposition) String() string {
	switch d {
	case Ack:
		return "ack"
	case Requeue:
		return "requeue"
	default:
		return "dead-letter"
	}
}

// DispositionOf решает судьбу сообщения по ошибке обработки.
// Временная ошибка даёт одну повторную доставку, вторая уводит в DLQ.
func DispositionOf(err error, redelivered bool) Disposition {
	switch {
	case err == nil, errors.Is(err, ErrDuplicate):
		return Ack
	case errors.Is(err, ErrRejected), redelivered:
		return DeadLetter
	default:
		return Requeue
	}
}

// DecodeRunRequest разбирает тело сообщения run.requested.
// Любая ошибка уже обёрнута в Reject.
func DecodeRunRequest(body []byte) (domain.RunRequest, error) {
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return domain.RunRequest{}, Reject(fmt.Errorf("decode message: %w", err))
	}
	if msg.Type != MessageTypeRunRequested {
		return domain.RunRequest{}, Reject(fmt.Errorf("unexpected message type %q", msg.Type))
	}

	req, err := ParsePayload[domain.RunRequest](&msg)
	if err != nil {
		return domain.RunRequest{}, Reject(err)
	}
	if req.Process == "" {
		return domain.RunRequest{}, Reject(errors.New("run request without process"))
	}
	return req, nil
}

// recentRuns — execution id последних принятых запросов.
// Ограничен по размеру: вытесняются самые старые.
type recentRuns struct {
	mu    sync.Mutex
	ids   map[uuid.UUID]struct{}
	order []uuid.UUID
	next  int
}

func newRecentRuns(size int) *recentRuns {
	return &recentRuns{
		ids:   make(map[uuid.UUID]struct{}, size),
		order: make([]uuid.UUID, size),
	}
}

func (r *recentRuns) contains(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.ids[id]
	return ok
}

func (r *recentRuns) add(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.ids[id]; ok {
		return
	}
	if old := r.order[r.next]; old != uuid.Nil {
		delete(r.ids, old)
	}
	r.order[r.next] = id
	r.ids[id] = struct{}{}
	r.next = (r.next + 1) % len(r.order)
}

// Consumer потребляет run-запросы из очереди RabbitMQ.
//
// Запросы с execution id, который уже принимался недавно, подтверждаются
// без запуска: планировщик и повторная публикация не дают двойных run.
type Consumer struct {
	conn     *Connection
	logger   *slog.Logger
	queue    string
	handle   RunHandler
	prefetch int
	recent   *recentRuns
}

// ConsumerConfig — конфигурация consumer.
type ConsumerConfig struct {
	// Queue — имя очереди (default: runs.requested).
	Queue string

	Handle RunHandler

	// Prefetch — сколько неподтверждённых запросов держит consumer (default: 1).
	Prefetch int

	// Remember — сколько последних execution id помнить для дедупликации (default: 1024).
	Remember int
}

// NewConsumer создаёт новый Consumer.
func NewConsumer(conn *Connection, logger *slog.Logger, cfg ConsumerConfig) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	queue := cfg.Queue
	if queue == "" {
		queue = string(QueueRunRequests)
	}
	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}
	remember := cfg.Remember
	if remember <= 0 {
		remember = 1024
	}

	return &Consumer{
		conn:     conn,
		logger:   logger.With("queue", queue),
		queue:    queue,
		handle:   cfg.Handle,
		prefetch: prefetch,
		recent:   newRecentRuns(remember),
	}
}

// Start потребляет запросы до отмены ctx, переподключаясь вместе с Connection.
func (c *Consumer) Start(ctx context.Context) error {
	for {
		deliveries, err := c.subscribe()
		if err != nil {
			c.logger.Error("failed to subscribe", "error", err)
		} else {
			c.logger.Info("consumer started")
			c.drain(ctx, deliveries)
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.logger.Warn("deliveries stopped, waiting for reconnect")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.conn.ReconnectNotify():
		}
	}
}

func (c *Consumer) subscribe() (<-chan amqp.Delivery, error) {
	ch := c.conn.Channel()
	if ch == nil {
		return nil, errors.New("no channel available")
	}
	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("set qos: %w", err)
	}

	// auto-ack выключен: подтверждаем после решения по запросу
	deliveries, err := ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume: %w", err)
	}
	return deliveries, nil
}

// drain обрабатывает доставки, пока канал открыт и ctx жив.
func (c *Consumer) drain(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-deliveries:
			if !ok {
				return
			}

			var err error
			switch c.Process(ctx, raw.Body, raw.Redelivered) {
			case Ack:
				err = raw.Ack(false)
			case Requeue:
				err = raw.Nack(false, true)
			case DeadLetter:
				err = raw.Nack(false, false)
			}
			if err != nil {
				c.logger.Warn("failed to settle delivery", "message_id", raw.MessageId, "error", err)
			}
		}
	}
}

// Process разбирает одно сообщение, отсеивает повторы и вызывает обработчик.
func (c *Consumer) Process(ctx context.Context, body []byte, redelivered bool) Disposition {
	req, err := DecodeRunRequest(body)
	if err == nil && req.ExecutionID != uuid.Nil && c.recent.contains(req.ExecutionID) {
		err = ErrDuplicate
	}
	if err == nil {
		err = c.handle(ctx, req)
	}

	d := DispositionOf(err, redelivered)
	if d == Ack && err == nil && req.ExecutionID != uuid.Nil {
		c.recent.add(req.ExecutionID)
	}

	switch {
	case err == nil:
		c.logger.Info("run request accepted", "execution_id", req.ExecutionID, "process", req.Process)
	case d == Ack:
		c.logger.Info("duplicate run request skipped", "execution_id", req.ExecutionID, "process", req.Process)
	default:
		c.logger.Error("run request failed",
			"execution_id", req.ExecutionID,
			"process", req.Process,
			"disposition", d,
			"error", err,
		)
	}
	return d
}

// ParsePayload парсит payload сообщения в указанный тип.
func ParsePayload[T any](msg *Message) (T, error) {
	var result T

	// После json.Unmarshal в Message payload — map[string]any
	payloadBytes, err := json.Marshal(msg.Payload)
	if err != nil {
		return result, fmt.Errorf("marshal payload: %w", err)
	}

	if err := json.Unmarshal(payloadBytes, &result); err != nil {
		return result, fmt.Errorf("unmarshal payload: %w", err)
	}

	return result, nil
}
