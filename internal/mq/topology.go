package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange — тип для имени обменника.
type Exchange string

// Queue — тип для имени очереди.
type Queue string

// RoutingKey — тип для ключа маршрутизации.
type RoutingKey string

// Exchanges — имена обменников.
const (
	ExchangeEvents Exchange = "procorch.events"
	ExchangeRuns   Exchange = "procorch.runs"
	ExchangeDLQ    Exchange = "procorch.dlq"
)

// Queues — имена очередей.
const (
	QueueRunRequests Queue = "runs.requested"
	QueueDLQRuns     Queue = "dlq.runs"
)

// Routing keys.
const (
	RoutingKeyRequested RoutingKey = "requested"
	RoutingKeyDLQRuns   RoutingKey = "runs"
)

// SetupTopology объявляет exchanges, очереди и привязки. Идемпотентна.
//
// Очередь для уведомлений не создаётся: подписчики сами привязывают
// свои очереди к procorch.events по нужным шаблонам (run.*, step.failed).
func SetupTopology(ctx context.Context, conn *Connection) error {
	return conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		if err := declareExchanges(ch); err != nil {
			return err
		}
		if err := declareQueues(ch); err != nil {
			return err
		}
		return bindQueues(ch)
	})
}

// declareExchanges создаёт обменники.
func declareExchanges(ch *amqp.Channel) error {
	exchanges := []struct {
		name Exchange
		kind string
	}{
		{ExchangeEvents, amqp.ExchangeTopic},
		{ExchangeRuns, amqp.ExchangeDirect},
		{ExchangeDLQ, amqp.ExchangeDirect},
	}

	for _, ex := range exchanges {
		err := ch.ExchangeDeclare(
			string(ex.name), // name
			ex.kind,         // type
			true,            // durable
			false,           // auto-deleted
			false,           // internal
			false,           // no-wait
			nil,             // arguments
		)
		if err != nil {
			return fmt.Errorf("declare exchange %s: %w", ex.name, err)
		}
	}

	return nil
}

// declareQueues создаёт очереди.
func declareQueues(ch *amqp.Channel) error {
	queues := []struct {
		name Queue
		args amqp.Table
	}{
		// runs.requested — отклонённые запросы уходят в DLQ
		{QueueRunRequests, amqp.Table{
			"x-dead-letter-exchange":    string(ExchangeDLQ),
			"x-dead-letter-routing-key": string(RoutingKeyDLQRuns),
		}},
		{QueueDLQRuns, nil},
	}

	for _, q := range queues {
		_, err := ch.QueueDeclare(
			string(q.name), // name
			true,           // durable
			false,          // delete when unused
			false,          // exclusive
			false,          // no-wait
			q.args,         // arguments
		)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", q.name, err)
		}
	}

	return nil
}

// bindQueues привязывает очереди к обменникам.
func bindQueues(ch *amqp.Channel) error {
	bindings := []struct {
		queue      Queue
		routingKey RoutingKey
		exchange   Exchange
	}{
		{QueueRunRequests, RoutingKeyRequested, ExchangeRuns},
		{QueueDLQRuns, RoutingKeyDLQRuns, ExchangeDLQ},
	}

	for _, b := range bindings {
		err := ch.QueueBind(
			string(b.queue),      // queue name
			string(b.routingKey), // routing key
			string(b.exchange),   // exchange
			false,                // no-wait
			nil,                  // arguments
		)
		if err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", b.queue, b.exchange, err)
		}
	}

	return nil
}

// TopologyInfo возвращает описание топологии для логирования.
func TopologyInfo() string {
	return `
  procorch RabbitMQ topology:

    procorch.events (topic)
    └── routing: run.started | run.succeeded | run.failed | run.aborted
                 step.retrying | step.failed | step.recovered
            Consumers: external subscribers

    procorch.runs (direct)
    └── runs.requested [routing: requested]
            Consumer: procorch-runner
            DLQ: dlq.runs

    procorch.dlq (direct)
    └── dlq.runs [routing: runs]
            Manual processing
  `
}
