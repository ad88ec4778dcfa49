// Package mq предоставляет инфраструктуру для работы с RabbitMQ.
//
// Структура:
//   - connection.go — соединение с RabbitMQ (reconnect, hooks, health)
//   - topology.go   — объявление exchanges, queues, bindings
//   - publisher.go  — публикация уведомлений и run-запросов
//   - consumer.go   — потребление run-запросов (дедупликация по execution id, ack/requeue/DLQ)
//
// Типы сообщений:
//   - run.requested — запрос на выполнение процесса (потребитель: procorch-runner)
//   - run.*, step.* — уведомления о ходе выполнения (внешние подписчики)
//
// Exchanges:
//   - procorch.events — уведомления, routing key = тип события (topic)
//   - procorch.runs   — run-запросы
//   - procorch.dlq    — dead letter queue
package mq
