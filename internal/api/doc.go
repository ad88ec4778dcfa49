// Package api содержит HTTP API сервер.
//
// Структура:
//   - handler.go         — Handler с DI (оркестратор, хранилище отчётов, logger)
//   - routes.go          — регистрация маршрутов
//   - middleware.go      — middleware (logging, recovery)
//   - response.go        — унифицированные JSON-ответы и обработка ошибок
//   - dto.go             — Data Transfer Objects (request/response)
//   - process_handler.go — обработчики для /processes
//   - run_handler.go     — обработчики для /runs
//   - status_handler.go  — состояние circuit breaker'ов и пула ресурсов
//
// API предоставляет REST endpoints для запуска процессов, просмотра
// планов выполнения и истории run.
package api
