// Package orchestrator выполняет процессы.
//
// Engine исполняет ExecutionPlan одного run:
//   - Запускает шаг, как только все его зависимости завершены
//   - Ограничивает параллелизм пулом размера max_parallel
//   - Получает ResourceGrant перед каждой попыткой
//   - Оборачивает попытки в retry-политику и circuit breaker
//   - После исчерпания попыток передаёт ошибку Recovery Coordinator
//   - При падении критичного шага перестаёт запускать новые шаги,
//     дожидаясь уже выполняющихся
//
// Service — долгоживущая обёртка над Engine: определения процессов,
// кэш планов, активные run, отмена по execution id и приём run-запросов
// из RabbitMQ.
package orchestrator
