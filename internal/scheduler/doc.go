// Package scheduler запускает процессы по расписанию.
//
// Scheduler периодически проверяет расписания с истекшим next_due_at
// и публикует run-запросы в очередь runs.requested.
//
// Структура:
//   - scheduler.go — основная логика Scheduler (Sync, Tick)
//   - cron.go      — парсинг cron-выражений, следующее время, idempotency key
//
// Использование:
//
//	sched := scheduler.New(scheduler.Config{
//	    States:     scheduleRepo,
//	    Catalog:    doc,        // процессы из конфигурации
//	    Dispatcher: publisher,
//	    Logger:     logger,
//	})
//
//	// Вызывается каждый тик (обычно раз в секунду)
//	if err := sched.Tick(ctx); err != nil {
//	    logger.Error("scheduler tick failed", "error", err)
//	}
//
// Leader Election:
//
// Scheduler не реализует leader election самостоятельно.
// Это делается в main.go через pg_try_advisory_lock.
// Метод Tick() вызывается только лидером.
package scheduler
