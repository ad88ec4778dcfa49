// Package worker — граница вызова шага.
//
// Шаг для движка — чёрный ящик: строка команды и переменные окружения
// на входе, успех или ошибка и захваченный вывод на выходе.
//
// # Executor
//
//	type Executor interface {
//	    Execute(ctx context.Context, inv *Invocation) (*Result, error)
//	}
//
// Реализации:
//   - ShellExecutor — команда ОС; простые команды разбираются go-shellwords
//     и запускаются напрямую, команды с операторами оболочки — через sh -c
//   - HTTPExecutor — "METHOD URL", заголовки и тело из переменных окружения
//   - DelayExecutor — пауза ("30s" или число секунд)
//
// # Registry
//
// Реестр executor'ов по типу шага. Registry.Run применяет timeout попытки
// и переводит истечение timeout в retry.ErrStepTimeout. Registry.Probe
// выполняет healthcheck шага.
//
// # Ошибки
//
//   - CommandError — ненулевой exit code или HTTP >= 400; оборачивает
//     retry.ErrStepCommandFailure
//   - retry.ErrStepTimeout — попытка не уложилась в timeout
//   - ErrUnknownStepType, ErrInvalidCommand — ошибки конфигурации,
//     помечены retry.Permanent и не повторяются
package worker
