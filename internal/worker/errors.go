package worker

import (
	"errors"
	"fmt"

	"github.com/shaiso/procorch/internal/retry"
)

// Ошибки исполнения шагов.
var (
	// ErrUnknownStepType — нет executor'а для данного типа шага.
	ErrUnknownStepType = errors.New("unknown step type")

	// ErrInvalidCommand — команду шага невозможно интерпретировать.
	ErrInvalidCommand = errors.New("invalid command")

	// ErrHTTPRequest — HTTP-запрос не был выполнен (сеть, DNS).
	ErrHTTPRequest = errors.New("http request failed")

	// ErrHealthCheckFailed — healthcheck не прошёл ни разу.
	ErrHealthCheckFailed = errors.New("health check failed")
)

// CommandError — команда выполнилась, но завершилась неуспешно.
type CommandError struct {
	// ExitCode — код завершения процесса или HTTP-статус.
	ExitCode int

	// Output — вывод команды (для классификации ошибки).
	Output string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: exit code %d", retry.ErrStepCommandFailure, e.ExitCode)
}

func (e *CommandError) Unwrap() error {
	return retry.ErrStepCommandFailure
}
