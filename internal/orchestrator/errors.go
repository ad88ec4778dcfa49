package orchestrator

import (
	"errors"
	"fmt"

	"github.com/shaiso/procorch/internal/domain"
)

// Ошибки оркестратора.
var (
	// ErrCriticalStepFailed — критичный шаг исчерпал retry и recovery.
	ErrCriticalStepFailed = errors.New("critical step failed")

	// ErrAborted — run прерван внешней отменой или глобальным timeout.
	ErrAborted = errors.New("run aborted")

	// ErrCancelled — причина отмены через Service.Cancel.
	ErrCancelled = errors.New("cancelled by request")

	// ErrProcessTimeout — причина отмены по timeout процесса.
	ErrProcessTimeout = errors.New("process timeout")

	// ErrUnknownProcess — процесс не найден среди загруженных определений.
	ErrUnknownProcess = errors.New("unknown process")

	// ErrRunNotFound — run не найден в активных.
	ErrRunNotFound = errors.New("run not found")

	// ErrRunAlreadyActive — run с таким execution id уже выполняется.
	ErrRunAlreadyActive = errors.New("run already being processed")

	// ErrServiceStopped — сервис остановлен и не принимает новые run.
	ErrServiceStopped = errors.New("service stopped")
)

// CriticalStepFailedError описывает первую критичную ошибку run.
type CriticalStepFailedError struct {
	Step           string
	Kind           domain.ErrorKind
	Classification domain.FailureClass
	Attempts       int
	Recovery       []domain.RecoveryAttempt
	Err            error
}

func (e *CriticalStepFailedError) Error() string {
	return fmt.Sprintf("critical step %s failed after %d attempts (%s): %v",
		e.Step, e.Attempts, e.Classification, e.Err)
}

func (e *CriticalStepFailedError) Unwrap() []error {
	return []error{ErrCriticalStepFailed, e.Err}
}

// Detail возвращает подробности для Outcome и отчёта.
func (e *CriticalStepFailedError) Detail() *domain.FailureDetail {
	return &domain.FailureDetail{
		Step:           e.Step,
		Kind:           e.Kind,
		Classification: e.Classification,
		Attempts:       e.Attempts,
		Error:          e.Err.Error(),
		Recovery:       e.Recovery,
	}
}
