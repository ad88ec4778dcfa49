package engine

import (
	"errors"
	"strings"
)

// Ошибки валидации ProcessDefinition.
var (
	// ErrEmptyProcess — процесс не содержит шагов.
	ErrEmptyProcess = errors.New("process has no steps")

	// ErrEmptyStepName — шаг не имеет имени.
	ErrEmptyStepName = errors.New("step has empty name")

	// ErrDuplicateStep — несколько шагов с одинаковым именем.
	ErrDuplicateStep = errors.New("duplicate step name")

	// ErrUnknownStepType — неизвестный тип шага.
	ErrUnknownStepType = errors.New("unknown step type")

	// ErrEmptyCommand — у шага нет команды.
	ErrEmptyCommand = errors.New("step has empty command")

	// ErrInvalidTimeout — отрицательный timeout.
	ErrInvalidTimeout = errors.New("invalid timeout")

	// ErrInvalidRetry — некорректная политика retry.
	ErrInvalidRetry = errors.New("invalid retry policy")

	// ErrInvalidHealthCheck — healthcheck без команды или с отрицательными значениями.
	ErrInvalidHealthCheck = errors.New("invalid healthcheck")

	// ErrInvalidResources — отрицательные требования или неизвестный приоритет.
	ErrInvalidResources = errors.New("invalid resource requirements")
)

// Ошибки построения плана.
var (
	// ErrUnknownDependency — шаг зависит от несуществующего шага.
	ErrUnknownDependency = errors.New("unknown dependency")

	// ErrCycleDetected — обнаружен цикл в зависимостях.
	ErrCycleDetected = errors.New("cycle detected")
)

// Ошибки условий.
var (
	// ErrConditionSyntax — условие не удалось разобрать.
	ErrConditionSyntax = errors.New("condition syntax error")

	// ErrConditionEval — условие не удалось вычислить.
	ErrConditionEval = errors.New("condition evaluation failed")
)

// ValidationError — ошибка валидации с контекстом.
type ValidationError struct {
	Step    string // имя шага, где произошла ошибка
	Field   string // поле, вызвавшее ошибку
	Message string // описание ошибки
	Err     error  // базовая ошибка
}

// Error реализует интерфейс error.
func (e *ValidationError) Error() string {
	if e.Step != "" {
		return "step " + e.Step + ": " + e.Message
	}
	return e.Message
}

// Unwrap возвращает базовую ошибку.
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError создаёт новую ошибку валидации.
func NewValidationError(step, field, message string, err error) *ValidationError {
	return &ValidationError{
		Step:    step,
		Field:   field,
		Message: message,
		Err:     err,
	}
}

// UnknownDependencyError — ссылка на шаг, которого нет в процессе.
type UnknownDependencyError struct {
	Step       string
	Dependency string
}

func (e *UnknownDependencyError) Error() string {
	return "step " + e.Step + ": unknown dependency " + e.Dependency
}

func (e *UnknownDependencyError) Unwrap() error {
	return ErrUnknownDependency
}

// CycleError — цикл в графе зависимостей.
// Steps перечисляет шаги цикла в порядке обхода.
type CycleError struct {
	Steps []string
}

func (e *CycleError) Error() string {
	if len(e.Steps) == 0 {
		return ErrCycleDetected.Error()
	}
	path := append(append([]string(nil), e.Steps...), e.Steps[0])
	return "cycle detected: " + strings.Join(path, " -> ")
}

func (e *CycleError) Unwrap() error {
	return ErrCycleDetected
}
