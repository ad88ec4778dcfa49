package engine

import (
	"fmt"
	"slices"

	"github.com/shaiso/procorch/internal/domain"
)

// Допустимые типы шагов.
var validStepTypes = map[string]bool{
	"shell": true,
	"http":  true,
	"delay": true,
}

// Validate выполняет полную валидацию ProcessDefinition.
//
// Проверяет:
//   - наличие шагов
//   - уникальность имён шагов
//   - типы, команды, retry, healthcheck и ресурсы каждого шага
//   - синтаксис условий
//   - что все зависимости ссылаются на шаги этого процесса
//
// Циклы ищет BuildPlan: для этого нужен граф.
func Validate(def *domain.ProcessDefinition) error {
	if def == nil || len(def.Steps) == 0 {
		return ErrEmptyProcess
	}

	names := make(map[string]bool, len(def.Steps))

	for i := range def.Steps {
		if err := ValidateStep(&def.Steps[i], names); err != nil {
			return err
		}
	}

	return validateDependencies(def.Steps, names)
}

// ValidateStep валидирует один шаг.
// names — уже встреченные имена шагов (для проверки уникальности).
func ValidateStep(step *domain.Step, names map[string]bool) error {
	if step.Name == "" {
		return NewValidationError("", "name", "step has empty name", ErrEmptyStepName)
	}

	if names[step.Name] {
		return NewValidationError(step.Name, "name",
			fmt.Sprintf("duplicate step name: %s", step.Name), ErrDuplicateStep)
	}
	names[step.Name] = true

	if !validStepTypes[step.ExecutorType()] {
		return NewValidationError(step.Name, "type",
			fmt.Sprintf("unknown step type: %s", step.Type), ErrUnknownStepType)
	}

	if step.Command == "" {
		return NewValidationError(step.Name, "command", "step has empty command", ErrEmptyCommand)
	}

	if step.Timeout < 0 {
		return NewValidationError(step.Name, "timeout", "timeout must not be negative", ErrInvalidTimeout)
	}

	if err := validateRetry(step.Name, step.Retry); err != nil {
		return err
	}

	if err := validateHealthCheck(step.Name, step.HealthCheck); err != nil {
		return err
	}

	if err := validateResources(step.Name, step.Resources); err != nil {
		return err
	}

	if step.Condition != "" {
		if _, err := ParseCondition(step.Condition); err != nil {
			return NewValidationError(step.Name, "condition", err.Error(), ErrConditionSyntax)
		}
	}

	// Зависимость от самого себя — цикл длины 1
	if slices.Contains(step.Dependencies, step.Name) {
		return &CycleError{Steps: []string{step.Name}}
	}

	return nil
}

// validateRetry проверяет политику retry шага.
func validateRetry(name string, p domain.RetryPolicy) error {
	if p.MaxRetries < 0 {
		return NewValidationError(name, "retry_count", "retry count must not be negative", ErrInvalidRetry)
	}
	if p.Strategy != "" && !p.Strategy.IsValid() {
		return NewValidationError(name, "retry_strategy",
			fmt.Sprintf("unknown retry strategy: %s", p.Strategy), ErrInvalidRetry)
	}
	if p.InitialDelay < 0 || p.MaxDelay < 0 {
		return NewValidationError(name, "retry_delay", "retry delays must not be negative", ErrInvalidRetry)
	}
	return nil
}

// validateHealthCheck проверяет описание healthcheck.
func validateHealthCheck(name string, hc *domain.HealthCheck) error {
	if hc == nil {
		return nil
	}
	if hc.Command == "" {
		return NewValidationError(name, "healthcheck", "healthcheck has empty command", ErrInvalidHealthCheck)
	}
	if hc.Interval < 0 || hc.Retries < 0 {
		return NewValidationError(name, "healthcheck",
			"healthcheck interval and retries must not be negative", ErrInvalidHealthCheck)
	}
	return nil
}

// validateResources проверяет требования к ресурсам.
func validateResources(name string, r domain.ResourceRequirements) error {
	if r.CPU < 0 || r.Memory < 0 {
		return NewValidationError(name, "resources", "resource requirements must not be negative", ErrInvalidResources)
	}
	switch r.Priority {
	case "", domain.PriorityHigh, domain.PriorityNormal, domain.PriorityLow:
		return nil
	default:
		return NewValidationError(name, "resources",
			fmt.Sprintf("unknown priority: %s", r.Priority), ErrInvalidResources)
	}
}

// validateDependencies проверяет, что все dependencies ссылаются на существующие шаги.
func validateDependencies(steps []domain.Step, names map[string]bool) error {
	for i := range steps {
		for _, dep := range steps[i].Dependencies {
			if !names[dep] {
				return &UnknownDependencyError{Step: steps[i].Name, Dependency: dep}
			}
		}
	}
	return nil
}

// IsValidStepType проверяет, является ли тип шага допустимым.
func IsValidStepType(stepType string) bool {
	return validStepTypes[stepType]
}
