package domain

// RunStatus — итоговый статус выполнения процесса.
//
// Жизненный цикл:
//
//	PENDING → RUNNING → SUCCEEDED (возможно с предупреждениями)
//	                  ↘ FAILED   (упал критичный шаг)
//	                  ↘ ABORTED  (внешняя отмена или глобальный timeout)
type RunStatus string

const (
	// RunStatusPending — run принят, но ещё не начал выполняться.
	RunStatusPending RunStatus = "PENDING"

	// RunStatusRunning — run в процессе выполнения.
	RunStatusRunning RunStatus = "RUNNING"

	// RunStatusSucceeded — все критичные шаги завершились успешно.
	RunStatusSucceeded RunStatus = "SUCCEEDED"

	// RunStatusFailed — критичный шаг исчерпал retry и recovery.
	RunStatusFailed RunStatus = "FAILED"

	// RunStatusAborted — run прерван сигналом отмены.
	RunStatusAborted RunStatus = "ABORTED"
)

// IsTerminal возвращает true, если статус финальный (run завершён).
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusAborted:
		return true
	default:
		return false
	}
}

// Result возвращает внешний результат run: success | failure | aborted.
// Для незавершённых run возвращается пустая строка.
func (s RunStatus) Result() string {
	switch s {
	case RunStatusSucceeded:
		return "success"
	case RunStatusFailed:
		return "failure"
	case RunStatusAborted:
		return "aborted"
	default:
		return ""
	}
}

// StepState — состояние шага внутри одного run.
//
// Жизненный цикл:
//
//	PENDING → RUNNING → SUCCEEDED
//	                  ↘ RETRYING → RUNNING ...
//	                  ↘ FAILED
//	        → SKIPPED (condition = false или зависимость не выполнена)
type StepState string

const (
	// StepPending — шаг ещё не отправлен на выполнение.
	StepPending StepState = "PENDING"

	// StepRunning — выполняется очередная попытка.
	StepRunning StepState = "RUNNING"

	// StepRetrying — попытка упала, шаг ждёт backoff перед следующей.
	StepRetrying StepState = "RETRYING"

	// StepSucceeded — шаг выполнен успешно.
	StepSucceeded StepState = "SUCCEEDED"

	// StepFailed — шаг исчерпал попытки и recovery.
	StepFailed StepState = "FAILED"

	// StepSkipped — шаг не выполнялся.
	StepSkipped StepState = "SKIPPED"
)

// IsTerminal возвращает true, если состояние финальное.
func (s StepState) IsTerminal() bool {
	switch s {
	case StepSucceeded, StepFailed, StepSkipped:
		return true
	default:
		return false
	}
}

// SkipReason — причина пропуска шага.
type SkipReason string

const (
	// SkipCondition — условие шага вычислилось в false.
	// Зависимые шаги считают такой шаг выполненным.
	SkipCondition SkipReason = "condition"

	// SkipDependencyFailed — зависимость упала или сама была пропущена
	// по той же причине. Зависимые шаги тоже пропускаются.
	SkipDependencyFailed SkipReason = "dependency-not-satisfied"
)

// BreakerState — состояние circuit breaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// FailureClass — классификация терминальной ошибки шага.
// Определяет, какие recovery-действия будут применены.
type FailureClass string

const (
	FailureNetworkTimeout     FailureClass = "NetworkTimeout"
	FailureResourceExhaustion FailureClass = "ResourceExhaustion"
	FailureDependency         FailureClass = "DependencyFailure"
	FailureConfiguration      FailureClass = "ConfigurationError"
	FailureServiceUnavailable FailureClass = "ServiceUnavailable"
)

// FailureClasses перечисляет все классы в стабильном порядке.
var FailureClasses = []FailureClass{
	FailureNetworkTimeout,
	FailureResourceExhaustion,
	FailureDependency,
	FailureConfiguration,
	FailureServiceUnavailable,
}

// ParseFailureClass принимает как CamelCase, так и snake_case имена
// (в YAML классы пишутся как resource_exhaustion).
func ParseFailureClass(s string) (FailureClass, bool) {
	switch s {
	case "NetworkTimeout", "network_timeout":
		return FailureNetworkTimeout, true
	case "ResourceExhaustion", "resource_exhaustion":
		return FailureResourceExhaustion, true
	case "DependencyFailure", "dependency_failure":
		return FailureDependency, true
	case "ConfigurationError", "configuration_error":
		return FailureConfiguration, true
	case "ServiceUnavailable", "service_unavailable":
		return FailureServiceUnavailable, true
	default:
		return "", false
	}
}

// ErrorKind — вид ошибки выполнения, попадающий в отчёт.
type ErrorKind string

const (
	ErrorKindNone              ErrorKind = ""
	ErrorKindTimeout           ErrorKind = "StepTimeout"
	ErrorKindCommandFailure    ErrorKind = "StepCommandFailure"
	ErrorKindResourceExhausted ErrorKind = "ResourceExhausted"
	ErrorKindCircuitOpen       ErrorKind = "CircuitOpen"
	ErrorKindAborted           ErrorKind = "Aborted"
	ErrorKindConfiguration     ErrorKind = "ConfigurationError"
)

// Priority — приоритет шага при выделении ресурсов.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// BackoffStrategy — стратегия вычисления задержки между попытками.
type BackoffStrategy string

const (
	BackoffFixed       BackoffStrategy = "fixed"
	BackoffLinear      BackoffStrategy = "linear"
	BackoffExponential BackoffStrategy = "exponential"
)

// IsValid проверяет, что стратегия известна.
func (s BackoffStrategy) IsValid() bool {
	switch s {
	case BackoffFixed, BackoffLinear, BackoffExponential:
		return true
	default:
		return false
	}
}
