package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// ProcessDefinition — декларативное описание процесса.
//
// Процесс — набор именованных шагов с зависимостями между ними.
// После загрузки определение не изменяется: при перезагрузке конфигурации
// создаётся новое определение, а старый план выполнения отбрасывается.
type ProcessDefinition struct {
	// Name — уникальное имя процесса (ключ в секции processes).
	Name string `json:"name"`

	// Description — описание для людей.
	Description string `json:"description,omitempty"`

	// Schedule — cron-выражение для запуска по расписанию (5 полей).
	// Пустая строка — только ручной запуск.
	Schedule string `json:"schedule,omitempty"`

	// Timezone — часовой пояс для Schedule. По умолчанию UTC.
	Timezone string `json:"timezone,omitempty"`

	// Timeout — глобальный timeout всего run. 0 — без ограничения.
	Timeout time.Duration `json:"timeout,omitempty"`

	// MaxParallel — размер пула одновременно выполняемых шагов.
	// 0 — без ограничения (равен числу шагов).
	MaxParallel int `json:"max_parallel,omitempty"`

	// Retry — политика retry по умолчанию для шагов процесса.
	Retry RetryPolicy `json:"retry"`

	// Steps — шаги в порядке объявления.
	// Порядок используется только для детерминированного вывода.
	Steps []Step `json:"steps"`
}

// Step — один шаг процесса.
type Step struct {
	// Name — имя шага, уникальное в пределах процесса.
	Name string `json:"name"`

	// Type — тип executor'а: shell (по умолчанию), http, delay.
	Type string `json:"type,omitempty"`

	// Command — команда, интерпретируемая executor'ом.
	//   shell: "pg_dump -Fc app > /tmp/app.dump"
	//   http:  "POST https://deploy.internal/hooks/release"
	//   delay: "30s"
	Command string `json:"command"`

	// Dependencies — имена шагов, которые должны завершиться раньше.
	Dependencies []string `json:"dependencies,omitempty"`

	// Timeout — timeout одной попытки. 0 — без ограничения.
	Timeout time.Duration `json:"timeout,omitempty"`

	// Retry — итоговая политика retry шага (retry_count и переопределения
	// уже применены при загрузке конфигурации).
	Retry RetryPolicy `json:"retry"`

	// Critical — падение шага прерывает весь run.
	Critical bool `json:"critical,omitempty"`

	// Condition — булево выражение над контекстом запуска.
	// Пример: "branch == 'main' and approved == true"
	Condition string `json:"condition,omitempty"`

	// Environment — переменные окружения шага.
	Environment map[string]string `json:"environment,omitempty"`

	// HealthCheck — проверка после успешного выполнения команды.
	HealthCheck *HealthCheck `json:"healthcheck,omitempty"`

	// Resources — требования к ресурсам и приоритет.
	Resources ResourceRequirements `json:"resources"`

	// BreakerKey — ключ circuit breaker. Шаги с одинаковым ключом
	// (например, обращающиеся к одному внешнему сервису) делят breaker.
	// Пустая строка — "<process>/<step>".
	BreakerKey string `json:"breaker,omitempty"`
}

// RetryPolicy — параметры повторных попыток.
type RetryPolicy struct {
	// MaxRetries — число повторов после первой попытки.
	// Всего попыток: 1 + MaxRetries.
	MaxRetries int `json:"max_retries"`

	// Strategy — fixed, linear или exponential.
	Strategy BackoffStrategy `json:"strategy"`

	// InitialDelay — базовая задержка.
	InitialDelay time.Duration `json:"initial_delay"`

	// MaxDelay — верхняя граница задержки. 0 — без ограничения.
	MaxDelay time.Duration `json:"max_delay,omitempty"`
}

// HealthCheck — описание проверки здоровья шага.
type HealthCheck struct {
	// Command — shell-команда проверки; успех = exit code 0.
	Command string `json:"command"`

	// Interval — пауза между неудачными проверками.
	Interval time.Duration `json:"interval,omitempty"`

	// Retries — сколько раз выполнить проверку, прежде чем сдаться.
	Retries int `json:"retries,omitempty"`
}

// ResourceRequirements — запрос ресурсов шага.
// CPU и Memory задаются в процентах от мощности хоста.
type ResourceRequirements struct {
	CPU      float64  `json:"cpu,omitempty"`
	Memory   float64  `json:"memory,omitempty"`
	Priority Priority `json:"priority,omitempty"`
}

// Step возвращает шаг по имени или nil.
func (p *ProcessDefinition) Step(name string) *Step {
	for i := range p.Steps {
		if p.Steps[i].Name == name {
			return &p.Steps[i]
		}
	}
	return nil
}

// StepNames возвращает имена шагов в порядке объявления.
func (p *ProcessDefinition) StepNames() []string {
	names := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		names[i] = s.Name
	}
	return names
}

// IsScheduled возвращает true, если у процесса есть расписание.
func (p *ProcessDefinition) IsScheduled() bool {
	return p.Schedule != ""
}

// Fingerprint — sha256 от JSON-представления определения.
// Меняется при любом изменении, влияющем на план или выполнение.
func (p *ProcessDefinition) Fingerprint() string {
	data, err := json.Marshal(p)
	if err != nil {
		// ProcessDefinition состоит только из сериализуемых полей
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// EffectiveBreakerKey возвращает ключ breaker'а для шага.
func (s *Step) EffectiveBreakerKey(process string) string {
	if s.BreakerKey != "" {
		return s.BreakerKey
	}
	return process + "/" + s.Name
}

// ExecutorType возвращает тип executor'а с учётом значения по умолчанию.
func (s *Step) ExecutorType() string {
	if s.Type == "" {
		return "shell"
	}
	return s.Type
}
