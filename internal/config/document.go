// Package config загружает декларативный документ с описанием процессов.
//
// Формат документа (YAML):
//
//	defaults:
//	  timeout: 300
//	  retry_count: 2
//	  retry_strategy: exponential
//	resources:
//	  headroom: 0.2
//	circuit_breaker:
//	  failure_threshold: 5
//	  recovery_timeout: 60
//	recovery:
//	  service_unavailable:
//	    - name: restart-db
//	      command: systemctl restart postgresql
//	processes:
//	  deploy:
//	    steps:
//	      - name: build
//	        command: make build
//	      - name: migrate
//	        command: ./migrate up
//	        dependencies: [build]
//	        critical: true
//
// Все длительности задаются в секундах (допускаются дробные).
package config

import (
	"time"
)

// Seconds — длительность в секундах, как она записана в документе.
type Seconds float64

// Duration переводит значение в time.Duration.
func (s Seconds) Duration() time.Duration {
	return time.Duration(float64(s) * float64(time.Second))
}

// Document — корень документа конфигурации.
type Document struct {
	Defaults       Defaults                `yaml:"defaults"`
	Resources      ResourcesSpec           `yaml:"resources"`
	CircuitBreaker BreakerSpec             `yaml:"circuit_breaker"`
	Recovery       map[string][]ActionSpec `yaml:"recovery"`
	Processes      map[string]ProcessSpec  `yaml:"processes"`
}

// Defaults — значения по умолчанию для всех шагов документа.
type Defaults struct {
	Timeout       Seconds `yaml:"timeout"`
	RetryCount    *int    `yaml:"retry_count"`
	RetryDelay    Seconds `yaml:"retry_delay"`
	RetryStrategy string  `yaml:"retry_strategy"`
	MaxRetryDelay Seconds `yaml:"max_retry_delay"`
	MaxParallel   int     `yaml:"max_parallel"`
}

// ResourcesSpec — секция resources.
type ResourcesSpec struct {
	CPU         float64            `yaml:"cpu"`
	Memory      float64            `yaml:"memory"`
	Slots       int                `yaml:"slots"`
	Headroom    *float64           `yaml:"headroom"`
	Multipliers map[string]float64 `yaml:"multipliers"`
}

// BreakerSpec — секция circuit_breaker.
type BreakerSpec struct {
	FailureThreshold int     `yaml:"failure_threshold"`
	RecoveryTimeout  Seconds `yaml:"recovery_timeout"`
}

// ActionSpec — одно recovery-действие.
type ActionSpec struct {
	Name         string  `yaml:"name"`
	Command      string  `yaml:"command"`
	Check        string  `yaml:"check"`
	Attempts     int     `yaml:"attempts"`
	SettleDelay  Seconds `yaml:"settle_delay"`
	ExpandCPU    float64 `yaml:"expand_cpu"`
	ExpandMemory float64 `yaml:"expand_memory"`
	ExpandFor    Seconds `yaml:"expand_for"`
}

// ProcessSpec — описание процесса в документе.
type ProcessSpec struct {
	Description string     `yaml:"description"`
	Schedule    string     `yaml:"schedule"`
	Timezone    string     `yaml:"timezone"`
	Timeout     Seconds    `yaml:"timeout"`
	MaxParallel int        `yaml:"max_parallel"`
	Retry       *RetrySpec `yaml:"retry"`
	Steps       []StepSpec `yaml:"steps"`
}

// RetrySpec — политика retry уровня процесса.
type RetrySpec struct {
	Count    *int    `yaml:"count"`
	Delay    Seconds `yaml:"delay"`
	Strategy string  `yaml:"strategy"`
	MaxDelay Seconds `yaml:"max_delay"`
}

// StepSpec — описание шага в документе.
type StepSpec struct {
	Name          string            `yaml:"name"`
	Type          string            `yaml:"type"`
	Command       string            `yaml:"command"`
	Dependencies  []string          `yaml:"dependencies"`
	Timeout       Seconds           `yaml:"timeout"`
	RetryCount    *int              `yaml:"retry_count"`
	RetryDelay    Seconds           `yaml:"retry_delay"`
	RetryStrategy string            `yaml:"retry_strategy"`
	Critical      bool              `yaml:"critical"`
	Condition     string            `yaml:"condition"`
	Environment   map[string]string `yaml:"environment_variables"`
	Env           map[string]string `yaml:"environment"`
	HealthCheck   *HealthCheckSpec  `yaml:"healthcheck"`
	Resources     *ResourceSpec     `yaml:"resources"`
	Breaker       string            `yaml:"breaker"`
}

// HealthCheckSpec — проверка здоровья шага.
type HealthCheckSpec struct {
	Command  string  `yaml:"command"`
	Interval Seconds `yaml:"interval"`
	Retries  int     `yaml:"retries"`
}

// ResourceSpec — требования шага к ресурсам.
type ResourceSpec struct {
	CPU      float64 `yaml:"cpu"`
	Memory   float64 `yaml:"memory"`
	Priority string  `yaml:"priority"`
}
