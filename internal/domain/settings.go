package domain

import "time"

// EngineSettings — настройки движка, общие для всех процессов документа.
type EngineSettings struct {
	Resources      ResourceSettings                       `json:"resources"`
	CircuitBreaker BreakerSettings                        `json:"circuit_breaker"`
	Recovery       map[FailureClass][]RecoveryActionSpec `json:"recovery,omitempty"`
}

// ResourceSettings — ёмкость пула ресурсов.
type ResourceSettings struct {
	// CPU и Memory — потолок в процентах (обычно 100).
	CPU    float64 `json:"cpu"`
	Memory float64 `json:"memory"`

	// Slots — максимум одновременно выполняемых шагов. 0 — без ограничения.
	Slots int `json:"slots,omitempty"`

	// Headroom — доля ёмкости, которая никогда не выдаётся шагам (0.2 = 20%).
	Headroom float64 `json:"headroom"`

	// Multipliers — множитель запроса по приоритету.
	Multipliers map[Priority]float64 `json:"multipliers,omitempty"`
}

// BreakerSettings — параметры circuit breaker по умолчанию.
type BreakerSettings struct {
	FailureThreshold int           `json:"failure_threshold"`
	RecoveryTimeout  time.Duration `json:"recovery_timeout"`
}

// RecoveryActionSpec — recovery-действие из конфигурации.
//
// Действие либо выполняет команду (Command), либо запрашивает
// дополнительную ёмкость у Resource Manager (Expand*), либо и то и другое.
type RecoveryActionSpec struct {
	Name string `json:"name"`

	// Command — shell-команда действия (restart, failover, cleanup).
	Command string `json:"command,omitempty"`

	// Check — команда-предикат успеха. Пусто — healthcheck шага,
	// а если его нет, успех самого действия.
	Check string `json:"check,omitempty"`

	// Attempts — число попыток действия.
	Attempts int `json:"attempts,omitempty"`

	// SettleDelay — пауза перед проверкой предиката.
	SettleDelay time.Duration `json:"settle_delay,omitempty"`

	// ExpandCPU, ExpandMemory, ExpandFor — временная добавка ёмкости.
	ExpandCPU    float64       `json:"expand_cpu,omitempty"`
	ExpandMemory float64       `json:"expand_memory,omitempty"`
	ExpandFor    time.Duration `json:"expand_for,omitempty"`
}

// ResourceSnapshot — текущее использование пула ресурсов.
type ResourceSnapshot struct {
	UsedCPU      float64 `json:"used_cpu"`
	UsedMemory   float64 `json:"used_memory"`
	UsableCPU    float64 `json:"usable_cpu"`
	UsableMemory float64 `json:"usable_memory"`
	UsedSlots    int     `json:"used_slots"`
	Slots        int     `json:"slots"`
	Grants       int     `json:"grants"`
}

// CPUUtilization возвращает долю занятого CPU от доступного.
func (s ResourceSnapshot) CPUUtilization() float64 {
	if s.UsableCPU <= 0 {
		return 0
	}
	return s.UsedCPU / s.UsableCPU
}

// MemoryUtilization возвращает долю занятой памяти от доступной.
func (s ResourceSnapshot) MemoryUtilization() float64 {
	if s.UsableMemory <= 0 {
		return 0
	}
	return s.UsedMemory / s.UsableMemory
}

// BreakerSnapshot — состояние одного circuit breaker.
type BreakerSnapshot struct {
	Key         string       `json:"key"`
	State       BreakerState `json:"state"`
	Failures    int          `json:"failures"`
	LastFailure *time.Time   `json:"last_failure,omitempty"`
}
