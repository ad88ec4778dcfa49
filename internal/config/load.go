package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shaiso/procorch/internal/domain"
	"github.com/shaiso/procorch/internal/engine"
	"github.com/shaiso/procorch/internal/scheduler"
)

var (
	ErrEmptyDocument  = errors.New("config: document is empty")
	ErrNoProcesses    = errors.New("config: no processes defined")
	ErrUnknownProcess = errors.New("config: unknown process")
	ErrInvalidSetting = errors.New("config: invalid setting")
)

// Значения по умолчанию, если документ их не задаёт.
const (
	defaultRetryStrategy = domain.BackoffFixed
	defaultHeadroom      = 0.2
)

// Parse декодирует документ и проверяет все процессы и настройки.
// Неизвестные ключи считаются ошибкой: опечатка в имени поля
// не должна молча отключать retry или healthcheck.
func Parse(data []byte) (*Document, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrEmptyDocument
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc Document
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode document: %w", err)
	}

	if _, err := doc.Normalized(); err != nil {
		return nil, err
	}
	if _, err := doc.EngineSettings(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Load читает документ из файла.
func Load(path string) (*Document, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	doc, err := Parse(content)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}

// ProcessNames возвращает имена процессов в алфавитном порядке.
func (d *Document) ProcessNames() []string {
	return slices.Sorted(maps.Keys(d.Processes))
}

// Process возвращает нормализованное определение процесса.
func (d *Document) Process(name string) (*domain.ProcessDefinition, error) {
	spec, ok := d.Processes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProcess, name)
	}
	return d.normalize(name, spec)
}

// Normalized применяет значения по умолчанию ко всем процессам
// и проверяет каждый через Dependency Resolver (включая поиск циклов).
// Результат отсортирован по имени процесса.
func (d *Document) Normalized() ([]*domain.ProcessDefinition, error) {
	if len(d.Processes) == 0 {
		return nil, ErrNoProcesses
	}

	defs := make([]*domain.ProcessDefinition, 0, len(d.Processes))
	for _, name := range d.ProcessNames() {
		def, err := d.normalize(name, d.Processes[name])
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func (d *Document) normalize(name string, spec ProcessSpec) (*domain.ProcessDefinition, error) {
	def := &domain.ProcessDefinition{
		Name:        name,
		Description: spec.Description,
		Schedule:    spec.Schedule,
		Timezone:    spec.Timezone,
		Timeout:     spec.Timeout.Duration(),
		MaxParallel: spec.MaxParallel,
		Retry:       d.processRetry(spec.Retry),
		Steps:       make([]domain.Step, 0, len(spec.Steps)),
	}
	if def.MaxParallel == 0 {
		def.MaxParallel = d.Defaults.MaxParallel
	}
	if def.Timeout < 0 || def.MaxParallel < 0 {
		return nil, fmt.Errorf("%w: process %s: negative timeout or max_parallel", ErrInvalidSetting, name)
	}
	if def.IsScheduled() {
		if _, err := scheduler.CalculateNextDue(def.Schedule, def.Timezone, time.Now()); err != nil {
			return nil, fmt.Errorf("%w: process %s: %w", ErrInvalidSetting, name, err)
		}
	}

	for _, s := range spec.Steps {
		def.Steps = append(def.Steps, d.step(s, def.Retry))
	}

	if _, err := engine.BuildPlan(def); err != nil {
		return nil, fmt.Errorf("config: process %s: %w", name, err)
	}
	return def, nil
}

// processRetry собирает политику процесса поверх defaults.
func (d *Document) processRetry(spec *RetrySpec) domain.RetryPolicy {
	p := domain.RetryPolicy{
		Strategy:     domain.BackoffStrategy(d.Defaults.RetryStrategy),
		InitialDelay: d.Defaults.RetryDelay.Duration(),
		MaxDelay:     d.Defaults.MaxRetryDelay.Duration(),
	}
	if d.Defaults.RetryCount != nil {
		p.MaxRetries = *d.Defaults.RetryCount
	}

	if spec != nil {
		if spec.Count != nil {
			p.MaxRetries = *spec.Count
		}
		if spec.Delay > 0 {
			p.InitialDelay = spec.Delay.Duration()
		}
		if spec.Strategy != "" {
			p.Strategy = domain.BackoffStrategy(spec.Strategy)
		}
		if spec.MaxDelay > 0 {
			p.MaxDelay = spec.MaxDelay.Duration()
		}
	}

	if p.Strategy == "" {
		p.Strategy = defaultRetryStrategy
	}
	return p
}

// step переводит описание шага, применяя политику процесса.
func (d *Document) step(s StepSpec, retry domain.RetryPolicy) domain.Step {
	step := domain.Step{
		Name:         s.Name,
		Type:         s.Type,
		Command:      s.Command,
		Dependencies: s.Dependencies,
		Timeout:      s.Timeout.Duration(),
		Retry:        retry,
		Critical:     s.Critical,
		Condition:    s.Condition,
		BreakerKey:   s.Breaker,
	}
	if step.Timeout == 0 {
		step.Timeout = d.Defaults.Timeout.Duration()
	}

	if s.RetryCount != nil {
		step.Retry.MaxRetries = *s.RetryCount
	}
	if s.RetryDelay > 0 {
		step.Retry.InitialDelay = s.RetryDelay.Duration()
	}
	if s.RetryStrategy != "" {
		step.Retry.Strategy = domain.BackoffStrategy(s.RetryStrategy)
	}

	if len(s.Environment) > 0 || len(s.Env) > 0 {
		step.Environment = make(map[string]string, len(s.Environment)+len(s.Env))
		maps.Copy(step.Environment, s.Env)
		maps.Copy(step.Environment, s.Environment)
	}

	if s.HealthCheck != nil {
		step.HealthCheck = &domain.HealthCheck{
			Command:  s.HealthCheck.Command,
			Interval: s.HealthCheck.Interval.Duration(),
			Retries:  s.HealthCheck.Retries,
		}
	}

	if s.Resources != nil {
		step.Resources = domain.ResourceRequirements{
			CPU:      s.Resources.CPU,
			Memory:   s.Resources.Memory,
			Priority: domain.Priority(s.Resources.Priority),
		}
	}

	return step
}

// EngineSettings возвращает настройки движка: пул ресурсов,
// circuit breaker и recovery-действия по классам ошибок.
func (d *Document) EngineSettings() (domain.EngineSettings, error) {
	r := d.Resources
	if r.CPU < 0 || r.Memory < 0 || r.Slots < 0 {
		return domain.EngineSettings{}, fmt.Errorf("%w: resources must not be negative", ErrInvalidSetting)
	}

	headroom := defaultHeadroom
	if r.Headroom != nil {
		headroom = *r.Headroom
	}
	if headroom < 0 || headroom >= 1 {
		return domain.EngineSettings{}, fmt.Errorf("%w: resources.headroom must be in [0, 1), got %v", ErrInvalidSetting, headroom)
	}

	settings := domain.EngineSettings{
		Resources: domain.ResourceSettings{
			CPU:      r.CPU,
			Memory:   r.Memory,
			Slots:    r.Slots,
			Headroom: headroom,
		},
		CircuitBreaker: domain.BreakerSettings{
			FailureThreshold: d.CircuitBreaker.FailureThreshold,
			RecoveryTimeout:  d.CircuitBreaker.RecoveryTimeout.Duration(),
		},
	}

	if len(r.Multipliers) > 0 {
		settings.Resources.Multipliers = make(map[domain.Priority]float64, len(r.Multipliers))
		for p, m := range r.Multipliers {
			prio := domain.Priority(p)
			switch prio {
			case domain.PriorityHigh, domain.PriorityNormal, domain.PriorityLow:
			default:
				return domain.EngineSettings{}, fmt.Errorf("%w: unknown priority %q in resources.multipliers", ErrInvalidSetting, p)
			}
			if m <= 0 {
				return domain.EngineSettings{}, fmt.Errorf("%w: multiplier for %s must be positive", ErrInvalidSetting, p)
			}
			settings.Resources.Multipliers[prio] = m
		}
	}

	if len(d.Recovery) > 0 {
		settings.Recovery = make(map[domain.FailureClass][]domain.RecoveryActionSpec, len(d.Recovery))
		for key, actions := range d.Recovery {
			class, ok := domain.ParseFailureClass(key)
			if !ok {
				return domain.EngineSettings{}, fmt.Errorf("%w: unknown failure class %q in recovery", ErrInvalidSetting, key)
			}
			for i, a := range actions {
				if a.Name == "" {
					return domain.EngineSettings{}, fmt.Errorf("%w: recovery.%s[%d] has empty name", ErrInvalidSetting, key, i)
				}
				settings.Recovery[class] = append(settings.Recovery[class], domain.RecoveryActionSpec{
					Name:         a.Name,
					Command:      a.Command,
					Check:        a.Check,
					Attempts:     a.Attempts,
					SettleDelay:  a.SettleDelay.Duration(),
					ExpandCPU:    a.ExpandCPU,
					ExpandMemory: a.ExpandMemory,
					ExpandFor:    a.ExpandFor.Duration(),
				})
			}
		}
	}

	return settings, nil
}
