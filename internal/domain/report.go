package domain

import (
	"time"

	"github.com/google/uuid"
)

// Report — структурированная сводка выполнения для внешних хранилищ.
//
// Строится из Outcome после завершения run и сериализуется в JSON
// (файл, объектное хранилище, таблица executions).
type Report struct {
	ExecutionID uuid.UUID `json:"execution_id"`
	Process     string    `json:"process"`
	Environment string    `json:"environment,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	DurationMs  int64     `json:"duration_ms"`
	Status      RunStatus `json:"status"`
	Result      string    `json:"result"`
	Warnings    bool      `json:"warnings,omitempty"`
	Cause       string    `json:"cause,omitempty"`

	Steps   []StepResult   `json:"steps"`
	Summary Summary        `json:"summary"`
	Failure *FailureDetail `json:"failure,omitempty"`
}

// StepResult — результат шага в отчёте.
type StepResult struct {
	Name           string            `json:"name"`
	Stage          int               `json:"stage"`
	State          StepState         `json:"state"`
	Critical       bool              `json:"critical,omitempty"`
	Attempts       int               `json:"attempts"`
	DurationMs     int64             `json:"duration_ms"`
	Output         string            `json:"output,omitempty"`
	Error          string            `json:"error,omitempty"`
	ErrorKind      ErrorKind         `json:"error_kind,omitempty"`
	SkipReason     SkipReason        `json:"skip_reason,omitempty"`
	Classification FailureClass      `json:"classification,omitempty"`
	Recovery       []RecoveryAttempt `json:"recovery,omitempty"`
	Recovered      bool              `json:"recovered,omitempty"`
}

// NewReport строит отчёт из результата выполнения.
func NewReport(o *Outcome) *Report {
	r := &Report{
		ExecutionID: o.ExecutionID,
		Process:     o.Process,
		Environment: o.Environment,
		Timestamp:   o.StartedAt,
		DurationMs:  o.Duration().Milliseconds(),
		Status:      o.Status,
		Result:      o.Status.Result(),
		Warnings:    o.HasWarnings(),
		Cause:       o.Cause,
		Summary:     o.Summary(),
		Failure:     o.Failure,
	}

	for _, sr := range o.StepRuns() {
		r.Steps = append(r.Steps, StepResult{
			Name:           sr.Step,
			Stage:          sr.Stage,
			State:          sr.State,
			Critical:       sr.Critical,
			Attempts:       sr.Attempts,
			DurationMs:     sr.Duration().Milliseconds(),
			Output:         sr.Output,
			Error:          sr.Error,
			ErrorKind:      sr.ErrorKind,
			SkipReason:     sr.SkipReason,
			Classification: sr.Classification,
			Recovery:       sr.Recovery,
			Recovered:      sr.Recovered,
		})
	}

	return r
}

// Step возвращает результат шага по имени или nil.
func (r *Report) Step(name string) *StepResult {
	for i := range r.Steps {
		if r.Steps[i].Name == name {
			return &r.Steps[i]
		}
	}
	return nil
}

// ReportFilter — фильтр для списка отчётов.
type ReportFilter struct {
	Process string
	Status  RunStatus
	Limit   int
	Offset  int
}
