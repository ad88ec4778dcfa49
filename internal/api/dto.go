package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/procorch/internal/domain"
	"github.com/shaiso/procorch/internal/engine"
)

// Process DTOs

// ProcessResponse — краткое описание процесса.
type ProcessResponse struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Schedule    string   `json:"schedule,omitempty"`
	Timezone    string   `json:"timezone,omitempty"`
	Timeout     float64  `json:"timeout_sec,omitempty"`
	MaxParallel int      `json:"max_parallel,omitempty"`
	Steps       []string `json:"steps"`
	Fingerprint string   `json:"fingerprint"`
}

// ProcessFromDomain конвертирует domain.ProcessDefinition в ProcessResponse.
func ProcessFromDomain(p *domain.ProcessDefinition) ProcessResponse {
	return ProcessResponse{
		Name:        p.Name,
		Description: p.Description,
		Schedule:    p.Schedule,
		Timezone:    p.Timezone,
		Timeout:     p.Timeout.Seconds(),
		MaxParallel: p.MaxParallel,
		Steps:       p.StepNames(),
		Fingerprint: p.Fingerprint(),
	}
}

// PlanResponse — план выполнения процесса.
type PlanResponse struct {
	Process     string         `json:"process"`
	Fingerprint string         `json:"fingerprint"`
	MaxParallel int            `json:"max_parallel"`
	Stages      []engine.Stage `json:"stages"`
}

// PlanFromEngine конвертирует engine.ExecutionPlan в PlanResponse.
func PlanFromEngine(p *engine.ExecutionPlan) PlanResponse {
	return PlanResponse{
		Process:     p.Process,
		Fingerprint: p.Fingerprint,
		MaxParallel: p.MaxParallel(),
		Stages:      p.Stages,
	}
}

// Run DTOs

// CreateRunRequest — запрос на запуск процесса.
type CreateRunRequest struct {
	Process     string         `json:"process"`
	Environment string         `json:"environment,omitempty"`
	Vars        map[string]any `json:"vars,omitempty"`

	// ExecutionID — необязательный id, заданный клиентом.
	ExecutionID *uuid.UUID `json:"execution_id,omitempty"`

	// Wait — дождаться завершения и вернуть отчёт.
	Wait bool `json:"wait,omitempty"`
}

// ToDomain конвертирует запрос в domain.RunRequest.
func (r CreateRunRequest) ToDomain() domain.RunRequest {
	req := domain.RunRequest{
		Process:     r.Process,
		Environment: r.Environment,
		Vars:        r.Vars,
	}
	if r.ExecutionID != nil {
		req.ExecutionID = *r.ExecutionID
	}
	return req
}

// RunAcceptedResponse — ответ на асинхронный запуск.
type RunAcceptedResponse struct {
	ExecutionID uuid.UUID        `json:"execution_id"`
	Process     string           `json:"process"`
	Status      domain.RunStatus `json:"status"`
}

// RunResponse — состояние run: отчёт завершённого или снимок активного.
type RunResponse struct {
	*domain.Report

	// Active — run ещё выполняется, отчёт неполный.
	Active bool `json:"active"`
}

// RunFromReport конвертирует отчёт завершённого run.
func RunFromReport(r *domain.Report) RunResponse {
	return RunResponse{Report: r}
}

// RunFromOutcome конвертирует снимок активного run.
func RunFromOutcome(o *domain.Outcome) RunResponse {
	rep := domain.NewReport(o)
	if !o.StartedAt.IsZero() {
		rep.DurationMs = time.Since(o.StartedAt).Milliseconds()
	}
	return RunResponse{Report: rep, Active: true}
}
