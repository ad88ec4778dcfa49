package api

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/shaiso/procorch/internal/domain"
	"github.com/shaiso/procorch/internal/engine"
)

// Orchestrator — то, что API использует от orchestrator.Service.
type Orchestrator interface {
	Processes() []*domain.ProcessDefinition
	Process(name string) (*domain.ProcessDefinition, error)
	Plan(name string) (*engine.ExecutionPlan, error)

	Trigger(ctx context.Context, req domain.RunRequest) (*domain.Report, error)
	Submit(req domain.RunRequest) (uuid.UUID, error)
	Cancel(id uuid.UUID) error

	ActiveRun(id uuid.UUID) (*domain.Outcome, bool)
	ActiveRuns() []*domain.Outcome

	Breakers() []domain.BreakerSnapshot
	Resources() domain.ResourceSnapshot
}

// ReportStore — история завершённых run (repo.ReportRepo или repo.SQLiteReportRepo).
type ReportStore interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.Report, error)
	List(ctx context.Context, filter domain.ReportFilter) ([]domain.Report, error)
}

// Handler — главный обработчик API с зависимостями.
type Handler struct {
	orchestrator Orchestrator
	reports      ReportStore
	logger       *slog.Logger
}

// Config — конфигурация для создания Handler.
type Config struct {
	Orchestrator Orchestrator

	// Reports — может быть nil: тогда доступны только активные run.
	Reports ReportStore

	Logger *slog.Logger
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Handler{
		orchestrator: cfg.Orchestrator,
		reports:      cfg.Reports,
		logger:       logger,
	}
}
