package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shaiso/procorch/internal/domain"
	"github.com/shaiso/procorch/internal/repo"
)

// StateStore — хранилище состояния расписаний (repo.ScheduleRepo).
type StateStore interface {
	Get(ctx context.Context, process string) (*domain.ScheduleState, error)
	Upsert(ctx context.Context, s *domain.ScheduleState) error
	ListDue(ctx context.Context, now time.Time, limit int) ([]domain.ScheduleState, error)
}

// Dispatcher отправляет run-запрос исполнителю (mq.Publisher).
type Dispatcher interface {
	PublishRunRequest(ctx context.Context, req *domain.RunRequest) error
}

// Catalog — источник определений процессов.
type Catalog interface {
	Processes() []*domain.ProcessDefinition
}

// Definitions — Catalog поверх фиксированного набора определений.
type Definitions []*domain.ProcessDefinition

// Processes возвращает определения.
func (d Definitions) Processes() []*domain.ProcessDefinition {
	return d
}

// Scheduler — планировщик, обрабатывающий due расписания.
type Scheduler struct {
	states      StateStore
	catalog     Catalog
	dispatcher  Dispatcher
	environment string
	logger      *slog.Logger
	batchSize   int
	now         func() time.Time
}

// Config — конфигурация Scheduler.
type Config struct {
	States     StateStore
	Catalog    Catalog
	Dispatcher Dispatcher

	// Environment — окружение, с которым запускаются процессы по расписанию.
	Environment string

	Logger    *slog.Logger
	BatchSize int // количество расписаний за один тик (default: 100)

	// Now — источник времени. nil — time.Now.
	Now func() time.Time
}

// New создаёт новый Scheduler.
func New(cfg Config) *Scheduler {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Scheduler{
		states:      cfg.States,
		catalog:     cfg.Catalog,
		dispatcher:  cfg.Dispatcher,
		environment: cfg.Environment,
		logger:      logger,
		batchSize:   batchSize,
		now:         now,
	}
}

func timezoneOf(def *domain.ProcessDefinition) string {
	if def.Timezone == "" {
		return "UTC"
	}
	return def.Timezone
}

// Sync приводит состояние расписаний в соответствие с определениями.
//
// Для нового процесса или изменённого cron-выражения next_due_at
// вычисляется от текущего времени: пропущенные запуски не догоняются.
func (s *Scheduler) Sync(ctx context.Context) error {
	now := s.now()
	var errs []error

	for _, def := range s.catalog.Processes() {
		if !def.IsScheduled() {
			continue
		}
		tz := timezoneOf(def)

		st, err := s.states.Get(ctx, def.Name)
		switch {
		case errors.Is(err, repo.ErrNotFound):
			st = &domain.ScheduleState{Process: def.Name}
		case err != nil:
			errs = append(errs, fmt.Errorf("get schedule %s: %w", def.Name, err))
			continue
		case st.CronExpr == def.Schedule && st.Timezone == tz && st.NextDueAt != nil:
			continue
		}

		next, err := CalculateNextDue(def.Schedule, tz, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("schedule %s: %w", def.Name, err))
			continue
		}

		st.CronExpr = def.Schedule
		st.Timezone = tz
		st.NextDueAt = &next
		st.UpdatedAt = now
		if err := s.states.Upsert(ctx, st); err != nil {
			errs = append(errs, fmt.Errorf("upsert schedule %s: %w", def.Name, err))
			continue
		}

		s.logger.Info("schedule registered",
			"process", def.Name,
			"cron_expr", def.Schedule,
			"timezone", tz,
			"next_due_at", next,
		)
	}

	return errors.Join(errs...)
}

// Tick выполняет один тик планировщика.
//
// 1. Синхронизирует расписания с определениями
// 2. Находит due расписания (next_due_at <= now)
// 3. Для каждого публикует run-запрос с idempotency key
// 4. Обновляет next_due_at
//
// Ошибки одного расписания не блокируют обработку остальных.
func (s *Scheduler) Tick(ctx context.Context) error {
	if err := s.Sync(ctx); err != nil {
		s.logger.Warn("schedule sync incomplete", "error", err)
	}

	now := s.now()

	states, err := s.states.ListDue(ctx, now, s.batchSize)
	if err != nil {
		return fmt.Errorf("list due schedules: %w", err)
	}

	if len(states) == 0 {
		return nil
	}

	s.logger.Debug("found due schedules", "count", len(states))

	defs := make(map[string]*domain.ProcessDefinition)
	for _, def := range s.catalog.Processes() {
		defs[def.Name] = def
	}

	var dispatched int
	for i := range states {
		st := &states[i]

		ok, err := s.processSchedule(ctx, st, defs[st.Process], now)
		if err != nil {
			s.logger.Error("failed to process schedule",
				"process", st.Process,
				"error", err,
			)
			continue
		}
		if ok {
			dispatched++
		}
	}

	s.logger.Info("scheduler tick completed",
		"due", len(states),
		"runs_dispatched", dispatched,
	)

	return nil
}

// processSchedule обрабатывает одно расписание.
// Возвращает true, если run-запрос был опубликован.
func (s *Scheduler) processSchedule(ctx context.Context, st *domain.ScheduleState, def *domain.ProcessDefinition, now time.Time) (bool, error) {
	if def == nil || !def.IsScheduled() {
		s.logger.Warn("process no longer scheduled, disabling",
			"process", st.Process,
		)
		st.NextDueAt = nil
		st.UpdatedAt = now
		return false, s.states.Upsert(ctx, st)
	}

	// "{process}_{next_due_at_unix}" — один run на процесс и момент времени
	key := IdempotencyKey(st.Process, *st.NextDueAt)
	req := &domain.RunRequest{
		ExecutionID:    ExecutionID(key),
		Process:        st.Process,
		Environment:    s.environment,
		IdempotencyKey: key,
	}

	if err := s.dispatcher.PublishRunRequest(ctx, req); err != nil {
		return false, fmt.Errorf("publish run request: %w", err)
	}

	s.logger.Info("dispatched scheduled run",
		"execution_id", req.ExecutionID,
		"process", st.Process,
		"idempotency_key", key,
	)

	next, err := CalculateNextDue(def.Schedule, timezoneOf(def), now)
	if err != nil {
		return true, fmt.Errorf("calculate next due: %w", err)
	}

	st.RecordRun(req.ExecutionID, next)
	if err := s.states.Upsert(ctx, st); err != nil {
		// При повторной публикации runner получит тот же execution id
		return true, fmt.Errorf("update schedule: %w", err)
	}
	return true, nil
}
