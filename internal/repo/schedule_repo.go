package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/procorch/internal/domain"
)

// ScheduleRepo — репозиторий состояния расписаний.
type ScheduleRepo struct {
	pool *pgxpool.Pool
}

// NewScheduleRepo создаёт новый ScheduleRepo.
func NewScheduleRepo(pool *pgxpool.Pool) *ScheduleRepo {
	return &ScheduleRepo{pool: pool}
}

// Get возвращает состояние расписания процесса.
func (r *ScheduleRepo) Get(ctx context.Context, process string) (*domain.ScheduleState, error) {
	query := `
		SELECT process, cron_expr, timezone, next_due_at, last_run_at,
		       last_execution_id, updated_at
		FROM schedule_states
		WHERE process = $1
	`
	s, err := scanSchedule(r.pool.QueryRow(ctx, query, process))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, err
}

// Upsert создаёт или обновляет состояние расписания.
func (r *ScheduleRepo) Upsert(ctx context.Context, s *domain.ScheduleState) error {
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now()
	}
	if s.Timezone == "" {
		s.Timezone = "UTC"
	}

	query := `
		INSERT INTO schedule_states (process, cron_expr, timezone, next_due_at,
		                             last_run_at, last_execution_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (process) DO UPDATE
		SET cron_expr = EXCLUDED.cron_expr,
		    timezone = EXCLUDED.timezone,
		    next_due_at = EXCLUDED.next_due_at,
		    last_run_at = EXCLUDED.last_run_at,
		    last_execution_id = EXCLUDED.last_execution_id,
		    updated_at = EXCLUDED.updated_at
	`
	_, err := r.pool.Exec(ctx, query,
		s.Process,
		s.CronExpr,
		s.Timezone,
		s.NextDueAt,
		s.LastRunAt,
		s.LastExecutionID,
		s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert schedule state: %w", err)
	}
	return nil
}

// ListDue возвращает расписания, готовые к выполнению.
func (r *ScheduleRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.ScheduleState, error) {
	query := `
		SELECT process, cron_expr, timezone, next_due_at, last_run_at,
		       last_execution_id, updated_at
		FROM schedule_states
		WHERE next_due_at IS NOT NULL
		  AND next_due_at <= $1
		ORDER BY next_due_at ASC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, now, listLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list due schedules: %w", err)
	}
	defer rows.Close()

	var states []domain.ScheduleState
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, *s)
	}
	return states, rows.Err()
}

// Delete удаляет состояние расписания (процесс убран из конфигурации
// или у него больше нет schedule).
func (r *ScheduleRepo) Delete(ctx context.Context, process string) error {
	result, err := r.pool.Exec(ctx, `DELETE FROM schedule_states WHERE process = $1`, process)
	if err != nil {
		return fmt.Errorf("delete schedule state: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanSchedule(row pgx.Row) (*domain.ScheduleState, error) {
	var s domain.ScheduleState
	err := row.Scan(
		&s.Process,
		&s.CronExpr,
		&s.Timezone,
		&s.NextDueAt,
		&s.LastRunAt,
		&s.LastExecutionID,
		&s.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan schedule state: %w", err)
	}
	return &s, nil
}
