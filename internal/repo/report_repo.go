package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/procorch/internal/domain"
)

// ReportRepo — репозиторий отчётов о выполнении в Postgres.
//
// Полный отчёт хранится в executions.report (JSONB), результаты шагов
// дублируются в step_results для выборок по шагам.
type ReportRepo struct {
	pool *pgxpool.Pool
}

// NewReportRepo создаёт новый ReportRepo.
func NewReportRepo(pool *pgxpool.Pool) *ReportRepo {
	return &ReportRepo{pool: pool}
}

// Save сохраняет отчёт. Повторное сохранение того же execution id
// перезаписывает запись.
func (r *ReportRepo) Save(ctx context.Context, rep *domain.Report) error {
	if err := validateReport(rep); err != nil {
		return err
	}

	payload, err := json.Marshal(rep)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO executions (execution_id, process, environment, status, result,
			                        started_at, duration_ms, success_rate, strict_success_rate,
			                        cause, report)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (execution_id) DO UPDATE
			SET status = EXCLUDED.status,
			    result = EXCLUDED.result,
			    duration_ms = EXCLUDED.duration_ms,
			    success_rate = EXCLUDED.success_rate,
			    strict_success_rate = EXCLUDED.strict_success_rate,
			    cause = EXCLUDED.cause,
			    report = EXCLUDED.report
		`,
			rep.ExecutionID,
			rep.Process,
			nullString(rep.Environment),
			rep.Status,
			rep.Result,
			rep.Timestamp,
			rep.DurationMs,
			rep.Summary.SuccessRate,
			rep.Summary.StrictSuccessRate,
			nullString(rep.Cause),
			payload,
		)
		if err != nil {
			return fmt.Errorf("upsert execution: %w", err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM step_results WHERE execution_id = $1`, rep.ExecutionID); err != nil {
			return fmt.Errorf("delete step results: %w", err)
		}

		batch := &pgx.Batch{}
		for _, s := range rep.Steps {
			batch.Queue(`
				INSERT INTO step_results (execution_id, name, stage, state, critical, attempts,
				                          duration_ms, error_kind, classification, error, recovered)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			`,
				rep.ExecutionID,
				s.Name,
				s.Stage,
				s.State,
				s.Critical,
				s.Attempts,
				s.DurationMs,
				nullString(string(s.ErrorKind)),
				nullString(string(s.Classification)),
				nullString(s.Error),
				s.Recovered,
			)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert step results: %w", err)
		}
		return nil
	})
}

// Get возвращает отчёт по execution id.
func (r *ReportRepo) Get(ctx context.Context, id uuid.UUID) (*domain.Report, error) {
	var payload []byte
	err := r.pool.QueryRow(ctx, `SELECT report FROM executions WHERE execution_id = $1`, id).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get report: %w", err)
	}
	return decodeReport(payload)
}

// List возвращает отчёты, новые первыми.
func (r *ReportRepo) List(ctx context.Context, filter domain.ReportFilter) ([]domain.Report, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT report
		FROM executions
		WHERE ($1::text IS NULL OR process = $1)
		  AND ($2::text IS NULL OR status = $2)
		ORDER BY started_at DESC
		LIMIT $3 OFFSET $4
	`,
		nullString(filter.Process),
		nullString(string(filter.Status)),
		listLimit(filter.Limit),
		max(filter.Offset, 0),
	)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	var reports []domain.Report
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		rep, err := decodeReport(payload)
		if err != nil {
			return nil, err
		}
		reports = append(reports, *rep)
	}
	return reports, rows.Err()
}

func validateReport(rep *domain.Report) error {
	switch {
	case rep == nil:
		return fmt.Errorf("%w: nil report", ErrInvalidReport)
	case rep.ExecutionID == uuid.Nil:
		return fmt.Errorf("%w: empty execution id", ErrInvalidReport)
	case rep.Process == "":
		return fmt.Errorf("%w: empty process", ErrInvalidReport)
	}
	return nil
}

func decodeReport(payload []byte) (*domain.Report, error) {
	var rep domain.Report
	if err := json.Unmarshal(payload, &rep); err != nil {
		return nil, fmt.Errorf("unmarshal report: %w", err)
	}
	return &rep, nil
}
