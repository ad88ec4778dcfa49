package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/shaiso/procorch/internal/domain"

	_ "modernc.org/sqlite"
)

// DefaultSQLitePath — путь к локальной базе отчётов.
const DefaultSQLitePath = "reports/procorch.db"

// sortableTime — формат started_at с фиксированной длиной для сортировки строк.
const sortableTime = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteReportRepo — локальное хранилище отчётов без сервера БД.
// Используется CLI и одиночным runner'ом, когда DB_URL не задан.
type SQLiteReportRepo struct {
	db *sql.DB
}

// OpenSQLite открывает (и при необходимости создаёт) базу отчётов.
func OpenSQLite(path string) (*SQLiteReportRepo, error) {
	if path == "" {
		path = DefaultSQLitePath
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create report db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open report db: %w", err)
	}
	if path == ":memory:" {
		// Каждое соединение :memory: — отдельная база
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set report db journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set report db busy timeout: %w", err)
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS executions (
	execution_id TEXT PRIMARY KEY,
	process      TEXT NOT NULL,
	status       TEXT NOT NULL,
	started_at   TEXT NOT NULL,
	report_json  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_executions_started ON executions (started_at DESC);
`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize report db schema: %w", err)
	}

	return &SQLiteReportRepo{db: db}, nil
}

// Close закрывает базу.
func (r *SQLiteReportRepo) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// Save сохраняет отчёт, перезаписывая запись с тем же execution id.
func (r *SQLiteReportRepo) Save(ctx context.Context, rep *domain.Report) error {
	if err := validateReport(rep); err != nil {
		return err
	}

	payload, err := json.Marshal(rep)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
INSERT INTO executions (execution_id, process, status, started_at, report_json)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(execution_id) DO UPDATE SET
	status = excluded.status,
	report_json = excluded.report_json`,
		rep.ExecutionID.String(),
		rep.Process,
		string(rep.Status),
		rep.Timestamp.UTC().Format(sortableTime),
		string(payload),
	)
	if err != nil {
		return fmt.Errorf("save report %s: %w", rep.ExecutionID, err)
	}
	return nil
}

// Get возвращает отчёт по execution id.
func (r *SQLiteReportRepo) Get(ctx context.Context, id uuid.UUID) (*domain.Report, error) {
	var payload string
	err := r.db.QueryRowContext(ctx, `SELECT report_json FROM executions WHERE execution_id = ?`, id.String()).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query report %s: %w", id, err)
	}
	return decodeReport([]byte(payload))
}

// List возвращает отчёты, новые первыми.
func (r *SQLiteReportRepo) List(ctx context.Context, filter domain.ReportFilter) ([]domain.Report, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT report_json FROM executions
WHERE (? = '' OR process = ?)
  AND (? = '' OR status = ?)
ORDER BY started_at DESC
LIMIT ? OFFSET ?`,
		filter.Process, filter.Process,
		string(filter.Status), string(filter.Status),
		listLimit(filter.Limit), max(filter.Offset, 0),
	)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	reports := make([]domain.Report, 0)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan report row: %w", err)
		}
		rep, err := decodeReport([]byte(payload))
		if err != nil {
			return nil, err
		}
		reports = append(reports, *rep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate report rows: %w", err)
	}
	return reports, nil
}
