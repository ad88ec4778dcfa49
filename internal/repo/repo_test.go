package repo

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/procorch/internal/domain"
)

func testReport(process string, status domain.RunStatus, at time.Time) *domain.Report {
	return &domain.Report{
		ExecutionID: uuid.New(),
		Process:     process,
		Timestamp:   at,
		Status:      status,
		Result:      status.Result(),
		Steps: []domain.StepResult{
			{Name: "build", State: domain.StepSucceeded, Attempts: 1},
		},
		Summary: domain.Summary{Total: 1, Succeeded: 1, SuccessRate: 1, StrictSuccessRate: 1},
	}
}

func openTestDB(t *testing.T) *SQLiteReportRepo {
	t.Helper()
	r, err := OpenSQLite(filepath.Join(t.TempDir(), "reports", "test.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestSQLiteReportRepo_SaveGet(t *testing.T) {
	r := openTestDB(t)
	ctx := context.Background()

	rep := testReport("deploy", domain.RunStatusSucceeded, time.Now())
	if err := r.Save(ctx, rep); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := r.Get(ctx, rep.ExecutionID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Process != "deploy" || got.Status != domain.RunStatusSucceeded {
		t.Errorf("unexpected report: %+v", got)
	}
	if len(got.Steps) != 1 || got.Steps[0].Name != "build" {
		t.Errorf("steps not preserved: %+v", got.Steps)
	}

	// Повторное сохранение перезаписывает отчёт
	rep.Status = domain.RunStatusFailed
	if err := r.Save(ctx, rep); err != nil {
		t.Fatalf("resave: %v", err)
	}
	got, _ = r.Get(ctx, rep.ExecutionID)
	if got.Status != domain.RunStatusFailed {
		t.Errorf("expected FAILED after resave, got %s", got.Status)
	}
}

func TestSQLiteReportRepo_GetNotFound(t *testing.T) {
	r := openTestDB(t)

	if _, err := r.Get(context.Background(), uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteReportRepo_List(t *testing.T) {
	r := openTestDB(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	reports := []*domain.Report{
		testReport("deploy", domain.RunStatusSucceeded, base),
		testReport("deploy", domain.RunStatusFailed, base.Add(time.Hour)),
		testReport("backup", domain.RunStatusSucceeded, base.Add(2*time.Hour)),
	}
	for _, rep := range reports {
		if err := r.Save(ctx, rep); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	all, err := r.List(ctx, domain.ReportFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 || all[0].Process != "backup" {
		t.Errorf("expected 3 reports newest first, got %d (first %s)", len(all), all[0].Process)
	}

	deploys, _ := r.List(ctx, domain.ReportFilter{Process: "deploy"})
	if len(deploys) != 2 {
		t.Errorf("expected 2 deploy reports, got %d", len(deploys))
	}

	failed, _ := r.List(ctx, domain.ReportFilter{Status: domain.RunStatusFailed})
	if len(failed) != 1 || failed[0].ExecutionID != reports[1].ExecutionID {
		t.Errorf("unexpected failed filter result: %+v", failed)
	}

	page, _ := r.List(ctx, domain.ReportFilter{Limit: 1, Offset: 1})
	if len(page) != 1 || page[0].ExecutionID != reports[1].ExecutionID {
		t.Errorf("unexpected page: %+v", page)
	}
}

func TestValidateReport(t *testing.T) {
	tests := []struct {
		name string
		rep  *domain.Report
	}{
		{"nil", nil},
		{"no id", &domain.Report{Process: "p"}},
		{"no process", &domain.Report{ExecutionID: uuid.New()}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := validateReport(tt.rep); !errors.Is(err, ErrInvalidReport) {
				t.Errorf("expected ErrInvalidReport, got %v", err)
			}
		})
	}
}

func TestListLimit(t *testing.T) {
	for in, want := range map[int]int{0: 50, -1: 50, 10: 10, 1000: 500} {
		if got := listLimit(in); got != want {
			t.Errorf("listLimit(%d): expected %d, got %d", in, want, got)
		}
	}
}
