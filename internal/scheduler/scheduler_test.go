package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/shaiso/procorch/internal/domain"
	"github.com/shaiso/procorch/internal/repo"
)

// --- fakes ---

type memStates struct {
	states map[string]domain.ScheduleState
}

func newMemStates() *memStates {
	return &memStates{states: make(map[string]domain.ScheduleState)}
}

func (m *memStates) Get(_ context.Context, process string) (*domain.ScheduleState, error) {
	st, ok := m.states[process]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return &st, nil
}

func (m *memStates) Upsert(_ context.Context, s *domain.ScheduleState) error {
	m.states[s.Process] = *s
	return nil
}

func (m *memStates) ListDue(_ context.Context, now time.Time, _ int) ([]domain.ScheduleState, error) {
	var due []domain.ScheduleState
	for _, st := range m.states {
		if st.IsDue(now) {
			due = append(due, st)
		}
	}
	return due, nil
}

type memDispatcher struct {
	requests []domain.RunRequest
	err      error
}

func (d *memDispatcher) PublishRunRequest(_ context.Context, req *domain.RunRequest) error {
	if d.err != nil {
		return d.err
	}
	d.requests = append(d.requests, *req)
	return nil
}

// --- cron ---

func TestCalculateNextDue(t *testing.T) {
	from := time.Date(2026, 5, 10, 2, 30, 0, 0, time.UTC)

	tests := []struct {
		name     string
		expr     string
		timezone string
		want     time.Time
	}{
		{"daily utc", "0 3 * * *", "UTC", time.Date(2026, 5, 10, 3, 0, 0, 0, time.UTC)},
		{"every 15 minutes", "*/15 * * * *", "", time.Date(2026, 5, 10, 2, 45, 0, 0, time.UTC)},
		{"daily moscow", "0 3 * * *", "Europe/Moscow", time.Date(2026, 5, 11, 0, 0, 0, 0, time.UTC)},
		{"descriptor", "@hourly", "UTC", time.Date(2026, 5, 10, 3, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CalculateNextDue(tt.expr, tt.timezone, from)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
			if got.Location() != time.UTC {
				t.Errorf("expected UTC result, got %v", got.Location())
			}
		})
	}
}

func TestCalculateNextDue_Errors(t *testing.T) {
	if _, err := CalculateNextDue("0 3 * *", "UTC", time.Now()); err == nil {
		t.Error("expected error for 4-field expression")
	}
	if _, err := CalculateNextDue("0 3 * * *", "Mars/Olympus", time.Now()); err == nil {
		t.Error("expected error for unknown timezone")
	}
}

func TestValidateCronExpr(t *testing.T) {
	for _, expr := range []string{"0 3 * * *", "*/5 * * * 1-5", "@daily"} {
		if err := ValidateCronExpr(expr); err != nil {
			t.Errorf("%q should be valid: %v", expr, err)
		}
	}
	for _, expr := range []string{"", "61 * * * *", "0 0 3 * * *"} {
		if err := ValidateCronExpr(expr); err == nil {
			t.Errorf("%q should be invalid", expr)
		}
	}
}

func TestExecutionID_Deterministic(t *testing.T) {
	due := time.Date(2026, 5, 10, 3, 0, 0, 0, time.UTC)
	key := IdempotencyKey("backup", due)

	if key != "backup_1778382000" {
		t.Errorf("unexpected key %q", key)
	}
	if ExecutionID(key) != ExecutionID(key) {
		t.Error("execution id must be stable for one key")
	}
	if ExecutionID(key) == ExecutionID(IdempotencyKey("backup", due.Add(time.Hour))) {
		t.Error("different due times must give different ids")
	}
}

// --- Scheduler ---

func newScheduler(states *memStates, dispatcher *memDispatcher, clock *time.Time, defs ...*domain.ProcessDefinition) *Scheduler {
	return New(Config{
		States:      states,
		Catalog:     Definitions(defs),
		Dispatcher:  dispatcher,
		Environment: "production",
		Now:         func() time.Time { return *clock },
	})
}

func TestScheduler_SyncRegistersScheduledProcesses(t *testing.T) {
	states := newMemStates()
	clock := time.Date(2026, 5, 10, 2, 30, 0, 0, time.UTC)

	s := newScheduler(states, &memDispatcher{}, &clock,
		&domain.ProcessDefinition{Name: "backup", Schedule: "0 3 * * *"},
		&domain.ProcessDefinition{Name: "deploy"},
	)

	if err := s.Sync(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}

	if len(states.states) != 1 {
		t.Fatalf("expected only scheduled process, got %d states", len(states.states))
	}
	st := states.states["backup"]
	if st.NextDueAt == nil || !st.NextDueAt.Equal(time.Date(2026, 5, 10, 3, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected next due: %v", st.NextDueAt)
	}
	if st.Timezone != "UTC" {
		t.Errorf("expected default timezone UTC, got %q", st.Timezone)
	}
}

func TestScheduler_TickDispatchesDue(t *testing.T) {
	states := newMemStates()
	dispatcher := &memDispatcher{}
	clock := time.Date(2026, 5, 10, 2, 30, 0, 0, time.UTC)

	s := newScheduler(states, dispatcher, &clock,
		&domain.ProcessDefinition{Name: "backup", Schedule: "0 3 * * *"},
	)
	ctx := context.Background()

	// До срока ничего не запускается
	if err := s.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(dispatcher.requests) != 0 {
		t.Fatalf("nothing should be due yet, got %d", len(dispatcher.requests))
	}

	clock = time.Date(2026, 5, 10, 3, 0, 5, 0, time.UTC)
	if err := s.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(dispatcher.requests) != 1 {
		t.Fatalf("expected 1 run request, got %d", len(dispatcher.requests))
	}

	req := dispatcher.requests[0]
	wantKey := IdempotencyKey("backup", time.Date(2026, 5, 10, 3, 0, 0, 0, time.UTC))
	if req.IdempotencyKey != wantKey || req.ExecutionID != ExecutionID(wantKey) {
		t.Errorf("unexpected request: %+v", req)
	}
	if req.Environment != "production" {
		t.Errorf("expected environment production, got %q", req.Environment)
	}

	st := states.states["backup"]
	if !st.NextDueAt.Equal(time.Date(2026, 5, 11, 3, 0, 0, 0, time.UTC)) {
		t.Errorf("expected next due tomorrow, got %v", st.NextDueAt)
	}
	if st.LastExecutionID == nil || *st.LastExecutionID != req.ExecutionID {
		t.Error("last execution id should be recorded")
	}

	// Повторный тик в ту же минуту не запускает процесс ещё раз
	if err := s.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(dispatcher.requests) != 1 {
		t.Errorf("expected no duplicate dispatch, got %d", len(dispatcher.requests))
	}
}

func TestScheduler_PublishFailureKeepsDue(t *testing.T) {
	states := newMemStates()
	dispatcher := &memDispatcher{err: errors.New("broker down")}
	clock := time.Date(2026, 5, 10, 2, 30, 0, 0, time.UTC)

	s := newScheduler(states, dispatcher, &clock,
		&domain.ProcessDefinition{Name: "backup", Schedule: "0 3 * * *"},
	)
	ctx := context.Background()

	_ = s.Sync(ctx)
	clock = clock.Add(time.Hour)
	if err := s.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	st := states.states["backup"]
	if !st.IsDue(clock) {
		t.Error("schedule must stay due when publish fails")
	}
}

func TestScheduler_CronChangeRecomputes(t *testing.T) {
	states := newMemStates()
	clock := time.Date(2026, 5, 10, 2, 30, 0, 0, time.UTC)
	ctx := context.Background()

	_ = newScheduler(states, &memDispatcher{}, &clock,
		&domain.ProcessDefinition{Name: "backup", Schedule: "0 3 * * *"},
	).Sync(ctx)

	_ = newScheduler(states, &memDispatcher{}, &clock,
		&domain.ProcessDefinition{Name: "backup", Schedule: "0 5 * * *"},
	).Sync(ctx)

	st := states.states["backup"]
	if st.CronExpr != "0 5 * * *" || !st.NextDueAt.Equal(time.Date(2026, 5, 10, 5, 0, 0, 0, time.UTC)) {
		t.Errorf("expected recomputed schedule, got %s at %v", st.CronExpr, st.NextDueAt)
	}
}

func TestScheduler_RemovedProcessDisabled(t *testing.T) {
	states := newMemStates()
	due := time.Date(2026, 5, 10, 3, 0, 0, 0, time.UTC)
	states.states["legacy"] = domain.ScheduleState{Process: "legacy", CronExpr: "0 3 * * *", Timezone: "UTC", NextDueAt: &due}

	dispatcher := &memDispatcher{}
	clock := due.Add(time.Minute)
	s := newScheduler(states, dispatcher, &clock)

	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(dispatcher.requests) != 0 {
		t.Error("removed process must not be dispatched")
	}
	if states.states["legacy"].NextDueAt != nil {
		t.Error("removed process should be disabled")
	}
}
