package domain

import (
	"time"

	"github.com/google/uuid"
)

// ScheduleState — состояние расписания процесса.
//
// Само расписание (cron-выражение) живёт в ProcessDefinition.Schedule.
// Здесь хранится только то, что scheduler меняет между тиками:
// когда запускать в следующий раз и что было запущено в последний.
type ScheduleState struct {
	// Process — имя процесса (первичный ключ).
	Process string `json:"process"`

	// CronExpr — выражение, по которому вычислен NextDueAt.
	// Если в конфигурации выражение поменялось, NextDueAt пересчитывается.
	CronExpr string `json:"cron_expr"`

	// Timezone — часовой пояс для вычисления времени. По умолчанию "UTC".
	Timezone string `json:"timezone"`

	// NextDueAt — время следующего запуска.
	NextDueAt *time.Time `json:"next_due_at,omitempty"`

	// LastRunAt — время последнего запуска.
	LastRunAt *time.Time `json:"last_run_at,omitempty"`

	// LastExecutionID — ID последнего созданного run.
	LastExecutionID *uuid.UUID `json:"last_execution_id,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// IsDue проверяет, пора ли запускать.
func (s *ScheduleState) IsDue(now time.Time) bool {
	if s.NextDueAt == nil {
		return false
	}
	return !now.Before(*s.NextDueAt)
}

// RecordRun записывает информацию о запуске.
func (s *ScheduleState) RecordRun(executionID uuid.UUID, nextDue time.Time) {
	now := time.Now()
	s.LastRunAt = &now
	s.LastExecutionID = &executionID
	s.NextDueAt = &nextDue
	s.UpdatedAt = now
}
