package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventType — тип уведомления о ходе выполнения.
// Используется как routing key в exchange событий.
type EventType string

const (
	EventRunStarted    EventType = "run.started"
	EventRunSucceeded  EventType = "run.succeeded"
	EventRunFailed     EventType = "run.failed"
	EventRunAborted    EventType = "run.aborted"
	EventStepRetrying  EventType = "step.retrying"
	EventStepFailed    EventType = "step.failed"
	EventStepRecovered EventType = "step.recovered"
)

// Event — уведомление для внешнего канала оповещений.
type Event struct {
	ID          uuid.UUID `json:"id"`
	Type        EventType `json:"type"`
	ExecutionID uuid.UUID `json:"execution_id"`
	Process     string    `json:"process"`
	Environment string    `json:"environment,omitempty"`

	// Step и Attempt заполняются только для step.* событий.
	Step    string `json:"step,omitempty"`
	Attempt int    `json:"attempt,omitempty"`

	// Delay — пауза перед следующей попыткой (step.retrying).
	Delay time.Duration `json:"delay,omitempty"`

	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEvent создаёт событие с новым ID и текущим временем.
func NewEvent(typ EventType, executionID uuid.UUID, process string) Event {
	return Event{
		ID:          uuid.New(),
		Type:        typ,
		ExecutionID: executionID,
		Process:     process,
		Timestamp:   time.Now().UTC(),
	}
}

// RunEventType возвращает тип финального события для статуса run.
func RunEventType(s RunStatus) EventType {
	switch s {
	case RunStatusSucceeded:
		return EventRunSucceeded
	case RunStatusAborted:
		return EventRunAborted
	default:
		return EventRunFailed
	}
}
