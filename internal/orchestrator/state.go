package orchestrator

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/procorch/internal/domain"
	"github.com/shaiso/procorch/internal/engine"
)

// RunState — состояние выполнения одного run в памяти.
//
// Каждый StepRun изменяет только горутина его шага; мьютекс нужен
// для чтения чужих состояний (зависимости, условия, статистика API).
type RunState struct {
	plan      *engine.ExecutionPlan
	req       domain.RunRequest
	startedAt time.Time

	mu    sync.RWMutex
	steps map[string]*domain.StepRun

	// critical — первая критичная ошибка; после неё не запускаются шаги
	// стадий позже haltStage. Соседи по стадии упавшего шага выполняются.
	critical  *CriticalStepFailedError
	haltStage int

	// interrupted — хотя бы один шаг остановлен отменой контекста.
	interrupted bool
}

// NewRunState создаёт RunState со всеми шагами в PENDING.
func NewRunState(plan *engine.ExecutionPlan, req domain.RunRequest, now time.Time) *RunState {
	steps := make(map[string]*domain.StepRun, plan.Size())
	for _, name := range plan.Order() {
		steps[name] = domain.NewStepRun(plan.Step(name), plan.StageOf(name))
	}

	return &RunState{
		plan:      plan,
		req:       req,
		startedAt: now,
		steps:     steps,
	}
}

// ExecutionID возвращает ID run.
func (s *RunState) ExecutionID() uuid.UUID {
	return s.req.ExecutionID
}

// Process возвращает имя процесса.
func (s *RunState) Process() string {
	return s.req.Process
}

// StartedAt возвращает время старта run.
func (s *RunState) StartedAt() time.Time {
	return s.startedAt
}

// Update изменяет StepRun шага под блокировкой.
func (s *RunState) Update(step string, fn func(r *domain.StepRun)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.steps[step])
}

// Step возвращает копию StepRun.
func (s *RunState) Step(step string) domain.StepRun {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return *s.steps[step].Clone()
}

// StateOf возвращает состояние шага (для условий steps.<name>.state).
func (s *RunState) StateOf(step string) (domain.StepState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.steps[step]
	if !ok {
		return "", false
	}
	return r.State, true
}

// Satisfies проверяет, что шаг не блокирует зависимые.
func (s *RunState) Satisfies(step string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.steps[step].Satisfies()
}

// Halt фиксирует критичную ошибку. Учитывается только первая.
func (s *RunState) Halt(err *CriticalStepFailedError) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.critical != nil {
		return false
	}
	s.critical = err
	s.haltStage = s.plan.StageOf(err.Step)
	return true
}

// Withheld сообщает, что шаг нельзя запускать: критичная ошибка
// произошла в более ранней стадии.
func (s *RunState) Withheld(step string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.critical != nil && s.plan.StageOf(step) > s.haltStage
}

// Halted возвращает true после критичной ошибки.
func (s *RunState) Halted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.critical != nil
}

// CriticalFailure возвращает первую критичную ошибку или nil.
func (s *RunState) CriticalFailure() *CriticalStepFailedError {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.critical
}

// MarkInterrupted отмечает, что выполнение было прервано отменой.
func (s *RunState) MarkInterrupted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interrupted = true
}

// Interrupted возвращает true, если шаги останавливались отменой
// или какие-то шаги так и не завершились.
func (s *RunState) Interrupted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.interrupted {
		return true
	}
	for _, r := range s.steps {
		if !r.IsFinished() {
			return true
		}
	}
	return false
}

// Stats возвращает статистику выполнения.
func (s *RunState) Stats() RunStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := RunStats{TotalSteps: len(s.steps)}
	for _, r := range s.steps {
		switch r.State {
		case domain.StepSucceeded:
			stats.SucceededSteps++
		case domain.StepFailed:
			stats.FailedSteps++
		case domain.StepSkipped:
			stats.SkippedSteps++
		case domain.StepRunning, domain.StepRetrying:
			stats.RunningSteps++
		default:
			stats.PendingSteps++
		}
	}
	return stats
}

// RunStats — статистика выполнения run.
type RunStats struct {
	TotalSteps     int `json:"total_steps"`
	SucceededSteps int `json:"succeeded_steps"`
	RunningSteps   int `json:"running_steps"`
	FailedSteps    int `json:"failed_steps"`
	SkippedSteps   int `json:"skipped_steps"`
	PendingSteps   int `json:"pending_steps"`
}

// Outcome собирает результат run. StepRun копируются.
func (s *RunState) Outcome(status domain.RunStatus, finishedAt time.Time) *domain.Outcome {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o := &domain.Outcome{
		ExecutionID: s.req.ExecutionID,
		Process:     s.req.Process,
		Environment: s.req.Environment,
		Status:      status,
		StartedAt:   s.startedAt,
		FinishedAt:  finishedAt,
		Order:       s.plan.Order(),
		Steps:       make(map[string]*domain.StepRun, len(s.steps)),
	}
	for name, r := range s.steps {
		o.Steps[name] = r.Clone()
	}
	if s.critical != nil {
		o.Failure = s.critical.Detail()
	}
	return o
}
