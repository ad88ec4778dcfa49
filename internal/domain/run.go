package domain

import (
	"time"

	"github.com/google/uuid"
)

// RunRequest — запрос на выполнение процесса.
//
// Приходит из CLI, HTTP API, очереди run-запросов или от scheduler.
type RunRequest struct {
	// ExecutionID — идентификатор выполнения. uuid.Nil — сгенерировать новый.
	ExecutionID uuid.UUID `json:"execution_id"`

	// Process — имя процесса.
	Process string `json:"process"`

	// Environment — целевое окружение (dev, staging, production).
	Environment string `json:"environment,omitempty"`

	// Vars — контекст для условий шагов (branch, approved, ...).
	Vars map[string]any `json:"vars,omitempty"`

	// IdempotencyKey — ключ для scheduled runs: "<process>_<due_unix>".
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// StepRun — запись о выполнении одного шага в рамках run.
//
// Принадлежит движку на время жизни run; после завершения
// попадает в отчёт.
type StepRun struct {
	// Step — имя шага.
	Step string `json:"step"`

	// Stage — номер стадии плана (с нуля).
	Stage int `json:"stage"`

	// State — текущее состояние.
	State StepState `json:"state"`

	// Critical — копия флага шага, чтобы отчёт был самодостаточным.
	Critical bool `json:"critical,omitempty"`

	// Attempts — число попыток, включая те, что не дождались ресурсов
	// (ErrorKind ResourceExhausted).
	Attempts int `json:"attempts"`

	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// Output — захваченный вывод последней попытки.
	Output string `json:"output,omitempty"`

	// Error — текст последней ошибки.
	Error string `json:"error,omitempty"`

	// ErrorKind — вид последней ошибки.
	ErrorKind ErrorKind `json:"error_kind,omitempty"`

	// SkipReason — причина пропуска (только для SKIPPED).
	SkipReason SkipReason `json:"skip_reason,omitempty"`

	// Classification — класс терминальной ошибки.
	Classification FailureClass `json:"classification,omitempty"`

	// Recovery — какие recovery-действия пробовались и чем закончились.
	Recovery []RecoveryAttempt `json:"recovery,omitempty"`

	// Recovered — шаг выполнен успешно в дополнительной попытке после recovery.
	Recovered bool `json:"recovered,omitempty"`
}

// RecoveryAttempt — результат одного recovery-действия.
type RecoveryAttempt struct {
	Action    string `json:"action"`
	Attempts  int    `json:"attempts"`
	Succeeded bool   `json:"succeeded"`
	Error     string `json:"error,omitempty"`
}

// NewStepRun создаёт запись в состоянии PENDING.
func NewStepRun(step *Step, stage int) *StepRun {
	return &StepRun{
		Step:     step.Name,
		Stage:    stage,
		State:    StepPending,
		Critical: step.Critical,
	}
}

// Duration возвращает продолжительность выполнения.
// Возвращает 0, если шаг ещё не завершён или не запускался.
func (r *StepRun) Duration() time.Duration {
	if r.StartedAt == nil || r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(*r.StartedAt)
}

// IsFinished возвращает true, если шаг в финальном состоянии.
func (r *StepRun) IsFinished() bool {
	return r.State.IsTerminal()
}

// Satisfies возвращает true, если зависимые шаги могут выполняться:
// шаг успешен или пропущен по условию.
func (r *StepRun) Satisfies() bool {
	return r.State == StepSucceeded ||
		(r.State == StepSkipped && r.SkipReason == SkipCondition)
}

// Executed возвращает true, если шаг дошёл до выполнения.
func (r *StepRun) Executed() bool {
	return r.State == StepSucceeded || r.State == StepFailed
}

// MarkRunning переводит шаг в RUNNING.
// Время старта фиксируется только при первой попытке.
func (r *StepRun) MarkRunning(now time.Time) {
	r.State = StepRunning
	if r.StartedAt == nil {
		r.StartedAt = &now
	}
}

// MarkRetrying переводит шаг в RETRYING и запоминает ошибку попытки.
func (r *StepRun) MarkRetrying(errText string, kind ErrorKind) {
	r.State = StepRetrying
	r.Error = errText
	r.ErrorKind = kind
}

// MarkSucceeded переводит шаг в SUCCEEDED.
func (r *StepRun) MarkSucceeded(now time.Time) {
	r.State = StepSucceeded
	r.FinishedAt = &now
	r.Error = ""
	r.ErrorKind = ErrorKindNone
}

// MarkFailed переводит шаг в FAILED.
func (r *StepRun) MarkFailed(now time.Time, errText string, kind ErrorKind) {
	r.State = StepFailed
	r.FinishedAt = &now
	r.Error = errText
	r.ErrorKind = kind
}

// MarkSkipped переводит шаг в SKIPPED.
func (r *StepRun) MarkSkipped(now time.Time, reason SkipReason) {
	r.State = StepSkipped
	r.SkipReason = reason
	r.FinishedAt = &now
}

// Clone возвращает независимую копию записи.
func (r *StepRun) Clone() *StepRun {
	c := *r
	if r.Recovery != nil {
		c.Recovery = append([]RecoveryAttempt(nil), r.Recovery...)
	}
	return &c
}

// FailureDetail — подробности первой критичной ошибки run.
type FailureDetail struct {
	Step           string            `json:"step"`
	Kind           ErrorKind         `json:"kind"`
	Classification FailureClass      `json:"classification"`
	Attempts       int               `json:"attempts"`
	Error          string            `json:"error"`
	Recovery       []RecoveryAttempt `json:"recovery,omitempty"`
}

// Outcome — результат выполнения процесса.
type Outcome struct {
	ExecutionID uuid.UUID `json:"execution_id"`
	Process     string    `json:"process"`
	Environment string    `json:"environment,omitempty"`
	Status      RunStatus `json:"status"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	// Order — имена шагов в порядке объявления.
	Order []string `json:"order"`

	// Steps — финальное состояние каждого шага.
	Steps map[string]*StepRun `json:"steps"`

	// Failure — первая критичная ошибка (для FAILED).
	Failure *FailureDetail `json:"failure,omitempty"`

	// Cause — причина прерывания (для ABORTED).
	Cause string `json:"cause,omitempty"`
}

// Duration возвращает продолжительность run.
func (o *Outcome) Duration() time.Duration {
	if o.FinishedAt.IsZero() {
		return 0
	}
	return o.FinishedAt.Sub(o.StartedAt)
}

// StepRuns возвращает записи шагов в порядке объявления.
func (o *Outcome) StepRuns() []*StepRun {
	runs := make([]*StepRun, 0, len(o.Order))
	for _, name := range o.Order {
		if r, ok := o.Steps[name]; ok {
			runs = append(runs, r)
		}
	}
	return runs
}

// HasWarnings возвращает true, если run успешен,
// но какие-то некритичные шаги упали.
func (o *Outcome) HasWarnings() bool {
	if o.Status != RunStatusSucceeded {
		return false
	}
	for _, r := range o.Steps {
		if r.State == StepFailed {
			return true
		}
	}
	return false
}

// Summary — агрегированная статистика run.
//
// SuccessRate считает только выполнявшиеся шаги (SUCCEEDED/FAILED),
// StrictSuccessRate — все шаги процесса. Вызывающая сторона сама
// решает, какая метрика ей нужна.
type Summary struct {
	Total             int     `json:"total"`
	Succeeded         int     `json:"succeeded"`
	Failed            int     `json:"failed"`
	Skipped           int     `json:"skipped"`
	Pending           int     `json:"pending"`
	SuccessRate       float64 `json:"success_rate"`
	StrictSuccessRate float64 `json:"strict_success_rate"`
}

// Summary вычисляет статистику по шагам.
func (o *Outcome) Summary() Summary {
	s := Summary{Total: len(o.Steps)}
	for _, r := range o.Steps {
		switch r.State {
		case StepSucceeded:
			s.Succeeded++
		case StepFailed:
			s.Failed++
		case StepSkipped:
			s.Skipped++
		default:
			s.Pending++
		}
	}
	if executed := s.Succeeded + s.Failed; executed > 0 {
		s.SuccessRate = float64(s.Succeeded) / float64(executed)
	}
	if s.Total > 0 {
		s.StrictSuccessRate = float64(s.Succeeded) / float64(s.Total)
	}
	return s
}
