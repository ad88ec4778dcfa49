package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/shaiso/procorch/internal/domain"
	"github.com/shaiso/procorch/internal/engine"
	"github.com/shaiso/procorch/internal/mq"
)

// ServiceConfig — конфигурация Service.
type ServiceConfig struct {
	Engine      *Engine
	Definitions []*domain.ProcessDefinition
	Logger      *slog.Logger
}

// Service управляет процессами и их выполнением.
//
// Service — долгоживущий компонент API и runner'а, который:
//   - Хранит определения процессов и кэш планов по fingerprint
//   - Запускает run синхронно (Trigger) или в фоне (Submit)
//   - Отслеживает активные run и отменяет их по execution id
//   - Принимает run-запросы из очереди RabbitMQ (Listen)
type Service struct {
	engine *Engine
	logger *slog.Logger

	// Определения и планы — заменяются целиком при Reload
	defsMu sync.RWMutex
	defs   map[string]*domain.ProcessDefinition
	plans  map[string]*engine.ExecutionPlan // name@fingerprint → plan

	// Active runs — run в процессе выполнения (execution id → run)
	activeRuns map[uuid.UUID]*activeRun
	mu         sync.RWMutex

	// Lifecycle
	base       context.Context
	cancelBase context.CancelCauseFunc
	wg         sync.WaitGroup
	stopped    atomic.Bool
}

// activeRun — выполняющийся run.
type activeRun struct {
	req   domain.RunRequest
	state atomic.Pointer[RunState]
	done  chan struct{}

	mu        sync.Mutex
	cancel    context.CancelCauseFunc
	cancelled bool
}

// bind привязывает функцию отмены; отмена, пришедшая раньше, применяется сразу.
func (r *activeRun) bind(cancel context.CancelCauseFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cancel = cancel
	if r.cancelled {
		cancel(ErrCancelled)
	}
}

func (r *activeRun) requestCancel() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cancelled = true
	if r.cancel != nil {
		r.cancel(ErrCancelled)
	}
}

// NewService создаёт Service и загружает определения.
func NewService(cfg ServiceConfig) (*Service, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	eng := cfg.Engine
	if eng == nil {
		eng = NewEngine(Config{Logger: logger})
	}

	base, cancel := context.WithCancelCause(context.Background())

	s := &Service{
		engine:     eng,
		logger:     logger,
		defs:       make(map[string]*domain.ProcessDefinition),
		plans:      make(map[string]*engine.ExecutionPlan),
		activeRuns: make(map[uuid.UUID]*activeRun),
		base:       base,
		cancelBase: cancel,
	}

	if err := s.Reload(cfg.Definitions); err != nil {
		cancel(nil)
		return nil, err
	}
	return s, nil
}

// Engine возвращает движок сервиса.
func (s *Service) Engine() *Engine {
	return s.engine
}

func planKey(def *domain.ProcessDefinition) string {
	return def.Name + "@" + def.Fingerprint()
}

// Reload заменяет набор определений.
//
// Планы неизменённых процессов берутся из кэша, остальные строятся
// заново. Если хотя бы одно определение невалидно, текущий набор
// остаётся прежним. Уже выполняющиеся run продолжают работать
// со своим старым планом.
func (s *Service) Reload(defs []*domain.ProcessDefinition) error {
	s.defsMu.RLock()
	cached := s.plans
	s.defsMu.RUnlock()

	nextDefs := make(map[string]*domain.ProcessDefinition, len(defs))
	nextPlans := make(map[string]*engine.ExecutionPlan, len(defs))
	rebuilt := 0

	for _, def := range defs {
		if def == nil {
			continue
		}
		if _, dup := nextDefs[def.Name]; dup {
			return fmt.Errorf("reload: duplicate process %q", def.Name)
		}

		key := planKey(def)
		plan, ok := cached[key]
		if !ok {
			var err error
			plan, err = engine.BuildPlan(def)
			if err != nil {
				return fmt.Errorf("reload: process %s: %w", def.Name, err)
			}
			rebuilt++
		}

		nextDefs[def.Name] = def
		nextPlans[key] = plan
	}

	s.defsMu.Lock()
	s.defs = nextDefs
	s.plans = nextPlans
	s.defsMu.Unlock()

	s.logger.Info("process definitions loaded",
		"processes", len(nextDefs),
		"plans_rebuilt", rebuilt,
	)
	return nil
}

// Processes возвращает определения, отсортированные по имени.
func (s *Service) Processes() []*domain.ProcessDefinition {
	s.defsMu.RLock()
	defer s.defsMu.RUnlock()

	out := make([]*domain.ProcessDefinition, 0, len(s.defs))
	for _, def := range s.defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Process возвращает определение процесса.
func (s *Service) Process(name string) (*domain.ProcessDefinition, error) {
	s.defsMu.RLock()
	defer s.defsMu.RUnlock()

	def, ok := s.defs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProcess, name)
	}
	return def, nil
}

// Plan возвращает план выполнения процесса из кэша.
func (s *Service) Plan(name string) (*engine.ExecutionPlan, error) {
	s.defsMu.RLock()
	defer s.defsMu.RUnlock()

	def, ok := s.defs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProcess, name)
	}
	return s.plans[planKey(def)], nil
}

// Trigger выполняет процесс и дожидается результата.
//
// Отчёт возвращается для любого завершённого run. Ошибка содержит
// *CriticalStepFailedError для FAILED, ErrAborted для ABORTED
// и ошибку сохранения отчёта, если она была.
func (s *Service) Trigger(ctx context.Context, req domain.RunRequest) (*domain.Report, error) {
	run, plan, err := s.admit(req)
	if err != nil {
		return nil, err
	}
	return s.execute(ctx, run, plan)
}

// Submit запускает процесс в фоне и сразу возвращает execution id.
// Run живёт до завершения или до Stop, а не до отмены ctx вызывающего.
func (s *Service) Submit(req domain.RunRequest) (uuid.UUID, error) {
	run, plan, err := s.admit(req)
	if err != nil {
		return uuid.Nil, err
	}

	go func() {
		if _, err := s.execute(s.base, run, plan); err != nil {
			s.logger.Warn("background run finished with error",
				"execution_id", run.req.ExecutionID,
				"process", run.req.Process,
				"error", err,
			)
		}
	}()

	return run.req.ExecutionID, nil
}

// admit проверяет запрос и регистрирует run как активный.
// Проверка stopped и wg.Add выполняются под s.mu, как и установка
// stopped в Stop: принятый run всегда попадает в ожидание Stop.
func (s *Service) admit(req domain.RunRequest) (*activeRun, *engine.ExecutionPlan, error) {
	if s.stopped.Load() {
		return nil, nil, ErrServiceStopped
	}

	plan, err := s.Plan(req.Process)
	if err != nil {
		return nil, nil, err
	}

	if req.ExecutionID == uuid.Nil {
		req.ExecutionID = uuid.New()
	}

	run := &activeRun{req: req, done: make(chan struct{})}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped.Load() {
		return nil, nil, ErrServiceStopped
	}
	if _, exists := s.activeRuns[req.ExecutionID]; exists {
		return nil, nil, fmt.Errorf("%w: %s", ErrRunAlreadyActive, req.ExecutionID)
	}
	s.activeRuns[req.ExecutionID] = run
	s.wg.Add(1)
	return run, plan, nil
}

// execute выполняет зарегистрированный run и формирует отчёт.
func (s *Service) execute(ctx context.Context, run *activeRun, plan *engine.ExecutionPlan) (*domain.Report, error) {
	runCtx, cancel := context.WithCancelCause(ctx)
	run.bind(cancel)

	// Stop прерывает и синхронные run (Trigger), у которых свой ctx
	stopWatch := context.AfterFunc(s.base, func() {
		cancel(context.Cause(s.base))
	})

	defer func() {
		stopWatch()
		cancel(nil)
		s.mu.Lock()
		delete(s.activeRuns, run.req.ExecutionID)
		s.mu.Unlock()
		close(run.done)
		s.wg.Done()
	}()

	o, runErr := s.engine.execute(runCtx, plan, &run.req, func(st *RunState) {
		run.state.Store(st)
	})
	if o == nil {
		return nil, runErr
	}

	rep, saveErr := s.engine.reporter.Report(context.WithoutCancel(ctx), o)
	return rep, errors.Join(runErr, saveErr)
}

// Cancel отменяет активный run.
// Выполняющиеся шаги получают отмену контекста, новые не запускаются.
func (s *Service) Cancel(id uuid.UUID) error {
	s.mu.RLock()
	run, ok := s.activeRuns[id]
	s.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}

	run.requestCancel()

	s.logger.Info("run cancellation requested",
		"execution_id", id,
		"process", run.req.Process,
	)
	return nil
}

// Wait ждёт завершения активного run.
// Для неизвестного или уже завершённого run возвращается сразу.
func (s *Service) Wait(ctx context.Context, id uuid.UUID) error {
	s.mu.RLock()
	run, ok := s.activeRuns[id]
	s.mu.RUnlock()

	if !ok {
		return nil
	}

	select {
	case <-run.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ActiveRun возвращает текущее состояние выполняющегося run.
// У Outcome статус RUNNING и пустое время завершения.
func (s *Service) ActiveRun(id uuid.UUID) (*domain.Outcome, bool) {
	s.mu.RLock()
	run, ok := s.activeRuns[id]
	s.mu.RUnlock()

	if !ok {
		return nil, false
	}
	return snapshot(run), true
}

// ActiveRuns возвращает все выполняющиеся run.
func (s *Service) ActiveRuns() []*domain.Outcome {
	s.mu.RLock()
	runs := make([]*activeRun, 0, len(s.activeRuns))
	for _, run := range s.activeRuns {
		runs = append(runs, run)
	}
	s.mu.RUnlock()

	out := make([]*domain.Outcome, 0, len(runs))
	for _, run := range runs {
		out = append(out, snapshot(run))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// ActiveRunsCount возвращает количество активных run.
func (s *Service) ActiveRunsCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.activeRuns)
}

func snapshot(run *activeRun) *domain.Outcome {
	if st := run.state.Load(); st != nil {
		return st.Outcome(domain.RunStatusRunning, st.StartedAt())
	}
	return &domain.Outcome{
		ExecutionID: run.req.ExecutionID,
		Process:     run.req.Process,
		Environment: run.req.Environment,
		Status:      domain.RunStatusPending,
	}
}

// Breakers возвращает состояние всех circuit breaker'ов.
func (s *Service) Breakers() []domain.BreakerSnapshot {
	return s.engine.breakers.Snapshot()
}

// Resources возвращает текущее использование пула ресурсов.
func (s *Service) Resources() domain.ResourceSnapshot {
	return s.engine.resources.Snapshot()
}

// Listen потребляет run-запросы из очереди runs.requested и запускает
// их в фоне. Блокирует до отмены ctx.
func (s *Service) Listen(ctx context.Context, conn *mq.Connection) error {
	consumer := mq.NewConsumer(conn, s.logger, mq.ConsumerConfig{
		Queue:    string(mq.QueueRunRequests),
		Handle:   s.handleRunRequest,
		Prefetch: 10,
	})

	s.logger.Info("listening for run requests", "queue", mq.QueueRunRequests)

	err := consumer.Start(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// handleRunRequest: неизвестный процесс уходит в DLQ, уже активный run
// считается повтором.
func (s *Service) handleRunRequest(_ context.Context, req domain.RunRequest) error {
	_, err := s.Submit(req)
	switch {
	case errors.Is(err, ErrUnknownProcess):
		return mq.Reject(err)
	case errors.Is(err, ErrRunAlreadyActive):
		return fmt.Errorf("%w: %w", mq.ErrDuplicate, err)
	}
	return err
}

// Stop отменяет все активные run (фоновые и синхронные) и дожидается
// их завершения. После Stop новые run не принимаются.
func (s *Service) Stop() {
	s.mu.Lock()
	already := s.stopped.Swap(true)
	s.mu.Unlock()
	if already {
		return
	}

	s.logger.Info("stopping service...", "active_runs", s.ActiveRunsCount())

	s.cancelBase(ErrServiceStopped)
	s.wg.Wait()

	s.logger.Info("service stopped")
}
