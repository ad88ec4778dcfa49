package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/shaiso/procorch/internal/domain"
	"github.com/shaiso/procorch/internal/engine"
	"github.com/shaiso/procorch/internal/recovery"
	"github.com/shaiso/procorch/internal/report"
	"github.com/shaiso/procorch/internal/resource"
	"github.com/shaiso/procorch/internal/retry"
	"github.com/shaiso/procorch/internal/telemetry"
	"github.com/shaiso/procorch/internal/worker"
)

// Config — зависимости Engine. Пустые поля заменяются значениями по умолчанию.
type Config struct {
	Executors *worker.Registry
	Resources *resource.Manager
	Breakers  *retry.Registry
	Recovery  *recovery.Coordinator
	Reporter  *report.Reporter
	Tracer    trace.Tracer
	Logger    *slog.Logger

	// Now — источник времени. nil — time.Now.
	Now func() time.Time

	// Sleep — пауза между попытками (для тестов). nil — таймер.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Engine исполняет планы процессов.
//
// Engine не хранит состояние run между вызовами Execute: общими
// остаются только пул ресурсов, breaker'ы и recovery-действия.
type Engine struct {
	executors *worker.Registry
	resources *resource.Manager
	breakers  *retry.Registry
	recovery  *recovery.Coordinator
	reporter  *report.Reporter
	tracer    trace.Tracer
	logger    *slog.Logger
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewEngine создаёт Engine.
func NewEngine(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		executors: cfg.Executors,
		resources: cfg.Resources,
		breakers:  cfg.Breakers,
		recovery:  cfg.Recovery,
		reporter:  cfg.Reporter,
		tracer:    cfg.Tracer,
		logger:    logger,
		now:       cfg.Now,
		sleep:     cfg.Sleep,
	}

	if e.executors == nil {
		e.executors = worker.NewRegistry()
	}
	if e.resources == nil {
		e.resources = resource.New(resource.Config{Logger: logger})
	}
	if e.breakers == nil {
		e.breakers = retry.NewRegistry(retry.BreakerConfig{})
	}
	if e.recovery == nil {
		e.recovery = recovery.New(recovery.Config{Logger: logger})
	}
	if e.reporter == nil {
		e.reporter = report.New(report.Config{Logger: logger})
	}
	if e.tracer == nil {
		e.tracer = telemetry.Tracer()
	}
	if e.now == nil {
		e.now = time.Now
	}

	return e
}

// Resources возвращает пул ресурсов движка.
func (e *Engine) Resources() *resource.Manager {
	return e.resources
}

// Breakers возвращает реестр circuit breaker'ов движка.
func (e *Engine) Breakers() *retry.Registry {
	return e.breakers
}

// Reporter возвращает Reporter движка.
func (e *Engine) Reporter() *report.Reporter {
	return e.reporter
}

// execution — данные одного вызова Execute, общие для горутин шагов.
type execution struct {
	plan   *engine.ExecutionPlan
	req    domain.RunRequest
	state  *RunState
	cond   *engine.Context
	sem    *semaphore.Weighted
	done   map[string]chan struct{}
	logger *slog.Logger
}

func (x *execution) event(typ domain.EventType) domain.Event {
	ev := domain.NewEvent(typ, x.req.ExecutionID, x.req.Process)
	ev.Environment = x.req.Environment
	return ev
}

// Execute выполняет план и возвращает Outcome.
//
// Каждый шаг ждёт завершения своих зависимостей и затем конкурирует
// за слот пула (max_parallel). Outcome возвращается всегда, вместе с ошибкой
// для FAILED (*CriticalStepFailedError) и ABORTED (ErrAborted).
// Итоговый отчёт и финальное уведомление формирует вызывающая сторона
// через Reporter.Report.
func (e *Engine) Execute(ctx context.Context, plan *engine.ExecutionPlan, req *domain.RunRequest) (*domain.Outcome, error) {
	return e.execute(ctx, plan, req, nil)
}

// execute — Execute с обратным вызовом started, который получает RunState
// до запуска первого шага.
func (e *Engine) execute(ctx context.Context, plan *engine.ExecutionPlan, req *domain.RunRequest, started func(*RunState)) (*domain.Outcome, error) {
	if plan == nil {
		return nil, errors.New("nil execution plan")
	}

	r := domain.RunRequest{Process: plan.Process}
	if req != nil {
		r = *req
	}
	if r.Process == "" {
		r.Process = plan.Process
	}
	if r.ExecutionID == uuid.Nil {
		r.ExecutionID = uuid.New()
	}

	def := plan.Definition()

	var runCtx context.Context
	var cancel context.CancelFunc
	if def.Timeout > 0 {
		runCtx, cancel = context.WithTimeoutCause(ctx, def.Timeout, ErrProcessTimeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	runCtx, span := e.tracer.Start(runCtx, "run "+r.Process, trace.WithAttributes(
		attribute.String("procorch.process", r.Process),
		attribute.String("procorch.execution_id", r.ExecutionID.String()),
		attribute.String("procorch.environment", r.Environment),
	))
	defer span.End()

	logger := telemetry.WithProcess(telemetry.WithExecutionID(e.logger, r.ExecutionID.String()), r.Process)

	x := &execution{
		plan:   plan,
		req:    r,
		state:  NewRunState(plan, r, e.now()),
		cond:   engine.NewContext(r.Environment, r.Vars),
		sem:    semaphore.NewWeighted(int64(plan.MaxParallel())),
		done:   make(map[string]chan struct{}, plan.Size()),
		logger: logger,
	}
	x.cond.States = x.state.StateOf
	if started != nil {
		started(x.state)
	}

	for _, name := range plan.Order() {
		x.done[name] = make(chan struct{})
	}

	logger.Info("run started", "steps", plan.Size(), "max_parallel", plan.MaxParallel())
	e.reporter.Event(context.WithoutCancel(ctx), x.event(domain.EventRunStarted))

	var wg sync.WaitGroup
	for _, name := range plan.Order() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer close(x.done[name])
			e.runStep(runCtx, x, name)
		}()
	}
	wg.Wait()

	var (
		status = domain.RunStatusSucceeded
		cause  string
		err    error
	)
	switch critical := x.state.CriticalFailure(); {
	case critical != nil:
		status = domain.RunStatusFailed
		err = critical
	case runCtx.Err() != nil && x.state.Interrupted():
		status = domain.RunStatusAborted
		cause = abortCause(runCtx)
		err = fmt.Errorf("%w: %s", ErrAborted, cause)
	}

	o := x.state.Outcome(status, e.now())
	o.Cause = cause

	span.SetAttributes(attribute.String("procorch.status", string(status)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	sum := o.Summary()
	logger.Info("run finished",
		"status", status,
		"succeeded", sum.Succeeded,
		"failed", sum.Failed,
		"skipped", sum.Skipped,
		"duration", o.Duration(),
	)

	return o, err
}

// abortCause возвращает текст причины прерывания run.
func abortCause(ctx context.Context) string {
	cause := context.Cause(ctx)
	switch {
	case cause == nil:
		return ""
	case errors.Is(cause, ErrProcessTimeout):
		return ErrProcessTimeout.Error()
	case errors.Is(cause, context.Canceled):
		return "cancelled"
	case errors.Is(cause, context.DeadlineExceeded):
		return "deadline exceeded"
	default:
		return cause.Error()
	}
}

// runStep проводит шаг через весь жизненный цикл.
// Шаг, до которого не дошла очередь из-за отмены или критичной ошибки
// в более ранней стадии, остаётся в PENDING.
func (e *Engine) runStep(ctx context.Context, x *execution, name string) {
	for _, dep := range x.plan.Dependencies(name) {
		<-x.done[dep]
	}

	if ctx.Err() != nil || x.state.Withheld(name) {
		return
	}

	logger := telemetry.WithStep(x.logger, name)
	step := x.plan.Step(name)

	for _, dep := range x.plan.Dependencies(name) {
		if !x.state.Satisfies(dep) {
			logger.Info("step skipped", "reason", domain.SkipDependencyFailed, "dependency", dep)
			e.finish(x, name, func(r *domain.StepRun) {
				r.MarkSkipped(e.now(), domain.SkipDependencyFailed)
			})
			return
		}
	}

	if step.Condition != "" {
		ok, err := evalCondition(step.Condition, x.cond)
		if err != nil {
			logger.Error("condition evaluation failed", "condition", step.Condition, "error", err)
			e.fail(ctx, x, step, err, domain.ErrorKindConfiguration, domain.FailureConfiguration, nil)
			return
		}
		if !ok {
			logger.Info("step skipped", "reason", domain.SkipCondition, "condition", step.Condition)
			e.finish(x, name, func(r *domain.StepRun) {
				r.MarkSkipped(e.now(), domain.SkipCondition)
			})
			return
		}
	}

	if err := x.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer x.sem.Release(1)

	if x.state.Withheld(name) {
		return
	}

	e.executeStep(ctx, x, step, logger)
}

func evalCondition(expr string, c *engine.Context) (bool, error) {
	cond, err := engine.ParseCondition(expr)
	if err != nil {
		return false, err
	}
	return cond.Eval(c)
}

// executeStep выполняет попытки шага, а после их исчерпания — recovery.
func (e *Engine) executeStep(ctx context.Context, x *execution, step *domain.Step, logger *slog.Logger) {
	name := step.Name
	def := x.plan.Definition()

	ctx, span := e.tracer.Start(ctx, "step "+name, trace.WithAttributes(
		attribute.String("procorch.step", name),
		attribute.String("procorch.step_type", step.ExecutorType()),
		attribute.Bool("procorch.critical", step.Critical),
	))
	defer span.End()

	env := stepEnv(x.req, step)
	breaker := e.breakers.Get(step.EffectiveBreakerKey(def.Name))

	var (
		outMu  sync.Mutex
		output string
	)

	attempt := func(ctx context.Context, n int) error {
		// Попытка засчитывается и тогда, когда ёмкость так и не выделили
		x.state.Update(name, func(r *domain.StepRun) {
			r.MarkRunning(e.now())
			r.Attempts++
		})

		grant, err := e.resources.Allocate(ctx, name, step.Resources, step.Timeout)
		if err != nil {
			return err
		}
		defer e.resources.Release(grant)

		logger.Debug("attempt started", "attempt", n)

		res, err := e.executors.Run(ctx, &worker.Invocation{
			Process: def.Name,
			Step:    name,
			Type:    step.ExecutorType(),
			Command: step.Command,
			Env:     env,
		}, step.Timeout)

		if res != nil {
			outMu.Lock()
			output = res.Output
			outMu.Unlock()
			x.state.Update(name, func(r *domain.StepRun) { r.Output = res.Output })
		}

		if err != nil {
			return err
		}
		return e.executors.Probe(ctx, name, step.HealthCheck, env)
	}

	opts := retry.Options{
		Policy:  retry.NewPolicy(step.Retry),
		Breaker: breaker,
		Neutral: func(err error) bool { return errors.Is(err, resource.ErrResourceExhausted) },
		OnRetry: func(n int, delay time.Duration, err error) {
			kind := recovery.KindOf(err)
			x.state.Update(name, func(r *domain.StepRun) { r.MarkRetrying(err.Error(), kind) })
			logger.Warn("attempt failed, retrying", "attempt", n, "delay", delay, "kind", kind, "error", err)

			ev := x.event(domain.EventStepRetrying)
			ev.Step = name
			ev.Attempt = n
			ev.Delay = delay
			ev.Message = err.Error()
			e.reporter.Event(context.WithoutCancel(ctx), ev)
		},
		Sleep: e.sleep,
	}

	res := retry.Invoke(ctx, opts, attempt)
	if res.Err == nil {
		e.succeed(x, name, false)
		logger.Info("step succeeded", "attempts", res.Attempts)
		return
	}
	if ctx.Err() != nil {
		e.abort(x, name, res.Err, span)
		return
	}

	outMu.Lock()
	lastOutput := output
	outMu.Unlock()

	// Breaker, сработавший на наших же ошибках, не меняет их природу
	classErr := res.Err
	if res.CircuitOpen && res.Cause != nil {
		classErr = res.Cause
	}
	class := recovery.Classify(classErr, lastOutput)
	logger.Warn("step attempts exhausted", "attempts", res.Attempts, "classification", class, "error", res.Err)

	recovered, actions := e.recovery.Recover(ctx, recovery.Failure{
		Process:  def.Name,
		Step:     step,
		Class:    class,
		Err:      res.Err,
		Output:   lastOutput,
		Attempts: res.Attempts,
	})

	failErr := res.Err
	if recovered {
		breaker.AllowTrial()

		again := retry.Invoke(ctx, retry.Options{
			Breaker: breaker,
			Neutral: opts.Neutral,
			Sleep:   e.sleep,
		}, attempt)
		if again.Err == nil {
			x.state.Update(name, func(r *domain.StepRun) { r.Recovery = actions })
			e.succeed(x, name, true)
			logger.Info("step recovered", "classification", class)

			ev := x.event(domain.EventStepRecovered)
			ev.Step = name
			ev.Message = fmt.Sprintf("recovered from %s", class)
			e.reporter.Event(context.WithoutCancel(ctx), ev)
			return
		}
		if ctx.Err() != nil {
			e.abort(x, name, again.Err, span)
			return
		}
		failErr = again.Err
	}

	span.RecordError(failErr)
	span.SetStatus(codes.Error, failErr.Error())
	e.fail(ctx, x, step, failErr, recovery.KindOf(failErr), class, actions)
}

// succeed переводит шаг в SUCCEEDED.
func (e *Engine) succeed(x *execution, name string, recovered bool) {
	e.finish(x, name, func(r *domain.StepRun) {
		r.MarkSucceeded(e.now())
		r.Recovered = recovered
	})
}

// abort фиксирует шаг, прерванный отменой run.
func (e *Engine) abort(x *execution, name string, err error, span trace.Span) {
	x.state.MarkInterrupted()
	span.SetStatus(codes.Error, "aborted")
	x.logger.Warn("step aborted", "step", name, "error", err)
	e.finish(x, name, func(r *domain.StepRun) {
		r.MarkFailed(e.now(), err.Error(), domain.ErrorKindAborted)
	})
}

// fail переводит шаг в FAILED; для критичного шага останавливает run.
func (e *Engine) fail(ctx context.Context, x *execution, step *domain.Step, err error, kind domain.ErrorKind, class domain.FailureClass, actions []domain.RecoveryAttempt) {
	var attempts int
	e.finish(x, step.Name, func(r *domain.StepRun) {
		r.MarkFailed(e.now(), err.Error(), kind)
		r.Classification = class
		r.Recovery = actions
		attempts = r.Attempts
	})

	x.logger.Error("step failed",
		"step", step.Name,
		"critical", step.Critical,
		"kind", kind,
		"classification", class,
		"error", err,
	)

	ev := x.event(domain.EventStepFailed)
	ev.Step = step.Name
	ev.Attempt = attempts
	ev.Message = err.Error()
	e.reporter.Event(context.WithoutCancel(ctx), ev)

	if !step.Critical {
		return
	}
	if x.state.Halt(&CriticalStepFailedError{
		Step:           step.Name,
		Kind:           kind,
		Classification: class,
		Attempts:       attempts,
		Recovery:       actions,
		Err:            err,
	}) {
		x.logger.Error("critical step failed, no new steps will be started", "step", step.Name)
	}
}

// finish применяет финальный переход и записывает метрики шага.
func (e *Engine) finish(x *execution, name string, fn func(r *domain.StepRun)) {
	var final *domain.StepRun
	x.state.Update(name, func(r *domain.StepRun) {
		fn(r)
		final = r.Clone()
	})
	e.reporter.StepFinished(x.req.Process, final)
}

// stepEnv собирает окружение шага: переменные из определения
// плюс PROCORCH_* с данными запуска.
func stepEnv(req domain.RunRequest, step *domain.Step) map[string]string {
	env := make(map[string]string, len(step.Environment)+4)
	for k, v := range step.Environment {
		env[k] = v
	}
	env["PROCORCH_EXECUTION_ID"] = req.ExecutionID.String()
	env["PROCORCH_PROCESS"] = req.Process
	env["PROCORCH_ENVIRONMENT"] = req.Environment
	env["PROCORCH_STEP"] = step.Name
	return env
}
