package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/shaiso/procorch/internal/domain"
	"github.com/shaiso/procorch/internal/engine"
	"github.com/shaiso/procorch/internal/mq"
	"github.com/shaiso/procorch/internal/recovery"
	"github.com/shaiso/procorch/internal/report"
	"github.com/shaiso/procorch/internal/resource"
	"github.com/shaiso/procorch/internal/retry"
	"github.com/shaiso/procorch/internal/worker"
)

// --- fakes ---

// fakeExecutor выполняет шаги через заданные функции и считает вызовы.
type fakeExecutor struct {
	mu          sync.Mutex
	fn          map[string]func(ctx context.Context, n int) error
	calls       map[string]int
	started     []string
	inflight    int
	maxInflight int
	delay       time.Duration
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		fn:    make(map[string]func(ctx context.Context, n int) error),
		calls: make(map[string]int),
	}
}

func (f *fakeExecutor) on(step string, fn func(ctx context.Context, n int) error) {
	f.fn[step] = fn
}

func (f *fakeExecutor) Execute(ctx context.Context, inv *worker.Invocation) (*worker.Result, error) {
	f.mu.Lock()
	f.calls[inv.Step]++
	n := f.calls[inv.Step]
	fn := f.fn[inv.Step]
	f.started = append(f.started, inv.Step)
	f.inflight++
	if f.inflight > f.maxInflight {
		f.maxInflight = f.inflight
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inflight--
		f.mu.Unlock()
	}()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return &worker.Result{}, ctx.Err()
		}
	}

	res := &worker.Result{Output: "output of " + inv.Step}
	if fn == nil {
		return res, nil
	}
	return res, fn(ctx, n)
}

func (f *fakeExecutor) callsOf(step string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[step]
}

func (f *fakeExecutor) startIndex(step string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, s := range f.started {
		if s == step {
			return i
		}
	}
	return -1
}

type memNotifier struct {
	mu     sync.Mutex
	events []domain.Event
}

func (n *memNotifier) Notify(_ context.Context, ev *domain.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, *ev)
	return nil
}

func (n *memNotifier) count(typ domain.EventType) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, ev := range n.events {
		if ev.Type == typ {
			c++
		}
	}
	return c
}

type memStore struct {
	mu      sync.Mutex
	reports []*domain.Report
}

func (s *memStore) Save(_ context.Context, r *domain.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, r)
	return nil
}

func (s *memStore) last() *domain.Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.reports) == 0 {
		return nil
	}
	return s.reports[len(s.reports)-1]
}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

// --- helpers ---

type harness struct {
	exec     *fakeExecutor
	notifier *memNotifier
	store    *memStore
	recovery *recovery.Coordinator
	engine   *Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		exec:     newFakeExecutor(),
		notifier: &memNotifier{},
		store:    &memStore{},
		recovery: recovery.New(recovery.Config{Sleep: noSleep}),
	}

	registry := worker.NewRegistry()
	registry.Register(worker.TypeShell, h.exec)

	h.engine = NewEngine(Config{
		Executors: registry,
		Recovery:  h.recovery,
		Reporter:  report.New(report.Config{Store: h.store, Notifier: h.notifier}),
		Sleep:     noSleep,
	})
	return h
}

func step(name string, deps ...string) domain.Step {
	return domain.Step{Name: name, Command: "run " + name, Dependencies: deps}
}

func critical(s domain.Step) domain.Step {
	s.Critical = true
	return s
}

func mustPlan(t *testing.T, def *domain.ProcessDefinition) *engine.ExecutionPlan {
	t.Helper()
	plan, err := engine.BuildPlan(def)
	if err != nil {
		t.Fatalf("build plan: %v", err)
	}
	return plan
}

var errCommand = retry.ErrStepCommandFailure

// --- Engine ---

func TestEngine_DependencyOrder(t *testing.T) {
	h := newHarness(t)
	plan := mustPlan(t, &domain.ProcessDefinition{
		Name: "deploy",
		Steps: []domain.Step{
			step("test", "build"),
			step("build"),
			step("deploy", "test", "lint"),
			step("lint"),
		},
	})

	o, err := h.engine.Execute(context.Background(), plan, &domain.RunRequest{Environment: "staging"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if o.Status != domain.RunStatusSucceeded {
		t.Fatalf("expected SUCCEEDED, got %s", o.Status)
	}
	if o.ExecutionID == uuid.Nil {
		t.Error("execution id should be generated")
	}

	if h.exec.startIndex("build") > h.exec.startIndex("test") {
		t.Error("build must start before test")
	}
	for _, dep := range []string{"test", "lint"} {
		if h.exec.startIndex(dep) > h.exec.startIndex("deploy") {
			t.Errorf("%s must start before deploy", dep)
		}
	}

	sum := o.Summary()
	if sum.Succeeded != 4 || sum.SuccessRate != 1 {
		t.Errorf("unexpected summary: %+v", sum)
	}
	if o.Steps["deploy"].Output != "output of deploy" {
		t.Errorf("expected captured output, got %q", o.Steps["deploy"].Output)
	}
}

func TestEngine_RetryThenSuccess(t *testing.T) {
	h := newHarness(t)
	h.exec.on("flaky", func(_ context.Context, n int) error {
		if n < 3 {
			return errCommand
		}
		return nil
	})

	s := step("flaky")
	s.Retry = domain.RetryPolicy{MaxRetries: 3, Strategy: domain.BackoffFixed, InitialDelay: time.Second}
	plan := mustPlan(t, &domain.ProcessDefinition{Name: "p", Steps: []domain.Step{s}})

	o, err := h.engine.Execute(context.Background(), plan, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sr := o.Steps["flaky"]
	if sr.State != domain.StepSucceeded || sr.Attempts != 3 {
		t.Errorf("expected SUCCEEDED after 3 attempts, got %s/%d", sr.State, sr.Attempts)
	}
	if sr.Error != "" {
		t.Errorf("error should be cleared on success, got %q", sr.Error)
	}
	if got := h.notifier.count(domain.EventStepRetrying); got != 2 {
		t.Errorf("expected 2 step.retrying events, got %d", got)
	}
}

func TestEngine_CriticalFailureStopsNewSteps(t *testing.T) {
	h := newHarness(t)
	h.exec.on("migrate", func(context.Context, int) error {
		return retry.Permanent(errors.New("schema locked"))
	})

	plan := mustPlan(t, &domain.ProcessDefinition{
		Name: "deploy",
		Steps: []domain.Step{
			critical(step("migrate")),
			step("deploy", "migrate"),
		},
	})

	o, err := h.engine.Execute(context.Background(), plan, nil)
	if !errors.Is(err, ErrCriticalStepFailed) {
		t.Fatalf("expected ErrCriticalStepFailed, got %v", err)
	}

	var critErr *CriticalStepFailedError
	if !errors.As(err, &critErr) || critErr.Step != "migrate" {
		t.Fatalf("expected CriticalStepFailedError for migrate, got %v", err)
	}

	if o.Status != domain.RunStatusFailed {
		t.Errorf("expected FAILED, got %s", o.Status)
	}
	if o.Failure == nil || o.Failure.Step != "migrate" || o.Failure.Attempts != 1 {
		t.Errorf("unexpected failure detail: %+v", o.Failure)
	}
	if o.Steps["deploy"].State != domain.StepPending {
		t.Errorf("dependent step must not start, got %s", o.Steps["deploy"].State)
	}
	if h.exec.callsOf("deploy") != 0 {
		t.Error("deploy should not be executed")
	}

	// Соседи по стадии запускаются, даже если критичный шаг упал раньше их старта
	for i := 0; i < 20; i++ {
		h := newHarness(t)
		h.exec.on("a", func(context.Context, int) error {
			return retry.Permanent(errors.New("fails at once"))
		})
		h.exec.on("b", func(ctx context.Context, _ int) error {
			select {
			case <-time.After(20 * time.Millisecond):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})

		plan := mustPlan(t, &domain.ProcessDefinition{
			Name: "p",
			Steps: []domain.Step{
				critical(step("a")),
				step("b"),
				step("c", "b"),
			},
		})

		o, err := h.engine.Execute(context.Background(), plan, nil)
		if !errors.Is(err, ErrCriticalStepFailed) || o.Status != domain.RunStatusFailed {
			t.Fatalf("expected FAILED run, got %s (%v)", o.Status, err)
		}
		if got := o.Steps["b"].State; got != domain.StepSucceeded {
			t.Fatalf("run %d: same-stage sibling must finish, got %s", i, got)
		}
		if got := o.Steps["c"].State; got != domain.StepPending || h.exec.callsOf("c") != 0 {
			t.Fatalf("run %d: later stage must not start, got %s", i, got)
		}
	}
}

func TestEngine_ResourceExhaustionCountsAttempts(t *testing.T) {
	h := newHarness(t)

	pool := resource.New(resource.Config{CPU: 100, Memory: 100})
	hog, err := pool.Allocate(context.Background(), "hog", domain.ResourceRequirements{CPU: 100}, time.Second)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	defer pool.Release(hog)

	registry := worker.NewRegistry()
	registry.Register(worker.TypeShell, h.exec)
	eng := NewEngine(Config{Executors: registry, Resources: pool, Recovery: h.recovery, Sleep: noSleep})

	build := critical(step("build"))
	build.Timeout = 10 * time.Millisecond
	build.Resources = domain.ResourceRequirements{CPU: 10}
	build.Retry = domain.RetryPolicy{MaxRetries: 2}

	o, err := eng.Execute(context.Background(), mustPlan(t, &domain.ProcessDefinition{
		Name:  "p",
		Steps: []domain.Step{build},
	}), nil)

	var critErr *CriticalStepFailedError
	if !errors.As(err, &critErr) {
		t.Fatalf("expected CriticalStepFailedError, got %v", err)
	}
	if critErr.Attempts != 3 || o.Failure == nil || o.Failure.Attempts != 3 {
		t.Errorf("expected 3 attempts, got error=%d detail=%+v", critErr.Attempts, o.Failure)
	}
	if o.Failure.Kind != domain.ErrorKindResourceExhausted {
		t.Errorf("expected ResourceExhausted kind, got %s", o.Failure.Kind)
	}
	if h.exec.callsOf("build") != 0 {
		t.Error("command must not run without a grant")
	}
}

func TestEngine_NonCriticalFailureSkipsDependents(t *testing.T) {
	h := newHarness(t)
	h.exec.on("lint", func(context.Context, int) error { return errCommand })

	plan := mustPlan(t, &domain.ProcessDefinition{
		Name: "ci",
		Steps: []domain.Step{
			step("lint"),
			step("report", "lint"),
			step("publish", "report"),
			step("build"),
		},
	})

	o, err := h.engine.Execute(context.Background(), plan, nil)
	if err != nil {
		t.Fatalf("non-critical failure must not fail the run: %v", err)
	}
	if o.Status != domain.RunStatusSucceeded || !o.HasWarnings() {
		t.Errorf("expected SUCCEEDED with warnings, got %s", o.Status)
	}

	for _, name := range []string{"report", "publish"} {
		sr := o.Steps[name]
		if sr.State != domain.StepSkipped || sr.SkipReason != domain.SkipDependencyFailed {
			t.Errorf("%s: expected SKIPPED(dependency-not-satisfied), got %s(%s)", name, sr.State, sr.SkipReason)
		}
	}
	if o.Steps["build"].State != domain.StepSucceeded {
		t.Errorf("independent step should succeed, got %s", o.Steps["build"].State)
	}
	if o.Steps["lint"].Classification != domain.FailureDependency {
		t.Errorf("expected DependencyFailure, got %s", o.Steps["lint"].Classification)
	}

	sum := o.Summary()
	if sum.SuccessRate != 0.5 || sum.StrictSuccessRate != 0.25 {
		t.Errorf("unexpected rates: %+v", sum)
	}
}

func TestEngine_ConditionSkipSatisfiesDependents(t *testing.T) {
	h := newHarness(t)

	gated := step("approve")
	gated.Condition = "branch == 'main' and approved == true"

	plan := mustPlan(t, &domain.ProcessDefinition{
		Name:  "release",
		Steps: []domain.Step{gated, step("ship", "approve")},
	})

	o, err := h.engine.Execute(context.Background(), plan, &domain.RunRequest{
		Vars: map[string]any{"branch": "feature", "approved": true},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if sr := o.Steps["approve"]; sr.State != domain.StepSkipped || sr.SkipReason != domain.SkipCondition {
		t.Errorf("expected SKIPPED(condition), got %s(%s)", sr.State, sr.SkipReason)
	}
	if o.Steps["ship"].State != domain.StepSucceeded {
		t.Errorf("condition skip should satisfy dependents, got %s", o.Steps["ship"].State)
	}
}

func TestEngine_ConditionUsesStepStates(t *testing.T) {
	h := newHarness(t)
	h.exec.on("smoke", func(context.Context, int) error { return errCommand })

	rollback := step("rollback", "smoke")
	rollback.Condition = "steps.smoke.state == 'FAILED'"

	plan := mustPlan(t, &domain.ProcessDefinition{
		Name:  "deploy",
		Steps: []domain.Step{step("smoke"), rollback},
	})

	o, _ := h.engine.Execute(context.Background(), plan, nil)

	// Зависимость упала — rollback пропускается раньше вычисления условия
	if o.Steps["rollback"].SkipReason != domain.SkipDependencyFailed {
		t.Errorf("expected dependency skip, got %s", o.Steps["rollback"].SkipReason)
	}
}

func TestEngine_MaxParallel(t *testing.T) {
	h := newHarness(t)
	h.exec.delay = 20 * time.Millisecond

	def := &domain.ProcessDefinition{Name: "fanout", MaxParallel: 2}
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		def.Steps = append(def.Steps, step(name))
	}

	o, err := h.engine.Execute(context.Background(), mustPlan(t, def), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if o.Summary().Succeeded != 5 {
		t.Errorf("expected all steps to succeed, got %+v", o.Summary())
	}
	if h.exec.maxInflight > 2 {
		t.Errorf("expected at most 2 concurrent steps, got %d", h.exec.maxInflight)
	}
}

func TestEngine_ProcessTimeout(t *testing.T) {
	h := newHarness(t)
	h.exec.on("hang", func(ctx context.Context, _ int) error {
		<-ctx.Done()
		return ctx.Err()
	})

	plan := mustPlan(t, &domain.ProcessDefinition{
		Name:    "p",
		Timeout: 30 * time.Millisecond,
		Steps:   []domain.Step{step("hang"), step("after", "hang")},
	})

	o, err := h.engine.Execute(context.Background(), plan, nil)
	if !errors.Is(err, ErrAborted) {
		t.Fatalf("expected ErrAborted, got %v", err)
	}
	if o.Status != domain.RunStatusAborted || o.Cause != "process timeout" {
		t.Errorf("expected ABORTED(process timeout), got %s(%s)", o.Status, o.Cause)
	}
	if sr := o.Steps["hang"]; sr.State != domain.StepFailed || sr.ErrorKind != domain.ErrorKindAborted {
		t.Errorf("expected interrupted step FAILED(Aborted), got %s(%s)", sr.State, sr.ErrorKind)
	}
	if o.Steps["after"].State != domain.StepPending {
		t.Errorf("expected after to stay PENDING, got %s", o.Steps["after"].State)
	}
}

func TestEngine_RecoveryReattempt(t *testing.T) {
	h := newHarness(t)

	var fixed atomic.Bool
	h.recovery.Register(domain.FailureDependency, recovery.Action{
		Name: "restart-dependency",
		Run: func(context.Context, recovery.Failure) error {
			fixed.Store(true)
			return nil
		},
	})
	h.exec.on("sync", func(context.Context, int) error {
		if !fixed.Load() {
			return errCommand
		}
		return nil
	})

	s := critical(step("sync"))
	s.Retry = domain.RetryPolicy{MaxRetries: 1}
	plan := mustPlan(t, &domain.ProcessDefinition{Name: "p", Steps: []domain.Step{s}})

	o, err := h.engine.Execute(context.Background(), plan, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sr := o.Steps["sync"]
	if sr.State != domain.StepSucceeded || !sr.Recovered {
		t.Fatalf("expected recovered success, got %s (recovered=%v)", sr.State, sr.Recovered)
	}
	if sr.Attempts != 3 {
		t.Errorf("expected 2 attempts + 1 re-attempt, got %d", sr.Attempts)
	}
	if len(sr.Recovery) != 1 || !sr.Recovery[0].Succeeded {
		t.Errorf("unexpected recovery log: %+v", sr.Recovery)
	}
	if h.notifier.count(domain.EventStepRecovered) != 1 {
		t.Error("expected step.recovered event")
	}
}

func TestEngine_RecoveryFails(t *testing.T) {
	h := newHarness(t)
	h.recovery.Register(domain.FailureDependency, recovery.Action{
		Name: "restart-dependency",
		Run:  func(context.Context, recovery.Failure) error { return errors.New("restart failed") },
	})
	h.exec.on("sync", func(context.Context, int) error { return errCommand })

	plan := mustPlan(t, &domain.ProcessDefinition{Name: "p", Steps: []domain.Step{critical(step("sync"))}})

	o, err := h.engine.Execute(context.Background(), plan, nil)
	if !errors.Is(err, ErrCriticalStepFailed) {
		t.Fatalf("expected ErrCriticalStepFailed, got %v", err)
	}
	if len(o.Failure.Recovery) != 1 || o.Failure.Recovery[0].Succeeded {
		t.Errorf("expected failed recovery attempt in detail, got %+v", o.Failure.Recovery)
	}
	if o.Failure.Classification != domain.FailureDependency {
		t.Errorf("expected DependencyFailure, got %s", o.Failure.Classification)
	}
	if h.exec.callsOf("sync") != 1 {
		t.Errorf("no re-attempt after failed recovery, got %d calls", h.exec.callsOf("sync"))
	}
}

func TestEngine_StepEnvironment(t *testing.T) {
	h := newHarness(t)

	var env map[string]string
	registry := worker.NewRegistry()
	registry.Register(worker.TypeShell, executorFunc(func(_ context.Context, inv *worker.Invocation) (*worker.Result, error) {
		env = inv.Env
		return &worker.Result{}, nil
	}))
	eng := NewEngine(Config{Executors: registry, Reporter: report.New(report.Config{Notifier: h.notifier})})

	s := step("print")
	s.Environment = map[string]string{"REGION": "eu"}
	id := uuid.New()

	_, err := eng.Execute(context.Background(), mustPlan(t, &domain.ProcessDefinition{Name: "p", Steps: []domain.Step{s}}),
		&domain.RunRequest{ExecutionID: id, Environment: "production"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := map[string]string{
		"REGION":                "eu",
		"PROCORCH_EXECUTION_ID": id.String(),
		"PROCORCH_PROCESS":      "p",
		"PROCORCH_ENVIRONMENT":  "production",
		"PROCORCH_STEP":         "print",
	}
	for k, v := range want {
		if env[k] != v {
			t.Errorf("%s: expected %q, got %q", k, v, env[k])
		}
	}
}

type executorFunc func(ctx context.Context, inv *worker.Invocation) (*worker.Result, error)

func (f executorFunc) Execute(ctx context.Context, inv *worker.Invocation) (*worker.Result, error) {
	return f(ctx, inv)
}

func TestEngine_Spans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	registry := worker.NewRegistry()
	registry.Register(worker.TypeShell, newFakeExecutor())
	eng := NewEngine(Config{Executors: registry, Tracer: tp.Tracer("test")})

	plan := mustPlan(t, &domain.ProcessDefinition{Name: "p", Steps: []domain.Step{step("a"), step("b", "a")}})
	if _, err := eng.Execute(context.Background(), plan, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	names := make(map[string]bool)
	for _, s := range recorder.Ended() {
		names[s.Name()] = true
	}
	for _, want := range []string{"run p", "step a", "step b"} {
		if !names[want] {
			t.Errorf("expected span %q, got %v", want, names)
		}
	}
}

// --- Service ---

func newService(t *testing.T, h *harness, defs ...*domain.ProcessDefinition) *Service {
	t.Helper()
	s, err := NewService(ServiceConfig{Engine: h.engine, Definitions: defs})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(s.Stop)
	return s
}

func TestService_TriggerReports(t *testing.T) {
	h := newHarness(t)
	s := newService(t, h, &domain.ProcessDefinition{Name: "backup", Steps: []domain.Step{step("dump")}})

	rep, err := s.Trigger(context.Background(), domain.RunRequest{Process: "backup"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rep.Status != domain.RunStatusSucceeded || rep.Result != "success" {
		t.Errorf("unexpected report status %s/%s", rep.Status, rep.Result)
	}
	if h.store.last() == nil || h.store.last().ExecutionID != rep.ExecutionID {
		t.Error("report should be saved to store")
	}
	if h.notifier.count(domain.EventRunStarted) != 1 || h.notifier.count(domain.EventRunSucceeded) != 1 {
		t.Error("expected run.started and run.succeeded events")
	}
	if s.ActiveRunsCount() != 0 {
		t.Error("finished run must be removed from active runs")
	}
}

func TestService_UnknownProcess(t *testing.T) {
	h := newHarness(t)
	s := newService(t, h)

	if _, err := s.Trigger(context.Background(), domain.RunRequest{Process: "ghost"}); !errors.Is(err, ErrUnknownProcess) {
		t.Errorf("expected ErrUnknownProcess, got %v", err)
	}
	if err := s.Cancel(uuid.New()); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("expected ErrRunNotFound, got %v", err)
	}
}

func TestService_CancelActiveRun(t *testing.T) {
	h := newHarness(t)
	h.exec.on("long", func(ctx context.Context, _ int) error {
		<-ctx.Done()
		return ctx.Err()
	})
	s := newService(t, h, &domain.ProcessDefinition{Name: "p", Steps: []domain.Step{step("long"), step("next", "long")}})

	id, err := s.Submit(domain.RunRequest{Process: "p"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Повторный запуск того же execution id отклоняется
	if _, err := s.Submit(domain.RunRequest{ExecutionID: id, Process: "p"}); !errors.Is(err, ErrRunAlreadyActive) {
		t.Errorf("expected ErrRunAlreadyActive, got %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for h.exec.callsOf("long") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("step did not start")
		}
		time.Sleep(5 * time.Millisecond)
	}

	active, ok := s.ActiveRun(id)
	if !ok || active.Status != domain.RunStatusRunning {
		t.Fatalf("expected active RUNNING run, got %+v", active)
	}

	if err := s.Cancel(id); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx, id); err != nil {
		t.Fatalf("wait: %v", err)
	}

	rep := h.store.last()
	if rep == nil {
		t.Fatal("expected report")
	}
	if rep.Status != domain.RunStatusAborted || rep.Cause != ErrCancelled.Error() {
		t.Errorf("expected ABORTED(%s), got %s(%s)", ErrCancelled, rep.Status, rep.Cause)
	}
	if rep.Step("next").State != domain.StepPending {
		t.Errorf("expected next PENDING, got %s", rep.Step("next").State)
	}
}

func TestService_ReloadCachesPlans(t *testing.T) {
	h := newHarness(t)
	def := func(cmd string) *domain.ProcessDefinition {
		return &domain.ProcessDefinition{Name: "p", Steps: []domain.Step{{Name: "a", Command: cmd}}}
	}
	s := newService(t, h, def("echo 1"))

	first, err := s.Plan("p")
	if err != nil {
		t.Fatalf("plan: %v", err)
	}

	if err := s.Reload([]*domain.ProcessDefinition{def("echo 1")}); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if same, _ := s.Plan("p"); same != first {
		t.Error("unchanged definition should reuse cached plan")
	}

	if err := s.Reload([]*domain.ProcessDefinition{def("echo 2")}); err != nil {
		t.Fatalf("reload: %v", err)
	}
	changed, _ := s.Plan("p")
	if changed == first || changed.Fingerprint == first.Fingerprint {
		t.Error("changed definition should produce a new plan")
	}

	broken := &domain.ProcessDefinition{Name: "p", Steps: []domain.Step{step("a", "b"), step("b", "a")}}
	if err := s.Reload([]*domain.ProcessDefinition{broken}); err == nil {
		t.Fatal("expected error for cyclic definition")
	}
	if kept, _ := s.Plan("p"); kept != changed {
		t.Error("failed reload must keep previous definitions")
	}
}

func TestService_StopRejectsRuns(t *testing.T) {
	h := newHarness(t)
	s := newService(t, h, &domain.ProcessDefinition{Name: "p", Steps: []domain.Step{step("a")}})

	s.Stop()
	if _, err := s.Submit(domain.RunRequest{Process: "p"}); !errors.Is(err, ErrServiceStopped) {
		t.Errorf("expected ErrServiceStopped, got %v", err)
	}
}

func TestService_StopWaitsForAdmittedRuns(t *testing.T) {
	h := newHarness(t)
	h.exec.on("a", func(ctx context.Context, _ int) error {
		<-ctx.Done()
		return ctx.Err()
	})
	s := newService(t, h, &domain.ProcessDefinition{Name: "p", Steps: []domain.Step{step("a")}})

	var (
		wg       sync.WaitGroup
		accepted atomic.Int32
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Submit(domain.RunRequest{Process: "p"}); err == nil {
				accepted.Add(1)
			} else if !errors.Is(err, ErrServiceStopped) {
				t.Errorf("unexpected submit error: %v", err)
			}
		}()
	}

	s.Stop()
	// Всё, что успели принять до Stop, уже завершено; после Stop ничего не принимается
	if n := s.ActiveRunsCount(); n != 0 {
		t.Errorf("expected no active runs after Stop, got %d", n)
	}

	wg.Wait()
	if n := s.ActiveRunsCount(); n != 0 {
		t.Errorf("run admitted after Stop: %d active", n)
	}
	h.store.mu.Lock()
	got := len(h.store.reports)
	h.store.mu.Unlock()
	if int32(got) != accepted.Load() {
		t.Errorf("expected a report per accepted run: accepted=%d reports=%d", accepted.Load(), got)
	}
}

func TestService_StopAbortsTriggeredRun(t *testing.T) {
	h := newHarness(t)
	h.exec.on("a", func(ctx context.Context, _ int) error {
		<-ctx.Done()
		return ctx.Err()
	})
	s := newService(t, h, &domain.ProcessDefinition{Name: "p", Steps: []domain.Step{step("a")}})

	done := make(chan *domain.Report, 1)
	go func() {
		rep, _ := s.Trigger(context.Background(), domain.RunRequest{Process: "p"})
		done <- rep
	}()

	deadline := time.Now().Add(2 * time.Second)
	for h.exec.callsOf("a") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("step did not start")
		}
		time.Sleep(5 * time.Millisecond)
	}

	s.Stop()

	select {
	case rep := <-done:
		if rep == nil || rep.Status != domain.RunStatusAborted {
			t.Errorf("expected ABORTED report, got %+v", rep)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop must interrupt synchronous runs")
	}
}

func TestService_RunRequestDispositions(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	h.exec.on("a", func(ctx context.Context, _ int) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	s := newService(t, h, &domain.ProcessDefinition{Name: "p", Steps: []domain.Step{step("a")}})
	defer s.Stop()
	defer close(release)

	ctx := context.Background()
	if err := s.handleRunRequest(ctx, domain.RunRequest{Process: "ghost"}); mq.DispositionOf(err, false) != mq.DeadLetter {
		t.Errorf("unknown process must be dead-lettered, got %v", err)
	}

	req := domain.RunRequest{ExecutionID: uuid.New(), Process: "p"}
	if err := s.handleRunRequest(ctx, req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := s.handleRunRequest(ctx, req)
	if !errors.Is(err, mq.ErrDuplicate) || !errors.Is(err, ErrRunAlreadyActive) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	if mq.DispositionOf(err, true) != mq.Ack {
		t.Error("active run redelivery must be acked")
	}
}

func TestRunState_Stats(t *testing.T) {
	plan := mustPlan(t, &domain.ProcessDefinition{Name: "p", Steps: []domain.Step{step("a"), step("b"), step("c")}})
	st := NewRunState(plan, domain.RunRequest{Process: "p"}, time.Now())

	st.Update("a", func(r *domain.StepRun) { r.MarkSucceeded(time.Now()) })
	st.Update("b", func(r *domain.StepRun) { r.MarkRunning(time.Now()) })

	stats := st.Stats()
	if stats.TotalSteps != 3 || stats.SucceededSteps != 1 || stats.RunningSteps != 1 || stats.PendingSteps != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if !st.Interrupted() {
		t.Error("unfinished steps should count as interrupted")
	}

	first := &CriticalStepFailedError{Step: "b", Err: errCommand}
	if !st.Halt(first) || st.Halt(&CriticalStepFailedError{Step: "c", Err: errCommand}) {
		t.Error("only the first critical failure should be recorded")
	}
	if st.CriticalFailure().Step != "b" {
		t.Errorf("expected b, got %s", st.CriticalFailure().Step)
	}
	if !st.Halted() || st.Withheld("c") {
		t.Error("same-stage step c must stay runnable after b halts the run")
	}

	staged := mustPlan(t, &domain.ProcessDefinition{Name: "p", Steps: []domain.Step{step("a"), step("b", "a"), step("c", "b")}})
	st = NewRunState(staged, domain.RunRequest{Process: "p"}, time.Now())
	if st.Withheld("c") {
		t.Error("nothing is withheld before a critical failure")
	}
	st.Halt(&CriticalStepFailedError{Step: "b", Err: errCommand})
	if st.Withheld("a") || st.Withheld("b") || !st.Withheld("c") {
		t.Error("only stages after the failed step should be withheld")
	}
}
