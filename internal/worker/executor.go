package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shaiso/procorch/internal/retry"
)

// Типы шагов.
const (
	TypeShell = "shell"
	TypeHTTP  = "http"
	TypeDelay = "delay"
)

// maxOutput — сколько байт вывода сохраняется в StepRun.
const maxOutput = 64 << 10

// Invocation — одна попытка выполнения шага.
type Invocation struct {
	Process string
	Step    string
	Type    string
	Command string
	Env     map[string]string
}

// Result — результат попытки.
type Result struct {
	// Output — захваченный вывод (stdout+stderr или тело ответа), не больше 64 KiB.
	Output string

	// ExitCode — код завершения (для http — статус ответа).
	ExitCode int

	Duration time.Duration
}

// Executor — интерфейс для выполнения конкретного типа шага.
//
// ctx отменяется при истечении timeout попытки или отмене run.
// Result может быть непустым и при ошибке: вывод упавшей команды
// нужен для классификации.
type Executor interface {
	Execute(ctx context.Context, inv *Invocation) (*Result, error)
}

// Registry — реестр executor'ов по типу шага.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry создаёт реестр с executor'ами по умолчанию: shell, http, delay.
func NewRegistry() *Registry {
	r := &Registry{executors: make(map[string]Executor)}
	r.Register(TypeShell, &ShellExecutor{})
	r.Register(TypeHTTP, &HTTPExecutor{})
	r.Register(TypeDelay, &DelayExecutor{})
	return r
}

// Register добавляет executor для типа шага.
func (r *Registry) Register(stepType string, executor Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[stepType] = executor
}

// Get возвращает executor для типа шага.
func (r *Registry) Get(stepType string) (Executor, error) {
	if stepType == "" {
		stepType = TypeShell
	}

	r.mu.RLock()
	executor, ok := r.executors[stepType]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStepType, stepType)
	}
	return executor, nil
}

// Run выполняет одну попытку с ограничением по времени.
//
// Если истёк timeout попытки (а не родительский ctx), ошибка
// оборачивается в retry.ErrStepTimeout.
func (r *Registry) Run(ctx context.Context, inv *Invocation, timeout time.Duration) (*Result, error) {
	executor, err := r.Get(inv.Type)
	if err != nil {
		return nil, retry.Permanent(err)
	}

	attemptCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	res, err := executor.Execute(attemptCtx, inv)
	if res == nil {
		res = &Result{}
	}
	res.Duration = time.Since(start)

	switch {
	case err == nil:
		return res, nil
	case ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded):
		return res, fmt.Errorf("%w: %s exceeded %s", retry.ErrStepTimeout, inv.Step, timeout)
	case errors.Is(err, ErrInvalidCommand):
		return res, retry.Permanent(err)
	default:
		return res, err
	}
}
