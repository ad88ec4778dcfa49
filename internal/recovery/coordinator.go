package recovery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shaiso/procorch/internal/domain"
)

// Failure — терминальная ошибка шага, переданная на восстановление.
type Failure struct {
	Process  string
	Step     *domain.Step
	Class    domain.FailureClass
	Err      error
	Output   string
	Attempts int
}

// Action — одно recovery-действие.
//
// Run выполняет действие (перезапуск зависимости, очистка, запрос ёмкости).
// Check — предикат успеха, вычисляемый после SettleDelay; nil означает,
// что успешного Run достаточно.
type Action struct {
	Name        string
	Attempts    int
	SettleDelay time.Duration
	Run         func(ctx context.Context, f Failure) error
	Check       func(ctx context.Context, f Failure) (bool, error)
}

// Config — настройки Coordinator.
type Config struct {
	Logger *slog.Logger

	// Sleep — ожидание с учётом отмены (для тестов). nil — таймер.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Coordinator хранит упорядоченные действия для каждого класса ошибок.
type Coordinator struct {
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error

	mu      sync.RWMutex
	actions map[domain.FailureClass][]Action
}

// New создаёт Coordinator без зарегистрированных действий.
func New(cfg Config) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	return &Coordinator{
		logger:  logger,
		sleep:   sleep,
		actions: make(map[domain.FailureClass][]Action),
	}
}

// Register добавляет действия в конец списка класса.
func (c *Coordinator) Register(class domain.FailureClass, actions ...Action) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.actions[class] = append(c.actions[class], actions...)
}

// Actions возвращает копию списка действий класса.
func (c *Coordinator) Actions(class domain.FailureClass) []Action {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Action(nil), c.actions[class]...)
}

// Recover пробует действия класса по порядку, пока предикат одного
// из них не вернёт true. Возвращает признак успеха и протокол попыток.
//
// Recover не меняет исходную ошибку: при неудаче вызывающий
// возвращает её без изменений.
func (c *Coordinator) Recover(ctx context.Context, f Failure) (bool, []domain.RecoveryAttempt) {
	actions := c.Actions(f.Class)
	if len(actions) == 0 {
		return false, nil
	}

	logger := c.logger.With("process", f.Process, "step", f.Step.Name, "class", f.Class)
	log := make([]domain.RecoveryAttempt, 0, len(actions))

	for _, action := range actions {
		attempt := domain.RecoveryAttempt{Action: action.Name}
		tries := max(action.Attempts, 1)

		for i := 1; i <= tries; i++ {
			if ctx.Err() != nil {
				attempt.Error = ctx.Err().Error()
				return false, append(log, attempt)
			}
			attempt.Attempts = i

			ok, err := c.try(ctx, action, f)
			if ok {
				attempt.Succeeded = true
				attempt.Error = ""
				logger.Info("recovery action succeeded", "action", action.Name, "attempt", i)
				return true, append(log, attempt)
			}
			if err != nil {
				attempt.Error = err.Error()
			}
			logger.Warn("recovery action failed", "action", action.Name, "attempt", i, "error", err)
		}

		log = append(log, attempt)
	}

	return false, log
}

// try выполняет одну попытку действия и проверяет предикат.
func (c *Coordinator) try(ctx context.Context, action Action, f Failure) (bool, error) {
	if action.Run != nil {
		if err := action.Run(ctx, f); err != nil {
			return false, err
		}
	}

	if action.SettleDelay > 0 {
		if err := c.sleep(ctx, action.SettleDelay); err != nil {
			return false, err
		}
	}

	if action.Check == nil {
		return true, nil
	}
	ok, err := action.Check(ctx, f)
	if err == nil && !ok {
		err = errPredicate
	}
	return ok, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
