package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shaiso/procorch/internal/domain"
	"github.com/shaiso/procorch/internal/resource"
	"github.com/shaiso/procorch/internal/worker"
)

var errPredicate = errors.New("success predicate not satisfied")

// Runner — то, чем действия выполняют команды (worker.Registry).
type Runner interface {
	Run(ctx context.Context, inv *worker.Invocation, timeout time.Duration) (*worker.Result, error)
	Probe(ctx context.Context, step string, hc *domain.HealthCheck, env map[string]string) error
}

// defaultActionTimeout ограничивает одну команду восстановления.
const defaultActionTimeout = 5 * time.Minute

// CommandAction выполняет shell-команду (перезапуск, failover, очистка).
// Предикат — check-команда, иначе healthcheck шага, иначе успех команды.
func CommandAction(runner Runner, spec domain.RecoveryActionSpec) Action {
	return Action{
		Name:        spec.Name,
		Attempts:    spec.Attempts,
		SettleDelay: spec.SettleDelay,
		Run: func(ctx context.Context, f Failure) error {
			if spec.Command == "" {
				return nil
			}
			_, err := runner.Run(ctx, &worker.Invocation{
				Process: f.Process,
				Step:    f.Step.Name + "/" + spec.Name,
				Type:    worker.TypeShell,
				Command: spec.Command,
				Env:     f.Step.Environment,
			}, defaultActionTimeout)
			return err
		},
		Check: commandCheck(runner, spec.Check),
	}
}

// commandCheck строит предикат успеха.
func commandCheck(runner Runner, check string) func(ctx context.Context, f Failure) (bool, error) {
	return func(ctx context.Context, f Failure) (bool, error) {
		hc := f.Step.HealthCheck
		if check != "" {
			hc = &domain.HealthCheck{Command: check, Retries: 1}
		}
		if hc == nil {
			return true, nil
		}
		if err := runner.Probe(ctx, f.Step.Name, hc, f.Step.Environment); err != nil {
			return false, err
		}
		return true, nil
	}
}

// CapacityAction запрашивает у Resource Manager временную ёмкость
// и считает действие успешным, если запрос шага теперь помещается.
func CapacityAction(mgr *resource.Manager, spec domain.RecoveryActionSpec) Action {
	return Action{
		Name:        spec.Name,
		Attempts:    spec.Attempts,
		SettleDelay: spec.SettleDelay,
		Run: func(ctx context.Context, f Failure) error {
			d := spec.ExpandFor
			if d <= 0 {
				d = time.Minute
			}
			mgr.Expand(spec.ExpandCPU, spec.ExpandMemory, d)
			return nil
		},
		Check: fitsCheck(mgr),
	}
}

// ReclaimAction ждёт освобождения ёмкости (завершения соседних шагов),
// при необходимости выполняя команду очистки.
func ReclaimAction(runner Runner, mgr *resource.Manager, spec domain.RecoveryActionSpec) Action {
	a := CommandAction(runner, spec)
	a.Check = fitsCheck(mgr)
	return a
}

func fitsCheck(mgr *resource.Manager) func(ctx context.Context, f Failure) (bool, error) {
	return func(_ context.Context, f Failure) (bool, error) {
		if mgr.Fits(f.Step.Resources) {
			return true, nil
		}
		snap := mgr.Snapshot()
		return false, fmt.Errorf("%w: used cpu %.1f/%.1f memory %.1f/%.1f",
			resource.ErrResourceExhausted, snap.UsedCPU, snap.UsableCPU, snap.UsedMemory, snap.UsableMemory)
	}
}

// FromSettings регистрирует действия из конфигурации документа.
//
// Для ResourceExhaustion без явной настройки регистрируются действия
// по умолчанию: дождаться освобождения ёмкости, затем запросить добавку.
func FromSettings(c *Coordinator, settings map[domain.FailureClass][]domain.RecoveryActionSpec, runner Runner, mgr *resource.Manager) {
	for _, class := range domain.FailureClasses {
		specs, ok := settings[class]
		if !ok && class == domain.FailureResourceExhaustion && mgr != nil {
			specs = DefaultResourceActions()
		}

		for _, spec := range specs {
			switch {
			case (spec.ExpandCPU > 0 || spec.ExpandMemory > 0) && mgr != nil:
				c.Register(class, CapacityAction(mgr, spec))
			case class == domain.FailureResourceExhaustion && mgr != nil:
				c.Register(class, ReclaimAction(runner, mgr, spec))
			default:
				c.Register(class, CommandAction(runner, spec))
			}
		}
	}
}

// DefaultResourceActions — действия для нехватки ресурсов по умолчанию.
func DefaultResourceActions() []domain.RecoveryActionSpec {
	return []domain.RecoveryActionSpec{
		{Name: "free-transient-resources", Attempts: 3, SettleDelay: 2 * time.Second},
		{Name: "request-additional-capacity", Attempts: 1, ExpandCPU: 10, ExpandMemory: 10, ExpandFor: time.Minute},
	}
}
