package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/shaiso/procorch/internal/domain"
)

// Probe выполняет healthcheck: команду до Retries раз с паузой Interval.
// Первый успех завершает проверку. Если все проверки упали, возвращается
// ErrHealthCheckFailed вместе с последней ошибкой.
func (r *Registry) Probe(ctx context.Context, step string, hc *domain.HealthCheck, env map[string]string) error {
	if hc == nil {
		return nil
	}

	tries := hc.Retries
	if tries <= 0 {
		tries = 1
	}

	inv := &Invocation{Step: step, Type: TypeShell, Command: hc.Command, Env: env}

	var lastErr error
	for i := 1; i <= tries; i++ {
		_, err := r.Run(ctx, inv, 0)
		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if i == tries || hc.Interval <= 0 {
			continue
		}

		timer := time.NewTimer(hc.Interval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}

	return fmt.Errorf("%w: %s after %d tries: %w", ErrHealthCheckFailed, step, tries, lastErr)
}
