package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shaiso/procorch/internal/domain"
)

// Attempt — одна попытка выполнения. n начинается с 1.
type Attempt func(ctx context.Context, n int) error

// Options — параметры Invoke.
type Options struct {
	Policy Policy

	// Breaker оборачивает каждую попытку. nil — без breaker'а.
	Breaker *Breaker

	// Neutral определяет ошибки, которые не засчитываются breaker'у
	// (вызов не дошёл до зависимости). Такие ошибки всё равно повторяются.
	Neutral func(error) bool

	// OnRetry вызывается перед паузой между попытками.
	OnRetry func(n int, delay time.Duration, err error)

	// Sleep — ожидание с учётом отмены (для тестов). nil — таймер.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Result — итог Invoke.
type Result struct {
	// Attempts — сколько раз fn действительно вызывалась.
	Attempts int

	// Err — ошибка последней попытки (nil при успехе). Если попытки
	// прервал breaker, Err оборачивает и ErrCircuitOpen, и ошибку
	// последнего реального вызова.
	Err error

	// Cause — ошибка последнего реального вызова fn.
	// Отличается от Err, только когда попытки прервал breaker.
	Cause error

	// CircuitOpen — попытки прерваны открытым breaker'ом.
	CircuitOpen bool
}

// Invoke выполняет fn по политике повторов.
//
// Перед каждой попыткой спрашивается breaker: если он открыт, оставшиеся
// попытки не выполняются и возвращается ErrCircuitOpen. Если breaker
// открылся после неудачной попытки, Invoke возвращается сразу, без паузы
// и без OnRetry. После отмены ctx
// новые попытки не начинаются, а пауза между попытками прерывается.
func Invoke(ctx context.Context, opts Options, fn Attempt) Result {
	var res Result
	total := opts.Policy.Attempts()

	for n := 1; n <= total; n++ {
		if err := ctx.Err(); err != nil {
			if res.Err == nil {
				res.Err = err
			}
			return res
		}

		if opts.Breaker != nil {
			if err := opts.Breaker.Allow(); err != nil {
				return shortCircuit(res)
			}
		}

		res.Attempts++
		err := fn(ctx, n)
		res.Err = err
		res.Cause = err

		if opts.Breaker != nil {
			switch {
			case err != nil && isNeutral(ctx, opts, err):
				opts.Breaker.Release()
			default:
				opts.Breaker.Record(err == nil)
			}
		}

		if err == nil {
			return res
		}
		if IsPermanent(err) || n == total {
			return res
		}
		if opts.Breaker != nil && opts.Breaker.State() == domain.BreakerOpen {
			return shortCircuit(res)
		}

		delay := opts.Policy.Delay(n)
		if opts.OnRetry != nil {
			opts.OnRetry(n, delay, err)
		}
		if err := sleep(ctx, opts, delay); err != nil {
			return res
		}
	}

	return res
}

// shortCircuit помечает результат как прерванный breaker'ом,
// сохраняя ошибку последнего вызова.
func shortCircuit(res Result) Result {
	res.CircuitOpen = true
	if res.Cause != nil {
		res.Err = fmt.Errorf("%w: %w", ErrCircuitOpen, res.Cause)
	} else {
		res.Err = ErrCircuitOpen
	}
	return res
}

func isNeutral(ctx context.Context, opts Options, err error) bool {
	// Отменённая попытка ничего не говорит о здоровье зависимости
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return true
	}
	return opts.Neutral != nil && opts.Neutral(err)
}

func sleep(ctx context.Context, opts Options, d time.Duration) error {
	if opts.Sleep != nil {
		return opts.Sleep(ctx, d)
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
