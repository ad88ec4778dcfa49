package retry

import (
	"math/rand/v2"
	"time"

	"github.com/shaiso/procorch/internal/domain"
)

const (
	defaultInitialDelay = time.Second
	defaultMaxDelay     = 5 * time.Minute

	// Jitter для exponential: от 10% до 30% базовой задержки.
	jitterMin   = 0.10
	jitterRange = 0.20
)

// Policy — политика повторов одного шага.
type Policy struct {
	// MaxRetries — число повторов после первой попытки.
	MaxRetries int

	Strategy     domain.BackoffStrategy
	InitialDelay time.Duration
	MaxDelay     time.Duration

	// Rand возвращает число из [0, 1) для jitter. nil — math/rand/v2.
	Rand func() float64
}

// NewPolicy создаёт Policy из настроек шага.
func NewPolicy(p domain.RetryPolicy) Policy {
	return Policy{
		MaxRetries:   p.MaxRetries,
		Strategy:     p.Strategy,
		InitialDelay: p.InitialDelay,
		MaxDelay:     p.MaxDelay,
	}
}

// Attempts возвращает общее число попыток: первая + повторы.
func (p Policy) Attempts() int {
	if p.MaxRetries < 0 {
		return 1
	}
	return 1 + p.MaxRetries
}

// Delay вычисляет паузу перед повтором n (с единицы).
//
//	fixed:       initial
//	linear:      initial * n
//	exponential: initial * 2^(n-1) + jitter(10..30% от базы)
//
// Результат ограничен MaxDelay (по умолчанию 5 минут).
func (p Policy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}

	initial := p.InitialDelay
	if initial <= 0 {
		initial = defaultInitialDelay
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}

	var delay time.Duration
	switch p.Strategy {
	case domain.BackoffLinear:
		delay = initial * time.Duration(n)
		if delay/time.Duration(n) != initial {
			delay = maxDelay // переполнение
		}

	case domain.BackoffExponential:
		base := initial
		for i := 1; i < n; i++ {
			base *= 2
			if base >= maxDelay || base <= 0 {
				base = maxDelay
				break
			}
		}
		delay = base + time.Duration(float64(base)*(jitterMin+jitterRange*p.random()))

	default:
		delay = initial
	}

	if delay > maxDelay || delay <= 0 {
		delay = maxDelay
	}

	return delay
}

func (p Policy) random() float64 {
	if p.Rand != nil {
		return p.Rand()
	}
	return rand.Float64()
}
