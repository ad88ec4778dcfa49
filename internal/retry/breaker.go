package retry

import (
	"sync"
	"time"

	"github.com/shaiso/procorch/internal/domain"
)

const (
	defaultFailureThreshold = 5
	defaultRecoveryTimeout  = 60 * time.Second
)

// BreakerConfig — параметры circuit breaker.
type BreakerConfig struct {
	// FailureThreshold — число подряд идущих ошибок для перехода в Open.
	FailureThreshold int

	// RecoveryTimeout — сколько ждать после последней ошибки до HalfOpen.
	RecoveryTimeout time.Duration

	// Now — источник времени (для тестов). nil — time.Now.
	Now func() time.Time

	// OnStateChange вызывается после смены состояния (вне блокировки).
	OnStateChange func(key string, from, to domain.BreakerState)
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = defaultFailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = defaultRecoveryTimeout
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// breakerStatus — неизменяемый снимок состояния breaker'а.
// Все переходы — чистые функции над этим снимком.
type breakerStatus struct {
	state       domain.BreakerState
	failures    int
	lastFailure time.Time
	trial       bool // пробный вызов в HalfOpen уже выдан
}

// admit решает, пропустить ли вызов.
func admit(s breakerStatus, now time.Time, cfg BreakerConfig) (breakerStatus, bool) {
	switch s.state {
	case domain.BreakerOpen:
		if now.Sub(s.lastFailure) < cfg.RecoveryTimeout {
			return s, false
		}
		s.state = domain.BreakerHalfOpen
		s.trial = true
		return s, true

	case domain.BreakerHalfOpen:
		if s.trial {
			return s, false
		}
		s.trial = true
		return s, true

	default:
		return s, true
	}
}

// record применяет результат пропущенного вызова.
func record(s breakerStatus, success bool, now time.Time, cfg BreakerConfig) breakerStatus {
	switch s.state {
	case domain.BreakerHalfOpen:
		s.trial = false
		if success {
			s.state = domain.BreakerClosed
			s.failures = 0
			return s
		}
		s.state = domain.BreakerOpen
		s.failures++
		s.lastFailure = now
		return s

	case domain.BreakerOpen:
		// Вызов начался до срабатывания breaker'а
		if !success {
			s.failures++
			s.lastFailure = now
		}
		return s

	default:
		if success {
			s.failures = 0
			return s
		}
		s.failures++
		s.lastFailure = now
		if s.failures >= cfg.FailureThreshold {
			s.state = domain.BreakerOpen
		}
		return s
	}
}

// release возвращает пробный слот без учёта результата
// (вызов не дошёл до сервиса: нет ресурсов, отмена).
func release(s breakerStatus) breakerStatus {
	if s.state == domain.BreakerHalfOpen {
		s.trial = false
	}
	return s
}

// Breaker — circuit breaker одного ключа.
//
// Обновления сериализуются мьютексом, чтение состояния — под RLock.
type Breaker struct {
	key string
	cfg BreakerConfig

	mu     sync.RWMutex
	status breakerStatus
}

// NewBreaker создаёт breaker в состоянии Closed.
func NewBreaker(key string, cfg BreakerConfig) *Breaker {
	return &Breaker{
		key:    key,
		cfg:    cfg.withDefaults(),
		status: breakerStatus{state: domain.BreakerClosed},
	}
}

// Key возвращает ключ breaker'а.
func (b *Breaker) Key() string {
	return b.key
}

// Allow проверяет, можно ли выполнить вызов.
// Возвращает ErrCircuitOpen, если breaker открыт или пробный вызов уже идёт.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	from := b.status.state
	next, ok := admit(b.status, b.cfg.Now(), b.cfg)
	b.status = next
	b.mu.Unlock()

	b.notify(from, next.state)
	if !ok {
		return ErrCircuitOpen
	}
	return nil
}

// Record фиксирует результат вызова, пропущенного через Allow.
func (b *Breaker) Record(success bool) {
	b.mu.Lock()
	from := b.status.state
	b.status = record(b.status, success, b.cfg.Now(), b.cfg)
	to := b.status.state
	b.mu.Unlock()

	b.notify(from, to)
}

// Release освобождает пропущенный вызов, не засчитывая результат.
func (b *Breaker) Release() {
	b.mu.Lock()
	b.status = release(b.status)
	b.mu.Unlock()
}

// AllowTrial переводит открытый breaker в HalfOpen досрочно.
// Используется после успешного recovery: зависимость восстановлена,
// ждать recovery_timeout не нужно.
func (b *Breaker) AllowTrial() {
	b.mu.Lock()
	from := b.status.state
	if from == domain.BreakerOpen {
		b.status.state = domain.BreakerHalfOpen
		b.status.trial = false
	}
	to := b.status.state
	b.mu.Unlock()

	b.notify(from, to)
}

// State возвращает текущее состояние.
func (b *Breaker) State() domain.BreakerState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status.state
}

// Snapshot возвращает состояние для API и метрик.
func (b *Breaker) Snapshot() domain.BreakerSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	snap := domain.BreakerSnapshot{
		Key:      b.key,
		State:    b.status.state,
		Failures: b.status.failures,
	}
	if !b.status.lastFailure.IsZero() {
		t := b.status.lastFailure
		snap.LastFailure = &t
	}
	return snap
}

func (b *Breaker) notify(from, to domain.BreakerState) {
	if from != to && b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.key, from, to)
	}
}
