package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/shaiso/procorch/internal/domain"
)

// fakeClock — управляемые часы для breaker'а.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

// noSleep записывает паузы вместо ожидания.
func noSleep(delays *[]time.Duration) func(context.Context, time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return ctx.Err()
	}
}

func TestPolicy_Delay(t *testing.T) {
	tests := []struct {
		name   string
		policy Policy
		n      int
		want   time.Duration
	}{
		{"fixed", Policy{Strategy: domain.BackoffFixed, InitialDelay: 2 * time.Second}, 4, 2 * time.Second},
		{"linear", Policy{Strategy: domain.BackoffLinear, InitialDelay: 2 * time.Second}, 3, 6 * time.Second},
		{"linear capped", Policy{Strategy: domain.BackoffLinear, InitialDelay: 10 * time.Second, MaxDelay: 25 * time.Second}, 3, 25 * time.Second},
		{"default initial", Policy{}, 1, time.Second},
		{"exponential no jitter draw", Policy{Strategy: domain.BackoffExponential, InitialDelay: time.Second, Rand: func() float64 { return 0 }}, 3, 4*time.Second + 400*time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.policy.Delay(tt.n); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestPolicy_ExponentialJitterBounds(t *testing.T) {
	// initial_delay=5, попытка 3: база 20, jitter 10..30% → [22, 26]
	p := Policy{Strategy: domain.BackoffExponential, InitialDelay: 5 * time.Second}

	for i := 0; i < 1000; i++ {
		d := p.Delay(3)
		if d < 20*time.Second || d > 26*time.Second {
			t.Fatalf("delay %v outside [20s, 26s]", d)
		}
		if d < 22*time.Second {
			t.Fatalf("jitter below 10%%: %v", d)
		}
	}
}

func TestPolicy_ExponentialCap(t *testing.T) {
	p := Policy{
		Strategy:     domain.BackoffExponential,
		InitialDelay: time.Second,
		MaxDelay:     10 * time.Second,
		Rand:         func() float64 { return 0.99 },
	}

	if d := p.Delay(50); d != 10*time.Second {
		t.Errorf("expected cap 10s, got %v", d)
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	clock := newClock()
	b := NewBreaker("db", BreakerConfig{FailureThreshold: 3, RecoveryTimeout: 30 * time.Second, Now: clock.Now})

	for i := 0; i < 3; i++ {
		if err := b.Allow(); err != nil {
			t.Fatalf("call %d should pass, got %v", i+1, err)
		}
		b.Record(false)
	}

	if b.State() != domain.BreakerOpen {
		t.Fatalf("expected OPEN, got %s", b.State())
	}

	// 4-й вызов отклоняется без выполнения
	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}

	// После recovery_timeout — пробный вызов
	clock.Advance(30 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("trial call should pass, got %v", err)
	}
	if b.State() != domain.BreakerHalfOpen {
		t.Errorf("expected HALF_OPEN, got %s", b.State())
	}

	// Второй параллельный вызов в HalfOpen не пропускается
	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected only one trial, got %v", err)
	}

	b.Record(true)
	if b.State() != domain.BreakerClosed {
		t.Errorf("expected CLOSED after successful trial, got %s", b.State())
	}
	if snap := b.Snapshot(); snap.Failures != 0 {
		t.Errorf("expected failures reset, got %d", snap.Failures)
	}
}

func TestBreaker_FailedTrialReopens(t *testing.T) {
	clock := newClock()
	b := NewBreaker("api", BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Minute, Now: clock.Now})

	_ = b.Allow()
	b.Record(false)
	clock.Advance(time.Minute)

	if err := b.Allow(); err != nil {
		t.Fatalf("trial should pass: %v", err)
	}
	b.Record(false)

	if b.State() != domain.BreakerOpen {
		t.Fatalf("expected OPEN after failed trial, got %s", b.State())
	}
	// Таймер считается от последней ошибки
	clock.Advance(30 * time.Second)
	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestBreaker_SuccessResetsCounter(t *testing.T) {
	b := NewBreaker("k", BreakerConfig{FailureThreshold: 3})

	for _, ok := range []bool{false, false, true, false, false} {
		_ = b.Allow()
		b.Record(ok)
	}

	if b.State() != domain.BreakerClosed {
		t.Errorf("non-consecutive failures must not open breaker, got %s", b.State())
	}
}

func TestBreaker_AllowTrialAndStateChange(t *testing.T) {
	clock := newClock()
	var changes []domain.BreakerState
	b := NewBreaker("svc", BreakerConfig{
		FailureThreshold: 1,
		RecoveryTimeout:  time.Hour,
		Now:              clock.Now,
		OnStateChange: func(_ string, _, to domain.BreakerState) {
			changes = append(changes, to)
		},
	})

	_ = b.Allow()
	b.Record(false)
	b.AllowTrial()

	if err := b.Allow(); err != nil {
		t.Fatalf("forced trial should pass: %v", err)
	}
	b.Record(true)

	want := []domain.BreakerState{domain.BreakerOpen, domain.BreakerHalfOpen, domain.BreakerClosed}
	if len(changes) != len(want) {
		t.Fatalf("expected transitions %v, got %v", want, changes)
	}
	for i := range want {
		if changes[i] != want[i] {
			t.Errorf("transition %d: expected %s, got %s", i, want[i], changes[i])
		}
	}
}

func TestRegistry_SameKeySameBreaker(t *testing.T) {
	r := NewRegistry(BreakerConfig{})

	if r.Get("a") != r.Get("a") {
		t.Error("expected the same breaker for one key")
	}
	if r.Get("a") == r.Get("b") {
		t.Error("expected different breakers for different keys")
	}
	if snap := r.Snapshot(); len(snap) != 2 || snap[0].Key != "a" {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
}

func TestInvoke_SucceedsAfterRetries(t *testing.T) {
	var delays []time.Duration
	var retries []int
	calls := 0

	res := Invoke(context.Background(), Options{
		Policy:  Policy{MaxRetries: 3, Strategy: domain.BackoffLinear, InitialDelay: time.Second},
		Sleep:   noSleep(&delays),
		OnRetry: func(n int, _ time.Duration, _ error) { retries = append(retries, n) },
	}, func(ctx context.Context, n int) error {
		calls++
		if n < 3 {
			return ErrStepCommandFailure
		}
		return nil
	})

	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if res.Attempts != 3 || calls != 3 {
		t.Errorf("expected 3 attempts, got %d (calls %d)", res.Attempts, calls)
	}
	if len(delays) != 2 || delays[0] != time.Second || delays[1] != 2*time.Second {
		t.Errorf("unexpected delays: %v", delays)
	}
	if len(retries) != 2 {
		t.Errorf("expected 2 retry callbacks, got %v", retries)
	}
}

func TestInvoke_ExhaustsRetries(t *testing.T) {
	var delays []time.Duration

	res := Invoke(context.Background(), Options{
		Policy: Policy{MaxRetries: 2},
		Sleep:  noSleep(&delays),
	}, func(context.Context, int) error {
		return ErrStepTimeout
	})

	if !errors.Is(res.Err, ErrStepTimeout) {
		t.Errorf("expected ErrStepTimeout, got %v", res.Err)
	}
	if res.Attempts != 3 {
		t.Errorf("expected 1 + 2 attempts, got %d", res.Attempts)
	}
}

func TestInvoke_BreakerShortCircuits(t *testing.T) {
	var delays []time.Duration
	b := NewBreaker("k", BreakerConfig{FailureThreshold: 2, RecoveryTimeout: time.Hour})
	failure := fmt.Errorf("%w: exit status 3: connection refused", ErrStepCommandFailure)
	calls, retries := 0, 0

	res := Invoke(context.Background(), Options{
		Policy:  Policy{Strategy: domain.BackoffFixed, MaxRetries: 5, InitialDelay: time.Minute},
		Breaker: b,
		OnRetry: func(int, time.Duration, error) { retries++ },
		Sleep:   noSleep(&delays),
	}, func(context.Context, int) error {
		calls++
		return failure
	})

	if !errors.Is(res.Err, ErrCircuitOpen) || !res.CircuitOpen {
		t.Fatalf("expected ErrCircuitOpen, got %v", res.Err)
	}
	if calls != 2 {
		t.Errorf("expected breaker to stop after 2 calls, got %d", calls)
	}
	// Пауза только между первым и вторым вызовом: после срабатывания breaker'а не ждём
	if len(delays) != 1 || retries != 1 {
		t.Errorf("expected a single backoff before the trip, got sleeps=%v retries=%d", delays, retries)
	}
	// Текст реальной ошибки сохраняется
	if !errors.Is(res.Err, ErrStepCommandFailure) || !strings.Contains(res.Err.Error(), "connection refused") {
		t.Errorf("last command error lost: %v", res.Err)
	}
	if res.Cause != failure {
		t.Errorf("expected cause to be the last command error, got %v", res.Cause)
	}
}

func TestInvoke_BreakerAlreadyOpen(t *testing.T) {
	b := NewBreaker("k", BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Hour})
	b.Record(false)

	res := Invoke(context.Background(), Options{
		Policy:  Policy{MaxRetries: 3},
		Breaker: b,
	}, func(context.Context, int) error {
		t.Fatal("step must not be invoked while the breaker is open")
		return nil
	})

	if res.Err != ErrCircuitOpen || res.Attempts != 0 || res.Cause != nil {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestInvoke_LastAttemptTripKeepsRealError(t *testing.T) {
	b := NewBreaker("k", BreakerConfig{FailureThreshold: 2, RecoveryTimeout: time.Hour})
	var delays []time.Duration

	res := Invoke(context.Background(), Options{
		Policy:  Policy{MaxRetries: 1},
		Breaker: b,
		Sleep:   noSleep(&delays),
	}, func(context.Context, int) error {
		return ErrStepTimeout
	})

	// Бюджет попыток исчерпан раньше, чем breaker что-то прервал
	if res.CircuitOpen || res.Err != ErrStepTimeout {
		t.Errorf("expected plain ErrStepTimeout, got %v (circuit_open=%v)", res.Err, res.CircuitOpen)
	}
	if b.State() != domain.BreakerOpen {
		t.Errorf("expected breaker OPEN, got %s", b.State())
	}
}

func TestInvoke_NeutralErrorsDoNotTrip(t *testing.T) {
	var delays []time.Duration
	exhausted := errors.New("no capacity")
	b := NewBreaker("k", BreakerConfig{FailureThreshold: 1})

	res := Invoke(context.Background(), Options{
		Policy:  Policy{MaxRetries: 2},
		Breaker: b,
		Neutral: func(err error) bool { return errors.Is(err, exhausted) },
		Sleep:   noSleep(&delays),
	}, func(context.Context, int) error {
		return exhausted
	})

	if res.Attempts != 3 {
		t.Errorf("neutral errors are still retried, got %d attempts", res.Attempts)
	}
	if b.State() != domain.BreakerClosed {
		t.Errorf("expected CLOSED, got %s", b.State())
	}
}

func TestInvoke_PermanentStops(t *testing.T) {
	var delays []time.Duration

	res := Invoke(context.Background(), Options{
		Policy: Policy{MaxRetries: 5},
		Sleep:  noSleep(&delays),
	}, func(context.Context, int) error {
		return Permanent(errors.New("bad command"))
	})

	if res.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", res.Attempts)
	}
	if !IsPermanent(res.Err) {
		t.Errorf("expected permanent error, got %v", res.Err)
	}
}

func TestInvoke_CancelStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0

	res := Invoke(ctx, Options{
		Policy: Policy{MaxRetries: 5, InitialDelay: time.Hour},
	}, func(context.Context, int) error {
		calls++
		cancel()
		return ErrStepCommandFailure
	})

	if calls != 1 {
		t.Errorf("expected no new attempts after cancel, got %d calls", calls)
	}
	if !errors.Is(res.Err, ErrStepCommandFailure) {
		t.Errorf("expected last attempt error, got %v", res.Err)
	}
}
