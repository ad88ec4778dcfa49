package retry

import "errors"

// Ошибки выполнения шага, допускающие retry.
var (
	// ErrStepTimeout — попытка не уложилась в timeout шага.
	ErrStepTimeout = errors.New("step timeout")

	// ErrStepCommandFailure — команда шага завершилась неуспешно.
	ErrStepCommandFailure = errors.New("step command failed")

	// ErrCircuitOpen — breaker открыт, шаг не вызывался.
	ErrCircuitOpen = errors.New("circuit open")
)

// permanentError — ошибка, которую бессмысленно повторять.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent помечает ошибку как неповторяемую: Invoke прекращает попытки
// (например, неизвестный тип шага или битая команда).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent проверяет, помечена ли ошибка через Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
