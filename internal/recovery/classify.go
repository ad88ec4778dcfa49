// Package recovery классифицирует терминальные ошибки шагов и пытается
// устранить их ограниченным набором автоматических действий.
package recovery

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/shaiso/procorch/internal/domain"
	"github.com/shaiso/procorch/internal/resource"
	"github.com/shaiso/procorch/internal/retry"
	"github.com/shaiso/procorch/internal/worker"
)

// Маркеры в выводе команды. Проверяются после типизированных ошибок.
var outputMarkers = []struct {
	class   domain.FailureClass
	markers []string
}{
	{domain.FailureResourceExhaustion, []string{
		"out of memory", "cannot allocate memory", "no space left on device",
		"too many open files", "resource temporarily unavailable", "oomkilled",
	}},
	{domain.FailureServiceUnavailable, []string{
		"connection refused", "service unavailable", "no route to host",
		"connection reset", "bad gateway", "503",
	}},
	{domain.FailureNetworkTimeout, []string{
		"timed out", "timeout", "deadline exceeded", "i/o timeout",
	}},
	{domain.FailureConfiguration, []string{
		"command not found", "no such file or directory", "permission denied",
		"invalid", "unknown flag", "unrecognized option", "syntax error",
	}},
}

// Classify определяет класс терминальной ошибки шага по её метаданным
// и выводу команды. Неопознанные ошибки считаются DependencyFailure.
func Classify(err error, output string) domain.FailureClass {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, resource.ErrResourceExhausted):
		return domain.FailureResourceExhaustion
	case errors.Is(err, retry.ErrCircuitOpen):
		return domain.FailureServiceUnavailable
	case errors.Is(err, retry.ErrStepTimeout), errors.Is(err, context.DeadlineExceeded), isNetTimeout(err):
		return domain.FailureNetworkTimeout
	case errors.Is(err, worker.ErrUnknownStepType), errors.Is(err, worker.ErrInvalidCommand):
		return domain.FailureConfiguration
	}

	var cmdErr *worker.CommandError
	if errors.As(err, &cmdErr) {
		switch code := cmdErr.ExitCode; {
		case code == 126 || code == 127:
			return domain.FailureConfiguration
		case code == 137:
			// SIGKILL — обычно OOM killer
			return domain.FailureResourceExhaustion
		case code == 502 || code == 503 || code == 504:
			return domain.FailureServiceUnavailable
		case code == 408:
			return domain.FailureNetworkTimeout
		}
		if output == "" {
			output = cmdErr.Output
		}
	}

	text := strings.ToLower(output + "\n" + err.Error())
	for _, m := range outputMarkers {
		for _, marker := range m.markers {
			if strings.Contains(text, marker) {
				return m.class
			}
		}
	}

	return domain.FailureDependency
}

// KindOf возвращает вид ошибки для отчёта.
func KindOf(err error) domain.ErrorKind {
	switch {
	case err == nil:
		return domain.ErrorKindNone
	case errors.Is(err, retry.ErrCircuitOpen):
		return domain.ErrorKindCircuitOpen
	case errors.Is(err, resource.ErrResourceExhausted):
		return domain.ErrorKindResourceExhausted
	case errors.Is(err, retry.ErrStepTimeout):
		return domain.ErrorKindTimeout
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return domain.ErrorKindAborted
	case errors.Is(err, worker.ErrUnknownStepType), errors.Is(err, worker.ErrInvalidCommand):
		return domain.ErrorKindConfiguration
	default:
		return domain.ErrorKindCommandFailure
	}
}

func isNetTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
