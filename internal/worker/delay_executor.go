package worker

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DelayExecutor — executor для шага типа "delay".
//
// Команда — длительность: "30s", "1m30s" или число секунд ("2.5").
// Поддерживает отмену через context.
type DelayExecutor struct{}

// Execute выполняет задержку.
func (e *DelayExecutor) Execute(ctx context.Context, inv *Invocation) (*Result, error) {
	d, err := parseDelay(inv.Command)
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return &Result{Output: "delayed " + d.String()}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func parseDelay(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if d, err := time.ParseDuration(s); err == nil && d >= 0 {
		return d, nil
	}
	if sec, err := strconv.ParseFloat(s, 64); err == nil && sec >= 0 {
		return time.Duration(sec * float64(time.Second)), nil
	}
	return 0, fmt.Errorf("%w: bad delay %q", ErrInvalidCommand, s)
}
