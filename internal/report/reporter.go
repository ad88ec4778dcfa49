// Package report отправляет результаты выполнения во внешние приёмники:
// хранилище отчётов, метрики и канал уведомлений.
//
// Reporter создаётся явно и передаётся движку, поэтому тесты
// подставляют собственные приёмники.
package report

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shaiso/procorch/internal/domain"
)

// Store сохраняет отчёт о выполнении.
type Store interface {
	Save(ctx context.Context, r *domain.Report) error
}

// Notifier доставляет уведомления о ходе выполнения.
type Notifier interface {
	Notify(ctx context.Context, ev *domain.Event) error
}

// Metrics принимает метрики выполнения.
// Каждому RunStarted соответствует ровно один ObserveRun.
type Metrics interface {
	RunStarted()
	ObserveStep(process string, sr *domain.StepRun)
	ObserveRetry(process, step string)
	ObserveRun(o *domain.Outcome)
}

// Config — приёмники Reporter. nil-поля отключают соответствующий приёмник.
type Config struct {
	Store    Store
	Notifier Notifier
	Metrics  Metrics
	Logger   *slog.Logger
}

// Reporter — контекст отчётности одного процесса-оркестратора.
type Reporter struct {
	store    Store
	notifier Notifier
	metrics  Metrics
	logger   *slog.Logger
}

// New создаёт Reporter.
func New(cfg Config) *Reporter {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{
		store:    cfg.Store,
		notifier: cfg.Notifier,
		metrics:  cfg.Metrics,
		logger:   logger,
	}
}

// Event отправляет уведомление. Ошибки доставки только логируются:
// недоступный канал уведомлений не должен влиять на выполнение.
func (r *Reporter) Event(ctx context.Context, ev domain.Event) {
	if r.metrics != nil {
		switch ev.Type {
		case domain.EventRunStarted:
			r.metrics.RunStarted()
		case domain.EventStepRetrying:
			r.metrics.ObserveRetry(ev.Process, ev.Step)
		}
	}

	if r.notifier == nil {
		return
	}
	if err := r.notifier.Notify(ctx, &ev); err != nil {
		r.logger.Warn("failed to deliver notification",
			"type", ev.Type,
			"execution_id", ev.ExecutionID,
			"error", err,
		)
	}
}

// StepFinished фиксирует финальное состояние шага в метриках.
func (r *Reporter) StepFinished(process string, sr *domain.StepRun) {
	if r.metrics != nil {
		r.metrics.ObserveStep(process, sr)
	}
}

// Report строит отчёт, записывает метрики run, сохраняет отчёт
// и отправляет финальное уведомление.
// Ошибка возвращается только при сбое сохранения.
func (r *Reporter) Report(ctx context.Context, o *domain.Outcome) (*domain.Report, error) {
	rep := domain.NewReport(o)

	if r.metrics != nil {
		r.metrics.ObserveRun(o)
	}

	var saveErr error
	if r.store != nil {
		if err := r.store.Save(ctx, rep); err != nil {
			saveErr = fmt.Errorf("save report: %w", err)
			r.logger.Error("failed to save report",
				"execution_id", o.ExecutionID,
				"process", o.Process,
				"error", err,
			)
		}
	}

	ev := domain.NewEvent(domain.RunEventType(o.Status), o.ExecutionID, o.Process)
	ev.Environment = o.Environment
	ev.Message = summaryMessage(rep)
	r.Event(ctx, ev)

	return rep, saveErr
}

func summaryMessage(rep *domain.Report) string {
	s := rep.Summary
	msg := fmt.Sprintf("%s: %d/%d steps succeeded, %d failed, %d skipped in %dms",
		rep.Result, s.Succeeded, s.Total, s.Failed, s.Skipped, rep.DurationMs)
	switch {
	case rep.Failure != nil:
		msg += fmt.Sprintf("; critical step %s failed: %s", rep.Failure.Step, rep.Failure.Error)
	case rep.Cause != "":
		msg += "; " + rep.Cause
	case rep.Warnings:
		msg += " (with warnings)"
	}
	return msg
}
