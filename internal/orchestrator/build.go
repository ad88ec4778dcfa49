package orchestrator

import (
	"log/slog"

	"github.com/shaiso/procorch/internal/domain"
	"github.com/shaiso/procorch/internal/recovery"
	"github.com/shaiso/procorch/internal/report"
	"github.com/shaiso/procorch/internal/resource"
	"github.com/shaiso/procorch/internal/retry"
	"github.com/shaiso/procorch/internal/telemetry"
	"github.com/shaiso/procorch/internal/worker"
)

// BuildConfig — всё, из чего точка входа собирает Service.
type BuildConfig struct {
	Settings    domain.EngineSettings
	Definitions []*domain.ProcessDefinition

	// Store и Notifier — приёмники отчётов и событий. nil — отключены.
	Store    report.Store
	Notifier report.Notifier

	// Metrics — nil, если процесс не отдаёт /metrics.
	Metrics *telemetry.Metrics

	Logger *slog.Logger
}

// Build собирает Engine и Service по настройкам документа:
// пул ресурсов, реестр breaker'ов, recovery-действия и Reporter.
func Build(cfg BuildConfig) (*Service, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	resCfg := resource.ConfigFromSettings(cfg.Settings.Resources)
	resCfg.Logger = logger
	breakerCfg := retry.BreakerConfig{
		FailureThreshold: cfg.Settings.CircuitBreaker.FailureThreshold,
		RecoveryTimeout:  cfg.Settings.CircuitBreaker.RecoveryTimeout,
	}
	reportCfg := report.Config{
		Store:    cfg.Store,
		Notifier: cfg.Notifier,
		Logger:   logger,
	}
	if m := cfg.Metrics; m != nil {
		resCfg.OnChange = m.SetResources
		breakerCfg.OnStateChange = m.SetBreakerState
		reportCfg.Metrics = m
	}

	executors := worker.NewRegistry()
	resources := resource.New(resCfg)

	coordinator := recovery.New(recovery.Config{Logger: logger})
	recovery.FromSettings(coordinator, cfg.Settings.Recovery, executors, resources)

	eng := NewEngine(Config{
		Executors: executors,
		Resources: resources,
		Breakers:  retry.NewRegistry(breakerCfg),
		Recovery:  coordinator,
		Reporter:  report.New(reportCfg),
		Logger:    logger,
	})

	return NewService(ServiceConfig{
		Engine:      eng,
		Definitions: cfg.Definitions,
		Logger:      logger,
	})
}
