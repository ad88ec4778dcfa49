package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/shaiso/procorch/internal/domain"
)

const namespace = "procorch"

// Metrics — Prometheus метрики выполнения процессов.
//
// Создаётся явно и передаётся в Reporter: глобального состояния нет,
// тесты регистрируют метрики в собственном prometheus.Registry.
type Metrics struct {
	stepDuration  *prometheus.HistogramVec
	runDuration   *prometheus.HistogramVec
	runsTotal     *prometheus.CounterVec
	successRate   *prometheus.GaugeVec
	stepErrors    *prometheus.CounterVec
	stepRetries   *prometheus.CounterVec
	resourceUsage *prometheus.GaugeVec
	breakerState  *prometheus.GaugeVec
	activeRuns    prometheus.Gauge
}

// NewMetrics регистрирует метрики в reg.
// nil — prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		stepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Duration of step executions by final state",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900, 1800, 3600},
		}, []string{"process", "step", "state"}),

		runDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of process runs by status",
			Buckets:   []float64{1, 5, 30, 60, 300, 900, 1800, 3600, 7200},
		}, []string{"process", "status"}),

		runsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Total finished process runs by status",
		}, []string{"process", "status"}),

		successRate: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_success_rate",
			Help:      "Step success rate of the last run (executed: skipped excluded, strict: all steps)",
		}, []string{"process", "mode"}),

		stepErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_errors_total",
			Help:      "Terminal step failures by error kind",
		}, []string{"process", "step", "kind"}),

		stepRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_retries_total",
			Help:      "Step retry attempts",
		}, []string{"process", "step"}),

		resourceUsage: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "resource_utilization_ratio",
			Help:      "Allocated share of usable capacity",
		}, []string{"resource"}),

		breakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		}, []string{"key"}),

		activeRuns: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_runs",
			Help:      "Process runs currently executing",
		}),
	}
}

// ObserveStep фиксирует завершение шага.
func (m *Metrics) ObserveStep(process string, sr *domain.StepRun) {
	if sr.Executed() {
		m.stepDuration.WithLabelValues(process, sr.Step, string(sr.State)).Observe(sr.Duration().Seconds())
	}
	if sr.State == domain.StepFailed {
		m.stepErrors.WithLabelValues(process, sr.Step, string(sr.ErrorKind)).Inc()
	}
}

// ObserveRetry фиксирует повторную попытку шага.
func (m *Metrics) ObserveRetry(process, step string) {
	m.stepRetries.WithLabelValues(process, step).Inc()
}

// RunStarted фиксирует начало run.
func (m *Metrics) RunStarted() {
	m.activeRuns.Inc()
}

// ObserveRun фиксирует завершение run.
func (m *Metrics) ObserveRun(o *domain.Outcome) {
	m.activeRuns.Dec()

	status := string(o.Status)
	m.runDuration.WithLabelValues(o.Process, status).Observe(o.Duration().Seconds())
	m.runsTotal.WithLabelValues(o.Process, status).Inc()

	s := o.Summary()
	m.successRate.WithLabelValues(o.Process, "executed").Set(s.SuccessRate)
	m.successRate.WithLabelValues(o.Process, "strict").Set(s.StrictSuccessRate)
}

// SetResources обновляет загрузку пула ресурсов.
// Подходит как resource.Config.OnChange.
func (m *Metrics) SetResources(s domain.ResourceSnapshot) {
	m.resourceUsage.WithLabelValues("cpu").Set(s.CPUUtilization())
	m.resourceUsage.WithLabelValues("memory").Set(s.MemoryUtilization())
	if s.Slots > 0 {
		m.resourceUsage.WithLabelValues("slots").Set(float64(s.UsedSlots) / float64(s.Slots))
	}
}

// SetBreakerState обновляет состояние breaker'а.
// Подходит как retry.BreakerConfig.OnStateChange.
func (m *Metrics) SetBreakerState(key string, _, to domain.BreakerState) {
	var v float64
	switch to {
	case domain.BreakerHalfOpen:
		v = 1
	case domain.BreakerOpen:
		v = 2
	}
	m.breakerState.WithLabelValues(key).Set(v)
}
