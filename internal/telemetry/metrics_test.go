package telemetry

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/shaiso/procorch/internal/domain"
)

func TestMetrics_ObserveRun(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	start := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	o := &domain.Outcome{
		ExecutionID: uuid.New(),
		Process:     "deploy",
		Status:      domain.RunStatusSucceeded,
		StartedAt:   start,
		FinishedAt:  start.Add(time.Minute),
		Steps: map[string]*domain.StepRun{
			"a": {Step: "a", State: domain.StepSucceeded},
			"b": {Step: "b", State: domain.StepFailed},
			"c": {Step: "c", State: domain.StepSkipped},
			"d": {Step: "d", State: domain.StepSucceeded},
		},
	}
	m.ObserveRun(o)

	if got := testutil.ToFloat64(m.runsTotal.WithLabelValues("deploy", "SUCCEEDED")); got != 1 {
		t.Errorf("expected 1 run, got %v", got)
	}
	// 2 из 3 выполнявшихся, 2 из 4 всего
	if got := testutil.ToFloat64(m.successRate.WithLabelValues("deploy", "executed")); got < 0.66 || got > 0.67 {
		t.Errorf("unexpected executed success rate %v", got)
	}
	if got := testutil.ToFloat64(m.successRate.WithLabelValues("deploy", "strict")); got != 0.5 {
		t.Errorf("unexpected strict success rate %v", got)
	}
}

func TestMetrics_ObserveStep(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.ObserveStep("deploy", &domain.StepRun{Step: "migrate", State: domain.StepFailed, ErrorKind: domain.ErrorKindTimeout})
	m.ObserveStep("deploy", &domain.StepRun{Step: "migrate", State: domain.StepSkipped})
	m.ObserveRetry("deploy", "migrate")

	if got := testutil.ToFloat64(m.stepErrors.WithLabelValues("deploy", "migrate", "StepTimeout")); got != 1 {
		t.Errorf("expected 1 error, got %v", got)
	}
	if got := testutil.ToFloat64(m.stepRetries.WithLabelValues("deploy", "migrate")); got != 1 {
		t.Errorf("expected 1 retry, got %v", got)
	}
	if got := testutil.CollectAndCount(m.stepDuration); got != 1 {
		t.Errorf("skipped steps must not be observed, got %d series", got)
	}
}

func TestMetrics_Gauges(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.SetResources(domain.ResourceSnapshot{UsedCPU: 40, UsableCPU: 80, UsedMemory: 20, UsableMemory: 80})
	if got := testutil.ToFloat64(m.resourceUsage.WithLabelValues("cpu")); got != 0.5 {
		t.Errorf("expected cpu 0.5, got %v", got)
	}

	m.SetBreakerState("postgres", domain.BreakerClosed, domain.BreakerOpen)
	if got := testutil.ToFloat64(m.breakerState.WithLabelValues("postgres")); got != 2 {
		t.Errorf("expected open = 2, got %v", got)
	}

	m.RunStarted()
	m.RunStarted()
	m.ObserveRun(&domain.Outcome{Process: "p", Status: domain.RunStatusAborted})
	if got := testutil.ToFloat64(m.activeRuns); got != 1 {
		t.Errorf("expected 1 active run, got %v", got)
	}
}
