package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_AllVariablesNonNil(t *testing.T) {
	t.Parallel()

	vars := []struct {
		name string
		val  any
	}{
		{"RunsTotal", RunsTotal},
		{"RunDuration", RunDuration},
		{"RunIterations", RunIterations},
		{"RunBatches", RunBatches},
		{"RunInvariantViolations", RunInvariantViolations},
		{"OracleCallsTotal", OracleCallsTotal},
		{"OracleCallLatency", OracleCallLatency},
		{"QueueUnfinalizedRequests", QueueUnfinalizedRequests},
		{"QueueLastFinalizedID", QueueLastFinalizedID},
		{"RPCRateLimitWaits", RPCRateLimitWaits},
		{"RPCCallsTotal", RPCCallsTotal},
		{"HealthStatus", HealthStatus},
		{"CircuitBreakerState", CircuitBreakerState},
		{"ReportsPublished", ReportsPublished},
		{"ReportPersistErrors", ReportPersistErrors},
		{"AlertsSentTotal", AlertsSentTotal},
		{"AlertsCooldownSkipped", AlertsCooldownSkipped},
		{"DBPoolOpen", DBPoolOpen},
		{"DBPoolInUse", DBPoolInUse},
		{"DBPoolIdle", DBPoolIdle},
		{"DBPoolWaitCount", DBPoolWaitCount},
		{"DBPoolWaitDurationSeconds", DBPoolWaitDurationSeconds},
	}

	for _, v := range vars {
		assert.NotNilf(t, v.val, "%s should not be nil", v.name)
	}
}

func TestMetrics_CounterIncrementNoPanic(t *testing.T) {
	t.Parallel()

	labels := []string{"test-queue", "test-network"}

	assert.NotPanics(t, func() { RunsTotal.WithLabelValues("test-queue", "test-network", "finished", "").Inc() })
	assert.NotPanics(t, func() { RunInvariantViolations.WithLabelValues("test-queue", "test-network", "no_progress").Inc() })
	assert.NotPanics(t, func() { OracleCallsTotal.WithLabelValues("test-queue", "test-network", "ok").Inc() })
	assert.NotPanics(t, func() { RPCRateLimitWaits.WithLabelValues("test-queue").Inc() })
	assert.NotPanics(t, func() { RPCCallsTotal.WithLabelValues("test-queue", "isPaused", "ok").Inc() })
	assert.NotPanics(t, func() { ReportsPublished.WithLabelValues(labels...).Inc() })
	assert.NotPanics(t, func() { ReportPersistErrors.WithLabelValues("test-queue", "test-network", "postgres").Inc() })
	assert.NotPanics(t, func() { AlertsSentTotal.WithLabelValues("webhook", "CONVERGENCE_FAILURE").Inc() })
	assert.NotPanics(t, func() { AlertsCooldownSkipped.WithLabelValues("slack", "RECOVERY").Inc() })
}

func TestMetrics_GaugeAndHistogramNoPanic(t *testing.T) {
	t.Parallel()

	labels := []string{"gauge-queue", "gauge-network"}

	assert.NotPanics(t, func() { RunDuration.WithLabelValues(labels...).Observe(0.5) })
	assert.NotPanics(t, func() { RunIterations.WithLabelValues(labels...).Observe(3) })
	assert.NotPanics(t, func() { OracleCallLatency.WithLabelValues(labels...).Observe(0.02) })
	assert.NotPanics(t, func() { QueueUnfinalizedRequests.WithLabelValues(labels...).Set(50) })
	assert.NotPanics(t, func() { QueueLastFinalizedID.WithLabelValues(labels...).Set(100) })
	assert.NotPanics(t, func() { HealthStatus.WithLabelValues(labels...).Set(1) })
	assert.NotPanics(t, func() { CircuitBreakerState.WithLabelValues("gauge-breaker").Set(0) })

	RunBatches.WithLabelValues(labels...).Set(12)
	assert.Equal(t, float64(12), testutil.ToFloat64(RunBatches.WithLabelValues(labels...)))
}
