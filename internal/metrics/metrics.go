package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Finalization run, oracle and RPC metrics, partitioned by queue + network.

var (
	// Runs
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "finalizer",
		Subsystem: "run",
		Name:      "total",
		Help:      "Total convergence runs by outcome (finished, failed, skipped) and error kind",
	}, []string{"queue", "network", "outcome", "kind"})

	RunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "finalizer",
		Subsystem: "run",
		Name:      "duration_seconds",
		Help:      "Wall-clock duration of a convergence run",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"queue", "network"})

	RunIterations = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "finalizer",
		Subsystem: "run",
		Name:      "iterations",
		Help:      "Oracle calls needed per convergence run",
		Buckets:   []float64{1, 2, 4, 8, 16, 36, 100, 1000, 10000},
	}, []string{"queue", "network"})

	RunBatches = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "finalizer",
		Subsystem: "run",
		Name:      "batches",
		Help:      "Batch count of the last finished run",
	}, []string{"queue", "network"})

	RunInvariantViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "finalizer",
		Subsystem: "run",
		Name:      "invariant_violations_total",
		Help:      "Oracle responses rejected by the result validator",
	}, []string{"queue", "network", "kind"})

	// Oracle
	OracleCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "finalizer",
		Subsystem: "oracle",
		Name:      "calls_total",
		Help:      "Total calculateFinalizationBatches calls by result",
	}, []string{"queue", "network", "result"})

	OracleCallLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "finalizer",
		Subsystem: "oracle",
		Name:      "call_duration_seconds",
		Help:      "calculateFinalizationBatches round-trip duration",
		Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"queue", "network"})

	// Queue
	QueueUnfinalizedRequests = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "finalizer",
		Subsystem: "queue",
		Name:      "unfinalized_requests",
		Help:      "Requests in (lastFinalizedId, lastRequestId] at the last snapshot",
	}, []string{"queue", "network"})

	QueueLastFinalizedID = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "finalizer",
		Subsystem: "queue",
		Name:      "last_finalized_id",
		Help:      "Last finalized request id at the last snapshot",
	}, []string{"queue", "network"})

	// RPC rate limiter
	RPCRateLimitWaits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "finalizer",
		Subsystem: "rpc",
		Name:      "rate_limit_waits_total",
		Help:      "Total times RPC calls waited for rate limiter",
	}, []string{"queue"})

	RPCCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "finalizer",
		Subsystem: "rpc",
		Name:      "calls_total",
		Help:      "Total contract calls by method and status",
	}, []string{"queue", "method", "status"})

	// Health & breaker
	HealthStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "finalizer",
		Subsystem: "health",
		Name:      "status",
		Help:      "Queue health status (0=UNKNOWN, 1=HEALTHY, 2=DEGRADED, 3=UNHEALTHY, 4=INACTIVE)",
	}, []string{"queue", "network"})

	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "finalizer",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"name"})

	// Hand-off
	ReportsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "finalizer",
		Subsystem: "handoff",
		Name:      "reports_published_total",
		Help:      "Finished run reports published to the submitter stream",
	}, []string{"queue", "network"})

	ReportPersistErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "finalizer",
		Subsystem: "handoff",
		Name:      "persist_errors_total",
		Help:      "Run reports that could not be stored or published",
	}, []string{"queue", "network", "sink"})

	// Alerts
	AlertsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "finalizer",
		Subsystem: "alert",
		Name:      "sent_total",
		Help:      "Total alerts sent",
	}, []string{"channel", "alert_type"})

	AlertsCooldownSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "finalizer",
		Subsystem: "alert",
		Name:      "cooldown_skipped_total",
		Help:      "Total alerts suppressed by cooldown",
	}, []string{"channel", "alert_type"})

	// Database pool
	DBPoolOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "finalizer",
		Subsystem: "postgres",
		Name:      "db_pool_open",
		Help:      "Current number of open PostgreSQL connections in the pool",
	})

	DBPoolInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "finalizer",
		Subsystem: "postgres",
		Name:      "db_pool_in_use",
		Help:      "Current number of in-use PostgreSQL connections in the pool",
	})

	DBPoolIdle = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "finalizer",
		Subsystem: "postgres",
		Name:      "db_pool_idle",
		Help:      "Current number of idle PostgreSQL connections in the pool",
	})

	DBPoolWaitCount = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "finalizer",
		Subsystem: "postgres",
		Name:      "db_pool_wait_count",
		Help:      "Cumulative count of waits for PostgreSQL connections from pool",
	})

	DBPoolWaitDurationSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "finalizer",
		Subsystem: "postgres",
		Name:      "db_pool_wait_duration_seconds",
		Help:      "Cumulative PostgreSQL pool wait duration in seconds",
	})
)
