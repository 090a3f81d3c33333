package finalizer

import (
	"sync"
	"time"

	"github.com/emperorhan/withdrawal-finalizer/internal/domain/model"
	"github.com/emperorhan/withdrawal-finalizer/internal/metrics"
)

type HealthStatus string

const (
	HealthStatusUnknown   HealthStatus = "UNKNOWN"
	HealthStatusHealthy   HealthStatus = "HEALTHY"
	HealthStatusDegraded  HealthStatus = "DEGRADED"
	HealthStatusUnhealthy HealthStatus = "UNHEALTHY"
	HealthStatusInactive  HealthStatus = "INACTIVE"

	// DefaultUnhealthyThreshold is the number of consecutive transient
	// failures before a queue is considered unhealthy. A terminal failure
	// marks it unhealthy at once.
	DefaultUnhealthyThreshold = 3
)

var healthGaugeValue = map[HealthStatus]float64{
	HealthStatusUnknown:   0,
	HealthStatusHealthy:   1,
	HealthStatusDegraded:  2,
	HealthStatusUnhealthy: 3,
	HealthStatusInactive:  4,
}

// QueueHealth tracks the run health of a single withdrawal queue.
type QueueHealth struct {
	mu                  sync.RWMutex
	queue               string
	network             model.Network
	status              HealthStatus
	consecutiveFailures int
	unhealthyThreshold  int
	lastSuccessAt       *time.Time
	lastFailureAt       *time.Time
	lastRun             *model.RunReport
	now                 func() time.Time
}

func NewQueueHealth(queue string, network model.Network) *QueueHealth {
	h := &QueueHealth{
		queue:              queue,
		network:            network,
		status:             HealthStatusUnknown,
		unhealthyThreshold: DefaultUnhealthyThreshold,
		now:                time.Now,
	}
	h.publish()
	return h
}

// RecordSuccess returns true when the queue recovers from UNHEALTHY.
func (h *QueueHealth) RecordSuccess() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.now()
	wasUnhealthy := h.status == HealthStatusUnhealthy
	h.consecutiveFailures = 0
	h.lastSuccessAt = &now
	h.status = HealthStatusHealthy
	h.publish()
	return wasUnhealthy
}

// RecordFailure returns true when this failure turns the queue UNHEALTHY.
func (h *QueueHealth) RecordFailure(transient bool) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.now()
	h.consecutiveFailures++
	h.lastFailureAt = &now

	next := HealthStatusDegraded
	if !transient || h.consecutiveFailures >= h.unhealthyThreshold {
		next = HealthStatusUnhealthy
	}
	became := next == HealthStatusUnhealthy && h.status != HealthStatusUnhealthy
	if h.status != HealthStatusUnhealthy {
		h.status = next
	}
	h.publish()
	return became
}

// MarkInactive records that the queue is paused on-chain.
func (h *QueueHealth) MarkInactive() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = HealthStatusInactive
	h.publish()
}

func (h *QueueHealth) SetLastRun(report model.RunReport) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastRun = &report
}

func (h *QueueHealth) Status() HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

// publish must be called with mu held.
func (h *QueueHealth) publish() {
	metrics.HealthStatus.WithLabelValues(h.queue, h.network.String()).Set(healthGaugeValue[h.status])
}

func (h *QueueHealth) Snapshot() HealthSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	snap := HealthSnapshot{
		Queue:               h.queue,
		Network:             h.network.String(),
		Status:              string(h.status),
		ConsecutiveFailures: h.consecutiveFailures,
		LastSuccessAt:       h.lastSuccessAt,
		LastFailureAt:       h.lastFailureAt,
	}
	if h.lastRun != nil {
		snap.LastRunID = h.lastRun.ID.String()
		snap.LastOutcome = string(h.lastRun.Outcome)
		snap.LastErrorKind = h.lastRun.ErrorKind
	}
	return snap
}

// HealthSnapshot is a point-in-time view of queue health (JSON-safe).
type HealthSnapshot struct {
	Queue               string     `json:"queue"`
	Network             string     `json:"network"`
	Status              string     `json:"status"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
	LastRunID           string     `json:"last_run_id,omitempty"`
	LastOutcome         string     `json:"last_outcome,omitempty"`
	LastErrorKind       string     `json:"last_error_kind,omitempty"`
	Breaker             string     `json:"breaker,omitempty"`
}
