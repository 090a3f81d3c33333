package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/emperorhan/withdrawal-finalizer/internal/metrics"
)

// ErrCircuitOpen is returned while the breaker refuses scheduled runs.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type State int

const (
	StateClosed   State = iota // runs allowed
	StateOpen                  // runs refused until the cooldown passes
	StateHalfOpen              // probing: one failure reopens
)

// Breaker guards whole finalization runs of one queue. A run that fails
// terminally counts as one failure regardless of how many oracle calls it made.
type Breaker struct {
	name             string
	mu               sync.Mutex
	state            State
	failureCount     int
	successCount     int
	failureThreshold int
	successThreshold int
	openTimeout      time.Duration
	openedAt         time.Time
	lastFailureAt    time.Time
	now              func() time.Time
	onStateChange    func(name string, from, to State)
}

type Config struct {
	Name             string
	FailureThreshold int           // consecutive failed runs before opening (default: 3)
	SuccessThreshold int           // successful probes in half-open before closing (default: 1)
	OpenTimeout      time.Duration // cooldown before probing again (default: 5m)
	OnStateChange    func(name string, from, to State)

	now func() time.Time
}

// Stats is a point-in-time view for health reporting.
type Stats struct {
	Name          string    `json:"name"`
	State         string    `json:"state"`
	Failures      int       `json:"consecutive_failures"`
	OpenedAt      time.Time `json:"opened_at,omitempty"`
	LastFailureAt time.Time `json:"last_failure_at,omitempty"`
}

func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 5 * time.Minute
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	b := &Breaker{
		name:             cfg.Name,
		state:            StateClosed,
		failureThreshold: cfg.FailureThreshold,
		successThreshold: cfg.SuccessThreshold,
		openTimeout:      cfg.OpenTimeout,
		now:              cfg.now,
		onStateChange:    cfg.OnStateChange,
	}
	metrics.CircuitBreakerState.WithLabelValues(b.name).Set(float64(StateClosed))
	return b
}

func (b *Breaker) Name() string {
	return b.name
}

// Allow reports whether a run may start. An open breaker whose cooldown has
// elapsed moves to half-open and lets the probe through.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	if b.state == StateOpen {
		return ErrCircuitOpen
	}
	return nil
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount = 0
	if b.state == StateHalfOpen {
		b.successCount++
		if b.successCount >= b.successThreshold {
			b.setState(StateClosed)
		}
	}
}

func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount++
	b.successCount = 0
	b.lastFailureAt = b.now()
	switch {
	case b.state == StateHalfOpen:
		b.setState(StateOpen)
	case b.state == StateClosed && b.failureCount >= b.failureThreshold:
		b.setState(StateOpen)
	}
}

func (b *Breaker) GetState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return b.state
}

func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return Stats{
		Name:          b.name,
		State:         b.state.String(),
		Failures:      b.failureCount,
		OpenedAt:      b.openedAt,
		LastFailureAt: b.lastFailureAt,
	}
}

func (b *Breaker) maybeHalfOpen() {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.openTimeout {
		b.setState(StateHalfOpen)
	}
}

func (b *Breaker) setState(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.successCount = 0
	switch to {
	case StateOpen:
		b.openedAt = b.now()
	case StateClosed:
		b.failureCount = 0
		b.openedAt = time.Time{}
	}
	metrics.CircuitBreakerState.WithLabelValues(b.name).Set(float64(to))
	if b.onStateChange != nil {
		b.onStateChange(b.name, from, to)
	}
}

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}
