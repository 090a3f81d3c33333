package circuitbreaker

import (
	"sync"
	"testing"
	"time"

	"github.com/emperorhan/withdrawal-finalizer/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(cfg Config, clock *fakeClock) *Breaker {
	cfg.now = clock.Now
	return New(cfg)
}

func TestNew_Defaults(t *testing.T) {
	b := New(Config{Name: "lido-mainnet"})
	assert.Equal(t, StateClosed, b.GetState())
	assert.Equal(t, "lido-mainnet", b.Name())
	assert.Equal(t, 3, b.failureThreshold)
	assert.Equal(t, 1, b.successThreshold)
	assert.Equal(t, 5*time.Minute, b.openTimeout)
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(Config{Name: "open-threshold", FailureThreshold: 3, OpenTimeout: time.Hour}, clock)

	b.RecordFailure()
	b.RecordFailure()
	require.NoError(t, b.Allow(), "should still be closed below threshold")

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.GetState())
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)
	assert.Equal(t, float64(StateOpen), testutil.ToFloat64(metrics.CircuitBreakerState.WithLabelValues("open-threshold")))
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := newTestBreaker(Config{FailureThreshold: 3}, newFakeClock())

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()

	require.NoError(t, b.Allow())
	assert.Equal(t, 2, b.Stats().Failures)
}

func TestBreaker_HalfOpenAfterCooldown(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(Config{FailureThreshold: 1, OpenTimeout: time.Minute}, clock)

	b.RecordFailure()
	clock.Advance(59 * time.Second)
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)

	clock.Advance(time.Second)
	require.NoError(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.GetState())
}

func TestBreaker_HalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(Config{FailureThreshold: 1, SuccessThreshold: 2, OpenTimeout: time.Minute}, clock)

	b.RecordFailure()
	clock.Advance(time.Minute)
	require.NoError(t, b.Allow())

	b.RecordSuccess()
	assert.Equal(t, StateHalfOpen, b.GetState(), "not yet at success threshold")

	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.GetState())
	assert.True(t, b.Stats().OpenedAt.IsZero())
}

func TestBreaker_HalfOpenReopensOnFailure(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(Config{FailureThreshold: 1, OpenTimeout: time.Minute}, clock)

	b.RecordFailure()
	clock.Advance(time.Minute)
	require.NoError(t, b.Allow())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.GetState())
	assert.Equal(t, clock.Now(), b.Stats().OpenedAt)
}

func TestBreaker_StateChangeCallback(t *testing.T) {
	clock := newFakeClock()
	type transition struct {
		name     string
		from, to State
	}
	var transitions []transition
	b := newTestBreaker(Config{
		Name:             "lido-hoodi",
		FailureThreshold: 2,
		OpenTimeout:      time.Minute,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, transition{name, from, to})
		},
	}, clock)

	b.RecordFailure()
	b.RecordFailure()
	clock.Advance(time.Minute)
	_ = b.Allow()
	b.RecordSuccess()

	assert.Equal(t, []transition{
		{"lido-hoodi", StateClosed, StateOpen},
		{"lido-hoodi", StateOpen, StateHalfOpen},
		{"lido-hoodi", StateHalfOpen, StateClosed},
	}, transitions)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(99).String())
}

func TestBreaker_ConcurrentAccess(t *testing.T) {
	b := New(Config{FailureThreshold: 10, SuccessThreshold: 5, OpenTimeout: time.Millisecond})

	const goroutines = 20
	const iterations = 500

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func(id int) {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				switch id % 4 {
				case 0:
					b.RecordSuccess()
				case 1:
					b.RecordFailure()
				case 2:
					_ = b.Allow()
				case 3:
					_ = b.Stats()
				}
			}
		}(i)
	}
	wg.Wait()

	assert.Contains(t, []State{StateClosed, StateOpen, StateHalfOpen}, b.GetState())
}
