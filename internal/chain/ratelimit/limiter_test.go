package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLimiter(t *testing.T) {
	l := NewLimiter(10.0, 5, "lido-mainnet")

	require.NotNil(t, l)
	require.NotNil(t, l.limiter)
	assert.Equal(t, "lido-mainnet", l.queue)

	assert.InDelta(t, 10.0, float64(l.limiter.Limit()), 0.001)
	assert.Equal(t, 5, l.limiter.Burst())
}

func TestNewLimiter_NonPositiveRPSIsUnlimited(t *testing.T) {
	l := NewLimiter(0, 0, "lido-hoodi")
	for i := 0; i < 100; i++ {
		require.NoError(t, l.Wait(context.Background()))
	}
	assert.Equal(t, 1, l.limiter.Burst())
}

func TestLimiter_NilIsNoop(t *testing.T) {
	var l *Limiter
	assert.NoError(t, l.Wait(context.Background()))
}

func TestLimiter_AllowWithinBurst(t *testing.T) {
	const burst = 5
	l := NewLimiter(100, burst, "lido-mainnet")

	ctx := context.Background()

	for i := 0; i < burst; i++ {
		start := time.Now()
		err := l.Wait(ctx)
		elapsed := time.Since(start)

		require.NoError(t, err, "request %d should not error", i)
		assert.Less(t, elapsed, 50*time.Millisecond,
			"request %d should complete immediately, took %v", i, elapsed)
	}
}

func TestLimiter_WaitWhenExhausted(t *testing.T) {
	const (
		rps   = 10.0 // 1 token every 100ms
		burst = 1
	)
	l := NewLimiter(rps, burst, "lido-mainnet")

	ctx := context.Background()
	require.NoError(t, l.Wait(ctx))

	start := time.Now()
	err := l.Wait(ctx)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond,
		"should have waited for a token, but only took %v", elapsed)
}

func TestLimiter_ContextCancellation(t *testing.T) {
	l := NewLimiter(1.0, 1, "lido-mainnet")
	require.NoError(t, l.Wait(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := l.Wait(ctx)
	require.Error(t, err, "should return error when context is cancelled")
}

type codedErr struct {
	code int
	msg  string
}

func (e codedErr) Error() string  { return e.msg }
func (e codedErr) ErrorCode() int { return e.code }

var _ rpc.Error = codedErr{}

func TestClassifyRPCError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, "ok"},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), "timeout"},
		{"http 429", rpc.HTTPError{StatusCode: 429, Status: "429 Too Many Requests"}, "rate_limited"},
		{"http 503", rpc.HTTPError{StatusCode: 503, Status: "503 Service Unavailable"}, "server_error"},
		{"revert code", codedErr{code: 3, msg: "execution reverted: paused"}, "reverted"},
		{"revert message", errors.New("execution reverted"), "reverted"},
		{"connection refused", errors.New("dial tcp: connection refused"), "network_error"},
		{"other", errors.New("abi: cannot unmarshal"), "client_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyRPCError(tt.err))
		})
	}
}

func TestRecordRPCCall_NoPanic(t *testing.T) {
	assert.NotPanics(t, func() { RecordRPCCall("lido-mainnet", "isPaused", nil) })
	assert.NotPanics(t, func() { RecordRPCCall("lido-mainnet", "isPaused", errors.New("eof")) })
}
