package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLimiter(t *testing.T) {
	l := NewLimiter(10.0, 5)

	require.NotNil(t, l)
	require.NotNil(t, l.limiter)

	assert.InDelta(t, 10.0, float64(l.limiter.Limit()), 0.001)
	assert.Equal(t, 5, l.limiter.Burst())
}

func TestLimiter_AllowWithinBurst(t *testing.T) {
	const burst = 5
	l := NewLimiter(100, burst)

	ctx := context.Background()

	// All requests within the burst capacity should succeed immediately.
	for i := 0; i < burst; i++ {
		start := time.Now()
		err := l.Wait(ctx, "eth_blockNumber")
		elapsed := time.Since(start)

		require.NoError(t, err, "request %d should not error", i)
		assert.Less(t, elapsed, 50*time.Millisecond,
			"request %d should complete immediately, took %v", i, elapsed)
	}
}

func TestLimiter_WaitWhenExhausted(t *testing.T) {
	// Very low RPS so that after burst is exhausted, the next request must
	// wait a noticeable amount of time.
	const (
		rps   = 10.0 // 1 token every 100ms
		burst = 1
	)
	l := NewLimiter(rps, burst)

	ctx := context.Background()

	err := l.Wait(ctx, "eth_getTransactionReceipt")
	require.NoError(t, err)

	start := time.Now()
	err = l.Wait(ctx, "eth_getTransactionReceipt")
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond,
		"should have waited for a token, but only took %v", elapsed)
}

func TestLimiter_SharedBudgetAcrossMethods(t *testing.T) {
	// Submissions and log scans draw from one bucket; a token spent on one
	// method delays the other.
	l := NewLimiter(10.0, 1)

	ctx := context.Background()
	require.NoError(t, l.Wait(ctx, "eth_sendRawTransaction"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "eth_getLogs"))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond,
		"second method should wait on the shared bucket")
}

func TestLimiter_ContextCancellation(t *testing.T) {
	const (
		rps   = 1.0
		burst = 1
	)
	l := NewLimiter(rps, burst)

	// Exhaust the burst token.
	err := l.Wait(context.Background(), "eth_blockNumber")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = l.Wait(ctx, "eth_blockNumber")
	require.Error(t, err, "should return error when context is cancelled")
}

func TestClassifyRPCError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "nil", err: nil, want: "ok"},
		{name: "timeout", err: errors.New("context deadline exceeded"), want: "timeout"},
		{name: "rate limited", err: errors.New("429 Too Many Requests"), want: "rate_limited"},
		{name: "server error", err: errors.New("502 Bad Gateway"), want: "server_error"},
		{name: "network", err: errors.New("dial tcp: connection refused"), want: "network_error"},
		{name: "unknown", err: errors.New("execution reverted"), want: "client_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyRPCError(tt.err))
		})
	}
}
