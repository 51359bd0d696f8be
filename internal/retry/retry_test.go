package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type fakeNetError struct{ timeout bool }

func (e fakeNetError) Error() string   { return "dial tcp: i/o problem" }
func (e fakeNetError) Timeout() bool   { return e.timeout }
func (e fakeNetError) Temporary() bool { return e.timeout }

func TestClassify(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantTransient bool
	}{
		{name: "explicit transient wins over terminal message", err: Transient(errors.New("invalid signature")), wantTransient: true},
		{name: "explicit terminal wins over transient message", err: Terminal(errors.New("timeout")), wantTransient: false},
		{name: "wrapped transient marker", err: fmt.Errorf("submit: %w", Transient(errors.New("boom"))), wantTransient: true},
		{name: "context canceled", err: context.Canceled, wantTransient: false},
		{name: "context deadline", err: context.DeadlineExceeded, wantTransient: true},
		{name: "grpc unavailable", err: status.Error(codes.Unavailable, "upstream down"), wantTransient: true},
		{name: "grpc resource exhausted", err: status.Error(codes.ResourceExhausted, "quota"), wantTransient: true},
		{name: "grpc invalid argument", err: status.Error(codes.InvalidArgument, "bad field"), wantTransient: false},
		{name: "net timeout", err: fakeNetError{timeout: true}, wantTransient: true},
		{name: "rate limit message", err: errors.New("HTTP status 429: rate limit exceeded"), wantTransient: true},
		{name: "connection refused message", err: errors.New("dial tcp 10.0.0.1:8545: connection refused"), wantTransient: true},
		{name: "insufficient funds message", err: errors.New("insufficient funds for gas * price + value"), wantTransient: false},
		{name: "execution reverted message", err: errors.New("execution reverted: bad signature"), wantTransient: false},
		{name: "unknown defaults to terminal", err: errors.New("something nobody anticipated"), wantTransient: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			assert.Equal(t, tt.wantTransient, got.IsTransient(), "reason=%s", got.Reason)
		})
	}
}

func TestMarkersPreserveUnwrap(t *testing.T) {
	base := errors.New("root cause")

	wrapped := Transient(fmt.Errorf("attempt failed: %w", base))
	require.ErrorIs(t, wrapped, base)
	assert.Equal(t, "attempt failed: root cause", wrapped.Error())

	assert.Nil(t, Transient(nil))
	assert.Nil(t, Terminal(nil))
}
