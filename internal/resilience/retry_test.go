package resilience

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func fastRetry(attempts int) *RetryConfig {
	return &RetryConfig{
		MaxAttempts:       attempts,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		BackoffMultiplier: 2,
		Jitter:            true,
	}
}

func TestRetry_TransientFailuresThenSuccess(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return fmt.Errorf("dial agent: %w", syscall.ECONNREFUSED)
		}
		return nil
	}, fastRetry(3), IsRetryableNetworkError)

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetry_OnlyRetriesTransientErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		attempts int
	}{
		{"rejected request", errors.New("agent returned 400: bad channel"), 1},
		{"caller cancelled", fmt.Errorf("send message: %w", context.Canceled), 1},
		{"marked status", NewRetryableError(errors.New("agent returned 503")), 3},
		{"connect failure", NewRetryableError(errors.New("deepgram connect failed")), 3},
		{"grpc transport", errors.New("rpc error: code = Unavailable desc = transport is closing"), 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attempts := 0
			err := Retry(context.Background(), func() error {
				attempts++
				return tt.err
			}, fastRetry(3), IsRetryableNetworkError)

			assert.ErrorIs(t, err, tt.err)
			assert.Equal(t, tt.attempts, attempts)
		})
	}
}

func TestRetry_CancelDuringBackoff(t *testing.T) {
	cfg := &RetryConfig{MaxAttempts: 5, InitialBackoff: time.Minute, MaxBackoff: time.Minute, BackoffMultiplier: 2}
	ctx, cancel := context.WithCancel(context.Background())

	attempts := 0
	done := make(chan error, 1)
	go func() {
		done <- Retry(ctx, func() error {
			attempts++
			return errors.New("connection reset by peer")
		}, cfg, IsRetryableNetworkError)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
		assert.Contains(t, err.Error(), "connection reset by peer", "last attempt error is kept")
		assert.Equal(t, 1, attempts)
	case <-time.After(2 * time.Second):
		t.Fatal("Retry kept waiting after cancel")
	}
}

func TestRetry_NilConfigUsesDefaults(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), func() error {
		attempts++
		return errors.New("permanent")
	}, nil, func(error) bool { return false })

	assert.EqualError(t, err, "permanent")
	assert.Equal(t, 1, attempts)
}

func TestIsRetryableNetworkError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline", os.ErrDeadlineExceeded, true},
		{"reset", fmt.Errorf("read: %w", syscall.ECONNRESET), true},
		{"broken pipe", fmt.Errorf("write: %w", syscall.EPIPE), true},
		{"throttled", errors.New("Rate limit exceeded"), true},
		{"unexpected eof", errors.New("unexpected EOF"), true},
		{"cancel with timeout text", fmt.Errorf("timeout waiting for reply: %w", context.Canceled), false},
		{"plain", errors.New("invalid api key"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryableNetworkError(tt.err))
		})
	}
}

func TestRetryableError_Unwraps(t *testing.T) {
	inner := errors.New("agent returned 502")
	err := fmt.Errorf("post message: %w", NewRetryableError(inner))

	assert.True(t, IsRetryable(err))
	assert.ErrorIs(t, err, inner)
	assert.Equal(t, "post message: agent returned 502", err.Error())
	assert.False(t, IsRetryable(inner))
}

func TestCalculateBackoff_Bounded(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		initial := time.Duration(rapid.Int64Range(1, int64(time.Second)).Draw(rt, "initial"))
		maxBackoff := time.Duration(rapid.Int64Range(int64(initial), int64(time.Minute)).Draw(rt, "max"))
		mult := rapid.Float64Range(1, 4).Draw(rt, "mult")
		attempt := rapid.IntRange(0, 60).Draw(rt, "attempt")

		got := CalculateBackoff(attempt, initial, maxBackoff, mult)
		if got < initial || got > maxBackoff {
			rt.Fatalf("backoff %v outside [%v, %v]", got, initial, maxBackoff)
		}
		if next := CalculateBackoff(attempt+1, initial, maxBackoff, mult); next < got {
			rt.Fatalf("backoff shrank from %v to %v", got, next)
		}
	})
}
