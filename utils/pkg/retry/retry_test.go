package retry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

type httpError struct {
	statusCode int
}

func (e *httpError) Error() string   { return http.StatusText(e.statusCode) }
func (e *httpError) StatusCode() int { return e.statusCode }

func fastConfig(attempts int) Config {
	return Config{
		MaxAttempts: attempts,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  2 * time.Millisecond,
	}
}

func TestTipRouter_Retry_Do(t *testing.T) {
	t.Parallel()

	t.Run("succeeds after transient failures", func(t *testing.T) {
		t.Parallel()
		attempts := 0
		err := Do(context.Background(), fastConfig(3), func() error {
			attempts++
			if attempts < 3 {
				return errors.New("connection reset")
			}
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 3, attempts)
	})

	t.Run("stops on non-retryable error", func(t *testing.T) {
		t.Parallel()
		want := errors.New("invalid account data")
		attempts := 0
		err := Do(context.Background(), fastConfig(5), func() error {
			attempts++
			return want
		})
		require.Same(t, want, err)
		require.Equal(t, 1, attempts)
	})

	t.Run("wraps last error after max attempts", func(t *testing.T) {
		t.Parallel()
		want := errors.New("node is behind by 40 slots")
		attempts := 0
		err := Do(context.Background(), fastConfig(2), func() error {
			attempts++
			return want
		})
		require.ErrorIs(t, err, want)
		require.Contains(t, err.Error(), "failed after 2 attempts")
		require.Equal(t, 2, attempts)
	})

	t.Run("custom predicate", func(t *testing.T) {
		t.Parallel()
		cfg := fastConfig(4)
		cfg.Retryable = func(error) bool { return true }
		attempts := 0
		err := Do(context.Background(), cfg, func() error {
			attempts++
			return errors.New("anything")
		})
		require.Error(t, err)
		require.Equal(t, 4, attempts)
	})

	t.Run("context cancellation", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithCancel(context.Background())
		cfg := Config{MaxAttempts: 5, BaseBackoff: time.Second, MaxBackoff: time.Second}
		attempts := 0
		err := Do(ctx, cfg, func() error {
			attempts++
			cancel()
			return errors.New("connection reset")
		})
		require.ErrorIs(t, err, context.Canceled)
		require.Equal(t, 1, attempts)
	})
}

func TestTipRouter_Retry_Do_FakeClock(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	cfg := Config{MaxAttempts: 2, BaseBackoff: time.Second, MaxBackoff: 10 * time.Second, Clock: clock}

	var attempts atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- Do(context.Background(), cfg, func() error {
			if attempts.Add(1) == 1 {
				return errors.New("too many requests")
			}
			return nil
		})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	require.EqualValues(t, 1, attempts.Load())

	clock.Advance(2 * time.Second)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("retry did not resume after clock advance")
	}
	require.EqualValues(t, 2, attempts.Load())
}

func TestTipRouter_Retry_IsRetryable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"net timeout", &net.DNSError{Err: "lookup", IsTimeout: true}, true},
		{"connection reset", errors.New("read: connection reset by peer"), true},
		{"eof", errors.New("unexpected EOF"), true},
		{"rate limit", errors.New("rate limit exceeded"), true},
		{"unhealthy node", errors.New("rpc error: Node is unhealthy"), true},
		{"429", &httpError{statusCode: http.StatusTooManyRequests}, true},
		{"503", &httpError{statusCode: http.StatusServiceUnavailable}, true},
		{"400", &httpError{statusCode: http.StatusBadRequest}, false},
		{"404", &httpError{statusCode: http.StatusNotFound}, false},
		{"context canceled", context.Canceled, false},
		{"deadline exceeded", context.DeadlineExceeded, false},
		{"plain error", errors.New("account not found"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestTipRouter_Retry_Backoff(t *testing.T) {
	t.Parallel()

	base, max := 500*time.Millisecond, 5*time.Second
	for attempt, upper := range map[int]time.Duration{1: time.Second, 2: 2 * time.Second, 3: 4 * time.Second, 4: 5 * time.Second, 40: 5 * time.Second} {
		for range 20 {
			d := backoff(base, max, attempt)
			require.GreaterOrEqual(t, d, upper/2)
			require.Less(t, d, upper)
		}
	}
}
