package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestBasicRetry(t *testing.T) {
	ctx := context.Background()
	retryer := NewRetryer(ctx, Policy{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     1 * time.Second,
	})

	shouldRetry := retryer.ShouldWaitAndRetry(ctx, errors.New("generic unrecoverable error"))
	require.False(t, shouldRetry, "generic unrecoverable error should not be retried")

	shouldRetry = retryer.ShouldWaitAndRetry(ctx, status.Error(codes.Unavailable, "recoverable error"))
	require.True(t, shouldRetry, "recoverable error should be retried")

	shouldRetry = retryer.ShouldWaitAndRetry(ctx, status.Error(codes.Unknown, "unknown error"))
	require.False(t, shouldRetry, "unknown error should not be retried")

	// This has the side effect of resetting attempts to 0.
	shouldRetry = retryer.ShouldWaitAndRetry(ctx, nil)
	require.True(t, shouldRetry, "nil error should be retried")

	shouldRetry = retryer.ShouldWaitAndRetry(ctx, status.Error(codes.Unavailable, "first attempt"))
	require.True(t, shouldRetry, "first attempt should be retried")

	startTime := time.Now()
	shouldRetry = retryer.ShouldWaitAndRetry(ctx, errors.New("SQLITE_BUSY: database is locked"))
	require.True(t, shouldRetry, "second attempt should be retried")
	elapsed := time.Since(startTime)
	require.GreaterOrEqual(t, elapsed, 200*time.Millisecond, "second attempt should wait two delays")

	shouldRetry = retryer.ShouldWaitAndRetry(ctx, status.Error(codes.Unavailable, "third attempt"))
	require.True(t, shouldRetry, "third attempt should be retried")

	shouldRetry = retryer.ShouldWaitAndRetry(ctx, status.Error(codes.Unavailable, "fourth attempt"))
	require.False(t, shouldRetry, "fourth attempt should not be retried")
}

func TestRetryerHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	retryer := NewRetryer(ctx, Policy{InitialDelay: time.Hour})
	require.False(t, retryer.ShouldWaitAndRetry(ctx, Retriable(errors.New("boom"))))
}

func TestPolicyDelay(t *testing.T) {
	p := Policy{InitialDelay: time.Second, MaxDelay: 5 * time.Second}
	require.Equal(t, time.Second, p.Delay(0))
	require.Equal(t, time.Second, p.Delay(1))
	require.Equal(t, 3*time.Second, p.Delay(3))
	require.Equal(t, 5*time.Second, p.Delay(10))
	require.Equal(t, 5*time.Second, p.Delay(^uint(0)))

	var zero Policy
	require.Equal(t, 2*time.Second, zero.Delay(2))
	require.False(t, zero.Exhausted(1000))

	p.MaxAttempts = 3
	require.False(t, p.Exhausted(2))
	require.True(t, p.Exhausted(3))
}

func TestClassification(t *testing.T) {
	base := errors.New("boom")

	fatal := fmt.Errorf("lookup: %w", Fatal(base))
	require.True(t, IsFatal(fatal))
	require.False(t, IsRetriable(fatal))
	require.ErrorIs(t, fatal, base)

	require.True(t, IsRetriable(Retriable(base)))
	require.False(t, IsFatal(Retriable(base)))
	require.True(t, IsRetriable(fmt.Errorf("call: %w", context.DeadlineExceeded)))
	require.True(t, IsRetriable(status.Error(codes.DeadlineExceeded, "slow")))
	require.False(t, IsRetriable(base))

	// Fatal wins over a retriable wrapper underneath it.
	require.True(t, IsFatal(Fatal(Retriable(base))))
	require.False(t, IsTransient(Fatal(Retriable(base))))

	require.Nil(t, Fatal(nil))
	require.Nil(t, Retriable(nil))
	require.Same(t, fatal, Fatal(fatal))
}
