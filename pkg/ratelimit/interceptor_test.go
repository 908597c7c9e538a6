package ratelimit

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIntercept(t *testing.T) {
	require.Equal(t, KindNone, Intercept(nil).Kind)

	out := Intercept(fmt.Errorf("list users: %w", RateLimited(30*time.Second)))
	require.Equal(t, KindRescheduled, out.Kind)
	require.Equal(t, 30*time.Second, out.RetryAfter)

	out = Intercept(RateLimited(0))
	require.Equal(t, KindRescheduled, out.Kind)
	require.Equal(t, DefaultRetryAfter, out.RetryAfter)

	boom := errors.New("boom")
	out = Intercept(boom)
	require.Equal(t, KindFailure, out.Kind)
	require.ErrorIs(t, out.Err, boom)

	wrapped := Wrap(boom, time.Minute)
	require.True(t, IsRateLimited(wrapped))
	require.ErrorIs(t, wrapped, boom)
	require.Equal(t, "rescheduled", Intercept(wrapped).Kind.String())
}
