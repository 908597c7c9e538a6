package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMatch(t *testing.T) {
	ev, err := NewEvent("sync/phase.completed", map[string]any{
		"parent_run_id": "run-1",
		"child_key":     "group-a",
		"count":         3,
		"nothing":       nil,
	})
	require.NoError(t, err)

	require.True(t, Match(nil).Matches(&ev))
	require.True(t, Match{"parent_run_id": "run-1"}.Matches(&ev))
	require.True(t, Match{"parent_run_id": "run-1", "count": "3"}.Matches(&ev))
	require.False(t, Match{"parent_run_id": "run-2"}.Matches(&ev))
	require.False(t, Match{"missing": "x"}.Matches(&ev))
	require.Equal(t, "group-a", ev.Field("child_key"))
	require.NotContains(t, ev.Fields(), "nothing")

	bad := Event{Name: "x", Data: []byte("not json")}
	require.Empty(t, bad.Fields())
}

func TestRunStatus(t *testing.T) {
	for _, s := range []RunStatus{StatusOngoing, StatusCompleted, StatusFailed, StatusCancelled} {
		require.True(t, s.Terminal(), s)
		require.False(t, s.Suspended(), s)
	}
	for _, s := range []RunStatus{StatusSuspendedWaitingEvent, StatusSuspendedRateLimited, StatusSuspendedRetry} {
		require.True(t, s.Suspended(), s)
		require.False(t, s.Terminal(), s)
	}
	require.True(t, StatusSuspendedRateLimited.Timed())
	require.True(t, StatusSuspendedRetry.Timed())
	require.False(t, StatusSuspendedWaitingEvent.Timed())
	require.False(t, StatusRunning.Terminal())
}
