package sqlstore

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/conductorone/tenantsync/pkg/store"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "tenantsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestParseDSN(t *testing.T) {
	d, src, err := parseDSN("postgres://u:p@localhost/db?sslmode=disable")
	require.NoError(t, err)
	require.Equal(t, Postgres, d)
	require.Equal(t, "postgres://u:p@localhost/db?sslmode=disable", src)

	d, src, err = parseDSN("sqlite:///var/lib/tenantsync.db")
	require.NoError(t, err)
	require.Equal(t, SQLite, d)
	require.Equal(t, "/var/lib/tenantsync.db", src)

	d, src, err = parseDSN("memory")
	require.NoError(t, err)
	require.Equal(t, SQLite, d)
	require.Equal(t, ":memory:", src)

	_, _, err = parseDSN("mysql://nope")
	require.Error(t, err)
	_, _, err = parseDSN("  ")
	require.Error(t, err)
}

func TestSchemaDialects(t *testing.T) {
	pg := events.Schema(Postgres)
	require.Contains(t, pg, "seq bigserial primary key")
	require.Contains(t, pg, "data bytea")
	require.Contains(t, pg, "v1_events")

	lite := events.Schema(SQLite)
	require.Contains(t, lite, "seq integer primary key autoincrement")
	require.False(t, strings.Contains(lite, "{{"))
}

func TestCreateRunIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	trigger, err := store.NewEvent("sync/phase.requested", map[string]string{"tenant_id": "t1"})
	require.NoError(t, err)
	trigger.ID = "evt-1"

	run := &store.Run{
		ID:         "run-1",
		FunctionID: "phase-sync",
		EventID:    "evt-1",
		TenantID:   "t1",
		Phase:      "users",
		Priority:   1,
		Trigger:    trigger,
		Status:     store.StatusCreated,
	}
	got, created, err := s.CreateRun(ctx, run, []store.Subscription{{EventName: "tenant/removed", TenantID: "t1"}})
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, "run-1", got.ID)

	dup := &store.Run{ID: "run-2", FunctionID: "phase-sync", EventID: "evt-1", Status: store.StatusCreated}
	got, created, err = s.CreateRun(ctx, dup, nil)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, "run-1", got.ID)
	require.Equal(t, "t1", got.TenantID)
	require.Equal(t, "t1", got.Trigger.Field("tenant_id"))

	subs, err := s.Subscriptions(ctx, "tenant/removed", "t1")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	require.Equal(t, "run-1", subs[0].RunID)

	_, err = s.GetRun(ctx, "run-2")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpdateAndDueRuns(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now()

	for _, id := range []string{"a", "b", "c"} {
		_, _, err := s.CreateRun(ctx, &store.Run{ID: id, FunctionID: "f", EventID: id, Status: store.StatusCreated}, nil)
		require.NoError(t, err)
	}

	a, err := s.GetRun(ctx, "a")
	require.NoError(t, err)
	a.Status = store.StatusSuspendedRateLimited
	a.WakeAt = now.Add(-time.Second)
	require.NoError(t, s.UpdateRun(ctx, a))

	b, err := s.GetRun(ctx, "b")
	require.NoError(t, err)
	b.Status = store.StatusSuspendedRetry
	b.WakeAt = now.Add(time.Hour)
	require.NoError(t, s.UpdateRun(ctx, b))

	due, err := s.DueRuns(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, "a", due[0].ID)

	due, err = s.DueRuns(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, due, 2)

	err = s.UpdateRun(ctx, &store.Run{ID: "missing", Status: store.StatusRunning})
	require.ErrorIs(t, err, store.ErrNotFound)

	listed, err := s.ListRuns(ctx, store.RunFilter{Statuses: []store.RunStatus{store.StatusCreated}})
	require.NoError(t, err)
	require.Len(t, listed, 1)
	require.Equal(t, "c", listed[0].ID)
}

func TestRequestCancel(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, _, err := s.CreateRun(ctx, &store.Run{ID: "live", FunctionID: "f", EventID: "1", Status: store.StatusSuspendedWaitingEvent}, nil)
	require.NoError(t, err)
	_, _, err = s.CreateRun(ctx, &store.Run{ID: "done", FunctionID: "f", EventID: "2", Status: store.StatusCompleted}, nil)
	require.NoError(t, err)

	r, err := s.RequestCancel(ctx, "live")
	require.NoError(t, err)
	require.True(t, r.CancelRequested)

	r, err = s.RequestCancel(ctx, "done")
	require.NoError(t, err)
	require.False(t, r.CancelRequested)

	// UpdateRun never clears the flag.
	live, err := s.GetRun(ctx, "live")
	require.NoError(t, err)
	live.CancelRequested = false
	live.Status = store.StatusRunning
	require.NoError(t, s.UpdateRun(ctx, live))
	live, err = s.GetRun(ctx, "live")
	require.NoError(t, err)
	require.True(t, live.CancelRequested)
}

func TestCommitStepAppliesEffectsAtomically(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, _, err := s.CreateRun(ctx, &store.Run{ID: "parent", FunctionID: "f", EventID: "e", Status: store.StatusRunning}, nil)
	require.NoError(t, err)

	big := make([]string, 200)
	for i := range big {
		big[i] = "object-with-a-reasonably-long-identifier"
	}
	output, err := json.Marshal(big)
	require.NoError(t, err)

	err = s.CommitStep(ctx, store.StepCommit{
		Step: store.Step{RunID: "parent", Name: "fan-out", Output: output, Done: true},
		Effects: store.Effects{
			Events: []store.Event{
				{ID: "c1", Name: "sync/phase.requested", Data: json.RawMessage(`{"child_key":"g1"}`)},
				{ID: "c2", Name: "sync/phase.requested", Data: json.RawMessage(`{"child_key":"g2"}`)},
			},
			Wait: &store.Wait{RunID: "parent", StepName: "fan-out/join", EventName: "fanout/barrier.resolved", Match: store.Match{"run_id": "parent"}},
			Barrier: []store.BarrierEntry{
				{RunID: "parent", BarrierID: "b1", ChildKey: "g1", Deadline: time.Now().Add(-time.Minute)},
				{RunID: "parent", BarrierID: "b1", ChildKey: "g2", Deadline: time.Now().Add(time.Hour)},
			},
		},
	})
	require.NoError(t, err)

	steps, err := s.GetSteps(ctx, "parent")
	require.NoError(t, err)
	require.True(t, steps["fan-out"].Done)
	require.JSONEq(t, string(output), string(steps["fan-out"].Output))

	pending, err := s.PendingEvents(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, "c1", pending[0].ID)
	require.Equal(t, "c2", pending[1].ID)

	require.NoError(t, s.MarkDispatched(ctx, "c1"))
	pending, err = s.PendingEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "g2", pending[0].Field("child_key"))

	ws, err := s.WaitsFor(ctx, "fanout/barrier.resolved")
	require.NoError(t, err)
	require.Len(t, ws, 1)
	require.Equal(t, "parent", ws[0].Match["run_id"])

	entries, err := s.BarrierEntries(ctx, "parent", "b1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, store.BarrierPending, entries[0].Status)

	expired, err := s.ExpiredBarrierEntries(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, expired, 1)
	require.Equal(t, "g1", expired[0].ChildKey)

	ok, err := s.ResolveBarrierEntry(ctx, &store.BarrierEntry{RunID: "parent", BarrierID: "b1", ChildKey: "g2", Status: store.BarrierCompleted})
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.ResolveBarrierEntry(ctx, &store.BarrierEntry{RunID: "parent", BarrierID: "b1", ChildKey: "g2", Status: store.BarrierFailed})
	require.NoError(t, err)
	require.False(t, ok, "resolved entries stay resolved")

	require.NoError(t, s.DeleteRunState(ctx, "parent"))
	entries, err = s.BarrierEntries(ctx, "parent", "b1")
	require.NoError(t, err)
	require.Empty(t, entries)
	has, err := s.HasWait(ctx, "parent")
	require.NoError(t, err)
	require.False(t, has)
}

func TestDoneStepsAreNeverOverwritten(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.CommitStep(ctx, store.StepCommit{Step: store.Step{RunID: "r", Name: "list-page", Attempts: 1, Error: "boom"}}))
	require.NoError(t, s.CommitStep(ctx, store.StepCommit{Step: store.Step{RunID: "r", Name: "list-page", Attempts: 1, Output: json.RawMessage(`"first"`), Done: true}}))
	require.NoError(t, s.CommitStep(ctx, store.StepCommit{Step: store.Step{RunID: "r", Name: "list-page", Output: json.RawMessage(`"second"`), Done: true}}))

	steps, err := s.GetSteps(ctx, "r")
	require.NoError(t, err)
	require.Equal(t, `"first"`, string(steps["list-page"].Output))
	require.Equal(t, uint(1), steps["list-page"].Attempts)
}

func TestResolveWait(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, _, err := s.CreateRun(ctx, &store.Run{ID: "r", FunctionID: "f", EventID: "e", Status: store.StatusSuspendedWaitingEvent}, nil)
	require.NoError(t, err)
	w := &store.Wait{RunID: "r", StepName: "wait", EventName: "x", Deadline: time.Now().Add(-time.Second)}
	require.NoError(t, s.CommitStep(ctx, store.StepCommit{
		Step:    store.Step{RunID: "r", Name: "wait/registered", Output: json.RawMessage(`{}`), Done: true},
		Effects: store.Effects{Wait: w},
	}))

	expired, err := s.ExpiredWaits(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, expired, 1)

	ok, err := s.ResolveWait(ctx, w, json.RawMessage(`null`), time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.ResolveWait(ctx, w, json.RawMessage(`{"late":true}`), time.Now())
	require.NoError(t, err)
	require.False(t, ok)

	run, err := s.GetRun(ctx, "r")
	require.NoError(t, err)
	require.Equal(t, store.StatusRunning, run.Status)

	steps, err := s.GetSteps(ctx, "r")
	require.NoError(t, err)
	require.True(t, steps["wait"].Done)
	require.Equal(t, "null", string(steps["wait"].Output))
}

func TestCompression(t *testing.T) {
	small := []byte(`{"a":1}`)
	require.Equal(t, small, compress(small))

	large := []byte(strings.Repeat(`{"id":"abcdefghijklmnop"},`, 100))
	c := compress(large)
	require.Less(t, len(c), len(large))
	out, err := decompress(c)
	require.NoError(t, err)
	require.Equal(t, large, out)
}
