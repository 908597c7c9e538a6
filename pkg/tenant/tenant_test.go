package tenant

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/conductorone/tenantsync/pkg/store/sqlstore"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	ctx := context.Background()
	st, err := sqlstore.Open(ctx, filepath.Join(t.TempDir(), "tenants.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ts, err := NewSQLStore(ctx, st.DB(), st.Dialect())
	require.NoError(t, err)
	return ts
}

func TestSQLStore(t *testing.T) {
	ctx := context.Background()
	ts := newTestStore(t)

	_, err := ts.Get(ctx, "t1")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, ts.Put(ctx, &Tenant{
		ID:          "t1",
		Provider:    "slack",
		Credentials: map[string]string{"token": "xoxb-1"},
		Config:      map[string]string{"team_id": "T1"},
	}))

	got, err := ts.Get(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, "slack", got.Provider)
	require.Equal(t, "xoxb-1", got.Credential("token"))
	require.Equal(t, "T1", got.Setting("team_id"))
	require.Equal(t, "", got.Setting("missing"))

	// Put replaces credentials.
	require.NoError(t, ts.Put(ctx, &Tenant{ID: "t1", Provider: "slack", Credentials: map[string]string{"token": "xoxb-2"}}))
	got, err = ts.Get(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, "xoxb-2", got.Credential("token"))

	require.NoError(t, ts.SetRemoved(ctx, "t1", true))
	_, err = ts.Get(ctx, "t1")
	require.ErrorIs(t, err, ErrNotFound)

	all, err := ts.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.True(t, all[0].Removed)

	require.NoError(t, ts.SetRemoved(ctx, "t1", false))
	_, err = ts.Get(ctx, "t1")
	require.NoError(t, err)

	require.ErrorIs(t, ts.SetRemoved(ctx, "nope", true), ErrNotFound)
}

type countingStore struct {
	Store
	calls int
}

func (c *countingStore) Get(ctx context.Context, id string) (*Tenant, error) {
	c.calls++
	return c.Store.Get(ctx, id)
}

func TestCachedStore(t *testing.T) {
	ctx := context.Background()
	ts := newTestStore(t)
	require.NoError(t, ts.Put(ctx, &Tenant{ID: "t1", Provider: "google"}))

	backing := &countingStore{Store: ts}
	cs, err := NewCachedStore(backing, time.Hour)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		got, err := cs.Get(ctx, "t1")
		require.NoError(t, err)
		require.Equal(t, "google", got.Provider)
	}
	require.Equal(t, 1, backing.calls)

	require.NoError(t, ts.SetRemoved(ctx, "t1", true))
	cs.Invalidate("t1")
	_, err = cs.Get(ctx, "t1")
	require.ErrorIs(t, err, ErrNotFound)

	// Misses are not cached.
	_, err = cs.Get(ctx, "t1")
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, 3, backing.calls)
}

func TestCachedStoreStats(t *testing.T) {
	ctx := context.Background()
	ts := newTestStore(t)
	require.NoError(t, ts.Put(ctx, &Tenant{ID: "t1", Provider: "google"}))

	cs, err := NewCachedStore(ts, time.Hour)
	require.NoError(t, err)
	require.Zero(t, cs.Stats().Hits)
	require.Zero(t, cs.Stats().Misses)

	for i := 0; i < 3; i++ {
		_, err := cs.Get(ctx, "t1")
		require.NoError(t, err)
	}
	st := cs.Stats()
	require.Equal(t, uint64(2), st.Hits)
	require.Equal(t, uint64(1), st.Misses)

	_, err = cs.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, uint64(2), cs.Stats().Misses)
}
