package concurrency

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func next(t *testing.T, l *Limiter) string {
	t.Helper()
	item, ok := l.TryNext()
	require.True(t, ok, "expected an admitted item")
	return item.ID
}

func TestLimiterFirstSyncAhead(t *testing.T) {
	l := NewLimiter()
	k := Key{Tenant: "t1", Phase: "users"}

	l.Enqueue(Item{ID: "a", Key: k, Priority: PriorityIncremental})
	l.Enqueue(Item{ID: "b", Key: k, Priority: PriorityIncremental})
	l.Enqueue(Item{ID: "c", Key: k, Priority: PriorityFirstSync})
	l.Enqueue(Item{ID: "d", Key: k, Priority: PriorityFirstSync})

	require.Equal(t, "a", next(t, l))
	_, ok := l.TryNext()
	require.False(t, ok, "limit of one per key")
	require.Equal(t, 1, l.InFlight(k))

	l.Release(Item{ID: "a"})
	require.Equal(t, "c", next(t, l))
	l.Release(Item{ID: "c"})
	require.Equal(t, "d", next(t, l))
	l.Release(Item{ID: "d"})
	require.Equal(t, "b", next(t, l))
	l.Release(Item{ID: "b"})

	require.True(t, l.Idle())
	require.Equal(t, 0, l.InFlight(k))
}

func TestLimiterKeysAreIndependent(t *testing.T) {
	l := NewLimiter(WithLimit(func(k Key) int {
		if k.Phase == "groups" {
			return 2
		}
		return 0
	}))

	users := Key{Tenant: "t1", Phase: "users"}
	groups := Key{Tenant: "t1", Phase: "groups"}
	other := Key{Tenant: "t2", Phase: "users"}

	l.Enqueue(Item{ID: "u1", Key: users})
	l.Enqueue(Item{ID: "u2", Key: users})
	l.Enqueue(Item{ID: "g1", Key: groups})
	l.Enqueue(Item{ID: "g2", Key: groups})
	l.Enqueue(Item{ID: "g3", Key: groups})
	l.Enqueue(Item{ID: "o1", Key: other})

	got := []string{next(t, l), next(t, l), next(t, l), next(t, l)}
	require.Equal(t, []string{"u1", "g1", "g2", "o1"}, got)

	s := l.Stats()
	require.Equal(t, 4, s.InFlight)
	require.Equal(t, 2, s.Waiting)
	require.Equal(t, 0, s.Ready)
}

func TestLimiterDedupeAndRerun(t *testing.T) {
	l := NewLimiter()
	k := Key{Tenant: "t1", Phase: "users"}

	l.Enqueue(Item{ID: "blocker", Key: k})
	l.Enqueue(Item{ID: "a", Key: k})
	l.Enqueue(Item{ID: "a", Key: k})
	require.Equal(t, 1, l.Stats().Waiting)

	require.Equal(t, "blocker", next(t, l))
	// Woken again while in flight: it runs once more after release.
	l.Enqueue(Item{ID: "blocker", Key: k})
	l.Release(Item{ID: "blocker"})

	require.Equal(t, "a", next(t, l))
	l.Release(Item{ID: "a"})
	require.Equal(t, "blocker", next(t, l))
	l.Release(Item{ID: "blocker"})
	require.True(t, l.Idle())

	// Releasing an unknown item is a no-op.
	l.Release(Item{ID: "ghost"})
	require.True(t, l.Idle())
}

func TestLimiterNextBlocks(t *testing.T) {
	l := NewLimiter()
	k := Key{Tenant: "t1", Phase: "users"}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := l.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	got := make(chan Item, 1)
	go func() {
		item, err := l.Next(context.Background())
		if err == nil {
			got <- item
		}
	}()

	l.Enqueue(Item{ID: "late", Key: k})
	select {
	case item := <-got:
		require.Equal(t, "late", item.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not wake up")
	}
}

func TestPriority(t *testing.T) {
	require.Greater(t, PriorityFirstSync.Value(), PriorityIncremental.Value())
	require.Equal(t, PriorityFirstSync, PriorityFromValue(PriorityFirstSync.Value()))
	require.Equal(t, PriorityIncremental, PriorityFromValue(42))

	p, err := ParsePriority("FIRST_SYNC")
	require.NoError(t, err)
	require.Equal(t, PriorityFirstSync, p)
	_, err = ParsePriority("urgent")
	require.Error(t, err)

	var decoded SyncPriority
	require.NoError(t, decoded.UnmarshalText([]byte("first_sync")))
	require.Equal(t, PriorityFirstSync, decoded)

	require.Equal(t, Key{Tenant: "t1", Phase: "users"}, ParseKey(Key{Tenant: "t1", Phase: "users"}.String()))
}

func TestKeyRoundTripsSeparators(t *testing.T) {
	for _, k := range []Key{
		{Tenant: "acme/eu", Phase: "users"},
		{Tenant: "a/b/c", Phase: "members"},
		{Tenant: "100%", Phase: "phase-sync"},
		{Tenant: "t1", Phase: ""},
	} {
		require.Equal(t, k, ParseKey(k.String()), k.String())
	}

	require.Equal(t, "t1/users", Key{Tenant: "t1", Phase: "users"}.String())
	require.NotEqual(t, Key{Tenant: "a/b", Phase: "c"}.String(), Key{Tenant: "a", Phase: "b/c"}.String())
}
