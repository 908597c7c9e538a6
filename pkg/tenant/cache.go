package tenant

import (
	"context"
	"time"

	"github.com/maypok86/otter/v2"
	"github.com/maypok86/otter/v2/stats"
)

const (
	DefaultCacheTTL  = 5 * time.Minute
	defaultCacheSize = 10_000
)

// CachedStore reads through to another Store. Removal and reinstall events must call
// Invalidate so a stale tenant is never served after the fact.
type CachedStore struct {
	cache *otter.Cache[string, *Tenant]
	ctr   *stats.Counter
	next  Store
}

var _ Store = (*CachedStore)(nil)

func NewCachedStore(next Store, ttl time.Duration) (*CachedStore, error) {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	ctr := stats.NewCounter()
	cache, err := otter.New(&otter.Options[string, *Tenant]{
		MaximumSize:      defaultCacheSize,
		ExpiryCalculator: otter.ExpiryWriting[string, *Tenant](ttl),
		StatsRecorder:    ctr,
	})
	if err != nil {
		return nil, err
	}
	return &CachedStore{cache: cache, ctr: ctr, next: next}, nil
}

func (c *CachedStore) Get(ctx context.Context, id string) (*Tenant, error) {
	return c.cache.Get(ctx, id, otter.LoaderFunc[string, *Tenant](func(ctx context.Context, id string) (*Tenant, error) {
		return c.next.Get(ctx, id)
	}))
}

func (c *CachedStore) Invalidate(tenantID string) {
	_, _ = c.cache.Invalidate(tenantID)
}

// Stats is a snapshot of the hit and miss counters.
func (c *CachedStore) Stats() stats.Stats {
	return c.ctr.Snapshot()
}
