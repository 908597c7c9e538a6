package progresslog

import (
	"context"
	"sync"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"
)

const defaultMaxLogFrequency = 10 * time.Second

// key names one listing: a top-level phase, or a child phase under one parent item.
type key struct {
	tenant string
	phase  string
	parent string
}

func (k key) fields() []zap.Field {
	fields := []zap.Field{zap.String("tenant_id", k.tenant), zap.String("phase", k.phase)}
	if k.parent != "" {
		fields = append(fields, zap.String("parent_id", k.parent))
	}
	return fields
}

// ProgressLog counts synced objects per listing and logs them at most once per
// maxLogFrequency for each. Counts live in memory only and are for logging; a restarted
// process starts over.
type ProgressLog struct {
	mu              sync.Mutex
	synced          map[key]int
	lastLog         map[key]time.Time
	l               *zap.Logger
	maxLogFrequency time.Duration
	now             func() time.Time
}

type Option func(*ProgressLog)

func WithLogger(l *zap.Logger) Option {
	return func(p *ProgressLog) {
		// Don't allow a nil logger to be set, as that would cause a panic.
		if l != nil {
			p.l = l
		}
	}
}

func WithLogFrequency(logFrequency time.Duration) Option {
	return func(p *ProgressLog) {
		p.maxLogFrequency = logFrequency
	}
}

func WithNow(now func() time.Time) Option {
	return func(p *ProgressLog) {
		p.now = now
	}
}

func NewProgressCounts(ctx context.Context, opts ...Option) *ProgressLog {
	p := &ProgressLog{
		synced:          make(map[key]int),
		lastLog:         make(map[key]time.Time),
		l:               ctxzap.Extract(ctx),
		maxLogFrequency: defaultMaxLogFrequency,
		now:             time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// AddSynced records n more objects for the listing and logs the running count if the last
// log for it is old enough. parentID is empty for a top-level phase.
func (p *ProgressLog) AddSynced(ctx context.Context, tenantID string, phase string, parentID string, n int) {
	k := key{tenant: tenantID, phase: phase, parent: parentID}

	p.mu.Lock()
	p.synced[k] += n
	count := p.synced[k]
	now := p.now()
	shouldLog := now.Sub(p.lastLog[k]) > p.maxLogFrequency
	if shouldLog {
		p.lastLog[k] = now
	}
	p.mu.Unlock()

	if shouldLog {
		p.l.Info("Syncing objects", append(k.fields(), zap.Int("synced", count))...)
	}
}

// Finish logs the final count for the listing and forgets it.
func (p *ProgressLog) Finish(ctx context.Context, tenantID string, phase string, parentID string) {
	k := key{tenant: tenantID, phase: phase, parent: parentID}

	p.mu.Lock()
	count := p.synced[k]
	delete(p.synced, k)
	delete(p.lastLog, k)
	p.mu.Unlock()

	p.l.Info("Synced objects", append(k.fields(), zap.Int("count", count))...)
}

func (p *ProgressLog) Synced(tenantID string, phase string, parentID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.synced[key{tenant: tenantID, phase: phase, parent: parentID}]
}

// Listings is the number of listings with a count that has not been finished.
func (p *ProgressLog) Listings() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.synced)
}
