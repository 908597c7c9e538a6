// Package provider defines the port every SaaS adapter implements. Adapters translate
// vendor responses into sink objects and vendor failures into the orchestrator's error
// taxonomy: unauthorized is fatal, a missing object is a NotFoundError, rate limits are
// ratelimit.RateLimitedError, and everything else is retried.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/conductorone/tenantsync/pkg/retry"
	"github.com/conductorone/tenantsync/pkg/sink"
	"github.com/conductorone/tenantsync/pkg/tenant"
)

var ErrUnauthorized = errors.New("provider: unauthorized")

// Unauthorized marks err as a credential failure. It is never retried.
func Unauthorized(err error) error {
	return retry.Fatal(fmt.Errorf("%w: %w", ErrUnauthorized, err))
}

func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

type NotFoundError struct {
	ItemID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("provider: object %s not found", e.ItemID)
}

func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// Phase is one listing a provider can sync. Child phases only run scoped to a parent item
// fanned out from another phase.
type Phase struct {
	Name       string
	ObjectType string
	Child      bool
}

type ListRequest struct {
	Tenant   *tenant.Tenant
	Phase    string
	ParentID string
	Cursor   string
}

type Item struct {
	Object sink.Object `json:"object"`
	// ChildPhase, when set, fans out a sub-sync of that phase scoped to this item.
	ChildPhase string `json:"child_phase,omitempty"`
}

type Page struct {
	Items      []Item `json:"items"`
	NextCursor string `json:"next_cursor,omitempty"`
	HasMore    bool   `json:"has_more"`
}

type Provider interface {
	Name() string
	Phases() []Phase
	ListPage(ctx context.Context, req ListRequest) (*Page, error)
	GetObject(ctx context.Context, t *tenant.Tenant, objectID string) (*sink.Object, error)
}

// FindPhase looks a phase up by name.
func FindPhase(p Provider, name string) (Phase, bool) {
	for _, ph := range p.Phases() {
		if ph.Name == name {
			return ph, true
		}
	}
	return Phase{}, false
}

// TopLevelPhases are the phases a full tenant sync starts.
func TopLevelPhases(p Provider) []Phase {
	var ret []Phase
	for _, ph := range p.Phases() {
		if !ph.Child {
			ret = append(ret, ph)
		}
	}
	return ret
}

type Registry struct {
	mtx       sync.RWMutex
	providers map[string]Provider
}

func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider)}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

func (r *Registry) Register(p Provider) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.providers[p.Name()] = p
}

// Get returns the provider named kind. An unknown kind is fatal for the sync asking.
func (r *Registry) Get(kind string) (Provider, error) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	p, ok := r.providers[kind]
	if !ok {
		return nil, retry.Fatal(fmt.Errorf("provider: unknown provider %q", kind))
	}
	return p, nil
}

func (r *Registry) Names() []string {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
