// Package sync wires providers, the sink and the tenant store into durable functions: a
// paged phase sync with per-item fan-out, a full tenant sync that joins every phase, and
// single-object refresh and delete.
package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/conductorone/tenantsync/pkg/concurrency"
	"github.com/conductorone/tenantsync/pkg/durable"
	"github.com/conductorone/tenantsync/pkg/engine"
	"github.com/conductorone/tenantsync/pkg/fanout"
	"github.com/conductorone/tenantsync/pkg/lifecycle"
	"github.com/conductorone/tenantsync/pkg/provider"
	"github.com/conductorone/tenantsync/pkg/retry"
	"github.com/conductorone/tenantsync/pkg/sink"
	"github.com/conductorone/tenantsync/pkg/store"
	"github.com/conductorone/tenantsync/pkg/sync/progresslog"
	"github.com/conductorone/tenantsync/pkg/tenant"
)

var tracer = otel.Tracer("tenantsync/pkg.sync")

const (
	DefaultBranchTimeout    = 24 * time.Hour
	DefaultPhaseJoinTimeout = 30 * 24 * time.Hour

	phaseTenant = "tenant"
	phaseObject = "object"
)

// Ports are the collaborators a Syncer drives.
type Ports struct {
	Tenants   tenant.Store
	Providers *provider.Registry
	Sink      sink.Sink
}

type Syncer struct {
	e     *engine.Engine
	co    *fanout.Coordinator
	ports Ports

	branchTimeout    time.Duration
	phaseJoinTimeout time.Duration
	retry            retry.Policy
	progress         *progresslog.ProgressLog
}

type Option func(*Syncer)

// WithBranchTimeout bounds how long a page waits for the child syncs it fanned out.
func WithBranchTimeout(d time.Duration) Option {
	return func(s *Syncer) {
		s.branchTimeout = d
	}
}

// WithPhaseJoinTimeout bounds how long a tenant sync waits for each of its phases.
func WithPhaseJoinTimeout(d time.Duration) Option {
	return func(s *Syncer) {
		s.phaseJoinTimeout = d
	}
}

func WithRetryPolicy(p retry.Policy) Option {
	return func(s *Syncer) {
		s.retry = p
	}
}

func WithProgressLog(p *progresslog.ProgressLog) Option {
	return func(s *Syncer) {
		s.progress = p
	}
}

// New registers the sync functions and the fan-out coordinator with e.
func New(ctx context.Context, e *engine.Engine, ports Ports, opts ...Option) (*Syncer, error) {
	if ports.Tenants == nil || ports.Providers == nil || ports.Sink == nil {
		return nil, errors.New("sync: tenant store, provider registry and sink are required")
	}

	s := &Syncer{
		e:                e,
		ports:            ports,
		branchTimeout:    DefaultBranchTimeout,
		phaseJoinTimeout: DefaultPhaseJoinTimeout,
		retry:            retry.DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.progress == nil {
		s.progress = progresslog.NewProgressCounts(ctx)
	}

	s.co = fanout.NewCoordinator(e.Store(),
		fanout.WithClock(e.Clock()),
		fanout.WithCompletionEvents(EventPhaseCompleted),
	)
	e.AddHook(s.co)

	err := e.Register(s.functions()...)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func tenantKey(phase string) func(ev *store.Event) concurrency.Key {
	return func(ev *store.Event) concurrency.Key {
		return concurrency.Key{Tenant: ev.Field("tenant_id"), Phase: phase}
	}
}

func requestedPriority(ev *store.Event) concurrency.SyncPriority {
	if ev.Name == lifecycle.EventTenantReinstalled {
		return concurrency.PriorityFirstSync
	}
	p, err := concurrency.ParsePriority(ev.Field("priority"))
	if err != nil {
		return concurrency.PriorityIncremental
	}
	return p
}

func (s *Syncer) functions() []*engine.Function {
	return []*engine.Function{
		{
			ID:       FunctionPhaseSync,
			Triggers: []string{EventPhaseRequested, EventPhaseContinued},
			// Every page of a phase shares one key so continuations run in emission order.
			Key: func(ev *store.Event) concurrency.Key {
				return concurrency.Key{Tenant: ev.Field("tenant_id"), Phase: ev.Field("phase")}
			},
			Priority: requestedPriority,
			CancelOn: lifecycle.Events(),
			Retry:    s.retry,
			Handler:  s.syncPhase,
		},
		{
			ID:       FunctionTenantSync,
			Triggers: []string{EventTenantRequested, lifecycle.EventTenantReinstalled},
			Key:      tenantKey(phaseTenant),
			Priority: requestedPriority,
			CancelOn: lifecycle.Events(),
			Retry:    s.retry,
			Handler:  s.syncTenant,
		},
		{
			ID:       FunctionObjectRefresh,
			Triggers: []string{EventObjectRefreshRequested},
			Key:      tenantKey(phaseObject),
			CancelOn: lifecycle.Events(),
			Retry:    s.retry,
			Handler:  s.refreshObject,
		},
		{
			ID:       FunctionObjectDelete,
			Triggers: []string{EventObjectDeleteRequested},
			Key:      tenantKey(phaseObject),
			CancelOn: lifecycle.Events(),
			Retry:    s.retry,
			Handler:  s.deleteObject,
		},
	}
}

// Coordinator is the fan-out coordinator the phase and tenant syncs join through.
func (s *Syncer) Coordinator() *fanout.Coordinator {
	return s.co
}

// lookupTenant fails the run when the tenant is gone.
func (s *Syncer) lookupTenant(ctx context.Context, tenantID string) (*tenant.Tenant, error) {
	if tenantID == "" {
		return nil, retry.Fatal(errors.New("sync: missing tenant_id"))
	}
	t, err := s.ports.Tenants.Get(ctx, tenantID)
	if err != nil {
		if errors.Is(err, tenant.ErrNotFound) {
			return nil, retry.Fatal(fmt.Errorf("sync: tenant %s: %w", tenantID, err))
		}
		return nil, err
	}
	return t, nil
}

// lookup resolves the tenant and its provider. A removed tenant or an unknown provider
// fails the run.
func (s *Syncer) lookup(ctx context.Context, tenantID string) (*tenant.Tenant, provider.Provider, error) {
	t, err := s.lookupTenant(ctx, tenantID)
	if err != nil {
		return nil, nil, err
	}
	p, err := s.ports.Providers.Get(t.Provider)
	if err != nil {
		return nil, nil, err
	}
	return t, p, nil
}

// unauthorized reports a credential failure to the sink before the run fails.
func (s *Syncer) unauthorized(ctx context.Context, rc *durable.RunContext, tenantID string, cause error) error {
	if !provider.IsUnauthorized(cause) {
		return cause
	}
	ctxzap.Extract(ctx).Error("provider rejected tenant credentials",
		zap.String("tenant_id", tenantID),
		zap.String("run_id", rc.Run().ID),
		zap.Error(cause),
	)
	_, err := durable.Step(ctx, rc, "connection-error", func(ctx context.Context) (bool, error) {
		return true, s.ports.Sink.UpdateConnectionStatus(ctx, tenantID, true)
	})
	if err != nil {
		return err
	}
	return cause
}

func (s *Syncer) send(ctx context.Context, name string, payload any) (string, error) {
	ev, err := store.NewEvent(name, payload)
	if err != nil {
		return "", err
	}
	ids, err := s.e.Send(ctx, ev)
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// StartSync requests a sync of one phase for a tenant, resuming from cursor when it is set.
// It returns the id of the triggering event.
func (s *Syncer) StartSync(ctx context.Context, tenantID string, phase string, cursor string, priority concurrency.SyncPriority) (string, error) {
	t, p, err := s.lookup(ctx, tenantID)
	if err != nil {
		return "", err
	}
	ph, ok := provider.FindPhase(p, phase)
	if !ok {
		return "", fmt.Errorf("sync: provider %s has no phase %q", t.Provider, phase)
	}
	if ph.Child {
		return "", fmt.Errorf("sync: phase %q only runs under a parent item", phase)
	}
	return s.send(ctx, EventPhaseRequested, PhaseRequest{
		TenantID: t.ID,
		Phase:    ph.Name,
		Cursor:   cursor,
		Priority: priority,
	})
}

// StartTenantSync requests a sync of every top-level phase of a tenant.
func (s *Syncer) StartTenantSync(ctx context.Context, tenantID string, priority concurrency.SyncPriority) (string, error) {
	t, _, err := s.lookup(ctx, tenantID)
	if err != nil {
		return "", err
	}
	return s.send(ctx, EventTenantRequested, TenantRequest{TenantID: t.ID, Priority: priority})
}

func (s *Syncer) RefreshObject(ctx context.Context, tenantID string, objectID string) (string, error) {
	if tenantID == "" || objectID == "" {
		return "", errors.New("sync: tenant and object id are required")
	}
	return s.send(ctx, EventObjectRefreshRequested, ObjectRequest{TenantID: tenantID, ObjectID: objectID})
}

func (s *Syncer) DeleteObject(ctx context.Context, tenantID string, objectID string) (string, error) {
	if tenantID == "" || objectID == "" {
		return "", errors.New("sync: tenant and object id are required")
	}
	return s.send(ctx, EventObjectDeleteRequested, ObjectRequest{TenantID: tenantID, ObjectID: objectID})
}
