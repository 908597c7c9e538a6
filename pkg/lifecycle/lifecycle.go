// Package lifecycle cancels runs when their tenant is removed or reinstalled.
package lifecycle

import (
	"context"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/conductorone/tenantsync/pkg/engine"
	"github.com/conductorone/tenantsync/pkg/store"
)

var tracer = otel.Tracer("tenantsync/pkg.lifecycle")

const (
	EventTenantRemoved     = "tenant/removed"
	EventTenantReinstalled = "tenant/reinstalled"
)

// Events are the lifecycle events runs subscribe to.
func Events() []string {
	return []string{EventTenantRemoved, EventTenantReinstalled}
}

func IsLifecycleEvent(name string) bool {
	return name == EventTenantRemoved || name == EventTenantReinstalled
}

type Canceller interface {
	Cancel(ctx context.Context, runID string) error
}

// Invalidator drops cached tenant state.
type Invalidator interface {
	Invalidate(tenantID string)
}

type Listener struct {
	st          store.Store
	canceller   Canceller
	invalidator Invalidator
}

var _ engine.Hook = (*Listener)(nil)

type Option func(*Listener)

func WithInvalidator(inv Invalidator) Option {
	return func(l *Listener) {
		l.invalidator = inv
	}
}

func NewListener(st store.Store, c Canceller, opts ...Option) *Listener {
	l := &Listener{st: st, canceller: c}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// HandleEvent requests cancellation of every live run subscribed to the event for its
// tenant. Runs the event itself started are left alone.
func (li *Listener) HandleEvent(ctx context.Context, ev *store.Event) ([]store.Event, error) {
	if !IsLifecycleEvent(ev.Name) {
		return nil, nil
	}

	ctx, span := tracer.Start(ctx, "Listener.HandleEvent")
	defer span.End()

	tenantID := ev.Field("tenant_id")
	l := ctxzap.Extract(ctx).With(zap.String("event", ev.Name), zap.String("tenant_id", tenantID))
	if tenantID == "" {
		l.Warn("lifecycle event without tenant_id")
		return nil, nil
	}

	if li.invalidator != nil {
		li.invalidator.Invalidate(tenantID)
	}

	subs, err := li.st.Subscriptions(ctx, ev.Name, tenantID)
	if err != nil {
		return nil, err
	}

	cancelled := 0
	for _, sub := range subs {
		run, err := li.st.GetRun(ctx, sub.RunID)
		if err != nil {
			return nil, err
		}
		if run.Status.Terminal() || run.EventID == ev.ID {
			continue
		}
		err = li.canceller.Cancel(ctx, run.ID)
		if err != nil {
			return nil, err
		}
		l.Debug("cancellation requested", zap.String("run_id", run.ID), zap.String("function_id", run.FunctionID))
		cancelled++
	}

	if cancelled > 0 {
		l.Info("cancelled runs for tenant", zap.Int("count", cancelled))
	}
	return nil, nil
}

func (li *Listener) Sweep(ctx context.Context, now time.Time) ([]store.Event, error) {
	return nil, nil
}
