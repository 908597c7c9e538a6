package sync

import (
	"context"
	"fmt"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"

	"github.com/conductorone/tenantsync/pkg/durable"
	"github.com/conductorone/tenantsync/pkg/fanout"
	"github.com/conductorone/tenantsync/pkg/provider"
	"github.com/conductorone/tenantsync/pkg/retry"
	"github.com/conductorone/tenantsync/pkg/store"
)

// syncTenant starts every top-level phase of the tenant's provider and waits for all of
// them. A clean join clears a previously reported connection error.
func (s *Syncer) syncTenant(ctx context.Context, rc *durable.RunContext) (store.RunStatus, error) {
	ctx, span := tracer.Start(ctx, "Syncer.syncTenant")
	defer span.End()

	var req TenantRequest
	err := rc.Event().Decode(&req)
	if err != nil {
		return "", retry.Fatal(fmt.Errorf("sync: decode tenant request: %w", err))
	}
	priority := requestedPriority(rc.Event())

	t, p, err := s.lookup(ctx, req.TenantID)
	if err != nil {
		return "", err
	}
	l := ctxzap.Extract(ctx).With(zap.String("tenant_id", t.ID), zap.String("provider", p.Name()))

	phases := provider.TopLevelPhases(p)
	branches := make([]fanout.Branch, 0, len(phases))
	for _, ph := range phases {
		ev, err := store.NewEvent(EventPhaseRequested, PhaseRequest{
			TenantID: t.ID,
			Phase:    ph.Name,
			Priority: priority,
		})
		if err != nil {
			return "", err
		}
		branches = append(branches, fanout.Branch{Key: ph.Name, Event: ev, Timeout: s.phaseJoinTimeout})
	}

	summary, err := s.co.FanOutAndJoin(ctx, rc, "phases", branches)
	if err != nil {
		return "", err
	}

	if !summary.Degraded() {
		_, err = durable.Step(ctx, rc, "connection-ok", func(ctx context.Context) (bool, error) {
			return true, s.ports.Sink.UpdateConnectionStatus(ctx, t.ID, false)
		})
		if err != nil {
			return "", err
		}
		l.Info("tenant sync completed", zap.Int("phases", summary.Total))
	} else {
		l.Warn("tenant sync completed with missing phases",
			zap.Strings("failed", summary.FailedKeys),
			zap.Strings("timed_out", summary.TimedOutKeys),
		)
	}

	done, err := store.NewEvent(EventTenantCompleted, TenantCompleted{TenantID: t.ID, Summary: summary})
	if err != nil {
		return "", err
	}
	err = rc.Emit(ctx, stepCompleted, done)
	if err != nil {
		return "", err
	}
	return store.StatusCompleted, nil
}
