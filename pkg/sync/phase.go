package sync

import (
	"context"
	"fmt"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"

	"github.com/conductorone/tenantsync/pkg/durable"
	"github.com/conductorone/tenantsync/pkg/fanout"
	"github.com/conductorone/tenantsync/pkg/pagination"
	"github.com/conductorone/tenantsync/pkg/provider"
	"github.com/conductorone/tenantsync/pkg/retry"
	"github.com/conductorone/tenantsync/pkg/sink"
	"github.com/conductorone/tenantsync/pkg/store"
	"github.com/conductorone/tenantsync/pkg/tenant"
)

const (
	stepUpsert    = "upsert"
	stepChildren  = "children"
	stepCompleted = "completed"
)

// syncPhase lists one page of a phase per run. Items are upserted with the phase's start
// time, items that have a child phase are fanned out and joined, and the next page is
// handed to a continuation run. The run that lists the last page deletes everything the
// sync did not see and reports the phase complete.
func (s *Syncer) syncPhase(ctx context.Context, rc *durable.RunContext) (store.RunStatus, error) {
	ctx, span := tracer.Start(ctx, "Syncer.syncPhase")
	defer span.End()

	var req PhaseRequest
	err := rc.Event().Decode(&req)
	if err != nil {
		return "", retry.Fatal(fmt.Errorf("sync: decode phase request: %w", err))
	}

	t, p, err := s.lookup(ctx, req.TenantID)
	if err != nil {
		return "", err
	}
	ph, ok := provider.FindPhase(p, req.Phase)
	if !ok {
		return "", retry.Fatal(fmt.Errorf("sync: provider %s has no phase %q", p.Name(), req.Phase))
	}

	startedAt := req.SyncStartedAt
	if startedAt.IsZero() {
		startedAt = rc.Event().Timestamp
	}

	l := ctxzap.Extract(ctx).With(
		zap.String("tenant_id", t.ID),
		zap.String("phase", ph.Name),
		zap.String("parent_id", req.ParentID),
		zap.String("run_id", rc.Run().ID),
	)
	ctx = ctxzap.ToContext(ctx, l)

	synced := req.Synced
	pager := &pagination.Pager[provider.Item]{
		List: func(ctx context.Context, cursor string) (*pagination.Page[provider.Item], error) {
			page, err := p.ListPage(ctx, provider.ListRequest{
				Tenant:   t,
				Phase:    ph.Name,
				ParentID: req.ParentID,
				Cursor:   cursor,
			})
			if err != nil {
				return nil, err
			}
			return &pagination.Page[provider.Item]{
				Items:      page.Items,
				NextCursor: page.NextCursor,
				HasMore:    page.HasMore,
			}, nil
		},
		Process: func(ctx context.Context, rc *durable.RunContext, page *pagination.Page[provider.Item]) error {
			n, err := s.processPage(ctx, rc, t, req, startedAt, page.Items)
			synced += n
			return err
		},
		Continue: func(ctx context.Context, nextCursor string) (store.Event, error) {
			next := req
			next.Cursor = nextCursor
			next.SyncStartedAt = startedAt
			next.Synced = synced
			return store.NewEvent(EventPhaseContinued, next)
		},
		Finalize: func(ctx context.Context) error {
			return s.ports.Sink.Delete(ctx, t.ID, sink.DeleteRequest{
				SyncedBefore: startedAt,
				Scope:        sink.Scope{Type: ph.ObjectType, ParentID: req.ParentID},
			})
		},
	}

	outcome, err := pager.Run(ctx, rc, req.Cursor)
	if err != nil {
		return "", s.unauthorized(ctx, rc, t.ID, err)
	}
	if outcome == pagination.OutcomeOngoing {
		return store.StatusOngoing, nil
	}

	s.progress.Finish(ctx, t.ID, ph.Name, req.ParentID)

	done, err := store.NewEvent(EventPhaseCompleted, PhaseCompleted{
		TenantID:   t.ID,
		Phase:      ph.Name,
		ParentID:   req.ParentID,
		Status:     fanout.ChildCompleted,
		Synced:     synced,
		barrierRef: req.barrierRef,
	})
	if err != nil {
		return "", err
	}
	err = rc.Emit(ctx, stepCompleted, done)
	if err != nil {
		return "", err
	}
	return store.StatusCompleted, nil
}

// processPage upserts the page and joins the child syncs of its items. It returns the
// number of objects upserted.
func (s *Syncer) processPage(
	ctx context.Context,
	rc *durable.RunContext,
	t *tenant.Tenant,
	req PhaseRequest,
	startedAt time.Time,
	items []provider.Item,
) (int, error) {
	l := ctxzap.Extract(ctx)

	upserted, err := durable.Step(ctx, rc, stepUpsert, func(ctx context.Context) (int, error) {
		objects := make([]sink.Object, 0, len(items))
		for _, it := range items {
			obj := it.Object
			obj.SyncedAt = startedAt
			objects = append(objects, obj)
		}
		err := s.ports.Sink.Upsert(ctx, t.ID, objects)
		if err != nil {
			return 0, err
		}
		s.progress.AddSynced(ctx, t.ID, req.Phase, req.ParentID, len(objects))
		return len(objects), nil
	})
	if err != nil {
		return 0, err
	}

	seen := mapset.NewThreadUnsafeSet[string]()
	var branches []fanout.Branch
	for _, it := range items {
		if it.ChildPhase == "" || !seen.Add(it.Object.ID) {
			continue
		}
		ev, err := store.NewEvent(EventPhaseRequested, PhaseRequest{
			TenantID: t.ID,
			Phase:    it.ChildPhase,
			ParentID: it.Object.ID,
			Priority: req.Priority,
		})
		if err != nil {
			return 0, err
		}
		branches = append(branches, fanout.Branch{Key: it.Object.ID, Event: ev, Timeout: s.branchTimeout})
	}
	if len(branches) == 0 {
		return upserted, nil
	}

	summary, err := s.co.FanOutAndJoin(ctx, rc, stepChildren, branches)
	if err != nil {
		return 0, err
	}
	if summary.Degraded() {
		l.Warn("page joined with missing child syncs",
			zap.Int("completed", summary.Completed),
			zap.Int("failed", summary.Failed),
			zap.Int("timed_out", summary.TimedOut),
			zap.Strings("failed_keys", summary.FailedKeys),
			zap.Strings("timed_out_keys", summary.TimedOutKeys),
		)
	}
	return upserted, nil
}
