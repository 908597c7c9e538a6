package sync

import (
	"context"
	"fmt"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"

	"github.com/conductorone/tenantsync/pkg/durable"
	"github.com/conductorone/tenantsync/pkg/provider"
	"github.com/conductorone/tenantsync/pkg/retry"
	"github.com/conductorone/tenantsync/pkg/sink"
	"github.com/conductorone/tenantsync/pkg/store"
)

type fetchResult struct {
	Found  bool         `json:"found"`
	Object *sink.Object `json:"object,omitempty"`
}

func decodeObjectRequest(rc *durable.RunContext) (ObjectRequest, error) {
	var req ObjectRequest
	err := rc.Event().Decode(&req)
	if err != nil {
		return req, retry.Fatal(fmt.Errorf("sync: decode object request: %w", err))
	}
	if req.ObjectID == "" {
		return req, retry.Fatal(fmt.Errorf("sync: object request without object_id"))
	}
	return req, nil
}

// refreshObject re-reads one object from the provider. An object the provider no longer
// has is deleted from the sink.
func (s *Syncer) refreshObject(ctx context.Context, rc *durable.RunContext) (store.RunStatus, error) {
	ctx, span := tracer.Start(ctx, "Syncer.refreshObject")
	defer span.End()

	req, err := decodeObjectRequest(rc)
	if err != nil {
		return "", err
	}
	t, p, err := s.lookup(ctx, req.TenantID)
	if err != nil {
		return "", err
	}
	l := ctxzap.Extract(ctx).With(zap.String("tenant_id", t.ID), zap.String("object_id", req.ObjectID))

	res, err := durable.Step(ctx, rc, "fetch", func(ctx context.Context) (fetchResult, error) {
		obj, err := p.GetObject(ctx, t, req.ObjectID)
		if provider.IsNotFound(err) {
			return fetchResult{}, nil
		}
		if err != nil {
			return fetchResult{}, err
		}
		return fetchResult{Found: true, Object: obj}, nil
	})
	if err != nil {
		return "", s.unauthorized(ctx, rc, t.ID, err)
	}

	if !res.Found || res.Object == nil {
		_, err = durable.Step(ctx, rc, "delete", func(ctx context.Context) (bool, error) {
			return true, s.ports.Sink.Delete(ctx, t.ID, sink.DeleteRequest{IDs: []string{req.ObjectID}})
		})
		if err != nil {
			return "", err
		}
		l.Info("refreshed object no longer exists, deleted")
		return store.StatusCompleted, nil
	}

	_, err = durable.Step(ctx, rc, stepUpsert, func(ctx context.Context) (bool, error) {
		obj := *res.Object
		obj.SyncedAt = rc.Event().Timestamp
		return true, s.ports.Sink.Upsert(ctx, t.ID, []sink.Object{obj})
	})
	if err != nil {
		return "", err
	}
	l.Debug("object refreshed")
	return store.StatusCompleted, nil
}

func (s *Syncer) deleteObject(ctx context.Context, rc *durable.RunContext) (store.RunStatus, error) {
	ctx, span := tracer.Start(ctx, "Syncer.deleteObject")
	defer span.End()

	req, err := decodeObjectRequest(rc)
	if err != nil {
		return "", err
	}
	t, err := s.lookupTenant(ctx, req.TenantID)
	if err != nil {
		return "", err
	}

	_, err = durable.Step(ctx, rc, "delete", func(ctx context.Context) (bool, error) {
		return true, s.ports.Sink.Delete(ctx, t.ID, sink.DeleteRequest{IDs: []string{req.ObjectID}})
	})
	if err != nil {
		return "", err
	}
	ctxzap.Extract(ctx).Debug("object deleted", zap.String("tenant_id", t.ID), zap.String("object_id", req.ObjectID))
	return store.StatusCompleted, nil
}
