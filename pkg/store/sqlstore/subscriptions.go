package sqlstore

import (
	"context"
	"fmt"

	"github.com/doug-martin/goqu/v9"

	"github.com/conductorone/tenantsync/pkg/store"
)

type subscriptionRecord struct {
	RunID     string `db:"run_id"`
	EventName string `db:"event_name"`
	TenantID  string `db:"tenant_id"`
}

func (s *SQLStore) Subscriptions(ctx context.Context, eventName string, tenantID string) ([]*store.Subscription, error) {
	ctx, span := tracer.Start(ctx, "SQLStore.Subscriptions")
	defer span.End()

	var recs []subscriptionRecord
	err := s.db.From(subscriptions.Name()).
		Where(goqu.C("event_name").Eq(eventName), goqu.C("tenant_id").Eq(tenantID)).
		Order(goqu.C("run_id").Asc()).
		Prepared(true).
		ScanStructsContext(ctx, &recs)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: subscriptions: %w", err)
	}

	ret := make([]*store.Subscription, 0, len(recs))
	for _, rec := range recs {
		ret = append(ret, &store.Subscription{
			RunID:     rec.RunID,
			EventName: rec.EventName,
			TenantID:  rec.TenantID,
		})
	}
	return ret, nil
}

func (s *SQLStore) DeleteRunState(ctx context.Context, runID string) error {
	ctx, span := tracer.Start(ctx, "SQLStore.DeleteRunState")
	defer span.End()

	return s.inTx(ctx, "delete run state", func(tx *goqu.TxDatabase) error {
		for _, t := range []TableDescriptor{waits, barrierEntries, subscriptions} {
			_, err := tx.Delete(t.Name()).
				Where(goqu.C("run_id").Eq(runID)).
				Prepared(true).
				Executor().ExecContext(ctx)
			if err != nil {
				return err
			}
		}
		return nil
	})
}
