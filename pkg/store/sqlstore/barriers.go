package sqlstore

import (
	"context"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"

	"github.com/conductorone/tenantsync/pkg/store"
)

type barrierRecord struct {
	RunID      string `db:"run_id"`
	BarrierID  string `db:"barrier_id"`
	ChildKey   string `db:"child_key"`
	TenantID   string `db:"tenant_id"`
	Status     string `db:"status"`
	Deadline   int64  `db:"deadline"`
	Detail     string `db:"detail"`
	ResolvedAt int64  `db:"resolved_at"`
}

func (rec *barrierRecord) toEntry() *store.BarrierEntry {
	return &store.BarrierEntry{
		RunID:      rec.RunID,
		BarrierID:  rec.BarrierID,
		ChildKey:   rec.ChildKey,
		TenantID:   rec.TenantID,
		Status:     store.BarrierStatus(rec.Status),
		Deadline:   fromNanos(rec.Deadline),
		Detail:     rec.Detail,
		ResolvedAt: fromNanos(rec.ResolvedAt),
	}
}

func insertBarrierEntries(ctx context.Context, tx *goqu.TxDatabase, entries []store.BarrierEntry) error {
	rows := make([]interface{}, 0, len(entries))
	for _, e := range entries {
		status := e.Status
		if status == "" {
			status = store.BarrierPending
		}
		rows = append(rows, goqu.Record{
			"run_id":      e.RunID,
			"barrier_id":  e.BarrierID,
			"child_key":   e.ChildKey,
			"tenant_id":   e.TenantID,
			"status":      string(status),
			"deadline":    toNanos(e.Deadline),
			"detail":      e.Detail,
			"resolved_at": toNanos(e.ResolvedAt),
		})
	}
	_, err := tx.Insert(barrierEntries.Name()).
		Rows(rows...).
		OnConflict(goqu.DoNothing()).
		Prepared(true).
		Executor().ExecContext(ctx)
	return err
}

func (s *SQLStore) scanBarrier(ctx context.Context, q *goqu.SelectDataset) ([]*store.BarrierEntry, error) {
	var recs []barrierRecord
	err := q.Prepared(true).ScanStructsContext(ctx, &recs)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list barrier entries: %w", err)
	}
	ret := make([]*store.BarrierEntry, 0, len(recs))
	for i := range recs {
		ret = append(ret, recs[i].toEntry())
	}
	return ret, nil
}

func (s *SQLStore) BarrierEntries(ctx context.Context, runID string, barrierID string) ([]*store.BarrierEntry, error) {
	ctx, span := tracer.Start(ctx, "SQLStore.BarrierEntries")
	defer span.End()

	return s.scanBarrier(ctx, s.db.From(barrierEntries.Name()).
		Where(goqu.C("run_id").Eq(runID), goqu.C("barrier_id").Eq(barrierID)).
		Order(goqu.C("child_key").Asc()))
}

func (s *SQLStore) ResolveBarrierEntry(ctx context.Context, entry *store.BarrierEntry) (bool, error) {
	ctx, span := tracer.Start(ctx, "SQLStore.ResolveBarrierEntry")
	defer span.End()

	at := entry.ResolvedAt
	if at.IsZero() {
		at = time.Now()
	}

	resolved := false
	err := s.write(ctx, "resolve barrier entry", func(ctx context.Context) error {
		res, err := s.db.Update(barrierEntries.Name()).
			Set(goqu.Record{
				"status":      string(entry.Status),
				"detail":      entry.Detail,
				"resolved_at": toNanos(at),
			}).
			Where(
				goqu.C("run_id").Eq(entry.RunID),
				goqu.C("barrier_id").Eq(entry.BarrierID),
				goqu.C("child_key").Eq(entry.ChildKey),
				goqu.C("status").Eq(string(store.BarrierPending)),
			).
			Prepared(true).
			Executor().ExecContext(ctx)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		resolved = n > 0
		return nil
	})
	return resolved, err
}

func (s *SQLStore) ExpiredBarrierEntries(ctx context.Context, now time.Time) ([]*store.BarrierEntry, error) {
	ctx, span := tracer.Start(ctx, "SQLStore.ExpiredBarrierEntries")
	defer span.End()

	return s.scanBarrier(ctx, s.db.From(barrierEntries.Name()).
		Where(
			goqu.C("status").Eq(string(store.BarrierPending)),
			goqu.C("deadline").Gt(0),
			goqu.C("deadline").Lte(toNanos(now)),
		).
		Order(goqu.C("deadline").Asc()))
}
