package sqlstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"

	"github.com/conductorone/tenantsync/pkg/store"
)

type eventRecord struct {
	Seq        int64  `db:"seq"`
	ID         string `db:"id"`
	Name       string `db:"name"`
	Data       []byte `db:"data"`
	Timestamp  int64  `db:"ts"`
	Dispatched int    `db:"dispatched"`
}

func insertEvents(ctx context.Context, tx *goqu.TxDatabase, evs []store.Event) error {
	if len(evs) == 0 {
		return nil
	}
	rows := make([]interface{}, 0, len(evs))
	for _, ev := range evs {
		if ev.ID == "" {
			return fmt.Errorf("sqlstore: event %s has no id", ev.Name)
		}
		ts := ev.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		rows = append(rows, goqu.Record{
			"id":         ev.ID,
			"name":       ev.Name,
			"data":       []byte(ev.Data),
			"ts":         toNanos(ts),
			"dispatched": 0,
		})
	}
	_, err := tx.Insert(events.Name()).
		Rows(rows...).
		OnConflict(goqu.DoNothing()).
		Prepared(true).
		Executor().ExecContext(ctx)
	return err
}

func (s *SQLStore) PutEvents(ctx context.Context, evs ...store.Event) error {
	ctx, span := tracer.Start(ctx, "SQLStore.PutEvents")
	defer span.End()

	if len(evs) == 0 {
		return nil
	}
	return s.inTx(ctx, "put events", func(tx *goqu.TxDatabase) error {
		return insertEvents(ctx, tx, evs)
	})
}

// PendingEvents returns undispatched events in the order they were written.
func (s *SQLStore) PendingEvents(ctx context.Context, limit uint) ([]store.Event, error) {
	ctx, span := tracer.Start(ctx, "SQLStore.PendingEvents")
	defer span.End()

	q := s.db.From(events.Name()).
		Where(goqu.C("dispatched").Eq(0)).
		Order(goqu.C("seq").Asc()).
		Prepared(true)
	if limit > 0 {
		q = q.Limit(limit)
	}

	var recs []eventRecord
	err := q.ScanStructsContext(ctx, &recs)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: pending events: %w", err)
	}

	ret := make([]store.Event, 0, len(recs))
	for _, rec := range recs {
		ret = append(ret, store.Event{
			ID:        rec.ID,
			Name:      rec.Name,
			Data:      json.RawMessage(rec.Data),
			Timestamp: fromNanos(rec.Timestamp),
		})
	}
	return ret, nil
}

func (s *SQLStore) MarkDispatched(ctx context.Context, ids ...string) error {
	ctx, span := tracer.Start(ctx, "SQLStore.MarkDispatched")
	defer span.End()

	if len(ids) == 0 {
		return nil
	}
	return s.write(ctx, "mark dispatched", func(ctx context.Context) error {
		_, err := s.db.Update(events.Name()).
			Set(goqu.Record{"dispatched": 1}).
			Where(goqu.C("id").In(ids)).
			Prepared(true).
			Executor().ExecContext(ctx)
		return err
	})
}
