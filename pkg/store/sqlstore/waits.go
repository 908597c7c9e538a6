package sqlstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"

	"github.com/conductorone/tenantsync/pkg/store"
)

type waitRecord struct {
	RunID     string `db:"run_id"`
	StepName  string `db:"step_name"`
	EventName string `db:"event_name"`
	Match     []byte `db:"match_fields"`
	Deadline  int64  `db:"deadline"`
}

func (rec *waitRecord) toWait() (*store.Wait, error) {
	w := &store.Wait{
		RunID:     rec.RunID,
		StepName:  rec.StepName,
		EventName: rec.EventName,
		Deadline:  fromNanos(rec.Deadline),
	}
	if len(rec.Match) > 0 {
		err := json.Unmarshal(rec.Match, &w.Match)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: unmarshal wait match: %w", err)
		}
	}
	return w, nil
}

func upsertWait(ctx context.Context, tx *goqu.TxDatabase, w *store.Wait) error {
	match, err := json.Marshal(w.Match)
	if err != nil {
		return err
	}
	_, err = tx.Insert(waits.Name()).
		Rows(goqu.Record{
			"run_id":       w.RunID,
			"step_name":    w.StepName,
			"event_name":   w.EventName,
			"match_fields": match,
			"deadline":     toNanos(w.Deadline),
		}).
		OnConflict(goqu.DoNothing()).
		Prepared(true).
		Executor().ExecContext(ctx)
	return err
}

func (s *SQLStore) scanWaits(ctx context.Context, q *goqu.SelectDataset) ([]*store.Wait, error) {
	var recs []waitRecord
	err := q.Prepared(true).ScanStructsContext(ctx, &recs)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list waits: %w", err)
	}
	ret := make([]*store.Wait, 0, len(recs))
	for i := range recs {
		w, err := recs[i].toWait()
		if err != nil {
			return nil, err
		}
		ret = append(ret, w)
	}
	return ret, nil
}

func (s *SQLStore) WaitsFor(ctx context.Context, eventName string) ([]*store.Wait, error) {
	ctx, span := tracer.Start(ctx, "SQLStore.WaitsFor")
	defer span.End()

	return s.scanWaits(ctx, s.db.From(waits.Name()).Where(goqu.C("event_name").Eq(eventName)))
}

func (s *SQLStore) HasWait(ctx context.Context, runID string) (bool, error) {
	ctx, span := tracer.Start(ctx, "SQLStore.HasWait")
	defer span.End()

	n, err := s.db.From(waits.Name()).Where(goqu.C("run_id").Eq(runID)).Prepared(true).CountContext(ctx)
	if err != nil {
		return false, fmt.Errorf("sqlstore: has wait: %w", err)
	}
	return n > 0, nil
}

func (s *SQLStore) ExpiredWaits(ctx context.Context, now time.Time) ([]*store.Wait, error) {
	ctx, span := tracer.Start(ctx, "SQLStore.ExpiredWaits")
	defer span.End()

	return s.scanWaits(ctx, s.db.From(waits.Name()).
		Where(goqu.C("deadline").Gt(0), goqu.C("deadline").Lte(toNanos(now))).
		Order(goqu.C("deadline").Asc()))
}

// ResolveWait deletes the wait and marks its step done with output. When the run is still
// parked on the wait it is moved back to running so a worker picks it up.
func (s *SQLStore) ResolveWait(ctx context.Context, w *store.Wait, output []byte, at time.Time) (bool, error) {
	ctx, span := tracer.Start(ctx, "SQLStore.ResolveWait")
	defer span.End()

	resolved := false
	err := s.inTx(ctx, "resolve wait", func(tx *goqu.TxDatabase) error {
		resolved = false
		res, err := tx.Delete(waits.Name()).
			Where(goqu.C("run_id").Eq(w.RunID), goqu.C("step_name").Eq(w.StepName)).
			Prepared(true).
			Executor().ExecContext(ctx)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}

		err = upsertStep(ctx, tx, &store.Step{
			RunID:     w.RunID,
			Name:      w.StepName,
			Output:    output,
			Done:      true,
			UpdatedAt: at,
		})
		if err != nil {
			return err
		}

		_, err = tx.Update(runs.Name()).
			Set(goqu.Record{"status": string(store.StatusRunning), "wake_at": 0}).
			Where(goqu.C("id").Eq(w.RunID), goqu.C("status").Eq(string(store.StatusSuspendedWaitingEvent))).
			Prepared(true).
			Executor().ExecContext(ctx)
		if err != nil {
			return err
		}
		resolved = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return resolved, nil
}
