package sqlstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"

	"github.com/conductorone/tenantsync/pkg/store"
)

type runRecord struct {
	ID              string `db:"id"`
	FunctionID      string `db:"function_id"`
	EventID         string `db:"event_id"`
	TenantID        string `db:"tenant_id"`
	Phase           string `db:"phase"`
	ConcurrencyKey  string `db:"concurrency_key"`
	Priority        int    `db:"priority"`
	Trigger         []byte `db:"trigger_event"`
	Status          string `db:"status"`
	Attempt         int    `db:"attempt"`
	CancelRequested int    `db:"cancel_requested"`
	Error           string `db:"error_message"`
	CreatedAt       int64  `db:"created_at"`
	StartedAt       int64  `db:"started_at"`
	EndedAt         int64  `db:"ended_at"`
	WakeAt          int64  `db:"wake_at"`
}

func newRunRecord(r *store.Run) (*runRecord, error) {
	trigger, err := json.Marshal(r.Trigger)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: marshal trigger: %w", err)
	}
	return &runRecord{
		ID:              r.ID,
		FunctionID:      r.FunctionID,
		EventID:         r.EventID,
		TenantID:        r.TenantID,
		Phase:           r.Phase,
		ConcurrencyKey:  r.ConcurrencyKey,
		Priority:        r.Priority,
		Trigger:         trigger,
		Status:          string(r.Status),
		Attempt:         r.Attempt,
		CancelRequested: boolInt(r.CancelRequested),
		Error:           r.Error,
		CreatedAt:       toNanos(r.CreatedAt),
		StartedAt:       toNanos(r.StartedAt),
		EndedAt:         toNanos(r.EndedAt),
		WakeAt:          toNanos(r.WakeAt),
	}, nil
}

func (rec *runRecord) toRun() (*store.Run, error) {
	r := &store.Run{
		ID:              rec.ID,
		FunctionID:      rec.FunctionID,
		EventID:         rec.EventID,
		TenantID:        rec.TenantID,
		Phase:           rec.Phase,
		ConcurrencyKey:  rec.ConcurrencyKey,
		Priority:        rec.Priority,
		Status:          store.RunStatus(rec.Status),
		Attempt:         rec.Attempt,
		CancelRequested: rec.CancelRequested != 0,
		Error:           rec.Error,
		CreatedAt:       fromNanos(rec.CreatedAt),
		StartedAt:       fromNanos(rec.StartedAt),
		EndedAt:         fromNanos(rec.EndedAt),
		WakeAt:          fromNanos(rec.WakeAt),
	}
	if len(rec.Trigger) > 0 {
		err := json.Unmarshal(rec.Trigger, &r.Trigger)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: unmarshal trigger for run %s: %w", rec.ID, err)
		}
	}
	return r, nil
}

func (rec *runRecord) record() goqu.Record {
	return goqu.Record{
		"id":               rec.ID,
		"function_id":      rec.FunctionID,
		"event_id":         rec.EventID,
		"tenant_id":        rec.TenantID,
		"phase":            rec.Phase,
		"concurrency_key":  rec.ConcurrencyKey,
		"priority":         rec.Priority,
		"trigger_event":    rec.Trigger,
		"status":           rec.Status,
		"attempt":          rec.Attempt,
		"cancel_requested": rec.CancelRequested,
		"error_message":    rec.Error,
		"created_at":       rec.CreatedAt,
		"started_at":       rec.StartedAt,
		"ended_at":         rec.EndedAt,
		"wake_at":          rec.WakeAt,
	}
}

func (s *SQLStore) CreateRun(ctx context.Context, run *store.Run, subs []store.Subscription) (*store.Run, bool, error) {
	ctx, span := tracer.Start(ctx, "SQLStore.CreateRun")
	defer span.End()

	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}
	rec, err := newRunRecord(run)
	if err != nil {
		return nil, false, err
	}

	created := false
	err = s.inTx(ctx, "create run", func(tx *goqu.TxDatabase) error {
		var existing runRecord
		found, err := tx.From(runs.Name()).
			Where(goqu.C("function_id").Eq(run.FunctionID), goqu.C("event_id").Eq(run.EventID)).
			Prepared(true).
			ScanStructContext(ctx, &existing)
		if err != nil {
			return err
		}
		if found {
			run.ID = existing.ID
			return nil
		}

		_, err = tx.Insert(runs.Name()).Rows(rec.record()).Prepared(true).Executor().ExecContext(ctx)
		if err != nil {
			return err
		}

		if len(subs) > 0 {
			rows := make([]interface{}, 0, len(subs))
			for _, sub := range subs {
				rows = append(rows, goqu.Record{
					"run_id":     run.ID,
					"event_name": sub.EventName,
					"tenant_id":  sub.TenantID,
				})
			}
			_, err = tx.Insert(subscriptions.Name()).
				Rows(rows...).
				OnConflict(goqu.DoNothing()).
				Prepared(true).
				Executor().ExecContext(ctx)
			if err != nil {
				return err
			}
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	if !created {
		ctxzap.Extract(ctx).Debug("run already exists for event",
			zap.String("function_id", run.FunctionID),
			zap.String("event_id", run.EventID),
			zap.String("run_id", run.ID),
		)
		existing, err := s.GetRun(ctx, run.ID)
		return existing, false, err
	}
	return run, true, nil
}

func (s *SQLStore) GetRun(ctx context.Context, id string) (*store.Run, error) {
	ctx, span := tracer.Start(ctx, "SQLStore.GetRun")
	defer span.End()

	var rec runRecord
	found, err := s.db.From(runs.Name()).
		Where(goqu.C("id").Eq(id)).
		Prepared(true).
		ScanStructContext(ctx, &rec)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: get run: %w", err)
	}
	if !found {
		return nil, fmt.Errorf("run %s: %w", id, store.ErrNotFound)
	}
	return rec.toRun()
}

func (s *SQLStore) UpdateRun(ctx context.Context, run *store.Run) error {
	ctx, span := tracer.Start(ctx, "SQLStore.UpdateRun")
	defer span.End()

	rec, err := newRunRecord(run)
	if err != nil {
		return err
	}
	// The cancel flag only ever moves from 0 to 1 through RequestCancel.
	update := rec.record()
	delete(update, "id")
	delete(update, "cancel_requested")
	delete(update, "created_at")

	return s.write(ctx, "update run", func(ctx context.Context) error {
		res, err := s.db.Update(runs.Name()).
			Set(update).
			Where(goqu.C("id").Eq(run.ID)).
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
			return fmt.Errorf("run %s: %w", run.ID, store.ErrNotFound)
		}
		return nil
	})
}

func (s *SQLStore) RequestCancel(ctx context.Context, id string) (*store.Run, error) {
	ctx, span := tracer.Start(ctx, "SQLStore.RequestCancel")
	defer span.End()

	terminal := []string{
		string(store.StatusOngoing),
		string(store.StatusCompleted),
		string(store.StatusFailed),
		string(store.StatusCancelled),
	}
	err := s.write(ctx, "request cancel", func(ctx context.Context) error {
		_, err := s.db.Update(runs.Name()).
			Set(goqu.Record{"cancel_requested": 1}).
			Where(goqu.C("id").Eq(id), goqu.C("status").NotIn(terminal)).
			Prepared(true).
			Executor().ExecContext(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.GetRun(ctx, id)
}

func (s *SQLStore) ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.Run, error) {
	ctx, span := tracer.Start(ctx, "SQLStore.ListRuns")
	defer span.End()

	q := s.db.From(runs.Name()).Prepared(true).Order(goqu.C("created_at").Asc(), goqu.C("id").Asc())
	if filter.TenantID != "" {
		q = q.Where(goqu.C("tenant_id").Eq(filter.TenantID))
	}
	if filter.FunctionID != "" {
		q = q.Where(goqu.C("function_id").Eq(filter.FunctionID))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, st := range filter.Statuses {
			statuses = append(statuses, string(st))
		}
		q = q.Where(goqu.C("status").In(statuses))
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	return s.scanRuns(ctx, q)
}

func (s *SQLStore) DueRuns(ctx context.Context, now time.Time) ([]*store.Run, error) {
	ctx, span := tracer.Start(ctx, "SQLStore.DueRuns")
	defer span.End()

	q := s.db.From(runs.Name()).
		Where(
			goqu.C("status").In(string(store.StatusSuspendedRateLimited), string(store.StatusSuspendedRetry)),
			goqu.C("wake_at").Lte(toNanos(now)),
		).
		Order(goqu.C("wake_at").Asc()).
		Prepared(true)

	return s.scanRuns(ctx, q)
}

func (s *SQLStore) scanRuns(ctx context.Context, q *goqu.SelectDataset) ([]*store.Run, error) {
	var recs []runRecord
	err := q.ScanStructsContext(ctx, &recs)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list runs: %w", err)
	}
	ret := make([]*store.Run, 0, len(recs))
	for i := range recs {
		r, err := recs[i].toRun()
		if err != nil {
			return nil, err
		}
		ret = append(ret, r)
	}
	return ret, nil
}
