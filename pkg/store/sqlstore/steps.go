package sqlstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"

	"github.com/conductorone/tenantsync/pkg/store"
)

type stepRecord struct {
	RunID     string `db:"run_id"`
	Name      string `db:"name"`
	Attempts  uint   `db:"attempts"`
	Output    []byte `db:"output"`
	Error     string `db:"error_message"`
	Done      int    `db:"done"`
	UpdatedAt int64  `db:"updated_at"`
}

func (s *SQLStore) GetSteps(ctx context.Context, runID string) (map[string]*store.Step, error) {
	ctx, span := tracer.Start(ctx, "SQLStore.GetSteps")
	defer span.End()

	var recs []stepRecord
	err := s.db.From(steps.Name()).
		Where(goqu.C("run_id").Eq(runID)).
		Prepared(true).
		ScanStructsContext(ctx, &recs)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: get steps: %w", err)
	}

	ret := make(map[string]*store.Step, len(recs))
	for _, rec := range recs {
		out, err := decompress(rec.Output)
		if err != nil {
			return nil, err
		}
		ret[rec.Name] = &store.Step{
			RunID:     rec.RunID,
			Name:      rec.Name,
			Attempts:  rec.Attempts,
			Output:    json.RawMessage(out),
			Error:     rec.Error,
			Done:      rec.Done != 0,
			UpdatedAt: fromNanos(rec.UpdatedAt),
		}
	}
	return ret, nil
}

// CommitStep persists a step result and its effects in one transaction.
func (s *SQLStore) CommitStep(ctx context.Context, commit store.StepCommit) error {
	ctx, span := tracer.Start(ctx, "SQLStore.CommitStep")
	defer span.End()

	step := commit.Step
	if step.UpdatedAt.IsZero() {
		step.UpdatedAt = time.Now()
	}

	return s.inTx(ctx, "commit step", func(tx *goqu.TxDatabase) error {
		err := upsertStep(ctx, tx, &step)
		if err != nil {
			return err
		}

		err = insertEvents(ctx, tx, commit.Effects.Events)
		if err != nil {
			return err
		}

		if w := commit.Effects.Wait; w != nil {
			err = upsertWait(ctx, tx, w)
			if err != nil {
				return err
			}
		}

		if len(commit.Effects.Barrier) > 0 {
			err = insertBarrierEntries(ctx, tx, commit.Effects.Barrier)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func upsertStep(ctx context.Context, tx *goqu.TxDatabase, step *store.Step) error {
	// A step that already completed keeps its first result.
	var done int
	found, err := tx.From(steps.Name()).
		Select(goqu.C("done")).
		Where(goqu.C("run_id").Eq(step.RunID), goqu.C("name").Eq(step.Name)).
		Prepared(true).
		ScanValContext(ctx, &done)
	if err != nil {
		return err
	}
	if found && done != 0 {
		return nil
	}

	rec := goqu.Record{
		"run_id":        step.RunID,
		"name":          step.Name,
		"attempts":      int64(step.Attempts),
		"output":        compress(step.Output),
		"error_message": step.Error,
		"done":          boolInt(step.Done),
		"updated_at":    toNanos(step.UpdatedAt),
	}
	_, err = tx.Insert(steps.Name()).
		Rows(rec).
		OnConflict(goqu.DoUpdate("run_id, name", goqu.Record{
			"attempts":      goqu.I("excluded.attempts"),
			"output":        goqu.I("excluded.output"),
			"error_message": goqu.I("excluded.error_message"),
			"done":          goqu.I("excluded.done"),
			"updated_at":    goqu.I("excluded.updated_at"),
		})).
		Prepared(true).
		Executor().ExecContext(ctx)
	return err
}
