package fanout

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"

	"github.com/conductorone/tenantsync/pkg/engine"
	"github.com/conductorone/tenantsync/pkg/store"
)

func childStatus(s string) store.BarrierStatus {
	switch s {
	case ChildIgnored:
		return store.BarrierIgnored
	case ChildFailed:
		return store.BarrierFailed
	default:
		return store.BarrierCompleted
	}
}

// HandleEvent resolves barrier entries from child completion events and from failed or
// cancelled child runs. Completions for barriers that no longer exist are dropped.
func (co *Coordinator) HandleEvent(ctx context.Context, ev *store.Event) ([]store.Event, error) {
	var status store.BarrierStatus
	var fields map[string]string
	detail := ""

	switch {
	case co.completionEvents.Contains(ev.Name):
		fields = ev.Fields()
		status = childStatus(fields[FieldStatus])
		detail = fields["error"]
	case ev.Name == engine.EventRunFinished:
		var fin engine.RunFinished
		err := ev.Decode(&fin)
		if err != nil {
			return nil, fmt.Errorf("fanout: decode %s: %w", ev.Name, err)
		}
		if fin.Status != store.StatusFailed && fin.Status != store.StatusCancelled {
			return nil, nil
		}
		trigger := store.Event{Data: fin.Trigger}
		fields = trigger.Fields()
		status = store.BarrierFailed
		detail = fin.Error
	default:
		return nil, nil
	}

	parent, barrier, key := fields[FieldParentRunID], fields[FieldBarrierID], fields[FieldChildKey]
	if parent == "" || barrier == "" || key == "" {
		return nil, nil
	}

	ctx, span := tracer.Start(ctx, "Coordinator.HandleEvent")
	defer span.End()

	l := ctxzap.Extract(ctx).With(
		zap.String("parent_run_id", parent),
		zap.String("barrier_id", barrier),
		zap.String("child_key", key),
	)

	ok, err := co.st.ResolveBarrierEntry(ctx, &store.BarrierEntry{
		RunID:      parent,
		BarrierID:  barrier,
		ChildKey:   key,
		Status:     status,
		Detail:     detail,
		ResolvedAt: co.clk.Now(),
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		l.Debug("ignoring child completion for missing or resolved barrier entry", zap.String("event", ev.Name))
		return nil, nil
	}
	l.Debug("barrier entry resolved", zap.String("status", string(status)))

	resolved, err := co.checkBarrier(ctx, parent, barrier)
	if err != nil {
		return nil, err
	}
	if resolved == nil {
		return nil, nil
	}
	return []store.Event{*resolved}, nil
}

// Sweep times out pending entries past their deadline.
func (co *Coordinator) Sweep(ctx context.Context, now time.Time) ([]store.Event, error) {
	ctx, span := tracer.Start(ctx, "Coordinator.Sweep")
	defer span.End()

	expired, err := co.st.ExpiredBarrierEntries(ctx, now)
	if err != nil {
		return nil, err
	}

	type barrierRef struct{ run, barrier string }
	touched := map[barrierRef]struct{}{}
	l := ctxzap.Extract(ctx)

	for _, e := range expired {
		e.Status = store.BarrierTimedOut
		e.Detail = "timed out"
		e.ResolvedAt = now
		ok, err := co.st.ResolveBarrierEntry(ctx, e)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		l.Warn("fan-out branch timed out",
			zap.String("parent_run_id", e.RunID),
			zap.String("barrier_id", e.BarrierID),
			zap.String("child_key", e.ChildKey),
			zap.Time("deadline", e.Deadline),
		)
		touched[barrierRef{e.RunID, e.BarrierID}] = struct{}{}
	}

	var out []store.Event
	for ref := range touched {
		ev, err := co.checkBarrier(ctx, ref.run, ref.barrier)
		if err != nil {
			return nil, err
		}
		if ev != nil {
			out = append(out, *ev)
		}
	}
	return out, nil
}

// checkBarrier returns the resolution event once no entry of the barrier is pending.
func (co *Coordinator) checkBarrier(ctx context.Context, runID string, barrierID string) (*store.Event, error) {
	entries, err := co.st.BarrierEntries(ctx, runID, barrierID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	for _, e := range entries {
		if e.Status == store.BarrierPending {
			return nil, nil
		}
	}

	summary := summarize(barrierID, entries)
	ev, err := store.NewEvent(EventBarrierResolved, resolvedPayload{
		RunID:     runID,
		BarrierID: barrierID,
		Summary:   *summary,
	})
	if err != nil {
		return nil, err
	}
	// Concurrent resolutions of the last entries produce the same event id.
	ev.ID = uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s/%s", runID, barrierID))).String()
	ev.Timestamp = co.clk.Now()

	l := ctxzap.Extract(ctx)
	if summary.Degraded() {
		l.Warn("barrier resolved with missing branches",
			zap.String("parent_run_id", runID),
			zap.String("barrier_id", barrierID),
			zap.Int("completed", summary.Completed),
			zap.Int("timed_out", summary.TimedOut),
			zap.Int("failed", summary.Failed),
			zap.Strings("timed_out_keys", summary.TimedOutKeys),
		)
	} else {
		l.Info("barrier resolved",
			zap.String("parent_run_id", runID),
			zap.String("barrier_id", barrierID),
			zap.Int("completed", summary.Completed),
			zap.Int("ignored", summary.Ignored),
		)
	}
	return &ev, nil
}
