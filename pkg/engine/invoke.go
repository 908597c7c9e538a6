package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"

	"github.com/conductorone/tenantsync/pkg/durable"
	"github.com/conductorone/tenantsync/pkg/retry"
	"github.com/conductorone/tenantsync/pkg/store"
)

var ErrUnknownFunction = errors.New("engine: unknown function")

// Invoke runs one invocation of a run: the handler is replayed against the persisted steps
// until it completes, fails or suspends, and the outcome is written back to the store.
func (e *Engine) Invoke(ctx context.Context, runID string) error {
	ctx, span := tracer.Start(ctx, "Engine.Invoke")
	defer span.End()

	run, err := e.st.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}

	ctx = ctxzap.ToContext(ctx, ctxzap.Extract(ctx).With(
		zap.String("run_id", run.ID),
		zap.String("function_id", run.FunctionID),
		zap.String("tenant_id", run.TenantID),
	))
	l := ctxzap.Extract(ctx)

	if run.CancelRequested {
		return e.finish(ctx, run, store.StatusCancelled, durable.ErrCancelled)
	}

	fn, ok := e.functions[run.FunctionID]
	if !ok {
		return e.finish(ctx, run, store.StatusFailed, fmt.Errorf("%w: %s", ErrUnknownFunction, run.FunctionID))
	}

	now := e.clk.Now()
	run.Status = store.StatusRunning
	run.Attempt++
	run.WakeAt = time.Time{}
	if run.StartedAt.IsZero() {
		run.StartedAt = now
	}
	err = e.st.UpdateRun(ctx, run)
	if err != nil {
		return err
	}

	steps, err := e.st.GetSteps(ctx, run.ID)
	if err != nil {
		return err
	}

	rc := durable.NewRunContext(run, steps, e.st, durable.WithClock(e.clk), durable.WithRetryPolicy(fn.policy()))

	l.Debug("invoking run", zap.Int("attempt", run.Attempt), zap.Int("memoized_steps", len(steps)))
	status, herr := fn.Handler(ctx, rc)

	switch {
	case herr == nil:
		if status == "" {
			status = store.StatusCompleted
		}
		if !status.Terminal() {
			return e.finish(ctx, run, store.StatusFailed, fmt.Errorf("engine: handler returned non-terminal status %q", status))
		}
		return e.finish(ctx, run, status, nil)

	case durable.IsCancelled(herr):
		return e.finish(ctx, run, store.StatusCancelled, herr)

	case durable.IsSuspended(herr):
		s, _ := durable.AsSuspension(herr)
		return e.suspend(ctx, run, s)

	case retry.IsFatal(herr):
		return e.finish(ctx, run, store.StatusFailed, herr)

	case errors.Is(herr, context.Canceled) && ctx.Err() != nil:
		// The worker is shutting down; Recover picks the run up again.
		l.Info("run interrupted", zap.Error(herr))
		return nil

	default:
		// Errors outside a step, such as a failed commit, are retried as a whole invocation.
		l.Warn("run invocation failed", zap.Error(herr))
		run.Status = store.StatusSuspendedRetry
		run.WakeAt = e.clk.Now().Add(fn.policy().Delay(uint(run.Attempt)))
		run.Error = herr.Error()
		e.m.RecordSuspended(ctx, run.FunctionID, string(run.Status))
		return e.st.UpdateRun(ctx, run)
	}
}

func (e *Engine) suspend(ctx context.Context, run *store.Run, s *durable.Suspension) error {
	l := ctxzap.Extract(ctx)

	run.Status = s.Status
	run.WakeAt = s.WakeAt
	if s.Cause != nil {
		run.Error = s.Cause.Error()
	}
	err := e.st.UpdateRun(ctx, run)
	if err != nil {
		return err
	}
	e.m.RecordSuspended(ctx, run.FunctionID, string(s.Status))
	l.Debug("run suspended", zap.String("status", string(s.Status)), zap.String("step", s.Step), zap.Time("wake_at", s.WakeAt))

	if s.Status != store.StatusSuspendedWaitingEvent {
		return nil
	}

	// The wait may have been resolved while the handler was still running, in which case
	// nothing else will wake the run.
	waiting, err := e.st.HasWait(ctx, run.ID)
	if err != nil {
		return err
	}
	if waiting {
		return nil
	}
	run.Status = store.StatusRunning
	err = e.st.UpdateRun(ctx, run)
	if err != nil {
		return err
	}
	e.enqueue(run)
	return nil
}

func (e *Engine) finish(ctx context.Context, run *store.Run, status store.RunStatus, cause error) error {
	ctx, span := tracer.Start(ctx, "Engine.finish")
	defer span.End()

	l := ctxzap.Extract(ctx)
	now := e.clk.Now()

	run.Status = status
	run.EndedAt = now
	run.WakeAt = time.Time{}
	run.Error = ""
	if cause != nil {
		run.Error = cause.Error()
	}
	err := e.st.UpdateRun(ctx, run)
	if err != nil {
		return err
	}
	err = e.st.DeleteRunState(ctx, run.ID)
	if err != nil {
		return err
	}

	ev, err := store.NewEvent(EventRunFinished, RunFinished{
		RunID:      run.ID,
		FunctionID: run.FunctionID,
		TenantID:   run.TenantID,
		Status:     status,
		Error:      run.Error,
		Trigger:    run.Trigger.Data,
	})
	if err != nil {
		return err
	}
	err = e.putEvents(ctx, []store.Event{ev})
	if err != nil {
		return err
	}

	started := run.StartedAt
	if started.IsZero() {
		started = run.CreatedAt
	}
	e.m.RecordRunFinished(ctx, run.FunctionID, string(status), now.Sub(started), cause)

	switch status {
	case store.StatusFailed:
		l.Error("run failed", zap.Error(cause))
	case store.StatusCancelled:
		l.Info("run cancelled")
	default:
		l.Debug("run finished", zap.String("status", string(status)))
	}
	return nil
}
