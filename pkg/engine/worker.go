package engine

import (
	"context"
	"errors"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/conductorone/tenantsync/pkg/store"
)

// Tick wakes runs whose timers are due, times out expired waits, lets hooks sweep, and
// dispatches whatever that produced.
func (e *Engine) Tick(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Engine.Tick")
	defer span.End()

	l := ctxzap.Extract(ctx)
	now := e.clk.Now()

	due, err := e.st.DueRuns(ctx, now)
	if err != nil {
		return err
	}
	for _, run := range due {
		l.Debug("waking run", zap.String("run_id", run.ID), zap.String("status", string(run.Status)))
		run.Status = store.StatusRunning
		err = e.st.UpdateRun(ctx, run)
		if err != nil {
			return err
		}
		e.enqueue(run)
	}

	expired, err := e.st.ExpiredWaits(ctx, now)
	if err != nil {
		return err
	}
	for _, w := range expired {
		ok, err := e.st.ResolveWait(ctx, w, []byte("null"), now)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		l.Debug("wait timed out", zap.String("run_id", w.RunID), zap.String("step", w.StepName))
		err = e.wake(ctx, w.RunID)
		if err != nil {
			return err
		}
	}

	for _, h := range e.hooks {
		out, err := h.Sweep(ctx, now)
		if err != nil {
			return err
		}
		err = e.putEvents(ctx, out)
		if err != nil {
			return err
		}
	}

	e.m.RecordQueueDepth(ctx, e.limiter.Stats().Waiting)
	return e.Dispatch(ctx)
}

// Recover re-enqueues runs that were created or running when the process stopped and
// dispatches any events left in the outbox.
func (e *Engine) Recover(ctx context.Context) error {
	runs, err := e.st.ListRuns(ctx, store.RunFilter{
		Statuses: []store.RunStatus{store.StatusCreated, store.StatusRunning},
	})
	if err != nil {
		return err
	}
	for _, run := range runs {
		e.enqueue(run)
	}
	if len(runs) > 0 {
		ctxzap.Extract(ctx).Info("recovered runs", zap.Int("count", len(runs)))
	}
	return e.Dispatch(ctx)
}

// Drain invokes admitted runs on the calling goroutine until nothing is runnable. Runs
// suspended on a timer or an event are left for a later Tick or Send.
func (e *Engine) Drain(ctx context.Context) error {
	err := e.Dispatch(ctx)
	if err != nil {
		return err
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		item, ok := e.limiter.TryNext()
		if !ok {
			return nil
		}
		err = e.Invoke(ctx, item.ID)
		e.limiter.Release(item)
		if err != nil {
			return err
		}
		err = e.Dispatch(ctx)
		if err != nil {
			return err
		}
	}
}

// Work runs n workers until ctx is cancelled. A failed invocation is logged and the run
// is rescheduled; it never stops the pool.
func (e *Engine) Work(ctx context.Context, n int) error {
	if n < 1 {
		n = 1
	}
	eg, ctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		worker := i
		eg.Go(func() error {
			l := ctxzap.Extract(ctx).With(zap.Int("worker", worker))
			for {
				item, err := e.limiter.Next(ctx)
				if err != nil {
					if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
						return nil
					}
					return err
				}

				err = e.Invoke(ctx, item.ID)
				e.limiter.Release(item)
				if err != nil && ctx.Err() == nil {
					l.Error("run invocation error", zap.String("run_id", item.ID), zap.Error(err))
					e.reschedule(ctx, item.ID)
				}

				err = e.Dispatch(ctx)
				if err != nil && ctx.Err() == nil {
					l.Error("dispatch error", zap.Error(err))
				}
			}
		})
	}
	return eg.Wait()
}

func (e *Engine) reschedule(ctx context.Context, runID string) {
	run, err := e.st.GetRun(ctx, runID)
	if err != nil || run.Status.Terminal() {
		return
	}
	fn, ok := e.functions[run.FunctionID]
	if !ok {
		return
	}
	run.Status = store.StatusSuspendedRetry
	run.WakeAt = e.clk.Now().Add(fn.policy().Delay(uint(run.Attempt)))
	err = e.st.UpdateRun(ctx, run)
	if err != nil {
		ctxzap.Extract(ctx).Error("failed to reschedule run", zap.String("run_id", runID), zap.Error(err))
	}
}
