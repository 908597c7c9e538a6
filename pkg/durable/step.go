package durable

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/conductorone/tenantsync/pkg/ratelimit"
	"github.com/conductorone/tenantsync/pkg/retry"
	"github.com/conductorone/tenantsync/pkg/store"
)

var tracer = otel.Tracer("tenantsync/pkg.durable")

// RunContext is the state a handler sees during one invocation of a run: the run record
// and every step result persisted so far.
type RunContext struct {
	run    *store.Run
	steps  map[string]*store.Step
	st     store.Store
	clk    clock.Clock
	policy retry.Policy

	executed []string
}

type Option func(*RunContext)

func WithClock(c clock.Clock) Option {
	return func(rc *RunContext) {
		rc.clk = c
	}
}

func WithRetryPolicy(p retry.Policy) Option {
	return func(rc *RunContext) {
		rc.policy = p
	}
}

func NewRunContext(run *store.Run, steps map[string]*store.Step, st store.Store, opts ...Option) *RunContext {
	if steps == nil {
		steps = map[string]*store.Step{}
	}
	rc := &RunContext{
		run:    run,
		steps:  steps,
		st:     st,
		clk:    clock.New(),
		policy: retry.DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(rc)
	}
	return rc
}

func (rc *RunContext) Run() *store.Run {
	return rc.run
}

// Event is the event that created the run.
func (rc *RunContext) Event() *store.Event {
	return &rc.run.Trigger
}

func (rc *RunContext) Now() time.Time {
	return rc.clk.Now()
}

// Executed lists the steps whose functions ran during this invocation.
func (rc *RunContext) Executed() []string {
	return rc.executed
}

func (rc *RunContext) memoized(name string) (*store.Step, bool) {
	s, ok := rc.steps[name]
	if !ok || !s.Done {
		return nil, false
	}
	return s, true
}

func (rc *RunContext) logger(ctx context.Context, step string) *zap.Logger {
	return ctxzap.Extract(ctx).With(
		zap.String("run_id", rc.run.ID),
		zap.String("function_id", rc.run.FunctionID),
		zap.String("step", step),
	)
}

// checkCancel is the cooperative cancellation point in front of every new step.
func (rc *RunContext) checkCancel(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	run, err := rc.st.GetRun(ctx, rc.run.ID)
	if err != nil {
		return err
	}
	if run.CancelRequested {
		rc.run.CancelRequested = true
		return ErrCancelled
	}
	return nil
}

func decode[T any](s *store.Step) (T, error) {
	var out T
	if len(s.Output) == 0 {
		return out, nil
	}
	err := json.Unmarshal(s.Output, &out)
	if err != nil {
		return out, retry.Fatal(fmt.Errorf("durable: decode result of step %q: %w", s.Name, err))
	}
	return out, nil
}

// Step runs fn once per run. Later invocations of the same run return the persisted result
// without calling fn.
//
// Errors are sorted as follows: a rate limit suspends the run until the provider's
// retry-after passes and leaves the attempt counter alone; a fatal error is returned as-is;
// anything else consumes one attempt of the retry policy and suspends the run for the
// backoff delay, becoming fatal once the policy is exhausted.
func Step[T any](ctx context.Context, rc *RunContext, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	return Effect(ctx, rc, name, func(ctx context.Context) (T, store.Effects, error) {
		v, err := fn(ctx)
		return v, store.Effects{}, err
	})
}

// Effect is Step for functions that also produce effects. The effects are written in the
// same transaction as the step result, so either both happen or neither does.
func Effect[T any](ctx context.Context, rc *RunContext, name string, fn func(ctx context.Context) (T, store.Effects, error)) (T, error) {
	var zero T

	if s, ok := rc.memoized(name); ok {
		return decode[T](s)
	}

	ctx, span := tracer.Start(ctx, "durable.Step")
	defer span.End()

	err := rc.checkCancel(ctx)
	if err != nil {
		return zero, err
	}

	l := rc.logger(ctx, name)
	rc.executed = append(rc.executed, name)

	out, effects, err := fn(ctx)
	if err != nil {
		return zero, rc.fail(ctx, l, name, err)
	}

	raw, err := json.Marshal(out)
	if err != nil {
		return zero, retry.Fatal(fmt.Errorf("durable: encode result of step %q: %w", name, err))
	}

	prev := rc.steps[name]
	attempts := uint(1)
	if prev != nil {
		attempts = prev.Attempts + 1
	}

	now := rc.Now()
	rc.prepareEffects(&effects, now)
	step := store.Step{
		RunID:     rc.run.ID,
		Name:      name,
		Attempts:  attempts,
		Output:    raw,
		Done:      true,
		UpdatedAt: now,
	}
	err = rc.st.CommitStep(ctx, store.StepCommit{Step: step, Effects: effects})
	if err != nil {
		return zero, fmt.Errorf("durable: commit step %q: %w", name, err)
	}
	rc.steps[name] = &step

	l.Debug("step completed", zap.Uint("attempts", attempts), zap.Int("events", len(effects.Events)))
	return out, nil
}

func (rc *RunContext) prepareEffects(effects *store.Effects, now time.Time) {
	for i := range effects.Events {
		if effects.Events[i].ID == "" {
			effects.Events[i].ID = uuid.NewString()
		}
		if effects.Events[i].Timestamp.IsZero() {
			effects.Events[i].Timestamp = now
		}
	}
	if effects.Wait != nil {
		effects.Wait.RunID = rc.run.ID
	}
	for i := range effects.Barrier {
		effects.Barrier[i].RunID = rc.run.ID
		if effects.Barrier[i].Status == "" {
			effects.Barrier[i].Status = store.BarrierPending
		}
	}
}

func (rc *RunContext) fail(ctx context.Context, l *zap.Logger, name string, err error) error {
	if IsSuspended(err) || IsCancelled(err) {
		return err
	}

	outcome := ratelimit.Intercept(err)
	if outcome.Kind == ratelimit.KindRescheduled {
		wake := rc.Now().Add(outcome.RetryAfter)
		l.Warn("step rate limited, rescheduling",
			zap.Duration("retry_after", outcome.RetryAfter),
			zap.Time("wake_at", wake),
			zap.Error(err),
		)
		return &Suspension{
			Status: store.StatusSuspendedRateLimited,
			WakeAt: wake,
			Step:   name,
			Cause:  err,
		}
	}

	if retry.IsFatal(err) {
		l.Error("step failed with fatal error", zap.Error(err))
		return err
	}

	prev := rc.steps[name]
	attempts := uint(1)
	if prev != nil {
		attempts = prev.Attempts + 1
	}
	now := rc.Now()
	step := store.Step{
		RunID:     rc.run.ID,
		Name:      name,
		Attempts:  attempts,
		Error:     err.Error(),
		UpdatedAt: now,
	}
	cerr := rc.st.CommitStep(ctx, store.StepCommit{Step: step})
	if cerr != nil {
		return fmt.Errorf("durable: record failure of step %q: %w", name, cerr)
	}
	rc.steps[name] = &step

	if rc.policy.Exhausted(attempts) {
		l.Error("step failed, retries exhausted", zap.Uint("attempts", attempts), zap.Error(err))
		return retry.Fatal(fmt.Errorf("step %q failed after %d attempts: %w", name, attempts, err))
	}

	wait := rc.policy.Delay(attempts)
	l.Warn("step failed, retrying", zap.Uint("attempts", attempts), zap.Duration("wait", wait), zap.Error(err))
	return &Suspension{
		Status: store.StatusSuspendedRetry,
		WakeAt: now.Add(wait),
		Step:   name,
		Cause:  err,
	}
}
