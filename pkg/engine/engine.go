// Package engine turns events into runs and drives them to completion. Events are written
// to an outbox before they are dispatched; dispatch creates runs for the functions an event
// triggers, resolves waits that match it, and hands it to hooks. Runs are admitted through
// a concurrency limiter and invoked by workers, any of which can resume any run from its
// persisted steps.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel"

	"github.com/conductorone/tenantsync/pkg/concurrency"
	"github.com/conductorone/tenantsync/pkg/durable"
	"github.com/conductorone/tenantsync/pkg/metrics"
	"github.com/conductorone/tenantsync/pkg/retry"
	"github.com/conductorone/tenantsync/pkg/store"
)

var tracer = otel.Tracer("tenantsync/pkg.engine")

// EventRunFinished is sent whenever a run reaches a terminal status.
const EventRunFinished = "run/finished"

type RunFinished struct {
	RunID      string          `json:"run_id"`
	FunctionID string          `json:"function_id"`
	TenantID   string          `json:"tenant_id,omitempty"`
	Status     store.RunStatus `json:"status"`
	Error      string          `json:"error,omitempty"`
	Trigger    json.RawMessage `json:"trigger,omitempty"`
}

// Handler executes a run. Returning nil with an empty status completes the run.
type Handler func(ctx context.Context, rc *durable.RunContext) (store.RunStatus, error)

type Function struct {
	ID       string
	Triggers []string
	// Key picks the concurrency key for a triggering event. The default is the event's
	// tenant_id with the function id as phase.
	Key func(ev *store.Event) concurrency.Key
	// Priority defaults to incremental.
	Priority func(ev *store.Event) concurrency.SyncPriority
	// CancelOn lists lifecycle events that cancel the run when they name its tenant.
	CancelOn []string
	Retry    retry.Policy
	Handler  Handler
}

func (f *Function) key(ev *store.Event) concurrency.Key {
	if f.Key != nil {
		return f.Key(ev)
	}
	return concurrency.Key{Tenant: ev.Field("tenant_id"), Phase: f.ID}
}

func (f *Function) priority(ev *store.Event) concurrency.SyncPriority {
	if f.Priority != nil {
		return f.Priority(ev)
	}
	return concurrency.PriorityIncremental
}

func (f *Function) policy() retry.Policy {
	if f.Retry == (retry.Policy{}) {
		return retry.DefaultPolicy()
	}
	return f.Retry
}

// Hook observes dispatched events and periodic sweeps. Returned events are sent.
type Hook interface {
	HandleEvent(ctx context.Context, ev *store.Event) ([]store.Event, error)
	Sweep(ctx context.Context, now time.Time) ([]store.Event, error)
}

type Engine struct {
	st        store.Store
	clk       clock.Clock
	limiter   *concurrency.Limiter
	m         *metrics.M
	functions map[string]*Function
	byTrigger map[string][]*Function
	hooks     []Hook

	dispatchMtx sync.Mutex
	batchSize   uint
}

type Option func(*Engine)

func WithClock(c clock.Clock) Option {
	return func(e *Engine) {
		e.clk = c
	}
}

func WithLimiter(l *concurrency.Limiter) Option {
	return func(e *Engine) {
		e.limiter = l
	}
}

func WithMetrics(h metrics.Handler) Option {
	return func(e *Engine) {
		e.m = metrics.New(h)
	}
}

func New(st store.Store, opts ...Option) *Engine {
	e := &Engine{
		st:        st,
		clk:       clock.New(),
		limiter:   concurrency.NewLimiter(),
		m:         metrics.New(nil),
		functions: make(map[string]*Function),
		byTrigger: make(map[string][]*Function),
		batchSize: 100,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Register(fns ...*Function) error {
	for _, fn := range fns {
		if fn.ID == "" || fn.Handler == nil {
			return fmt.Errorf("engine: function needs an id and a handler")
		}
		if _, ok := e.functions[fn.ID]; ok {
			return fmt.Errorf("engine: function %s registered twice", fn.ID)
		}
		e.functions[fn.ID] = fn
		for _, t := range fn.Triggers {
			e.byTrigger[t] = append(e.byTrigger[t], fn)
		}
	}
	return nil
}

func (e *Engine) AddHook(h Hook) {
	e.hooks = append(e.hooks, h)
}

func (e *Engine) Store() store.Store {
	return e.st
}

func (e *Engine) Clock() clock.Clock {
	return e.clk
}

func (e *Engine) Limiter() *concurrency.Limiter {
	return e.limiter
}

func (e *Engine) enqueue(run *store.Run) {
	e.limiter.Enqueue(concurrency.Item{
		ID:       run.ID,
		Key:      concurrency.ParseKey(run.ConcurrencyKey),
		Priority: concurrency.PriorityFromValue(run.Priority),
	})
}

func (e *Engine) wake(ctx context.Context, runID string) error {
	run, err := e.st.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	// Timed suspensions only wake through Tick so a reschedule is never cut short.
	if run.Status.Terminal() || run.Status.Timed() {
		return nil
	}
	e.enqueue(run)
	return nil
}

// Cancel asks a run to stop. Suspended runs are woken so they finish as cancelled right
// away; a running run stops at its next step.
func (e *Engine) Cancel(ctx context.Context, runID string) error {
	run, err := e.st.RequestCancel(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() || !run.CancelRequested {
		return nil
	}
	if run.Status != store.StatusRunning {
		e.enqueue(run)
	}
	return nil
}
