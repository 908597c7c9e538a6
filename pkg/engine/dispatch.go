package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"github.com/segmentio/ksuid"
	"go.uber.org/zap"

	"github.com/conductorone/tenantsync/pkg/durable"
	"github.com/conductorone/tenantsync/pkg/store"
)

// Send writes events to the outbox and dispatches everything pending. It returns the ids
// assigned to events.
func (e *Engine) Send(ctx context.Context, events ...store.Event) ([]string, error) {
	ctx, span := tracer.Start(ctx, "Engine.Send")
	defer span.End()

	ids := make([]string, 0, len(events))
	now := e.clk.Now()
	for i := range events {
		if events[i].ID == "" {
			events[i].ID = uuid.NewString()
		}
		if events[i].Timestamp.IsZero() {
			events[i].Timestamp = now
		}
		ids = append(ids, events[i].ID)
	}

	err := e.st.PutEvents(ctx, events...)
	if err != nil {
		return nil, err
	}
	return ids, e.Dispatch(ctx)
}

// Dispatch delivers every event still in the outbox, oldest first.
func (e *Engine) Dispatch(ctx context.Context) error {
	e.dispatchMtx.Lock()
	defer e.dispatchMtx.Unlock()

	for {
		pending, err := e.st.PendingEvents(ctx, e.batchSize)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			return nil
		}
		for i := range pending {
			err = e.dispatchOne(ctx, &pending[i])
			if err != nil {
				return fmt.Errorf("engine: dispatch %s (%s): %w", pending[i].Name, pending[i].ID, err)
			}
			err = e.st.MarkDispatched(ctx, pending[i].ID)
			if err != nil {
				return err
			}
		}
	}
}

func (e *Engine) dispatchOne(ctx context.Context, ev *store.Event) error {
	ctx, span := tracer.Start(ctx, "Engine.dispatchOne")
	defer span.End()

	l := ctxzap.Extract(ctx).With(zap.String("event", ev.Name), zap.String("event_id", ev.ID))

	for _, fn := range e.byTrigger[ev.Name] {
		run, created, err := e.createRun(ctx, fn, ev)
		if err != nil {
			return err
		}
		if created {
			l.Debug("run created", zap.String("function_id", fn.ID), zap.String("run_id", run.ID))
			e.enqueue(run)
		}
	}

	waits, err := e.st.WaitsFor(ctx, ev.Name)
	if err != nil {
		return err
	}
	for _, w := range waits {
		if !w.Match.Matches(ev) {
			continue
		}
		payload, err := durable.EncodeEvent(ev)
		if err != nil {
			return err
		}
		ok, err := e.st.ResolveWait(ctx, w, payload, e.clk.Now())
		if err != nil {
			return err
		}
		if ok {
			l.Debug("wait resolved", zap.String("run_id", w.RunID), zap.String("step", w.StepName))
			err = e.wake(ctx, w.RunID)
			if err != nil {
				return err
			}
		}
	}

	for _, h := range e.hooks {
		out, err := h.HandleEvent(ctx, ev)
		if err != nil {
			return err
		}
		err = e.putEvents(ctx, out)
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) putEvents(ctx context.Context, events []store.Event) error {
	if len(events) == 0 {
		return nil
	}
	now := e.clk.Now()
	for i := range events {
		if events[i].ID == "" {
			events[i].ID = uuid.NewString()
		}
		if events[i].Timestamp.IsZero() {
			events[i].Timestamp = now
		}
	}
	return e.st.PutEvents(ctx, events...)
}

func (e *Engine) createRun(ctx context.Context, fn *Function, ev *store.Event) (*store.Run, bool, error) {
	key := fn.key(ev)
	tenantID := ev.Field("tenant_id")

	run := &store.Run{
		ID:             ksuid.New().String(),
		FunctionID:     fn.ID,
		EventID:        ev.ID,
		TenantID:       tenantID,
		Phase:          key.Phase,
		ConcurrencyKey: key.String(),
		Priority:       fn.priority(ev).Value(),
		Trigger:        *ev,
		Status:         store.StatusCreated,
		CreatedAt:      e.clk.Now(),
	}

	var subs []store.Subscription
	if tenantID != "" {
		for _, name := range fn.CancelOn {
			subs = append(subs, store.Subscription{EventName: name, TenantID: tenantID})
		}
	}

	return e.st.CreateRun(ctx, run, subs)
}
