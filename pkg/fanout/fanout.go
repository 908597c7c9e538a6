// Package fanout registers barriers over child runs and resolves them as children finish
// or time out. A barrier is registered in the same commit that emits the child events, so
// a child can never complete before its entry exists.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/conductorone/tenantsync/pkg/durable"
	"github.com/conductorone/tenantsync/pkg/engine"
	"github.com/conductorone/tenantsync/pkg/retry"
	"github.com/conductorone/tenantsync/pkg/store"
)

var tracer = otel.Tracer("tenantsync/pkg.fanout")

const (
	EventBarrierResolved = "fanout/barrier.resolved"

	FieldParentRunID = "parent_run_id"
	FieldBarrierID   = "barrier_id"
	FieldChildKey    = "child_key"
	FieldStatus      = "status"

	DefaultBranchTimeout = 24 * time.Hour

	// joinGrace keeps the parent's own wait open a little past the last branch deadline
	// so the sweeper resolves the barrier first.
	joinGrace = 5 * time.Minute
)

// Child completion statuses reported in the FieldStatus of a completion event.
const (
	ChildCompleted = "completed"
	ChildIgnored   = "ignored"
	ChildFailed    = "failed"
)

type Branch struct {
	Key     string
	Event   store.Event
	Timeout time.Duration
}

type Summary struct {
	BarrierID    string   `json:"barrier_id"`
	Total        int      `json:"total"`
	Completed    int      `json:"completed"`
	Ignored      int      `json:"ignored"`
	Failed       int      `json:"failed"`
	TimedOut     int      `json:"timed_out"`
	FailedKeys   []string `json:"failed_keys,omitempty"`
	TimedOutKeys []string `json:"timed_out_keys,omitempty"`
}

// Degraded reports whether some branches did not finish cleanly. The join still succeeds.
func (s *Summary) Degraded() bool {
	return s.Failed > 0 || s.TimedOut > 0
}

func summarize(barrierID string, entries []*store.BarrierEntry) *Summary {
	s := &Summary{BarrierID: barrierID, Total: len(entries)}
	for _, e := range entries {
		switch e.Status {
		case store.BarrierCompleted:
			s.Completed++
		case store.BarrierIgnored:
			s.Ignored++
		case store.BarrierFailed:
			s.Failed++
			s.FailedKeys = append(s.FailedKeys, e.ChildKey)
		case store.BarrierTimedOut, store.BarrierPending:
			s.TimedOut++
			s.TimedOutKeys = append(s.TimedOutKeys, e.ChildKey)
		}
	}
	sort.Strings(s.FailedKeys)
	sort.Strings(s.TimedOutKeys)
	return s
}

type Coordinator struct {
	st               store.Store
	clk              clock.Clock
	completionEvents mapset.Set[string]
}

var _ engine.Hook = (*Coordinator)(nil)

type Option func(*Coordinator)

func WithClock(c clock.Clock) Option {
	return func(co *Coordinator) {
		co.clk = c
	}
}

// WithCompletionEvents names the events children send when they finish.
func WithCompletionEvents(names ...string) Option {
	return func(co *Coordinator) {
		co.completionEvents.Append(names...)
	}
}

func NewCoordinator(st store.Store, opts ...Option) *Coordinator {
	co := &Coordinator{
		st:               st,
		clk:              clock.New(),
		completionEvents: mapset.NewSet[string](),
	}
	for _, opt := range opts {
		opt(co)
	}
	return co
}

func withFields(ev store.Event, fields map[string]string) (store.Event, error) {
	data := map[string]any{}
	if len(ev.Data) > 0 {
		err := json.Unmarshal(ev.Data, &data)
		if err != nil {
			return ev, fmt.Errorf("fanout: child event %s payload must be a JSON object: %w", ev.Name, err)
		}
	}
	for k, v := range fields {
		data[k] = v
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return ev, err
	}
	ev.Data = raw
	return ev, nil
}

type registration struct {
	BarrierID string    `json:"barrier_id"`
	Branches  int       `json:"branches"`
	Deadline  time.Time `json:"deadline"`
}

// FanOutAndJoin emits one child event per branch and suspends the run until every branch
// completed, was ignored, failed or timed out. Branch timeouts never fail the parent; they
// show up in the Summary.
func (co *Coordinator) FanOutAndJoin(ctx context.Context, rc *durable.RunContext, name string, branches []Branch) (*Summary, error) {
	if len(branches) == 0 {
		return &Summary{BarrierID: name}, nil
	}

	runID := rc.Run().ID
	joinStep := name + "/join"

	reg, err := durable.Effect(ctx, rc, name, func(ctx context.Context) (registration, store.Effects, error) {
		ctx, span := tracer.Start(ctx, "Coordinator.FanOut")
		defer span.End()

		now := rc.Now()
		reg := registration{BarrierID: name, Branches: len(branches)}
		effects := store.Effects{}
		seen := mapset.NewThreadUnsafeSet[string]()

		for _, b := range branches {
			if b.Key == "" || !seen.Add(b.Key) {
				return reg, effects, retry.Fatal(fmt.Errorf("fanout: branch keys must be unique and non-empty, got %q", b.Key))
			}
			timeout := b.Timeout
			if timeout <= 0 {
				timeout = DefaultBranchTimeout
			}
			deadline := now.Add(timeout)
			if deadline.After(reg.Deadline) {
				reg.Deadline = deadline
			}

			child, err := withFields(b.Event, map[string]string{
				FieldParentRunID: runID,
				FieldBarrierID:   name,
				FieldChildKey:    b.Key,
			})
			if err != nil {
				return reg, effects, retry.Fatal(err)
			}
			effects.Events = append(effects.Events, child)
			effects.Barrier = append(effects.Barrier, store.BarrierEntry{
				BarrierID: name,
				ChildKey:  b.Key,
				TenantID:  rc.Run().TenantID,
				Status:    store.BarrierPending,
				Deadline:  deadline,
			})
		}

		effects.Wait = &store.Wait{
			StepName:  joinStep,
			EventName: EventBarrierResolved,
			Match:     store.Match{"run_id": runID, FieldBarrierID: name},
			Deadline:  reg.Deadline.Add(joinGrace),
		}

		ctxzap.Extract(ctx).Info("fanning out",
			zap.String("run_id", runID),
			zap.String("barrier_id", name),
			zap.Int("branches", len(branches)),
			zap.Time("deadline", reg.Deadline),
		)
		return reg, effects, nil
	})
	if err != nil {
		return nil, err
	}

	ev, err := rc.Await(joinStep)
	if err != nil {
		return nil, err
	}

	if ev == nil {
		// The sweeper never resolved the barrier. Whatever is still pending counts as
		// timed out.
		return durable.Step(ctx, rc, joinStep+"/summary", func(ctx context.Context) (*Summary, error) {
			entries, err := co.st.BarrierEntries(ctx, runID, reg.BarrierID)
			if err != nil {
				return nil, err
			}
			return summarize(reg.BarrierID, entries), nil
		})
	}

	var payload resolvedPayload
	err = ev.Decode(&payload)
	if err != nil {
		return nil, retry.Fatal(fmt.Errorf("fanout: decode barrier resolution: %w", err))
	}
	return &payload.Summary, nil
}

type resolvedPayload struct {
	RunID     string  `json:"run_id"`
	BarrierID string  `json:"barrier_id"`
	Summary   Summary `json:"summary"`
}
