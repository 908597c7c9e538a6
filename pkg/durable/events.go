package durable

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/conductorone/tenantsync/pkg/store"
)

// Emit sends events exactly once per run, committed together with the step named name.
func (rc *RunContext) Emit(ctx context.Context, name string, events ...store.Event) error {
	_, err := Effect(ctx, rc, name, func(ctx context.Context) ([]string, store.Effects, error) {
		evs := make([]store.Event, len(events))
		copy(evs, events)
		rc.prepareEffects(&store.Effects{Events: evs}, rc.Now())
		ids := make([]string, 0, len(evs))
		for _, ev := range evs {
			ids = append(ids, ev.ID)
		}
		return ids, store.Effects{Events: evs}, nil
	})
	return err
}

type waitRegistration struct {
	EventName string      `json:"event_name"`
	Match     store.Match `json:"match,omitempty"`
	Deadline  time.Time   `json:"deadline"`
}

// WaitForEvent suspends the run until an event named eventName whose payload satisfies
// match is sent, or until timeout elapses. A nil event means the wait timed out. A zero
// timeout waits forever.
func (rc *RunContext) WaitForEvent(ctx context.Context, name string, eventName string, match store.Match, timeout time.Duration) (*store.Event, error) {
	if _, ok := rc.memoized(name); ok {
		return rc.Await(name)
	}

	_, err := Effect(ctx, rc, name+"/registered", func(ctx context.Context) (waitRegistration, store.Effects, error) {
		reg := waitRegistration{EventName: eventName, Match: match}
		if timeout > 0 {
			reg.Deadline = rc.Now().Add(timeout)
		}
		return reg, store.Effects{Wait: &store.Wait{
			StepName:  name,
			EventName: eventName,
			Match:     match,
			Deadline:  reg.Deadline,
		}}, nil
	})
	if err != nil {
		return nil, err
	}

	return rc.Await(name)
}

// Await returns the event delivered to the wait step name, or suspends the run if the wait
// is still open. The wait itself must already be registered, usually as the effect of an
// earlier step.
func (rc *RunContext) Await(name string) (*store.Event, error) {
	s, ok := rc.memoized(name)
	if !ok {
		return nil, &Suspension{
			Status: store.StatusSuspendedWaitingEvent,
			Step:   name,
		}
	}
	if len(s.Output) == 0 || string(s.Output) == "null" {
		return nil, nil
	}
	var ev store.Event
	err := json.Unmarshal(s.Output, &ev)
	if err != nil {
		return nil, fmt.Errorf("durable: decode event for wait %q: %w", name, err)
	}
	return &ev, nil
}

// EncodeEvent renders an event as the stored result of a wait step.
func EncodeEvent(ev *store.Event) ([]byte, error) {
	if ev == nil {
		return []byte("null"), nil
	}
	return json.Marshal(ev)
}
