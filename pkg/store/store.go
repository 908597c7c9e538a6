// Package store defines the durable state of the orchestrator: runs, memoized steps, the
// event outbox, event waits, barrier entries and lifecycle subscriptions.
package store

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("store: not found")

type RunFilter struct {
	TenantID   string
	FunctionID string
	Statuses   []RunStatus
	Limit      uint
}

// Effects are applied in the same transaction as the step that produced them.
type Effects struct {
	Events  []Event
	Wait    *Wait
	Barrier []BarrierEntry
}

func (e Effects) Empty() bool {
	return len(e.Events) == 0 && e.Wait == nil && len(e.Barrier) == 0
}

type StepCommit struct {
	Step    Step
	Effects Effects
}

type Store interface {
	// CreateRun inserts run unless a run for the same (FunctionID, EventID) exists, in which
	// case the existing run is returned with created=false.
	CreateRun(ctx context.Context, run *Run, subs []Subscription) (*Run, bool, error)
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRun(ctx context.Context, run *Run) error
	// RequestCancel sets the cancel flag on a non-terminal run.
	RequestCancel(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)
	// DueRuns lists runs suspended on a timer whose wake time is not after now.
	DueRuns(ctx context.Context, now time.Time) ([]*Run, error)

	GetSteps(ctx context.Context, runID string) (map[string]*Step, error)
	CommitStep(ctx context.Context, commit StepCommit) error

	PutEvents(ctx context.Context, events ...Event) error
	PendingEvents(ctx context.Context, limit uint) ([]Event, error)
	MarkDispatched(ctx context.Context, ids ...string) error

	WaitsFor(ctx context.Context, eventName string) ([]*Wait, error)
	HasWait(ctx context.Context, runID string) (bool, error)
	// ResolveWait removes the wait and records output as the result of its step. It returns
	// false when another caller resolved the wait first.
	ResolveWait(ctx context.Context, wait *Wait, output []byte, at time.Time) (bool, error)
	ExpiredWaits(ctx context.Context, now time.Time) ([]*Wait, error)

	BarrierEntries(ctx context.Context, runID string, barrierID string) ([]*BarrierEntry, error)
	// ResolveBarrierEntry moves a pending entry to status. It returns false when the entry
	// does not exist or was already resolved.
	ResolveBarrierEntry(ctx context.Context, entry *BarrierEntry) (bool, error)
	ExpiredBarrierEntries(ctx context.Context, now time.Time) ([]*BarrierEntry, error)

	Subscriptions(ctx context.Context, eventName string, tenantID string) ([]*Subscription, error)

	// DeleteRunState drops the waits, barrier entries and subscriptions owned by a run.
	DeleteRunState(ctx context.Context, runID string) error

	Close() error
}
