package sync

import (
	"time"

	"github.com/conductorone/tenantsync/pkg/concurrency"
	"github.com/conductorone/tenantsync/pkg/fanout"
)

const (
	EventPhaseRequested         = "sync/phase.requested"
	EventPhaseContinued         = "sync/phase.continued"
	EventPhaseCompleted         = "sync/phase.completed"
	EventTenantRequested        = "sync/tenant.requested"
	EventTenantCompleted        = "sync/tenant.completed"
	EventObjectRefreshRequested = "sync/object.refresh_requested"
	EventObjectDeleteRequested  = "sync/object.delete_requested"
)

const (
	FunctionPhaseSync     = "phase-sync"
	FunctionTenantSync    = "tenant-sync"
	FunctionObjectRefresh = "object-refresh"
	FunctionObjectDelete  = "object-delete"
)

// barrierRef is filled in by the fan-out coordinator on child events and copied onto every
// continuation so the last page of a child chain can report to its parent.
type barrierRef struct {
	ParentRunID string `json:"parent_run_id,omitempty"`
	BarrierID   string `json:"barrier_id,omitempty"`
	ChildKey    string `json:"child_key,omitempty"`
}

func (b barrierRef) empty() bool {
	return b.ParentRunID == "" || b.BarrierID == "" || b.ChildKey == ""
}

// PhaseRequest is the payload of sync/phase.requested and sync/phase.continued.
type PhaseRequest struct {
	TenantID string `json:"tenant_id"`
	Phase    string `json:"phase"`
	// ParentID scopes a child phase to one item of its parent phase.
	ParentID string `json:"parent_id,omitempty"`
	Cursor   string `json:"cursor,omitempty"`
	// SyncStartedAt is carried by continuations. Objects of the phase not seen since then
	// are deleted when the listing is exhausted.
	SyncStartedAt time.Time `json:"sync_started_at,omitempty"`
	// Synced counts the objects upserted by earlier pages of the listing.
	Synced   int                      `json:"synced,omitempty"`
	Priority concurrency.SyncPriority `json:"priority"`
	barrierRef
}

// PhaseCompleted is the payload of sync/phase.completed.
type PhaseCompleted struct {
	TenantID string `json:"tenant_id"`
	Phase    string `json:"phase"`
	ParentID string `json:"parent_id,omitempty"`
	Status   string `json:"status"`
	Synced   int    `json:"synced"`
	barrierRef
}

type TenantRequest struct {
	TenantID string                   `json:"tenant_id"`
	Priority concurrency.SyncPriority `json:"priority"`
}

type TenantCompleted struct {
	TenantID string          `json:"tenant_id"`
	Summary  *fanout.Summary `json:"summary"`
}

type ObjectRequest struct {
	TenantID string `json:"tenant_id"`
	ObjectID string `json:"object_id"`
}
