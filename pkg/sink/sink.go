// Package sink pushes the normalized tenant view to the monitoring service. Writes are
// idempotent upserts keyed by object id and time-windowed deletes, so replays and
// concurrent syncs never corrupt shared state.
package sink

import (
	"context"
	"time"
)

// Object types understood by the monitoring service.
const (
	TypeUser        = "user"
	TypeGroup       = "group"
	TypeGroupMember = "group_member"
	TypeChannel     = "channel"
	TypeFile        = "file"
	TypeAppGrant    = "app_grant"
)

type Object struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	ParentID   string            `json:"parent_id,omitempty"`
	Name       string            `json:"name,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	SyncedAt   time.Time         `json:"synced_at"`
}

// Scope narrows a time-windowed delete to one object type, optionally under one parent.
type Scope struct {
	Type     string `json:"type,omitempty"`
	ParentID string `json:"parent_id,omitempty"`
}

// DeleteRequest removes objects either by id or by age. With SyncedBefore set, every
// object in Scope whose SyncedAt is earlier is removed.
type DeleteRequest struct {
	IDs          []string  `json:"ids,omitempty"`
	SyncedBefore time.Time `json:"synced_before,omitempty"`
	Scope        Scope     `json:"scope"`
}

type Sink interface {
	Upsert(ctx context.Context, tenantID string, objects []Object) error
	Delete(ctx context.Context, tenantID string, req DeleteRequest) error
	UpdateConnectionStatus(ctx context.Context, tenantID string, hasError bool) error
}
