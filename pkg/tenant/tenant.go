// Package tenant looks up the credentials and configuration of connected SaaS tenants.
package tenant

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("tenant: not found")

type Tenant struct {
	ID       string `json:"id"`
	Provider string `json:"provider"`
	// Credentials hold provider secrets such as OAuth tokens or service account keys.
	Credentials map[string]string `json:"credentials,omitempty"`
	Config      map[string]string `json:"config,omitempty"`
	Removed     bool              `json:"removed"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

func (t *Tenant) Credential(key string) string {
	if t.Credentials == nil {
		return ""
	}
	return t.Credentials[key]
}

func (t *Tenant) Setting(key string) string {
	if t.Config == nil {
		return ""
	}
	return t.Config[key]
}

// Store is the read side used during syncs. Get returns ErrNotFound for removed tenants.
type Store interface {
	Get(ctx context.Context, id string) (*Tenant, error)
}

// Admin manages tenants from the CLI and webhooks.
type Admin interface {
	Store
	Put(ctx context.Context, t *Tenant) error
	SetRemoved(ctx context.Context, id string, removed bool) error
	List(ctx context.Context) ([]*Tenant, error)
}
