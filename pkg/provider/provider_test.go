package provider

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/conductorone/tenantsync/pkg/retry"
	"github.com/conductorone/tenantsync/pkg/sink"
	"github.com/conductorone/tenantsync/pkg/tenant"
)

type stubProvider struct{}

func (stubProvider) Name() string { return "stub" }

func (stubProvider) Phases() []Phase {
	return []Phase{
		{Name: "groups", ObjectType: sink.TypeGroup},
		{Name: "members", ObjectType: sink.TypeGroupMember, Child: true},
		{Name: "users", ObjectType: sink.TypeUser},
	}
}

func (stubProvider) ListPage(ctx context.Context, req ListRequest) (*Page, error) {
	return &Page{}, nil
}

func (stubProvider) GetObject(ctx context.Context, t *tenant.Tenant, id string) (*sink.Object, error) {
	return nil, &NotFoundError{ItemID: id}
}

func TestErrors(t *testing.T) {
	err := Unauthorized(errors.New("token revoked"))
	require.True(t, IsUnauthorized(err))
	require.True(t, retry.IsFatal(err))
	require.Contains(t, err.Error(), "token revoked")

	_, err = stubProvider{}.GetObject(context.Background(), nil, "u1")
	require.True(t, IsNotFound(fmt.Errorf("refresh: %w", err)))
	require.False(t, IsNotFound(errors.New("u1 not found")))
}

func TestRegistryAndPhases(t *testing.T) {
	r := NewRegistry(stubProvider{})
	p, err := r.Get("stub")
	require.NoError(t, err)
	require.Equal(t, []string{"stub"}, r.Names())

	_, err = r.Get("myspace")
	require.True(t, retry.IsFatal(err))

	ph, ok := FindPhase(p, "members")
	require.True(t, ok)
	require.True(t, ph.Child)
	_, ok = FindPhase(p, "nope")
	require.False(t, ok)

	top := TopLevelPhases(p)
	require.Len(t, top, 2)
	require.Equal(t, "groups", top[0].Name)
	require.Equal(t, "users", top[1].Name)
}
