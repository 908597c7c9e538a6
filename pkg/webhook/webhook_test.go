package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/conductorone/tenantsync/pkg/lifecycle"
	"github.com/conductorone/tenantsync/pkg/store"
	"github.com/conductorone/tenantsync/pkg/tenant"
)

type call struct {
	op       string
	tenantID string
	objectID string
}

type fakeSyncer struct {
	mtx   sync.Mutex
	calls []call
	err   error
}

func (f *fakeSyncer) record(op, tenantID, objectID string) (string, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.calls = append(f.calls, call{op: op, tenantID: tenantID, objectID: objectID})
	return fmt.Sprintf("ev-%d", len(f.calls)), nil
}

func (f *fakeSyncer) RefreshObject(ctx context.Context, tenantID string, objectID string) (string, error) {
	return f.record("refresh", tenantID, objectID)
}

func (f *fakeSyncer) DeleteObject(ctx context.Context, tenantID string, objectID string) (string, error) {
	return f.record("delete", tenantID, objectID)
}

type fakeSender struct {
	events []store.Event
}

func (f *fakeSender) Send(ctx context.Context, events ...store.Event) ([]string, error) {
	ids := make([]string, 0, len(events))
	for _, ev := range events {
		f.events = append(f.events, ev)
		ids = append(ids, fmt.Sprintf("lc-%d", len(f.events)))
	}
	return ids, nil
}

type fakeTenants struct {
	tenants map[string]*tenant.Tenant
}

func (f *fakeTenants) Get(ctx context.Context, id string) (*tenant.Tenant, error) {
	t, ok := f.tenants[id]
	if !ok || t.Removed {
		return nil, tenant.ErrNotFound
	}
	return t, nil
}

func (f *fakeTenants) SetRemoved(ctx context.Context, id string, removed bool) error {
	t, ok := f.tenants[id]
	if !ok {
		return fmt.Errorf("%w: %s", tenant.ErrNotFound, id)
	}
	t.Removed = removed
	return nil
}

type providerNames []string

func (p providerNames) Names() []string {
	return p
}

type fixture struct {
	h       *Handler
	syncer  *fakeSyncer
	sender  *fakeSender
	tenants *fakeTenants
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		syncer: &fakeSyncer{},
		sender: &fakeSender{},
		tenants: &fakeTenants{tenants: map[string]*tenant.Tenant{
			"t1": {ID: "t1", Provider: "slack"},
			"t2": {ID: "t2", Provider: "google"},
		}},
	}
	h, err := New(f.syncer, f.sender, f.tenants, providerNames{"google", "slack"}, WithLogger(zaptest.NewLogger(t)), WithMaxBodyBytes(256))
	require.NoError(t, err)
	f.h = h
	return f
}

func (f *fixture) post(t *testing.T, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	out := map[string]string{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestObjectChangedRefreshes(t *testing.T) {
	f := newFixture(t)

	rec := f.post(t, "/webhooks/slack", `{"type":"object.changed","tenant_id":"t1","object_id":"U1","extra":"ignored"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, "ev-1", decodeBody(t, rec)["event_id"])

	rec = f.post(t, "/webhooks/slack", `{"type":"object.deleted","tenant_id":"t1","object_id":"U2"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Equal(t, []call{
		{op: "refresh", tenantID: "t1", objectID: "U1"},
		{op: "delete", tenantID: "t1", objectID: "U2"},
	}, f.syncer.calls)
}

func TestSchemaRejectsMalformedPayloads(t *testing.T) {
	f := newFixture(t)

	for name, body := range map[string]string{
		"not json":          `{"type":`,
		"missing tenant":    `{"type":"object.changed","object_id":"U1"}`,
		"unknown type":      `{"type":"object.renamed","tenant_id":"t1","object_id":"U1"}`,
		"missing object id": `{"type":"object.deleted","tenant_id":"t1"}`,
		"empty tenant":      `{"type":"tenant.removed","tenant_id":""}`,
		"wrong type":        `{"type":"object.changed","tenant_id":7,"object_id":"U1"}`,
	} {
		t.Run(name, func(t *testing.T) {
			rec := f.post(t, "/webhooks/slack", body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			require.Equal(t, "bad_request", decodeBody(t, rec)["code"])
		})
	}
	require.Empty(t, f.syncer.calls)
	require.Empty(t, f.sender.events)
}

func TestRouting(t *testing.T) {
	f := newFixture(t)
	body := `{"type":"object.changed","tenant_id":"t1","object_id":"U1"}`

	require.Equal(t, http.StatusNotFound, f.post(t, "/webhooks/dropbox", body).Code)
	require.Equal(t, http.StatusNotFound, f.post(t, "/webhooks/", body).Code)
	require.Equal(t, http.StatusNotFound, f.post(t, "/hooks/slack", body).Code)
	// t1 is a slack tenant.
	require.Equal(t, http.StatusNotFound, f.post(t, "/webhooks/google", body).Code)
	require.Equal(t, http.StatusNotFound, f.post(t, "/webhooks/slack", `{"type":"object.changed","tenant_id":"nope","object_id":"U1"}`).Code)

	req := httptest.NewRequest(http.MethodGet, "/webhooks/slack", nil)
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	require.Equal(t, http.MethodPost, rec.Header().Get("Allow"))

	require.Empty(t, f.syncer.calls)
}

func TestBodyTooLarge(t *testing.T) {
	f := newFixture(t)
	body := `{"type":"object.changed","tenant_id":"t1","object_id":"` + strings.Repeat("x", 512) + `"}`
	rec := f.post(t, "/webhooks/slack", body)
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestTenantLifecycle(t *testing.T) {
	f := newFixture(t)

	rec := f.post(t, "/webhooks/google", `{"type":"tenant.removed","tenant_id":"t2"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.True(t, f.tenants.tenants["t2"].Removed)

	// A removed tenant no longer accepts object webhooks.
	rec = f.post(t, "/webhooks/google", `{"type":"object.changed","tenant_id":"t2","object_id":"U1"}`)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.post(t, "/webhooks/google", `{"type":"tenant.reinstalled","tenant_id":"t2"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, "lc-2", decodeBody(t, rec)["event_id"])
	require.False(t, f.tenants.tenants["t2"].Removed)

	require.Len(t, f.sender.events, 2)
	require.Equal(t, lifecycle.EventTenantRemoved, f.sender.events[0].Name)
	require.Equal(t, lifecycle.EventTenantReinstalled, f.sender.events[1].Name)
	require.Equal(t, "t2", f.sender.events[1].Field("tenant_id"))

	rec = f.post(t, "/webhooks/google", `{"type":"tenant.removed","tenant_id":"t9"}`)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Len(t, f.sender.events, 2)
}

func TestSyncerFailureIsInternalError(t *testing.T) {
	f := newFixture(t)
	f.syncer.err = errors.New("database is gone")

	rec := f.post(t, "/webhooks/slack", `{"type":"object.changed","tenant_id":"t1","object_id":"U1"}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, "internal_error", body["code"])
	require.NotContains(t, body["message"], "database")
}
