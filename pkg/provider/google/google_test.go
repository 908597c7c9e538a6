package google

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"

	"github.com/conductorone/tenantsync/pkg/provider"
	"github.com/conductorone/tenantsync/pkg/ratelimit"
	"github.com/conductorone/tenantsync/pkg/retry"
	"github.com/conductorone/tenantsync/pkg/sink"
	"github.com/conductorone/tenantsync/pkg/tenant"
)

type directory struct {
	// users by domain, then by page token
	users map[string]map[string]map[string]any
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": reason,
			"errors":  []map[string]any{{"reason": reason, "message": reason}},
		},
	})
}

func (d *directory) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	switch {
	case strings.HasSuffix(r.URL.Path, "/users"):
		scope := q.Get("domain")
		if scope == "" {
			scope = q.Get("customer")
		}
		pages, ok := d.users[scope]
		if !ok {
			writeError(w, http.StatusBadRequest, "badRequest")
			return
		}
		writeJSON(w, pages[q.Get("pageToken")])

	case strings.HasSuffix(r.URL.Path, "/groups"):
		writeJSON(w, map[string]any{
			"groups": []map[string]any{{"id": "G1", "email": "eng@example.com", "name": "Eng", "directMembersCount": "2"}},
		})

	case strings.HasSuffix(r.URL.Path, "/groups/G1/members"):
		if q.Get("pageToken") == "" {
			writeJSON(w, map[string]any{
				"members":       []map[string]any{{"id": "U1", "email": "ann@example.com", "role": "OWNER", "type": "USER"}},
				"nextPageToken": "m2",
			})
			return
		}
		writeJSON(w, map[string]any{
			"members": []map[string]any{{"id": "U2", "email": "bob@example.com", "role": "MEMBER", "type": "USER"}},
		})

	case strings.HasSuffix(r.URL.Path, "/users/U1"):
		writeJSON(w, map[string]any{"id": "U1", "primaryEmail": "ann@example.com", "name": map[string]any{"fullName": "Ann"}})

	case strings.HasSuffix(r.URL.Path, "/groups/G1"):
		writeJSON(w, map[string]any{"id": "G1", "email": "eng@example.com", "name": "Eng"})

	default:
		writeError(w, http.StatusNotFound, "notFound")
	}
}

func user(id, email string) map[string]any {
	return map[string]any{"id": id, "primaryEmail": email}
}

func newTestProvider(t *testing.T, h http.Handler) *Provider {
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(WithEndpoint(srv.URL+"/"), WithHTTPClient(srv.Client()), WithRate(1000, 100))
}

func drain(ctx context.Context, t *testing.T, p *Provider, req provider.ListRequest) []string {
	var ids []string
	for i := 0; i < 10; i++ {
		page, err := p.ListPage(ctx, req)
		require.NoError(t, err)
		for _, it := range page.Items {
			ids = append(ids, it.Object.ID)
		}
		if !page.HasMore {
			require.Empty(t, page.NextCursor)
			return ids
		}
		req.Cursor = page.NextCursor
	}
	t.Fatal("listing did not finish")
	return nil
}

func TestListUsersAcrossDomains(t *testing.T) {
	ctx := context.Background()
	d := &directory{users: map[string]map[string]map[string]any{
		"a.example.com": {
			"":   {"users": []any{user("U1", "ann@a.example.com")}, "nextPageToken": "p2"},
			"p2": {"users": []any{user("U2", "bob@a.example.com")}},
		},
		"b.example.com": {
			"": {"users": []any{user("U3", "cat@b.example.com")}},
		},
	}}
	p := newTestProvider(t, d)

	tn := &tenant.Tenant{ID: "t1", Provider: Name, Config: map[string]string{"domains": "a.example.com, b.example.com"}}
	ids := drain(ctx, t, p, provider.ListRequest{Tenant: tn, Phase: PhaseUsers})
	require.Equal(t, []string{"U1", "U2", "U3"}, ids)
}

func TestListUsersWholeCustomer(t *testing.T) {
	ctx := context.Background()
	d := &directory{users: map[string]map[string]map[string]any{
		myCustomer: {"": {"users": []any{user("U1", "ann@example.com")}}},
	}}
	p := newTestProvider(t, d)

	page, err := p.ListPage(ctx, provider.ListRequest{Tenant: &tenant.Tenant{ID: "t1"}, Phase: PhaseUsers})
	require.NoError(t, err)
	require.False(t, page.HasMore)
	require.Len(t, page.Items, 1)

	obj := page.Items[0].Object
	require.Equal(t, sink.TypeUser, obj.Type)
	require.Equal(t, "ann@example.com", obj.Name)
	require.Equal(t, "ann@example.com", obj.Attributes["email"])
}

func TestGroupsFanOutToMembers(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t, &directory{})
	tn := &tenant.Tenant{ID: "t1"}

	page, err := p.ListPage(ctx, provider.ListRequest{Tenant: tn, Phase: PhaseGroups})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	require.Equal(t, PhaseGroupMembers, page.Items[0].ChildPhase)

	ids := drain(ctx, t, p, provider.ListRequest{Tenant: tn, Phase: PhaseGroupMembers, ParentID: "G1"})
	require.Equal(t, []string{"G1:U1", "G1:U2"}, ids)

	_, err = p.ListPage(ctx, provider.ListRequest{Tenant: tn, Phase: PhaseGroupMembers})
	require.True(t, retry.IsFatal(err))
}

func TestGetObject(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t, &directory{})
	tn := &tenant.Tenant{ID: "t1"}

	obj, err := p.GetObject(ctx, tn, "U1")
	require.NoError(t, err)
	require.Equal(t, "Ann", obj.Name)

	obj, err = p.GetObject(ctx, tn, "G1")
	require.NoError(t, err)
	require.Equal(t, sink.TypeGroup, obj.Type)

	_, err = p.GetObject(ctx, tn, "missing")
	require.True(t, provider.IsNotFound(err))
}

func TestMapError(t *testing.T) {
	withReason := func(code int, reason string) error {
		return &googleapi.Error{Code: code, Errors: []googleapi.ErrorItem{{Reason: reason}}, Header: http.Header{"Retry-After": []string{"7"}}}
	}

	require.True(t, provider.IsUnauthorized(mapError(withReason(http.StatusUnauthorized, "authError"), "")))
	require.True(t, provider.IsUnauthorized(mapError(withReason(http.StatusForbidden, "forbidden"), "")))

	err := mapError(withReason(http.StatusForbidden, "userRateLimitExceeded"), "")
	var rl *ratelimit.RateLimitedError
	require.ErrorAs(t, err, &rl)
	require.Equal(t, 7*time.Second, rl.RetryAfter)

	require.True(t, ratelimit.IsRateLimited(mapError(&googleapi.Error{Code: http.StatusTooManyRequests}, "")))

	require.True(t, provider.IsNotFound(mapError(withReason(http.StatusNotFound, "notFound"), "U9")))
	require.True(t, retry.IsRetriable(mapError(&googleapi.Error{Code: http.StatusBadGateway}, "")))
	require.True(t, retry.IsFatal(mapError(&googleapi.Error{Code: http.StatusBadRequest}, "")))
	require.True(t, retry.IsRetriable(mapError(errors.New("connection reset"), "")))
}

func TestMissingCredentials(t *testing.T) {
	p := New()
	_, err := p.ListPage(context.Background(), provider.ListRequest{Tenant: &tenant.Tenant{ID: "t1"}, Phase: PhaseUsers})
	require.True(t, provider.IsUnauthorized(err))
}
