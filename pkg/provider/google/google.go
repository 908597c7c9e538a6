// Package google syncs users, groups and group membership from the Google Workspace Admin
// SDK Directory API.
package google

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
	admin "google.golang.org/api/admin/directory/v1"
	"google.golang.org/api/option"

	"github.com/conductorone/tenantsync/pkg/pagination"
	"github.com/conductorone/tenantsync/pkg/provider"
	"github.com/conductorone/tenantsync/pkg/retry"
	"github.com/conductorone/tenantsync/pkg/sink"
	"github.com/conductorone/tenantsync/pkg/tenant"
)

var tracer = otel.Tracer("tenantsync/pkg.provider.google")

const (
	Name = "google"

	PhaseUsers        = "users"
	PhaseGroups       = "groups"
	PhaseGroupMembers = "group_members"

	myCustomer = "my_customer"
	pageSize   = 200

	scopeDomain   = "domain"
	scopeCustomer = "customer"
)

var oauthEndpoint = oauth2.Endpoint{
	AuthURL:  "https://accounts.google.com/o/oauth2/auth",
	TokenURL: "https://oauth2.googleapis.com/token",
}

type Provider struct {
	limiter    *rate.Limiter
	endpoint   string
	httpClient *http.Client

	mtx      sync.Mutex
	services map[string]cachedService
}

type cachedService struct {
	updatedAt time.Time
	svc       *admin.Service
}

var _ provider.Provider = (*Provider)(nil)

type Option func(*Provider)

// WithEndpoint points the client at another Directory API root.
func WithEndpoint(u string) Option {
	return func(p *Provider) {
		p.endpoint = u
	}
}

// WithHTTPClient replaces the tenant's OAuth client. Credentials are not applied.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

func WithRate(perSecond float64, burst int) Option {
	return func(p *Provider) {
		p.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

func New(opts ...Option) *Provider {
	p := &Provider{
		// The Directory API allows about 2400 queries a minute per customer.
		limiter:  rate.NewLimiter(rate.Limit(20), 10),
		services: make(map[string]cachedService),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Name() string {
	return Name
}

func (p *Provider) Phases() []provider.Phase {
	return []provider.Phase{
		{Name: PhaseUsers, ObjectType: sink.TypeUser},
		{Name: PhaseGroups, ObjectType: sink.TypeGroup},
		{Name: PhaseGroupMembers, ObjectType: sink.TypeGroupMember, Child: true},
	}
}

func tokenSource(ctx context.Context, t *tenant.Tenant) (oauth2.TokenSource, error) {
	tok := &oauth2.Token{
		AccessToken:  t.Credential("access_token"),
		RefreshToken: t.Credential("refresh_token"),
		TokenType:    "Bearer",
	}
	if tok.AccessToken == "" && tok.RefreshToken == "" {
		return nil, provider.Unauthorized(fmt.Errorf("google: tenant %s has no oauth token", t.ID))
	}
	if tok.RefreshToken == "" {
		return oauth2.StaticTokenSource(tok), nil
	}
	cfg := &oauth2.Config{
		ClientID:     t.Credential("client_id"),
		ClientSecret: t.Credential("client_secret"),
		Endpoint:     oauthEndpoint,
		Scopes: []string{
			admin.AdminDirectoryUserReadonlyScope,
			admin.AdminDirectoryGroupReadonlyScope,
		},
	}
	return cfg.TokenSource(context.WithoutCancel(ctx), tok), nil
}

// service returns a Directory client for the tenant, rebuilt whenever the tenant's
// credentials change.
func (p *Provider) service(ctx context.Context, t *tenant.Tenant) (*admin.Service, error) {
	if t == nil {
		return nil, retry.Fatal(fmt.Errorf("google: missing tenant"))
	}

	p.mtx.Lock()
	defer p.mtx.Unlock()
	if c, ok := p.services[t.ID]; ok && c.updatedAt.Equal(t.UpdatedAt) {
		return c.svc, nil
	}

	var opts []option.ClientOption
	if p.httpClient != nil {
		opts = append(opts, option.WithHTTPClient(p.httpClient))
	} else {
		ts, err := tokenSource(ctx, t)
		if err != nil {
			return nil, err
		}
		opts = append(opts, option.WithTokenSource(ts))
	}
	if p.endpoint != "" {
		opts = append(opts, option.WithEndpoint(p.endpoint))
	}

	svc, err := admin.NewService(context.WithoutCancel(ctx), opts...)
	if err != nil {
		return nil, retry.Fatal(fmt.Errorf("google: create directory client: %w", err))
	}
	p.services[t.ID] = cachedService{updatedAt: t.UpdatedAt, svc: svc}
	return svc, nil
}

func (p *Provider) wait(ctx context.Context) error {
	return p.limiter.Wait(ctx)
}

func (p *Provider) ListPage(ctx context.Context, req provider.ListRequest) (*provider.Page, error) {
	ctx, span := tracer.Start(ctx, "google.ListPage")
	defer span.End()

	svc, err := p.service(ctx, req.Tenant)
	if err != nil {
		return nil, err
	}

	switch req.Phase {
	case PhaseUsers:
		return p.walkScopes(ctx, req, func(scope pagination.PageState) ([]provider.Item, string, error) {
			call := svc.Users.List().MaxResults(pageSize).OrderBy("email").PageToken(scope.Token)
			if scope.ResourceTypeID == scopeDomain {
				call = call.Domain(scope.ResourceID)
			} else {
				call = call.Customer(scope.ResourceID)
			}
			resp, err := call.Context(ctx).Do()
			if err != nil {
				return nil, "", mapError(err, "")
			}
			items := make([]provider.Item, 0, len(resp.Users))
			for _, u := range resp.Users {
				items = append(items, provider.Item{Object: userObject(u)})
			}
			return items, resp.NextPageToken, nil
		})

	case PhaseGroups:
		return p.walkScopes(ctx, req, func(scope pagination.PageState) ([]provider.Item, string, error) {
			call := svc.Groups.List().MaxResults(pageSize).PageToken(scope.Token)
			if scope.ResourceTypeID == scopeDomain {
				call = call.Domain(scope.ResourceID)
			} else {
				call = call.Customer(scope.ResourceID)
			}
			resp, err := call.Context(ctx).Do()
			if err != nil {
				return nil, "", mapError(err, "")
			}
			items := make([]provider.Item, 0, len(resp.Groups))
			for _, g := range resp.Groups {
				items = append(items, provider.Item{Object: groupObject(g), ChildPhase: PhaseGroupMembers})
			}
			return items, resp.NextPageToken, nil
		})

	case PhaseGroupMembers:
		if req.ParentID == "" {
			return nil, retry.Fatal(fmt.Errorf("google: %s needs a group id", PhaseGroupMembers))
		}
		err = p.wait(ctx)
		if err != nil {
			return nil, err
		}
		resp, err := svc.Members.List(req.ParentID).MaxResults(pageSize).PageToken(req.Cursor).Context(ctx).Do()
		if err != nil {
			return nil, mapError(err, req.ParentID)
		}
		page := &provider.Page{NextCursor: resp.NextPageToken, HasMore: resp.NextPageToken != ""}
		for _, m := range resp.Members {
			page.Items = append(page.Items, provider.Item{Object: memberObject(req.ParentID, m)})
		}
		return page, nil

	default:
		return nil, retry.Fatal(fmt.Errorf("google: unknown phase %q", req.Phase))
	}
}

// walkScopes lists one page from the current scope of the cursor. Tenants that restrict
// the sync to some domains get one scope per domain; everyone else lists the whole
// customer. The scopes and their page tokens travel in a single Bag cursor.
func (p *Provider) walkScopes(
	ctx context.Context,
	req provider.ListRequest,
	list func(scope pagination.PageState) ([]provider.Item, string, error),
) (*provider.Page, error) {
	bag := &pagination.Bag{}
	if req.Cursor == "" {
		domains := domainsOf(req.Tenant)
		if len(domains) == 0 {
			bag.Push(pagination.PageState{ResourceTypeID: scopeCustomer, ResourceID: customerOf(req.Tenant)})
		}
		for i := len(domains) - 1; i >= 0; i-- {
			bag.Push(pagination.PageState{ResourceTypeID: scopeDomain, ResourceID: domains[i]})
		}
	} else {
		err := bag.Unmarshal(req.Cursor)
		if err != nil {
			return nil, retry.Fatal(fmt.Errorf("google: invalid cursor: %w", err))
		}
	}

	scope := bag.Current()
	if scope == nil {
		return &provider.Page{}, nil
	}

	err := p.wait(ctx)
	if err != nil {
		return nil, err
	}
	items, next, err := list(*scope)
	if err != nil {
		return nil, err
	}

	cursor, err := bag.NextToken(next)
	if err != nil {
		return nil, err
	}
	return &provider.Page{Items: items, NextCursor: cursor, HasMore: cursor != ""}, nil
}

func domainsOf(t *tenant.Tenant) []string {
	var ret []string
	for _, d := range strings.Split(t.Setting("domains"), ",") {
		d = strings.TrimSpace(d)
		if d != "" {
			ret = append(ret, d)
		}
	}
	return ret
}

func customerOf(t *tenant.Tenant) string {
	if c := t.Setting("customer_id"); c != "" {
		return c
	}
	return myCustomer
}

// GetObject resolves a user id, then a group id.
func (p *Provider) GetObject(ctx context.Context, t *tenant.Tenant, objectID string) (*sink.Object, error) {
	ctx, span := tracer.Start(ctx, "google.GetObject")
	defer span.End()

	svc, err := p.service(ctx, t)
	if err != nil {
		return nil, err
	}

	err = p.wait(ctx)
	if err != nil {
		return nil, err
	}
	u, err := svc.Users.Get(objectID).Context(ctx).Do()
	if err == nil {
		obj := userObject(u)
		return &obj, nil
	}
	err = mapError(err, objectID)
	if !provider.IsNotFound(err) {
		return nil, err
	}

	err = p.wait(ctx)
	if err != nil {
		return nil, err
	}
	g, err := svc.Groups.Get(objectID).Context(ctx).Do()
	if err != nil {
		return nil, mapError(err, objectID)
	}
	obj := groupObject(g)
	return &obj, nil
}
