// Package slack syncs users, channels and channel membership from the Slack Web API.
package slack

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/conductorone/tenantsync/pkg/provider"
	"github.com/conductorone/tenantsync/pkg/ratelimit"
	"github.com/conductorone/tenantsync/pkg/retry"
	"github.com/conductorone/tenantsync/pkg/sink"
	"github.com/conductorone/tenantsync/pkg/tenant"
	"github.com/conductorone/tenantsync/pkg/uhttp"
)

var tracer = otel.Tracer("tenantsync/pkg.provider.slack")

const (
	Name = "slack"

	PhaseUsers          = "users"
	PhaseChannels       = "channels"
	PhaseChannelMembers = "channel_members"

	DefaultBaseURL = "https://slack.com/api/"

	// Slack's tier 2 methods allow roughly 20 calls a minute per workspace; the client
	// paces a little above that and relies on Retry-After for the rest.
	defaultRequestsPerSecond = 1
	pageSize                 = 200
)

type Provider struct {
	client  *uhttp.BaseHttpClient
	baseURL *url.URL
}

var _ provider.Provider = (*Provider)(nil)

type Option func(*options)

type options struct {
	baseURL    string
	httpClient *http.Client
	limiter    ratelimit.Limiter
}

func WithBaseURL(u string) Option {
	return func(o *options) {
		o.baseURL = u
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.httpClient = c
	}
}

func WithLimiter(l ratelimit.Limiter) Option {
	return func(o *options) {
		o.limiter = l
	}
}

func New(opts ...Option) (*Provider, error) {
	o := &options{baseURL: DefaultBaseURL}
	for _, opt := range opts {
		opt(o)
	}
	if o.limiter == nil {
		o.limiter = ratelimit.NewLeakyBucket(defaultRequestsPerSecond)
	}
	base, err := url.Parse(o.baseURL)
	if err != nil {
		return nil, fmt.Errorf("slack: invalid base url: %w", err)
	}
	return &Provider{
		client:  uhttp.NewBaseHttpClient(o.httpClient, uhttp.WithLimiter(o.limiter)),
		baseURL: base,
	}, nil
}

func (p *Provider) Name() string {
	return Name
}

func (p *Provider) Phases() []provider.Phase {
	return []provider.Phase{
		{Name: PhaseUsers, ObjectType: sink.TypeUser},
		{Name: PhaseChannels, ObjectType: sink.TypeChannel},
		{Name: PhaseChannelMembers, ObjectType: sink.TypeGroupMember, Child: true},
	}
}

func (p *Provider) ListPage(ctx context.Context, req provider.ListRequest) (*provider.Page, error) {
	ctx, span := tracer.Start(ctx, "slack.ListPage")
	defer span.End()

	switch req.Phase {
	case PhaseUsers:
		return p.listUsers(ctx, req)
	case PhaseChannels:
		return p.listChannels(ctx, req)
	case PhaseChannelMembers:
		return p.listChannelMembers(ctx, req)
	default:
		return nil, retry.Fatal(fmt.Errorf("slack: unknown phase %q", req.Phase))
	}
}

// GetObject resolves a user (U…, W…) or a conversation (C…, G…, D…) id.
func (p *Provider) GetObject(ctx context.Context, t *tenant.Tenant, objectID string) (*sink.Object, error) {
	ctx, span := tracer.Start(ctx, "slack.GetObject")
	defer span.End()

	switch {
	case strings.HasPrefix(objectID, "U"), strings.HasPrefix(objectID, "W"):
		var resp userInfoResponse
		err := p.call(ctx, t, "users.info", url.Values{"user": {objectID}}, &resp)
		if err != nil {
			return nil, notFoundAs(err, objectID)
		}
		if resp.User.Deleted {
			return nil, &provider.NotFoundError{ItemID: objectID}
		}
		obj := resp.User.object()
		return &obj, nil
	case strings.HasPrefix(objectID, "C"), strings.HasPrefix(objectID, "G"), strings.HasPrefix(objectID, "D"):
		var resp channelInfoResponse
		err := p.call(ctx, t, "conversations.info", url.Values{"channel": {objectID}}, &resp)
		if err != nil {
			return nil, notFoundAs(err, objectID)
		}
		if resp.Channel.IsArchived {
			return nil, &provider.NotFoundError{ItemID: objectID}
		}
		obj := resp.Channel.object()
		return &obj, nil
	default:
		return nil, &provider.NotFoundError{ItemID: objectID}
	}
}

func notFoundAs(err error, id string) error {
	var se *slackError
	if errors.As(err, &se) && se.notFound() {
		return &provider.NotFoundError{ItemID: id}
	}
	return err
}

func (p *Provider) listUsers(ctx context.Context, req provider.ListRequest) (*provider.Page, error) {
	var resp usersListResponse
	err := p.call(ctx, req.Tenant, "users.list", pageQuery(req.Cursor, nil), &resp)
	if err != nil {
		return nil, err
	}
	page := &provider.Page{}
	for _, u := range resp.Members {
		if u.Deleted {
			continue
		}
		page.Items = append(page.Items, provider.Item{Object: u.object()})
	}
	setCursor(page, resp.Metadata.NextCursor)
	return page, nil
}

func (p *Provider) listChannels(ctx context.Context, req provider.ListRequest) (*provider.Page, error) {
	var resp channelsListResponse
	err := p.call(ctx, req.Tenant, "conversations.list", pageQuery(req.Cursor, url.Values{
		"types":            {"public_channel,private_channel"},
		"exclude_archived": {"true"},
	}), &resp)
	if err != nil {
		return nil, err
	}
	page := &provider.Page{}
	for _, c := range resp.Channels {
		page.Items = append(page.Items, provider.Item{Object: c.object(), ChildPhase: PhaseChannelMembers})
	}
	setCursor(page, resp.Metadata.NextCursor)
	return page, nil
}

func (p *Provider) listChannelMembers(ctx context.Context, req provider.ListRequest) (*provider.Page, error) {
	if req.ParentID == "" {
		return nil, retry.Fatal(fmt.Errorf("slack: %s needs a channel id", PhaseChannelMembers))
	}
	var resp membersResponse
	err := p.call(ctx, req.Tenant, "conversations.members", pageQuery(req.Cursor, url.Values{"channel": {req.ParentID}}), &resp)
	if err != nil {
		return nil, notFoundAs(err, req.ParentID)
	}
	page := &provider.Page{}
	for _, m := range resp.Members {
		page.Items = append(page.Items, provider.Item{Object: sink.Object{
			ID:       req.ParentID + ":" + m,
			Type:     sink.TypeGroupMember,
			ParentID: req.ParentID,
			Attributes: map[string]string{
				"user_id": m,
			},
		}})
	}
	setCursor(page, resp.Metadata.NextCursor)
	return page, nil
}

func pageQuery(cursor string, q url.Values) url.Values {
	if q == nil {
		q = url.Values{}
	}
	q.Set("limit", strconv.Itoa(pageSize))
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	return q
}

func setCursor(page *provider.Page, next string) {
	page.NextCursor = next
	page.HasMore = next != ""
}

type apiResponse interface {
	result() *baseResponse
}

// call performs a Web API method. Slack reports most failures as HTTP 200 with ok=false.
func (p *Provider) call(ctx context.Context, t *tenant.Tenant, method string, q url.Values, out apiResponse) error {
	if t == nil {
		return retry.Fatal(errors.New("slack: missing tenant"))
	}
	token := t.Credential("token")
	if token == "" {
		return provider.Unauthorized(errors.New("slack: tenant has no token"))
	}

	u := p.baseURL.JoinPath(method)
	u.RawQuery = q.Encode()

	req, err := p.client.NewRequest(ctx, http.MethodGet, u, uhttp.WithAcceptJSONHeader(), uhttp.WithBearerToken(token))
	if err != nil {
		return err
	}
	_, err = p.client.Do(req, uhttp.WithJSONResponse(out))
	if err != nil {
		switch uhttp.StatusCode(err) {
		case http.StatusUnauthorized, http.StatusForbidden:
			return provider.Unauthorized(err)
		}
		return err
	}

	res := out.result()
	if res.OK {
		return nil
	}
	se := &slackError{Method: method, Code: res.Error}
	ctxzap.Extract(ctx).Debug("slack api error", zap.String("method", method), zap.String("error", res.Error))
	switch {
	case se.unauthorized():
		return provider.Unauthorized(se)
	case se.Code == "ratelimited":
		return ratelimit.Wrap(se, ratelimit.DefaultRetryAfter)
	case se.notFound():
		return retry.Fatal(se)
	}
	return retry.Retriable(se)
}

type slackError struct {
	Method string
	Code   string
}

func (e *slackError) Error() string {
	return fmt.Sprintf("slack: %s: %s", e.Method, e.Code)
}

func (e *slackError) unauthorized() bool {
	switch e.Code {
	case "invalid_auth", "not_authed", "account_inactive", "token_revoked", "token_expired", "missing_scope", "no_permission":
		return true
	}
	return false
}

func (e *slackError) notFound() bool {
	switch e.Code {
	case "user_not_found", "channel_not_found", "users_not_found":
		return true
	}
	return false
}
