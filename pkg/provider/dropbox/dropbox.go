// Package dropbox syncs the file tree of a Dropbox account.
package dropbox

import (
	"context"
	"fmt"
	"net/http"

	"github.com/dropbox/dropbox-sdk-go-unofficial/v6/dropbox"
	"github.com/dropbox/dropbox-sdk-go-unofficial/v6/dropbox/files"
	"go.opentelemetry.io/otel"

	"github.com/conductorone/tenantsync/pkg/provider"
	"github.com/conductorone/tenantsync/pkg/ratelimit"
	"github.com/conductorone/tenantsync/pkg/retry"
	"github.com/conductorone/tenantsync/pkg/sink"
	"github.com/conductorone/tenantsync/pkg/tenant"
)

var tracer = otel.Tracer("tenantsync/pkg.provider.dropbox")

const (
	Name = "dropbox"

	PhaseFiles = "files"

	pageSize                 = 500
	defaultRequestsPerSecond = 5
)

// filesClient is the part of files.Client the provider calls.
type filesClient interface {
	ListFolder(arg *files.ListFolderArg) (*files.ListFolderResult, error)
	ListFolderContinue(arg *files.ListFolderContinueArg) (*files.ListFolderResult, error)
	GetMetadata(arg *files.GetMetadataArg) (files.IsMetadata, error)
}

type ClientFactory func(token string) filesClient

type Provider struct {
	newClient ClientFactory
	limiter   ratelimit.Limiter
}

var _ provider.Provider = (*Provider)(nil)

type Option func(*Provider)

func WithLimiter(l ratelimit.Limiter) Option {
	return func(p *Provider) {
		p.limiter = l
	}
}

// WithHTTPClient sends SDK requests through c.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.newClient = func(token string) filesClient {
			return files.New(dropbox.Config{Token: token, LogLevel: dropbox.LogOff, Client: c})
		}
	}
}

func withClientFactory(f ClientFactory) Option {
	return func(p *Provider) {
		p.newClient = f
	}
}

func New(opts ...Option) *Provider {
	p := &Provider{
		newClient: func(token string) filesClient {
			return files.New(dropbox.Config{Token: token, LogLevel: dropbox.LogOff})
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.limiter == nil {
		p.limiter = ratelimit.NewLeakyBucket(defaultRequestsPerSecond)
	}
	return p
}

func (p *Provider) Name() string {
	return Name
}

func (p *Provider) Phases() []provider.Phase {
	return []provider.Phase{
		{Name: PhaseFiles, ObjectType: sink.TypeFile},
	}
}

func (p *Provider) client(t *tenant.Tenant) (filesClient, error) {
	if t == nil {
		return nil, retry.Fatal(fmt.Errorf("dropbox: missing tenant"))
	}
	token := t.Credential("access_token")
	if token == "" {
		return nil, provider.Unauthorized(fmt.Errorf("dropbox: tenant %s has no access token", t.ID))
	}
	return p.newClient(token), nil
}

// ListPage walks the account recursively from the root folder configured for the tenant.
// Dropbox cursors are opaque and resume the walk where the previous page stopped.
func (p *Provider) ListPage(ctx context.Context, req provider.ListRequest) (*provider.Page, error) {
	ctx, span := tracer.Start(ctx, "dropbox.ListPage")
	defer span.End()

	if req.Phase != PhaseFiles {
		return nil, retry.Fatal(fmt.Errorf("dropbox: unknown phase %q", req.Phase))
	}
	c, err := p.client(req.Tenant)
	if err != nil {
		return nil, err
	}
	err = p.limiter.Wait(ctx)
	if err != nil {
		return nil, err
	}

	var res *files.ListFolderResult
	if req.Cursor == "" {
		arg := files.NewListFolderArg(req.Tenant.Setting("root_path"))
		arg.Recursive = true
		arg.Limit = pageSize
		res, err = c.ListFolder(arg)
	} else {
		res, err = c.ListFolderContinue(files.NewListFolderContinueArg(req.Cursor))
	}
	if err != nil {
		return nil, mapError(err, "")
	}

	page := &provider.Page{HasMore: res.HasMore}
	if res.HasMore {
		page.NextCursor = res.Cursor
	}
	for _, e := range res.Entries {
		obj, ok := toObject(e)
		if !ok {
			continue
		}
		page.Items = append(page.Items, provider.Item{Object: obj})
	}
	return page, nil
}

// GetObject accepts a Dropbox file id ("id:…") or a path.
func (p *Provider) GetObject(ctx context.Context, t *tenant.Tenant, objectID string) (*sink.Object, error) {
	ctx, span := tracer.Start(ctx, "dropbox.GetObject")
	defer span.End()

	c, err := p.client(t)
	if err != nil {
		return nil, err
	}
	err = p.limiter.Wait(ctx)
	if err != nil {
		return nil, err
	}

	md, err := c.GetMetadata(files.NewGetMetadataArg(objectID))
	if err != nil {
		return nil, mapError(err, objectID)
	}
	obj, ok := toObject(md)
	if !ok {
		return nil, &provider.NotFoundError{ItemID: objectID}
	}
	return &obj, nil
}
