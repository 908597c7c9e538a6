package runner

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"

	"github.com/conductorone/tenantsync/pkg/concurrency"
	"github.com/conductorone/tenantsync/pkg/config"
	"github.com/conductorone/tenantsync/pkg/engine"
	"github.com/conductorone/tenantsync/pkg/lifecycle"
	"github.com/conductorone/tenantsync/pkg/metrics"
	"github.com/conductorone/tenantsync/pkg/provider"
	"github.com/conductorone/tenantsync/pkg/provider/dropbox"
	"github.com/conductorone/tenantsync/pkg/provider/google"
	"github.com/conductorone/tenantsync/pkg/provider/slack"
	"github.com/conductorone/tenantsync/pkg/ratelimit"
	"github.com/conductorone/tenantsync/pkg/sink"
	"github.com/conductorone/tenantsync/pkg/store"
	"github.com/conductorone/tenantsync/pkg/store/sqlstore"
	"github.com/conductorone/tenantsync/pkg/sync"
	"github.com/conductorone/tenantsync/pkg/sync/progresslog"
	"github.com/conductorone/tenantsync/pkg/tenant"
	"github.com/conductorone/tenantsync/pkg/webhook"
)

// App is every component of a tenantsync process, wired from one Config.
type App struct {
	Config    *config.Config
	Store     *sqlstore.SQLStore
	Tenants   *tenant.SQLStore
	Cache     *tenant.CachedStore
	Providers *provider.Registry
	Sink      sink.Sink
	Engine    *engine.Engine
	Syncer    *sync.Syncer
	Webhooks  *webhook.Handler
}

type appOptions struct {
	clk        clock.Clock
	httpClient *http.Client
	metrics    metrics.Handler
	sink       sink.Sink
	providers  []provider.Provider
}

type AppOption func(*appOptions)

func WithClock(c clock.Clock) AppOption {
	return func(o *appOptions) {
		o.clk = c
	}
}

// WithHTTPClient is used for provider and sink calls.
func WithHTTPClient(c *http.Client) AppOption {
	return func(o *appOptions) {
		o.httpClient = c
	}
}

func WithMetricsHandler(h metrics.Handler) AppOption {
	return func(o *appOptions) {
		o.metrics = h
	}
}

// WithSink replaces the sink the configuration would build.
func WithSink(s sink.Sink) AppOption {
	return func(o *appOptions) {
		o.sink = s
	}
}

// WithProviders replaces the providers the configuration would build.
func WithProviders(ps ...provider.Provider) AppOption {
	return func(o *appOptions) {
		o.providers = ps
	}
}

func buildProviders(cfg *config.Config, httpClient *http.Client) ([]provider.Provider, error) {
	ret := make([]provider.Provider, 0, len(cfg.Providers))
	for _, name := range cfg.Providers {
		switch name {
		case google.Name:
			opts := []google.Option{}
			if httpClient != nil {
				opts = append(opts, google.WithHTTPClient(httpClient))
			}
			if cfg.GoogleEndpoint != "" {
				opts = append(opts, google.WithEndpoint(cfg.GoogleEndpoint))
			}
			ret = append(ret, google.New(opts...))
		case slack.Name:
			opts := []slack.Option{slack.WithHTTPClient(httpClient)}
			if cfg.SlackBaseURL != "" {
				opts = append(opts, slack.WithBaseURL(cfg.SlackBaseURL))
			}
			p, err := slack.New(opts...)
			if err != nil {
				return nil, err
			}
			ret = append(ret, p)
		case dropbox.Name:
			opts := []dropbox.Option{}
			if httpClient != nil {
				opts = append(opts, dropbox.WithHTTPClient(httpClient))
			}
			ret = append(ret, dropbox.New(opts...))
		default:
			return nil, fmt.Errorf("runner: unknown provider %q", name)
		}
	}
	return ret, nil
}

func buildSink(cfg *config.Config, httpClient *http.Client) (sink.Sink, error) {
	if cfg.DryRun {
		return sink.NewMemorySink(), nil
	}
	return sink.NewHTTPSink(cfg.SinkURL, cfg.SinkToken, httpClient, ratelimit.NewLeakyBucket(cfg.SinkRate))
}

// NewApp opens the run store and wires the engine, the sync functions, and the webhook
// handler. Close releases the store.
func NewApp(ctx context.Context, cfg *config.Config, opts ...AppOption) (*App, error) {
	o := &appOptions{clk: clock.New()}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = metrics.NewNoOpHandler(ctx)
	}
	l := ctxzap.Extract(ctx)

	providers := o.providers
	if providers == nil {
		var err error
		providers, err = buildProviders(cfg, o.httpClient)
		if err != nil {
			return nil, err
		}
	}
	snk := o.sink
	if snk == nil {
		var err error
		snk, err = buildSink(cfg, o.httpClient)
		if err != nil {
			return nil, err
		}
	}

	st, err := sqlstore.Open(ctx, cfg.DBDSN)
	if err != nil {
		return nil, err
	}
	app := &App{
		Config:    cfg,
		Store:     st,
		Providers: provider.NewRegistry(providers...),
		Sink:      snk,
	}

	err = app.wire(ctx, o)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	l.Debug("app wired",
		zap.String("dialect", st.Dialect().Name),
		zap.Strings("providers", app.Providers.Names()),
		zap.Bool("dry_run", cfg.DryRun),
	)
	return app, nil
}

func (a *App) wire(ctx context.Context, o *appOptions) error {
	cfg := a.Config

	var err error
	a.Tenants, err = tenant.NewSQLStore(ctx, a.Store.DB(), a.Store.Dialect())
	if err != nil {
		return err
	}
	a.Cache, err = tenant.NewCachedStore(a.Tenants, cfg.TenantCacheTTL)
	if err != nil {
		return err
	}

	limiter := concurrency.NewLimiter(concurrency.WithDefaultLimit(cfg.PhaseConcurrency))
	a.Engine = engine.New(a.Store,
		engine.WithClock(o.clk),
		engine.WithLimiter(limiter),
		engine.WithMetrics(o.metrics),
	)
	a.Engine.AddHook(lifecycle.NewListener(a.Store, a.Engine, lifecycle.WithInvalidator(a.Cache)))

	a.Syncer, err = sync.New(ctx, a.Engine, sync.Ports{
		Tenants:   a.Cache,
		Providers: a.Providers,
		Sink:      a.Sink,
	},
		sync.WithBranchTimeout(cfg.BranchTimeout),
		sync.WithPhaseJoinTimeout(cfg.PhaseJoinTimeout),
		sync.WithRetryPolicy(cfg.RetryPolicy()),
		sync.WithProgressLog(progresslog.NewProgressCounts(ctx, progresslog.WithNow(o.clk.Now))),
	)
	if err != nil {
		return err
	}

	a.Webhooks, err = webhook.New(a.Syncer, a.Engine, a.Tenants, a.Providers, webhook.WithLogger(ctxzap.Extract(ctx)))
	return err
}

// SetTenantRemoved flips the tenant's removed flag, then sends tenant/removed or
// tenant/reinstalled so in-flight runs are cancelled and a reinstall resyncs.
func (a *App) SetTenantRemoved(ctx context.Context, tenantID string, removed bool) (string, error) {
	err := a.Tenants.SetRemoved(ctx, tenantID, removed)
	if err != nil {
		return "", err
	}
	name := lifecycle.EventTenantReinstalled
	if removed {
		name = lifecycle.EventTenantRemoved
	}
	ev, err := store.NewEvent(name, map[string]string{"tenant_id": tenantID})
	if err != nil {
		return "", err
	}
	ids, err := a.Engine.Send(ctx, ev)
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// Close releases the store. Runs left mid-flight are recovered on the next start.
func (a *App) Close() error {
	return a.Store.Close()
}

// Settle drives the engine on the calling goroutine until nothing is runnable and no
// timer is due before deadline. One-shot commands use it instead of a worker pool.
func (a *App) Settle(ctx context.Context, poll time.Duration, deadline time.Time) error {
	for {
		err := a.Engine.Drain(ctx)
		if err != nil {
			return err
		}
		err = a.Engine.Tick(ctx)
		if err != nil {
			return err
		}
		err = a.Engine.Drain(ctx)
		if err != nil {
			return err
		}

		open, err := a.openRuns(ctx)
		if err != nil {
			return err
		}
		if open == 0 {
			return nil
		}
		if !a.Engine.Clock().Now().Before(deadline) {
			return errOpenRuns(open)
		}

		timer := a.Engine.Clock().Timer(poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (a *App) openRuns(ctx context.Context) (int, error) {
	runs, err := a.Store.ListRuns(ctx, storeOpenFilter)
	if err != nil {
		return 0, err
	}
	return len(runs), nil
}

var storeOpenFilter = store.RunFilter{
	Statuses: []store.RunStatus{
		store.StatusCreated,
		store.StatusRunning,
		store.StatusSuspendedWaitingEvent,
		store.StatusSuspendedRateLimited,
		store.StatusSuspendedRetry,
	},
}

var ErrRunsStillOpen = errors.New("runner: runs still open")

func errOpenRuns(n int) error {
	return fmt.Errorf("%w: %d", ErrRunsStillOpen, n)
}
