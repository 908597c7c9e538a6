package sync

import (
	"context"
	"fmt"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/conductorone/tenantsync/pkg/engine"
	"github.com/conductorone/tenantsync/pkg/lifecycle"
	"github.com/conductorone/tenantsync/pkg/provider"
	"github.com/conductorone/tenantsync/pkg/sink"
	"github.com/conductorone/tenantsync/pkg/store"
	"github.com/conductorone/tenantsync/pkg/store/sqlstore"
	"github.com/conductorone/tenantsync/pkg/tenant"
)

const testProvider = "fake"

// fakeProvider serves scripted pages keyed by phase, parent and cursor. Errors queued for a
// request are returned, one per call, before its page is served.
type fakeProvider struct {
	mtx     gosync.Mutex
	phases  []provider.Phase
	pages   map[string]*provider.Page
	errs    map[string][]error
	objects map[string]sink.Object
	calls   map[string]int
}

func newFakeProvider(phases ...provider.Phase) *fakeProvider {
	return &fakeProvider{
		phases:  phases,
		pages:   map[string]*provider.Page{},
		errs:    map[string][]error{},
		objects: map[string]sink.Object{},
		calls:   map[string]int{},
	}
}

func pageKey(phase, parentID, cursor string) string {
	return fmt.Sprintf("%s/%s@%s", phase, parentID, cursor)
}

func (f *fakeProvider) setPage(phase, parentID, cursor string, page *provider.Page) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.pages[pageKey(phase, parentID, cursor)] = page
}

func (f *fakeProvider) failNext(phase, parentID, cursor string, errs ...error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	k := pageKey(phase, parentID, cursor)
	f.errs[k] = append(f.errs[k], errs...)
}

func (f *fakeProvider) callCount(phase, parentID, cursor string) int {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.calls[pageKey(phase, parentID, cursor)]
}

func (f *fakeProvider) Name() string {
	return testProvider
}

func (f *fakeProvider) Phases() []provider.Phase {
	return f.phases
}

func (f *fakeProvider) ListPage(ctx context.Context, req provider.ListRequest) (*provider.Page, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	k := pageKey(req.Phase, req.ParentID, req.Cursor)
	f.calls[k]++
	if q := f.errs[k]; len(q) > 0 {
		f.errs[k] = q[1:]
		return nil, q[0]
	}
	page, ok := f.pages[k]
	if !ok {
		return &provider.Page{}, nil
	}
	cp := *page
	cp.Items = append([]provider.Item(nil), page.Items...)
	return &cp, nil
}

func (f *fakeProvider) GetObject(ctx context.Context, t *tenant.Tenant, objectID string) (*sink.Object, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if q := f.errs["object@"+objectID]; len(q) > 0 {
		f.errs["object@"+objectID] = q[1:]
		return nil, q[0]
	}
	obj, ok := f.objects[objectID]
	if !ok {
		return nil, &provider.NotFoundError{ItemID: objectID}
	}
	return &obj, nil
}

type fakeTenants struct {
	mtx     gosync.Mutex
	tenants map[string]*tenant.Tenant
}

func (f *fakeTenants) Get(ctx context.Context, id string) (*tenant.Tenant, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	t, ok := f.tenants[id]
	if !ok || t.Removed {
		return nil, tenant.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (f *fakeTenants) remove(id string) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.tenants[id].Removed = true
}

type eventLog struct {
	mtx    gosync.Mutex
	events []store.Event
}

func (h *eventLog) HandleEvent(ctx context.Context, ev *store.Event) ([]store.Event, error) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	h.events = append(h.events, *ev)
	return nil, nil
}

func (h *eventLog) Sweep(ctx context.Context, now time.Time) ([]store.Event, error) {
	return nil, nil
}

func (h *eventLog) named(name string) []store.Event {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	var out []store.Event
	for _, ev := range h.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

type harness struct {
	e       *engine.Engine
	st      *sqlstore.SQLStore
	dbPath  string
	clk     *clock.Mock
	p       *fakeProvider
	sink    *sink.MemorySink
	tenants *fakeTenants
	log     *eventLog
	s       *Syncer
}

func newHarness(t *testing.T, p *fakeProvider, opts ...Option) *harness {
	t.Helper()

	clk := clock.NewMock()
	clk.Set(time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC))

	h := &harness{
		dbPath: filepath.Join(t.TempDir(), "sync.db"),
		clk:    clk,
		p:      p,
		sink:   sink.NewMemorySink(),
		tenants: &fakeTenants{tenants: map[string]*tenant.Tenant{
			"t1": {ID: "t1", Provider: testProvider},
			"t2": {ID: "t2", Provider: testProvider},
		}},
	}
	h.start(t, opts...)
	return h
}

// start opens the store and builds an engine over it. Calling it again simulates a
// process restart.
func (h *harness) start(t *testing.T, opts ...Option) {
	t.Helper()
	ctx := context.Background()

	st, err := sqlstore.Open(ctx, h.dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	h.st = st
	h.log = &eventLog{}
	h.e = engine.New(st, engine.WithClock(h.clk))
	h.e.AddHook(lifecycle.NewListener(st, h.e))
	h.e.AddHook(h.log)

	h.s, err = New(ctx, h.e, Ports{
		Tenants:   h.tenants,
		Providers: provider.NewRegistry(h.p),
		Sink:      h.sink,
	}, opts...)
	require.NoError(t, err)
}

func (h *harness) drain(t *testing.T) {
	t.Helper()
	require.NoError(t, h.e.Drain(context.Background()))
}

// advance moves the clock and lets timers fire.
func (h *harness) advance(t *testing.T, d time.Duration) {
	t.Helper()
	h.clk.Add(d)
	require.NoError(t, h.e.Tick(context.Background()))
	h.drain(t)
}

func (h *harness) runs(t *testing.T, functionID string) []*store.Run {
	t.Helper()
	runs, err := h.st.ListRuns(context.Background(), store.RunFilter{FunctionID: functionID})
	require.NoError(t, err)
	return runs
}

// phaseRun finds the phase-sync run for one page of a listing.
func (h *harness) phaseRun(t *testing.T, phase, parentID, cursor string) *store.Run {
	t.Helper()
	for _, r := range h.runs(t, FunctionPhaseSync) {
		f := r.Trigger.Fields()
		if f["phase"] == phase && f["parent_id"] == parentID && f["cursor"] == cursor {
			return r
		}
	}
	t.Fatalf("no phase-sync run for %s/%s@%s", phase, parentID, cursor)
	return nil
}

func items(ids ...string) []provider.Item {
	ret := make([]provider.Item, 0, len(ids))
	for _, id := range ids {
		ret = append(ret, provider.Item{Object: sink.Object{ID: id, Type: sink.TypeUser, Name: id}})
	}
	return ret
}
