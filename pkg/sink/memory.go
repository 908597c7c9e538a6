package sink

import (
	"context"
	"sort"
	"sync"
)

// Call records one request made against a MemorySink.
type Call struct {
	Op       string
	TenantID string
	Objects  []Object
	Delete   DeleteRequest
	HasError bool
}

// MemorySink applies writes to an in-process map. It backs tests and dry runs.
type MemorySink struct {
	mtx     sync.Mutex
	objects map[string]map[string]Object
	status  map[string]bool
	calls   []Call
}

var _ Sink = (*MemorySink)(nil)

func NewMemorySink() *MemorySink {
	return &MemorySink{
		objects: make(map[string]map[string]Object),
		status:  make(map[string]bool),
	}
}

func (m *MemorySink) Upsert(ctx context.Context, tenantID string, objects []Object) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	m.calls = append(m.calls, Call{Op: "upsert", TenantID: tenantID, Objects: append([]Object(nil), objects...)})
	tenant, ok := m.objects[tenantID]
	if !ok {
		tenant = make(map[string]Object)
		m.objects[tenantID] = tenant
	}
	for _, o := range objects {
		// A replayed upsert from an older sync never rolls an object back.
		if prev, ok := tenant[o.ID]; ok && prev.SyncedAt.After(o.SyncedAt) {
			continue
		}
		tenant[o.ID] = o
	}
	return nil
}

func (m *MemorySink) Delete(ctx context.Context, tenantID string, req DeleteRequest) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	m.calls = append(m.calls, Call{Op: "delete", TenantID: tenantID, Delete: req})
	tenant := m.objects[tenantID]
	for _, id := range req.IDs {
		delete(tenant, id)
	}
	if req.SyncedBefore.IsZero() {
		return nil
	}
	for id, o := range tenant {
		if req.Scope.Type != "" && o.Type != req.Scope.Type {
			continue
		}
		if req.Scope.ParentID != "" && o.ParentID != req.Scope.ParentID {
			continue
		}
		if o.SyncedAt.Before(req.SyncedBefore) {
			delete(tenant, id)
		}
	}
	return nil
}

func (m *MemorySink) UpdateConnectionStatus(ctx context.Context, tenantID string, hasError bool) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	m.calls = append(m.calls, Call{Op: "connection_status", TenantID: tenantID, HasError: hasError})
	m.status[tenantID] = hasError
	return nil
}

// Objects returns the tenant's objects sorted by id.
func (m *MemorySink) Objects(tenantID string) []Object {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	ret := make([]Object, 0, len(m.objects[tenantID]))
	for _, o := range m.objects[tenantID] {
		ret = append(ret, o)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].ID < ret[j].ID })
	return ret
}

// IDs returns the sorted ids of the tenant's objects.
func (m *MemorySink) IDs(tenantID string) []string {
	objs := m.Objects(tenantID)
	ids := make([]string, 0, len(objs))
	for _, o := range objs {
		ids = append(ids, o.ID)
	}
	return ids
}

func (m *MemorySink) ConnectionError(tenantID string) (bool, bool) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	v, ok := m.status[tenantID]
	return v, ok
}

func (m *MemorySink) Calls() []Call {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return append([]Call(nil), m.calls...)
}

// CallsFor counts calls of op made for a tenant.
func (m *MemorySink) CallsFor(tenantID string, op string) int {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.TenantID == tenantID && c.Op == op {
			n++
		}
	}
	return n
}
