package tenant

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"go.opentelemetry.io/otel"

	"github.com/conductorone/tenantsync/pkg/store/sqlstore"
)

var tracer = otel.Tracer("tenantsync/pkg.tenant")

var tenants = sqlstore.NewTable("tenants", "1", `
create table if not exists {{table}} (
    id text primary key,
    provider text not null,
    credentials {{blob}},
    config {{blob}},
    removed integer not null default 0,
    created_at bigint not null,
    updated_at bigint not null
);`)

type tenantRecord struct {
	ID          string `db:"id"`
	Provider    string `db:"provider"`
	Credentials []byte `db:"credentials"`
	Config      []byte `db:"config"`
	Removed     int    `db:"removed"`
	CreatedAt   int64  `db:"created_at"`
	UpdatedAt   int64  `db:"updated_at"`
}

func (rec *tenantRecord) toTenant() (*Tenant, error) {
	t := &Tenant{
		ID:        rec.ID,
		Provider:  rec.Provider,
		Removed:   rec.Removed != 0,
		CreatedAt: time.Unix(0, rec.CreatedAt).UTC(),
		UpdatedAt: time.Unix(0, rec.UpdatedAt).UTC(),
	}
	if len(rec.Credentials) > 0 {
		err := json.Unmarshal(rec.Credentials, &t.Credentials)
		if err != nil {
			return nil, fmt.Errorf("tenant: decode credentials of %s: %w", rec.ID, err)
		}
	}
	if len(rec.Config) > 0 {
		err := json.Unmarshal(rec.Config, &t.Config)
		if err != nil {
			return nil, fmt.Errorf("tenant: decode config of %s: %w", rec.ID, err)
		}
	}
	return t, nil
}

// SQLStore keeps tenants in the orchestrator database.
type SQLStore struct {
	db *goqu.Database
}

var _ Admin = (*SQLStore)(nil)

func NewSQLStore(ctx context.Context, db *goqu.Database, d sqlstore.Dialect) (*SQLStore, error) {
	err := sqlstore.CreateTables(ctx, db, d, tenants)
	if err != nil {
		return nil, err
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Tenant, error) {
	ctx, span := tracer.Start(ctx, "SQLStore.Get")
	defer span.End()

	var rec tenantRecord
	found, err := s.db.From(tenants.Name()).
		Where(goqu.C("id").Eq(id)).
		Prepared(true).
		ScanStructContext(ctx, &rec)
	if err != nil {
		return nil, fmt.Errorf("tenant: get %s: %w", id, err)
	}
	if !found || rec.Removed != 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec.toTenant()
}

func (s *SQLStore) Put(ctx context.Context, t *Tenant) error {
	ctx, span := tracer.Start(ctx, "SQLStore.Put")
	defer span.End()

	creds, err := json.Marshal(t.Credentials)
	if err != nil {
		return err
	}
	cfg, err := json.Marshal(t.Config)
	if err != nil {
		return err
	}
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	_, err = s.db.Insert(tenants.Name()).
		Rows(goqu.Record{
			"id":          t.ID,
			"provider":    t.Provider,
			"credentials": creds,
			"config":      cfg,
			"removed":     boolInt(t.Removed),
			"created_at":  t.CreatedAt.UnixNano(),
			"updated_at":  t.UpdatedAt.UnixNano(),
		}).
		OnConflict(goqu.DoUpdate("id", goqu.Record{
			"provider":    goqu.I("excluded.provider"),
			"credentials": goqu.I("excluded.credentials"),
			"config":      goqu.I("excluded.config"),
			"removed":     goqu.I("excluded.removed"),
			"updated_at":  goqu.I("excluded.updated_at"),
		})).
		Prepared(true).
		Executor().ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("tenant: put %s: %w", t.ID, err)
	}
	return nil
}

func (s *SQLStore) SetRemoved(ctx context.Context, id string, removed bool) error {
	ctx, span := tracer.Start(ctx, "SQLStore.SetRemoved")
	defer span.End()

	res, err := s.db.Update(tenants.Name()).
		Set(goqu.Record{"removed": boolInt(removed), "updated_at": time.Now().UnixNano()}).
		Where(goqu.C("id").Eq(id)).
		Prepared(true).
		Executor().ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("tenant: update %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// List returns every tenant, removed ones included.
func (s *SQLStore) List(ctx context.Context) ([]*Tenant, error) {
	ctx, span := tracer.Start(ctx, "SQLStore.List")
	defer span.End()

	var recs []tenantRecord
	err := s.db.From(tenants.Name()).Order(goqu.C("id").Asc()).Prepared(true).ScanStructsContext(ctx, &recs)
	if err != nil {
		return nil, fmt.Errorf("tenant: list: %w", err)
	}
	ret := make([]*Tenant, 0, len(recs))
	for i := range recs {
		t, err := recs[i].toTenant()
		if err != nil {
			return nil, err
		}
		ret = append(ret, t)
	}
	return ret, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
