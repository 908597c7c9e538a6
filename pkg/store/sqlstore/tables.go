package sqlstore

import (
	"fmt"
	"strings"
)

// TableDescriptor describes a versioned table. Schema placeholders are expanded per
// dialect: {{table}}, {{version}}, {{blob}} and {{serial}}.
type TableDescriptor interface {
	Name() string
	Version() string
	Schema(d Dialect) string
}

type table struct {
	name    string
	version string
	schema  string
}

func (t *table) Name() string {
	return fmt.Sprintf("v%s_%s", t.version, t.name)
}

func (t *table) Version() string {
	return t.version
}

func (t *table) Schema(d Dialect) string {
	return strings.NewReplacer(
		"{{table}}", t.Name(),
		"{{version}}", t.version,
		"{{blob}}", d.blob,
		"{{serial}}", d.serial,
	).Replace(t.schema)
}

// NewTable is used by packages that keep their own tables in the orchestrator database.
func NewTable(name string, version string, schema string) TableDescriptor {
	return &table{name: name, version: version, schema: schema}
}

var runs = &table{name: "runs", version: "1", schema: `
create table if not exists {{table}} (
    id text primary key,
    function_id text not null,
    event_id text not null,
    tenant_id text not null default '',
    phase text not null default '',
    concurrency_key text not null default '',
    priority integer not null default 0,
    trigger_event {{blob}},
    status text not null,
    attempt integer not null default 0,
    cancel_requested integer not null default 0,
    error_message text not null default '',
    created_at bigint not null,
    started_at bigint not null default 0,
    ended_at bigint not null default 0,
    wake_at bigint not null default 0
);
create unique index if not exists idx_runs_function_event_v{{version}} on {{table}} (function_id, event_id);
create index if not exists idx_runs_status_wake_v{{version}} on {{table}} (status, wake_at);
create index if not exists idx_runs_tenant_status_v{{version}} on {{table}} (tenant_id, status);`}

var steps = &table{name: "steps", version: "1", schema: `
create table if not exists {{table}} (
    run_id text not null,
    name text not null,
    attempts integer not null default 0,
    output {{blob}},
    error_message text not null default '',
    done integer not null default 0,
    updated_at bigint not null,
    primary key (run_id, name)
);`}

var events = &table{name: "events", version: "1", schema: `
create table if not exists {{table}} (
    seq {{serial}},
    id text not null,
    name text not null,
    data {{blob}},
    ts bigint not null,
    dispatched integer not null default 0
);
create unique index if not exists idx_events_id_v{{version}} on {{table}} (id);
create index if not exists idx_events_dispatched_v{{version}} on {{table}} (dispatched, seq);`}

var waits = &table{name: "waits", version: "1", schema: `
create table if not exists {{table}} (
    run_id text not null,
    step_name text not null,
    event_name text not null,
    match_fields {{blob}},
    deadline bigint not null default 0,
    primary key (run_id, step_name)
);
create index if not exists idx_waits_event_v{{version}} on {{table}} (event_name);
create index if not exists idx_waits_deadline_v{{version}} on {{table}} (deadline);`}

var barrierEntries = &table{name: "barrier_entries", version: "1", schema: `
create table if not exists {{table}} (
    run_id text not null,
    barrier_id text not null,
    child_key text not null,
    tenant_id text not null default '',
    status text not null,
    deadline bigint not null default 0,
    detail text not null default '',
    resolved_at bigint not null default 0,
    primary key (run_id, barrier_id, child_key)
);
create index if not exists idx_barrier_status_deadline_v{{version}} on {{table}} (status, deadline);`}

var subscriptions = &table{name: "subscriptions", version: "1", schema: `
create table if not exists {{table}} (
    run_id text not null,
    event_name text not null,
    tenant_id text not null default '',
    primary key (run_id, event_name)
);
create index if not exists idx_subscriptions_event_tenant_v{{version}} on {{table}} (event_name, tenant_id);`}

var allTableDescriptors = []TableDescriptor{
	runs,
	steps,
	events,
	waits,
	barrierEntries,
	subscriptions,
}
