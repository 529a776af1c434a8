package store

// schema is applied on every open; all statements are idempotent.
//
// Monetary columns are INTEGER micro-dollars (see internal/money), which
// keeps "total_savings = total_savings + ?" exact and atomic per row.
// Timestamps are fixed-width RFC3339 UTC text, so string order is time
// order.
const schema = `
CREATE TABLE IF NOT EXISTS clients (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	client_token  TEXT NOT NULL UNIQUE,
	status        TEXT NOT NULL DEFAULT 'active',
	total_savings INTEGER NOT NULL DEFAULT 0,
	last_sync_at  TEXT,
	created_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS agents (
	id                     TEXT PRIMARY KEY,
	client_id              TEXT NOT NULL REFERENCES clients(id),
	status                 TEXT NOT NULL DEFAULT 'offline',
	hostname               TEXT,
	agent_version          TEXT,
	enabled                INTEGER NOT NULL DEFAULT 1,
	auto_switch_enabled    INTEGER NOT NULL DEFAULT 0,
	auto_terminate_enabled INTEGER NOT NULL DEFAULT 0,
	instance_count         INTEGER NOT NULL DEFAULT 0,
	last_heartbeat         TEXT,
	created_at             TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS agent_configs (
	agent_id                TEXT PRIMARY KEY REFERENCES agents(id),
	min_savings_percent     REAL NOT NULL DEFAULT 10.0,
	risk_threshold          REAL NOT NULL DEFAULT 0.7,
	max_switches_per_week   INTEGER NOT NULL DEFAULT 3,
	min_pool_duration_hours INTEGER NOT NULL DEFAULT 24
);

CREATE TABLE IF NOT EXISTS instances (
	id                      TEXT PRIMARY KEY,
	client_id               TEXT NOT NULL REFERENCES clients(id),
	agent_id                TEXT,
	instance_type           TEXT NOT NULL,
	region                  TEXT NOT NULL,
	az                      TEXT NOT NULL,
	ami_id                  TEXT,
	current_mode            TEXT NOT NULL DEFAULT 'ondemand'
	                        CHECK (current_mode IN ('spot','ondemand')),
	current_pool_id         TEXT,
	spot_price              INTEGER,
	ondemand_price          INTEGER,
	baseline_ondemand_price INTEGER,
	is_active               INTEGER NOT NULL DEFAULT 1,
	installed_at            TEXT NOT NULL,
	last_switch_at          TEXT,
	terminated_at           TEXT,
	CHECK ((current_mode = 'ondemand') = (current_pool_id IS NULL))
);
CREATE INDEX IF NOT EXISTS idx_instances_client ON instances(client_id, is_active);

CREATE TABLE IF NOT EXISTS spot_pools (
	id            TEXT PRIMARY KEY,
	instance_type TEXT NOT NULL,
	region        TEXT NOT NULL,
	az            TEXT NOT NULL,
	created_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS spot_price_snapshots (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	pool_id     TEXT NOT NULL REFERENCES spot_pools(id),
	price       INTEGER NOT NULL,
	captured_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_spot_snapshots_pool
	ON spot_price_snapshots(pool_id, captured_at DESC);

CREATE TABLE IF NOT EXISTS ondemand_price_snapshots (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	region        TEXT NOT NULL,
	instance_type TEXT NOT NULL,
	price         INTEGER NOT NULL,
	captured_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ondemand_snapshots_key
	ON ondemand_price_snapshots(region, instance_type, captured_at DESC);

CREATE TABLE IF NOT EXISTS switch_events (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	client_id       TEXT NOT NULL,
	instance_id     TEXT NOT NULL,
	agent_id        TEXT NOT NULL,
	trigger         TEXT NOT NULL CHECK (trigger IN ('model','manual')),
	from_mode       TEXT NOT NULL CHECK (from_mode IN ('spot','ondemand')),
	to_mode         TEXT NOT NULL CHECK (to_mode IN ('spot','ondemand')),
	from_pool_id    TEXT,
	to_pool_id      TEXT,
	on_demand_price INTEGER NOT NULL,
	old_spot_price  INTEGER NOT NULL,
	new_spot_price  INTEGER NOT NULL,
	savings_impact  INTEGER NOT NULL,
	old_instance_id TEXT,
	new_instance_id TEXT,
	timestamp       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_switch_events_instance ON switch_events(instance_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_switch_events_agent    ON switch_events(agent_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_switch_events_client   ON switch_events(client_id, timestamp);

CREATE TABLE IF NOT EXISTS switch_events_archive (
	id              INTEGER PRIMARY KEY,
	client_id       TEXT NOT NULL,
	instance_id     TEXT NOT NULL,
	agent_id        TEXT NOT NULL,
	trigger         TEXT NOT NULL,
	from_mode       TEXT NOT NULL,
	to_mode         TEXT NOT NULL,
	from_pool_id    TEXT,
	to_pool_id      TEXT,
	on_demand_price INTEGER NOT NULL,
	old_spot_price  INTEGER NOT NULL,
	new_spot_price  INTEGER NOT NULL,
	savings_impact  INTEGER NOT NULL,
	old_instance_id TEXT,
	new_instance_id TEXT,
	timestamp       TEXT NOT NULL,
	archived_at     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS pending_switch_commands (
	id             TEXT PRIMARY KEY,
	agent_id       TEXT NOT NULL,
	instance_id    TEXT NOT NULL,
	target_mode    TEXT NOT NULL CHECK (target_mode IN ('spot','ondemand')),
	target_pool_id TEXT,
	created_at     TEXT NOT NULL,
	executed_at    TEXT
);
CREATE INDEX IF NOT EXISTS idx_pending_commands_agent
	ON pending_switch_commands(agent_id, created_at);

CREATE TABLE IF NOT EXISTS risk_scores (
	id                        INTEGER PRIMARY KEY AUTOINCREMENT,
	client_id                 TEXT NOT NULL,
	instance_id               TEXT NOT NULL,
	agent_id                  TEXT NOT NULL,
	risk_score                REAL NOT NULL,
	state                     TEXT NOT NULL,
	recommended_action        TEXT NOT NULL,
	recommended_mode          TEXT NOT NULL,
	recommended_pool_id       TEXT,
	expected_savings_per_hour INTEGER NOT NULL,
	allowed                   INTEGER NOT NULL,
	reason                    TEXT,
	created_at                TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_risk_scores_created ON risk_scores(created_at);

CREATE TABLE IF NOT EXISTS client_savings_monthly (
	client_id     TEXT NOT NULL,
	year          INTEGER NOT NULL,
	month         INTEGER NOT NULL,
	baseline_cost INTEGER NOT NULL,
	actual_cost   INTEGER NOT NULL,
	savings       INTEGER NOT NULL,
	computed_at   TEXT NOT NULL,
	PRIMARY KEY (client_id, year, month)
);

CREATE TABLE IF NOT EXISTS system_events (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type  TEXT NOT NULL,
	severity    TEXT NOT NULL CHECK (severity IN ('debug','info','warning','error','critical')),
	client_id   TEXT,
	agent_id    TEXT,
	instance_id TEXT,
	message     TEXT NOT NULL,
	metadata    TEXT,
	created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_system_events_created ON system_events(created_at);
`
