// Package store is the durable state layer, backed by SQLite. All persisted
// entities live here; writes use short per-call transactions.
package store

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/darthnorse/dockmon/internal/logging"
)

const schema = `
CREATE TABLE IF NOT EXISTS docker_hosts (
	id                  TEXT PRIMARY KEY,
	name                TEXT NOT NULL UNIQUE,
	url                 TEXT NOT NULL,
	connection_type     TEXT NOT NULL,
	engine_id           TEXT NOT NULL DEFAULT '',
	replaced_by_host_id TEXT NOT NULL DEFAULT '',
	tls_material        TEXT NOT NULL DEFAULT '',
	created_by          TEXT NOT NULL DEFAULT '',
	created_at          INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_hosts_engine ON docker_hosts(engine_id);

CREATE TABLE IF NOT EXISTS agents (
	id            TEXT PRIMARY KEY,
	host_id       TEXT NOT NULL UNIQUE REFERENCES docker_hosts(id),
	engine_id     TEXT NOT NULL UNIQUE,
	version       TEXT NOT NULL DEFAULT '',
	proto_version INTEGER NOT NULL DEFAULT 1,
	capabilities  TEXT NOT NULL DEFAULT '[]',
	status        TEXT NOT NULL DEFAULT 'offline',
	last_seen_at  INTEGER NOT NULL DEFAULT 0,
	agent_os      TEXT NOT NULL DEFAULT '',
	agent_arch    TEXT NOT NULL DEFAULT '',
	created_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS registration_tokens (
	token      TEXT PRIMARY KEY,
	created_by TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL,
	used       INTEGER NOT NULL DEFAULT 0,
	used_at    INTEGER
);

CREATE TABLE IF NOT EXISTS alert_rules (
	id                     TEXT PRIMARY KEY,
	name                   TEXT NOT NULL,
	scope                  TEXT NOT NULL,
	kind                   TEXT NOT NULL,
	severity               TEXT NOT NULL DEFAULT 'warning',
	enabled                INTEGER NOT NULL DEFAULT 1,
	metric                 TEXT NOT NULL DEFAULT '',
	operator               TEXT NOT NULL DEFAULT '',
	threshold              REAL,
	clear_threshold        REAL,
	duration_seconds       INTEGER NOT NULL DEFAULT 0,
	clear_duration_seconds INTEGER NOT NULL DEFAULT 0,
	occurrences            INTEGER NOT NULL DEFAULT 1,
	grace_seconds          INTEGER NOT NULL DEFAULT 0,
	cooldown_seconds       INTEGER NOT NULL DEFAULT 0,
	host_selector          TEXT NOT NULL DEFAULT '',
	container_selector     TEXT NOT NULL DEFAULT '',
	labels                 TEXT NOT NULL DEFAULT '{}',
	notify_channels        TEXT NOT NULL DEFAULT '[]',
	depends_on             TEXT NOT NULL DEFAULT '[]',
	version                INTEGER NOT NULL DEFAULT 1,
	created_at             INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS alerts (
	id               TEXT PRIMARY KEY,
	dedup_key        TEXT NOT NULL,
	rule_id          TEXT NOT NULL,
	rule_version     INTEGER NOT NULL DEFAULT 1,
	scope_type       TEXT NOT NULL,
	scope_id         TEXT NOT NULL,
	host_id          TEXT NOT NULL DEFAULT '',
	kind             TEXT NOT NULL,
	severity         TEXT NOT NULL,
	state            TEXT NOT NULL,
	first_seen       INTEGER NOT NULL,
	last_seen        INTEGER NOT NULL,
	occurrences      INTEGER NOT NULL DEFAULT 1,
	current_value    REAL,
	threshold        REAL,
	resolved_at      INTEGER,
	resolved_reason  TEXT NOT NULL DEFAULT '',
	rule_snapshot    TEXT NOT NULL DEFAULT '{}',
	last_notified_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_alerts_dedup ON alerts(dedup_key, state);

CREATE TABLE IF NOT EXISTS rule_runtime (
	runtime_key TEXT PRIMARY KEY,
	state       TEXT NOT NULL,
	updated_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS rule_evaluations (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	rule_id  TEXT NOT NULL,
	scope_id TEXT NOT NULL,
	value    REAL NOT NULL,
	breached INTEGER NOT NULL,
	at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_evals_rule ON rule_evaluations(rule_id, at);

CREATE TABLE IF NOT EXISTS container_updates (
	container_id      TEXT PRIMARY KEY,
	host_id           TEXT NOT NULL,
	current_image     TEXT NOT NULL,
	current_digest    TEXT NOT NULL DEFAULT '',
	latest_image      TEXT NOT NULL DEFAULT '',
	latest_digest     TEXT NOT NULL DEFAULT '',
	update_available  INTEGER NOT NULL DEFAULT 0,
	floating_tag_mode TEXT NOT NULL DEFAULT 'exact',
	registry_url      TEXT NOT NULL DEFAULT '',
	platform          TEXT NOT NULL DEFAULT '',
	last_checked_at   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_updates_host ON container_updates(host_id);

CREATE TABLE IF NOT EXISTS deployments (
	id                  TEXT PRIMARY KEY,
	host_id             TEXT NOT NULL,
	deployment_type     TEXT NOT NULL,
	name                TEXT NOT NULL,
	status              TEXT NOT NULL,
	definition          TEXT NOT NULL DEFAULT '{}',
	progress_percent    INTEGER NOT NULL DEFAULT 0,
	current_stage       TEXT NOT NULL DEFAULT '',
	error_message       TEXT NOT NULL DEFAULT '',
	started_at          INTEGER,
	completed_at        INTEGER,
	committed           INTEGER NOT NULL DEFAULT 0,
	rollback_on_failure INTEGER NOT NULL DEFAULT 1,
	created_at          INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_deployments_host ON deployments(host_id);

CREATE TABLE IF NOT EXISTS notification_channels (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	type    TEXT NOT NULL,
	name    TEXT NOT NULL UNIQUE,
	config  TEXT NOT NULL DEFAULT '{}',
	enabled INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS users (
	id            TEXT PRIMARY KEY,
	username      TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL DEFAULT '',
	role          TEXT NOT NULL DEFAULT 'user',
	groups        TEXT NOT NULL DEFAULT '[]',
	created_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS api_keys (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	prefix     TEXT NOT NULL UNIQUE,
	hash       TEXT NOT NULL,
	groups     TEXT NOT NULL DEFAULT '[]',
	created_at INTEGER NOT NULL,
	revoked_at INTEGER
);

CREATE TABLE IF NOT EXISTS custom_groups (
	id   TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS group_permissions (
	group_id   TEXT NOT NULL REFERENCES custom_groups(id),
	capability TEXT NOT NULL,
	allowed    INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (group_id, capability)
);

CREATE TABLE IF NOT EXISTS oidc_config (
	id            INTEGER PRIMARY KEY CHECK (id = 1),
	issuer        TEXT NOT NULL DEFAULT '',
	client_id     TEXT NOT NULL DEFAULT '',
	client_secret TEXT NOT NULL DEFAULT '',
	enabled       INTEGER NOT NULL DEFAULT 0
);

INSERT OR IGNORE INTO oidc_config (id) VALUES (1);

CREATE TABLE IF NOT EXISTS oidc_group_mappings (
	claim_group TEXT PRIMARY KEY,
	group_id    TEXT NOT NULL REFERENCES custom_groups(id)
);

CREATE TABLE IF NOT EXISTS audit_log (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	who         TEXT NOT NULL,
	at          INTEGER NOT NULL,
	action      TEXT NOT NULL,
	entity_type TEXT NOT NULL DEFAULT '',
	entity_id   TEXT NOT NULL DEFAULT '',
	details     TEXT NOT NULL DEFAULT '',
	ip          TEXT NOT NULL DEFAULT '',
	user_agent  TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS global_settings (
	id                            INTEGER PRIMARY KEY CHECK (id = 1),
	app_version                   TEXT NOT NULL DEFAULT '',
	timezone_offset_minutes       INTEGER NOT NULL DEFAULT 0,
	default_health_timeout_secs   INTEGER NOT NULL DEFAULT 60,
	update_check_time             TEXT NOT NULL DEFAULT '04:00',
	event_suppression_patterns    TEXT NOT NULL DEFAULT '',
	alert_retention_days          INTEGER NOT NULL DEFAULT 30,
	event_retention_days          INTEGER NOT NULL DEFAULT 14
);
INSERT OR IGNORE INTO global_settings (id) VALUES (1);

CREATE TABLE IF NOT EXISTS event_log (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	type           TEXT NOT NULL,
	host_id        TEXT NOT NULL DEFAULT '',
	container_id   TEXT NOT NULL DEFAULT '',
	container_name TEXT NOT NULL DEFAULT '',
	severity       TEXT NOT NULL DEFAULT '',
	title          TEXT NOT NULL DEFAULT '',
	message        TEXT NOT NULL DEFAULT '',
	data           TEXT NOT NULL DEFAULT '{}',
	timestamp      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_event_log_ts ON event_log(timestamp);
`

// Store wraps the SQLite database.
type Store struct {
	db  *sql.DB
	log *logging.Logger
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string, log *logging.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	// Pragmas go in the DSN so every pooled connection is configured.
	dsn := path + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite works best with a single writer connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db, log: log}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func unixOrZero(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}
