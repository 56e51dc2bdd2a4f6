package store

import "database/sql"

// Schema holds every table the monitor owns. Timestamps are Unix
// milliseconds. Entities and snapshots are never hard-deleted by the cycle;
// only the retention prune removes old snapshots.
const Schema = `
CREATE TABLE IF NOT EXISTS sources (
    id               TEXT PRIMARY KEY,
    name             TEXT NOT NULL,
    target           TEXT NOT NULL,
    instructions     TEXT NOT NULL DEFAULT '',
    interval_minutes INTEGER NOT NULL DEFAULT 1440,
    cron_expr        TEXT NOT NULL DEFAULT '',
    timeout_ms       INTEGER NOT NULL DEFAULT 0,
    hash_mode        TEXT NOT NULL DEFAULT 'both',
    volatile_json    TEXT NOT NULL DEFAULT '[]',
    enabled          INTEGER NOT NULL DEFAULT 1,
    last_run_at      INTEGER,
    last_status      TEXT NOT NULL DEFAULT 'pending',
    last_error       TEXT NOT NULL DEFAULT '',
    fail_count       INTEGER NOT NULL DEFAULT 0,
    created_at       INTEGER NOT NULL,
    updated_at       INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_sources_target ON sources(target, instructions);

CREATE TABLE IF NOT EXISTS entities (
    id              TEXT PRIMARY KEY,
    source_id       TEXT NOT NULL REFERENCES sources(id),
    natural_key     TEXT NOT NULL,
    status          TEXT NOT NULL DEFAULT 'active',
    current_hash    TEXT NOT NULL,
    title           TEXT NOT NULL DEFAULT '',
    url             TEXT NOT NULL DEFAULT '',
    first_seen_at   INTEGER NOT NULL,
    last_seen_at    INTEGER NOT NULL,
    last_changed_at INTEGER NOT NULL,
    removed_at      INTEGER
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_entities_key ON entities(source_id, natural_key);
CREATE INDEX IF NOT EXISTS idx_entities_natural_key ON entities(natural_key, status);

CREATE TABLE IF NOT EXISTS snapshots (
    id          TEXT PRIMARY KEY,
    entity_id   TEXT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
    hash        TEXT NOT NULL,
    value_json  TEXT NOT NULL,
    captured_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_entity ON snapshots(entity_id, captured_at);

CREATE TABLE IF NOT EXISTS scrape_runs (
    id              TEXT PRIMARY KEY,
    source_id       TEXT NOT NULL REFERENCES sources(id),
    status          TEXT NOT NULL,
    found_count     INTEGER NOT NULL DEFAULT 0,
    new_count       INTEGER NOT NULL DEFAULT 0,
    changed_count   INTEGER NOT NULL DEFAULT 0,
    unchanged_count INTEGER NOT NULL DEFAULT 0,
    removed_count   INTEGER NOT NULL DEFAULT 0,
    skipped_count   INTEGER NOT NULL DEFAULT 0,
    duration_ms     INTEGER NOT NULL DEFAULT 0,
    error_message   TEXT NOT NULL DEFAULT '',
    started_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_scrape_runs_source ON scrape_runs(source_id, started_at DESC);

CREATE TABLE IF NOT EXISTS watches (
    id                  TEXT PRIMARY KEY,
    entity_id           TEXT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
    recipient_id        TEXT NOT NULL,
    field_path          TEXT NOT NULL,
    condition           TEXT NOT NULL,
    threshold_pct       REAL NOT NULL DEFAULT 0,
    last_observed_json  TEXT,
    last_triggered_at   INTEGER,
    active              INTEGER NOT NULL DEFAULT 1,
    created_at          INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_watches_entity ON watches(entity_id, active);

CREATE TABLE IF NOT EXISTS notification_preferences (
    recipient_id  TEXT PRIMARY KEY,
    channels_json TEXT NOT NULL DEFAULT '[]',
    updated_at    INTEGER NOT NULL
);
`

// ApplySchema creates all tables and indexes. Safe to call on every start.
func ApplySchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
