package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// migration is one forward-only schema step. Versions are dense from 1.
type migration struct {
	version int
	name    string
	up      string
}

var migrations = []migration{
	{1, "author profiles and sample log", schemaV1},
	{2, "attribution events", schemaV2},
	{3, "anomaly events", schemaV3},
	{4, "network runs, clusters and edges", schemaV4},
	{5, "calibration snapshots", schemaV5},
}

const schemaV1 = `
-- One aggregated baseline per author
CREATE TABLE IF NOT EXISTS author_profiles (
    author_id       TEXT PRIMARY KEY,
    version         TEXT NOT NULL,
    dimensions      INTEGER NOT NULL,
    sample_count    INTEGER NOT NULL,
    centroid        TEXT NOT NULL,
    m2              TEXT NOT NULL,
    metric_mean     TEXT NOT NULL,
    metric_m2       TEXT NOT NULL,
    first_updated   INTEGER NOT NULL,
    last_updated    INTEGER NOT NULL
);

-- Sample log, append-only per author
CREATE TABLE IF NOT EXISTS samples (
    id                  INTEGER PRIMARY KEY AUTOINCREMENT,
    author_id           TEXT NOT NULL REFERENCES author_profiles(author_id) ON DELETE CASCADE,
    fingerprint_id      TEXT NOT NULL,
    version             TEXT NOT NULL,
    vector              TEXT NOT NULL,
    metrics             TEXT NOT NULL,
    chars               INTEGER NOT NULL,
    words               INTEGER NOT NULL,
    sentences           INTEGER NOT NULL,
    sentence_length_cv  REAL NOT NULL,
    low_confidence      INTEGER NOT NULL DEFAULT 0,
    created_at          INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_samples_author ON samples(author_id, id);
CREATE INDEX IF NOT EXISTS idx_samples_fingerprint ON samples(fingerprint_id);
`

const schemaV2 = `
CREATE TABLE IF NOT EXISTS attribution_events (
    id              TEXT PRIMARY KEY,
    fingerprint_id  TEXT NOT NULL,
    top_author      TEXT,
    top_score       REAL,
    match_count     INTEGER NOT NULL,
    payload         TEXT NOT NULL,
    created_at      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_attribution_created ON attribution_events(created_at);
CREATE INDEX IF NOT EXISTS idx_attribution_author ON attribution_events(top_author, created_at);
`

const schemaV3 = `
CREATE TABLE IF NOT EXISTS anomaly_events (
    id              TEXT PRIMARY KEY,
    author_id       TEXT NOT NULL,
    fingerprint_id  TEXT NOT NULL,
    anomalous       INTEGER NOT NULL,
    classification  TEXT NOT NULL,
    confidence      REAL NOT NULL,
    breaches        INTEGER NOT NULL,
    payload         TEXT NOT NULL,
    created_at      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_anomaly_author ON anomaly_events(author_id, created_at);
CREATE INDEX IF NOT EXISTS idx_anomaly_created ON anomaly_events(created_at);
`

const schemaV4 = `
CREATE TABLE IF NOT EXISTS network_runs (
    id              TEXT PRIMARY KEY,
    accounts        INTEGER NOT NULL,
    pairs           INTEGER NOT NULL,
    cluster_count   INTEGER NOT NULL,
    skipped         TEXT,
    created_at      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS network_clusters (
    run_id          TEXT NOT NULL REFERENCES network_runs(id) ON DELETE CASCADE,
    cluster_id      TEXT NOT NULL,
    kind            TEXT NOT NULL,
    members         TEXT NOT NULL,
    confidence      REAL NOT NULL,
    payload         TEXT NOT NULL,
    PRIMARY KEY (run_id, cluster_id)
);

CREATE TABLE IF NOT EXISTS network_edges (
    run_id          TEXT NOT NULL REFERENCES network_runs(id) ON DELETE CASCADE,
    account_a       TEXT NOT NULL,
    account_b       TEXT NOT NULL,
    similarity      REAL NOT NULL,
    confidence      REAL NOT NULL,
    coordinated     INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (run_id, account_a, account_b)
);

CREATE INDEX IF NOT EXISTS idx_network_runs_created ON network_runs(created_at);
CREATE INDEX IF NOT EXISTS idx_network_clusters_kind ON network_clusters(kind);
`

const schemaV5 = `
CREATE TABLE IF NOT EXISTS calibration_snapshots (
    version         INTEGER PRIMARY KEY,
    tag             TEXT NOT NULL,
    spec            TEXT NOT NULL,
    installed_at    INTEGER NOT NULL
);
`

// MigrateDB applies every migration newer than the recorded version, each
// in its own transaction.
func MigrateDB(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version     INTEGER PRIMARY KEY,
		name        TEXT NOT NULL,
		applied_at  INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	current, err := appliedVersion(context.Background(), db)
	if err != nil {
		return err
	}
	for _, m := range migrations[min(current, len(migrations)):] {
		if err := applyMigration(db, m); err != nil {
			return err
		}
	}
	return nil
}

func applyMigration(db *sql.DB, m migration) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("migration %d: begin: %w", m.version, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.up); err != nil {
		return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
		m.version, m.name, time.Now().UnixNano()); err != nil {
		return fmt.Errorf("migration %d: record: %w", m.version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("migration %d: commit: %w", m.version, err)
	}
	return nil
}

func appliedVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

// requiredTables must all exist in a fully migrated database.
var requiredTables = []string{
	"author_profiles", "samples", "attribution_events", "anomaly_events",
	"network_runs", "network_clusters", "network_edges", "calibration_snapshots",
}

// ValidateSchema fails when a required table is missing.
func ValidateSchema(db *sql.DB) error {
	for _, table := range requiredTables {
		var n int
		if err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&n); err != nil {
			return fmt.Errorf("check table %s: %w", table, err)
		}
		if n == 0 {
			return fmt.Errorf("missing table %s", table)
		}
	}
	return nil
}

// CheckSchema reports a database that is behind this binary's migrations
// or lost one of its tables.
func (s *Store) CheckSchema(ctx context.Context) error {
	v, err := appliedVersion(ctx, s.db)
	if err != nil {
		return err
	}
	if v < len(migrations) {
		return fmt.Errorf("schema version %d, want %d", v, len(migrations))
	}
	return ValidateSchema(s.db)
}
