package store

import (
	"fmt"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "profiles: per-user engagement state",
		SQL: `
CREATE TABLE profiles (
    user_id    TEXT PRIMARY KEY,
    created_at INTEGER NOT NULL
);

CREATE TABLE channel_scores (
    user_id          TEXT NOT NULL,
    ntype            TEXT NOT NULL,
    channel          TEXT NOT NULL,
    engagement_score REAL NOT NULL DEFAULT 0 CHECK (engagement_score >= 0),
    send_count       INTEGER NOT NULL DEFAULT 0,
    last_sent_at     INTEGER,
    last_engaged_at  INTEGER,
    decay_anchor     INTEGER NOT NULL,

    PRIMARY KEY (user_id, ntype, channel),
    FOREIGN KEY (user_id) REFERENCES profiles(user_id)
);

CREATE INDEX idx_scores_user ON channel_scores(user_id);

-- Rolling window for the daily cap. Rows older than 24h are pruned on
-- admission, so the table stays bounded per user.
CREATE TABLE send_log (
    user_id TEXT NOT NULL,
    sent_at INTEGER NOT NULL,

    FOREIGN KEY (user_id) REFERENCES profiles(user_id)
);

CREATE INDEX idx_send_log_user ON send_log(user_id, sent_at);

CREATE TABLE channel_optins (
    user_id  TEXT NOT NULL,
    channel  TEXT NOT NULL,
    opted_in INTEGER NOT NULL DEFAULT 1,

    PRIMARY KEY (user_id, channel)
);
`,
	},
	{
		Version:     2,
		Description: "events: ingestion idempotency and candidate queue",
		SQL: `
CREATE TABLE processed_events (
    event_id TEXT PRIMARY KEY,
    seen_at  INTEGER NOT NULL
);

CREATE TABLE candidates (
    id           TEXT PRIMARY KEY,
    user_id      TEXT NOT NULL,
    ntype        TEXT NOT NULL,
    channel      TEXT NOT NULL DEFAULT '',
    content_ref  TEXT NOT NULL DEFAULT '',
    priority     INTEGER NOT NULL DEFAULT 0,
    status       TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'sent', 'suppressed')),
    scheduled_at INTEGER NOT NULL,
    created_at   INTEGER NOT NULL,
    decided_at   INTEGER,
    reason       TEXT,
    variant      TEXT
);

CREATE INDEX idx_candidates_due ON candidates(status, scheduled_at);
`,
	},
	{
		Version:     3,
		Description: "ab: tests, sticky assignments, outcome aggregates",
		SQL: `
CREATE TABLE ab_tests (
    id         TEXT PRIMARY KEY,
    name       TEXT NOT NULL,
    ntype      TEXT NOT NULL DEFAULT '',
    variants   TEXT NOT NULL,
    metrics    TEXT NOT NULL DEFAULT '[]',
    active     INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL
);

CREATE TABLE ab_assignments (
    test_id    TEXT NOT NULL,
    user_id    TEXT NOT NULL,
    variant    TEXT NOT NULL,
    created_at INTEGER NOT NULL,

    PRIMARY KEY (test_id, user_id),
    FOREIGN KEY (test_id) REFERENCES ab_tests(id)
);

CREATE TABLE ab_outcomes (
    test_id   TEXT NOT NULL,
    variant   TEXT NOT NULL,
    metric    TEXT NOT NULL,
    value_sum REAL NOT NULL DEFAULT 0,
    samples   INTEGER NOT NULL DEFAULT 0,

    PRIMARY KEY (test_id, variant, metric),
    FOREIGN KEY (test_id) REFERENCES ab_tests(id)
);
`,
	},
}

func (db *DB) migrate() error {
	// Create schema_versions table if it doesn't exist
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// SchemaVersion returns the current schema version.
func (db *DB) SchemaVersion() (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	return version, err
}
