package database

import "database/sql"

// Migration represents a single schema migration step.
type Migration struct {
	Version     int
	Description string
	// Tables lists the tables the step creates. An unversioned database
	// that already has all of them is treated as having applied the step.
	Tables []string
	Up     func(tx *sql.Tx) error
}

// migrations is the ordered list of all schema migrations.
// Append new migrations to the end with incrementing Version numbers.
var migrations = []Migration{
	{
		Version:     1,
		Description: "analysis results",
		Tables:      []string{"analyses"},
		Up: func(tx *sql.Tx) error {
			// timestamp holds unix milliseconds; rows imported from older
			// exports may carry an ISO-8601 string instead.
			_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS analyses (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    timestamp,
    payload TEXT NOT NULL,
    created_at TEXT DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_analyses_user_ts ON analyses(user_id, timestamp);
`)
			return err
		},
	},
	{
		Version:     2,
		Description: "timeline episodes",
		Tables:      []string{"episodes", "episode_results"},
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS episodes (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id TEXT NOT NULL,
    category_group TEXT NOT NULL,
    primary_category TEXT NOT NULL,
    start_time INTEGER NOT NULL,
    end_time INTEGER NOT NULL,
    snippet TEXT NOT NULL DEFAULT '',
    summary TEXT NOT NULL DEFAULT '',
    avg_sentiment REAL NOT NULL DEFAULT 0,
    max_toxicity REAL NOT NULL DEFAULT 0,
    count INTEGER NOT NULL DEFAULT 1,
    abuse_flag INTEGER NOT NULL DEFAULT 0,
    visible INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS episode_results (
    episode_id INTEGER NOT NULL REFERENCES episodes(id) ON DELETE CASCADE,
    position INTEGER NOT NULL,
    analysis_id TEXT NOT NULL,
    PRIMARY KEY (episode_id, position),
    UNIQUE (episode_id, analysis_id)
);

CREATE INDEX IF NOT EXISTS idx_episodes_user_end ON episodes(user_id, end_time);
CREATE INDEX IF NOT EXISTS idx_episodes_user_start ON episodes(user_id, start_time);
`)
			return err
		},
	},
	{
		Version:     3,
		Description: "notifications and device tokens",
		Tables:      []string{"notifications", "device_tokens"},
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS notifications (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id TEXT NOT NULL,
    analysis_id TEXT NOT NULL,
    title TEXT NOT NULL,
    body TEXT NOT NULL DEFAULT '',
    summary TEXT NOT NULL DEFAULT '',
    primary_category TEXT NOT NULL DEFAULT '',
    category_group TEXT NOT NULL DEFAULT '',
    severity INTEGER NOT NULL DEFAULT 0,
    abuse_flag INTEGER NOT NULL DEFAULT 0,
    sentiment TEXT NOT NULL DEFAULT '',
    recommendations TEXT NOT NULL DEFAULT '[]',
    read INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS device_tokens (
    user_id TEXT NOT NULL,
    token TEXT NOT NULL,
    created_at TEXT DEFAULT (datetime('now')),
    PRIMARY KEY (user_id, token)
);

CREATE INDEX IF NOT EXISTS idx_notifications_user ON notifications(user_id, created_at);
`)
			return err
		},
	},
}

// latestVersion returns the highest migration version number.
func latestVersion() int {
	if len(migrations) == 0 {
		return 0
	}
	return migrations[len(migrations)-1].Version
}
