package repository

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // CGO-free SQLite
)

var sqliteDialect = dialect{
	name: "sqlite",
	schema: `
CREATE TABLE IF NOT EXISTS tracking_events(
  id             TEXT    PRIMARY KEY,
  event_id       TEXT    NOT NULL UNIQUE,
  account_id     TEXT    NOT NULL,
  event_name     TEXT    NOT NULL,
  fingerprint_id TEXT    NOT NULL DEFAULT '',
  session_id     TEXT    NOT NULL DEFAULT '',
  fraud_score    INTEGER NOT NULL DEFAULT 0,
  occurred_at    INTEGER NOT NULL,
  client_ip      TEXT    NOT NULL DEFAULT '',
  user_agent     TEXT    NOT NULL DEFAULT '',
  received_at    INTEGER NOT NULL,
  payload        TEXT    NOT NULL CHECK (json_valid(payload))
);
CREATE INDEX IF NOT EXISTS idx_tracking_events_fp      ON tracking_events(fingerprint_id, occurred_at);
CREATE INDEX IF NOT EXISTS idx_tracking_events_account ON tracking_events(account_id, occurred_at);
`,
	insert: `
INSERT OR IGNORE INTO tracking_events
  (id, event_id, account_id, event_name, fingerprint_id, session_id, fraud_score, occurred_at, client_ip, user_agent, received_at, payload)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, json(?))
`,
}

// NewSQLiteEventRepository opens or creates the database file at path.
func NewSQLiteEventRepository(ctx context.Context, path string) (EventRepository, error) {
	// WAL + busy timeout to avoid "database is locked"
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	r := &sqlEventRepository{db: db, d: sqliteDialect}
	if err := r.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}
