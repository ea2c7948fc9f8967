package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

var postgresDialect = dialect{
	name:         "postgres",
	dollarParams: true,
	schema: `
CREATE TABLE IF NOT EXISTS tracking_events (
  id             UUID PRIMARY KEY,
  event_id       TEXT   NOT NULL UNIQUE,
  account_id     TEXT   NOT NULL,
  event_name     TEXT   NOT NULL,
  fingerprint_id TEXT   NOT NULL DEFAULT '',
  session_id     TEXT   NOT NULL DEFAULT '',
  fraud_score    INT    NOT NULL DEFAULT 0,
  occurred_at    BIGINT NOT NULL,
  client_ip      TEXT   NOT NULL DEFAULT '',
  user_agent     TEXT   NOT NULL DEFAULT '',
  received_at    BIGINT NOT NULL,
  payload        JSONB  NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tracking_events_fp      ON tracking_events (fingerprint_id, occurred_at DESC);
CREATE INDEX IF NOT EXISTS idx_tracking_events_account ON tracking_events (account_id, occurred_at DESC);
`,
	insert: `
INSERT INTO tracking_events
  (id, event_id, account_id, event_name, fingerprint_id, session_id, fraud_score, occurred_at, client_ip, user_agent, received_at, payload)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?::jsonb)
ON CONFLICT (event_id) DO NOTHING
`,
}

// PoolConfig tunes the connection pool.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewPostgresEventRepository opens dsn with lib/pq, tunes the pool and
// creates the schema.
func NewPostgresEventRepository(ctx context.Context, dsn string, pool PoolConfig) (EventRepository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if pool.MaxOpenConns <= 0 {
		pool.MaxOpenConns = 50
	}
	if pool.MaxIdleConns <= 0 {
		pool.MaxIdleConns = 10
	}
	if pool.ConnMaxLifetime <= 0 {
		pool.ConnMaxLifetime = 5 * time.Minute
	}
	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	r := &sqlEventRepository{db: db, d: postgresDialect}
	if err := r.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}
