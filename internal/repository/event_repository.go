package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ComUnity/attribution-pixel/internal/models"
)

// dialect captures what differs between the SQL backends.
type dialect struct {
	name         string
	dollarParams bool
	schema       string
	insert       string
}

// sqlEventRepository is shared by the Postgres and SQLite backends. Queries
// are written with ? placeholders and rebound for the driver.
type sqlEventRepository struct {
	db *sql.DB
	d  dialect
}

const selectColumns = `id, payload, client_ip, user_agent, received_at`

func (r *sqlEventRepository) rebind(q string) string {
	if !r.d.dollarParams {
		return q
	}
	var sb strings.Builder
	n := 0
	for _, c := range q {
		if c == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(c)
	}
	return sb.String()
}

func (r *sqlEventRepository) migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, r.d.schema); err != nil {
		return fmt.Errorf("failed to create %s tables: %w", r.d.name, err)
	}
	return nil
}

// InsertEvents writes all events in one transaction. Duplicates by event id
// are skipped and left out of the result.
func (r *sqlEventRepository) InsertEvents(ctx context.Context, events []models.StoredEvent) ([]models.StoredEvent, error) {
	if len(events) == 0 {
		return nil, nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, r.rebind(r.d.insert))
	if err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	inserted := make([]models.StoredEvent, 0, len(events))
	for _, ev := range events {
		payload, err := json.Marshal(ev.TrackingEvent)
		if err != nil {
			_ = tx.Rollback()
			return nil, fmt.Errorf("failed to marshal event %s: %w", ev.EventID, err)
		}
		res, err := stmt.ExecContext(ctx,
			ev.ID, ev.EventID, ev.AccountID, ev.EventName, ev.FingerprintID, ev.SessionID,
			ev.FraudScore, ev.Timestamp.UnixMilli(), ev.ClientIP, ev.UserAgent,
			ev.ReceivedAt.UnixMilli(), string(payload),
		)
		if err != nil {
			_ = tx.Rollback()
			return nil, fmt.Errorf("failed to insert event %s: %w", ev.EventID, err)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			inserted = append(inserted, ev)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return inserted, nil
}

func (r *sqlEventRepository) GetByEventID(ctx context.Context, eventID string) (*models.StoredEvent, error) {
	q := r.rebind(`SELECT ` + selectColumns + ` FROM tracking_events WHERE event_id = ?`)
	ev, err := scanEvent(r.db.QueryRowContext(ctx, q, eventID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return ev, nil
}

// ListByFingerprint returns the most recent events of a visitor, newest first.
func (r *sqlEventRepository) ListByFingerprint(ctx context.Context, fingerprintID string, limit int) ([]models.StoredEvent, error) {
	q := r.rebind(`SELECT ` + selectColumns + ` FROM tracking_events
WHERE fingerprint_id = ? ORDER BY occurred_at DESC, received_at DESC LIMIT ?`)
	rows, err := r.db.QueryContext(ctx, q, fingerprintID, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.StoredEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ev)
	}
	return out, rows.Err()
}

func (r *sqlEventRepository) CountByAccount(ctx context.Context, accountID string) (int, error) {
	var n int
	q := r.rebind(`SELECT COUNT(*) FROM tracking_events WHERE account_id = ?`)
	if err := r.db.QueryRowContext(ctx, q, accountID).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (r *sqlEventRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *sqlEventRepository) Close() error {
	return r.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*models.StoredEvent, error) {
	var (
		ev         models.StoredEvent
		payload    string
		receivedAt int64
	)
	if err := row.Scan(&ev.ID, &payload, &ev.ClientIP, &ev.UserAgent, &receivedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payload), &ev.TrackingEvent); err != nil {
		return nil, fmt.Errorf("corrupt payload for %s: %w", ev.ID, err)
	}
	ev.ReceivedAt = time.UnixMilli(receivedAt).UTC()
	return &ev, nil
}
