package repository

import (
	"context"
	"errors"

	"github.com/ComUnity/attribution-pixel/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
)

// EventRepository persists raw collector events. Inserting an event whose
// event id is already stored is a no-op, so redelivered batches are safe;
// InsertEvents returns only the events that were written.
type EventRepository interface {
	InsertEvents(ctx context.Context, events []models.StoredEvent) (inserted []models.StoredEvent, err error)
	GetByEventID(ctx context.Context, eventID string) (*models.StoredEvent, error)
	ListByFingerprint(ctx context.Context, fingerprintID string, limit int) ([]models.StoredEvent, error)
	CountByAccount(ctx context.Context, accountID string) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

const defaultListLimit = 100

func clampLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return defaultListLimit
	}
	return limit
}
