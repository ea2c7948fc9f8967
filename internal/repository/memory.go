package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/ComUnity/attribution-pixel/internal/models"
)

// MemoryEventRepository keeps events in process. Used by tests and by the
// collector when no database is configured.
type MemoryEventRepository struct {
	mu      sync.RWMutex
	byEvent map[string]models.StoredEvent
	order   []string
}

func NewMemoryEventRepository() *MemoryEventRepository {
	return &MemoryEventRepository{byEvent: make(map[string]models.StoredEvent)}
}

func (r *MemoryEventRepository) InsertEvents(_ context.Context, events []models.StoredEvent) ([]models.StoredEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inserted := make([]models.StoredEvent, 0, len(events))
	for _, ev := range events {
		if _, ok := r.byEvent[ev.EventID]; ok {
			continue
		}
		r.byEvent[ev.EventID] = ev
		r.order = append(r.order, ev.EventID)
		inserted = append(inserted, ev)
	}
	return inserted, nil
}

func (r *MemoryEventRepository) GetByEventID(_ context.Context, eventID string) (*models.StoredEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ev, ok := r.byEvent[eventID]
	if !ok {
		return nil, ErrNotFound
	}
	return &ev, nil
}

func (r *MemoryEventRepository) ListByFingerprint(_ context.Context, fingerprintID string, limit int) ([]models.StoredEvent, error) {
	r.mu.RLock()
	var out []models.StoredEvent
	for _, id := range r.order {
		if ev := r.byEvent[id]; ev.FingerprintID == fingerprintID {
			out = append(out, ev)
		}
	}
	r.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit = clampLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryEventRepository) CountByAccount(_ context.Context, accountID string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, ev := range r.byEvent {
		if ev.AccountID == accountID {
			n++
		}
	}
	return n, nil
}

// All returns every stored event in insertion order.
func (r *MemoryEventRepository) All() []models.StoredEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.StoredEvent, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byEvent[id])
	}
	return out
}

func (r *MemoryEventRepository) Ping(context.Context) error { return nil }
func (r *MemoryEventRepository) Close() error               { return nil }
