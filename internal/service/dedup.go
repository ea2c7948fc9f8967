package service

import (
	"context"
	"sync"
	"time"

	"github.com/ComUnity/attribution-pixel/internal/util/logger"
)

// Deduper claims event ids. Claim reports false when the id was already
// claimed within the retention window.
type Deduper interface {
	Claim(ctx context.Context, eventID string) (bool, error)
	Release(ctx context.Context, eventID string) error
}

// eventClaimer is satisfied by *client.RedisClient.
type eventClaimer interface {
	ClaimEvent(ctx context.Context, eventID string, ttl time.Duration) (bool, error)
	ReleaseEvent(ctx context.Context, eventID string) error
}

// RedisDeduper claims ids with SETNX. When Redis fails the claim is made in
// the local fallback so a single instance still rejects replays.
type RedisDeduper struct {
	rdb      eventClaimer
	ttl      time.Duration
	fallback *MemoryDeduper
}

func NewRedisDeduper(rdb eventClaimer, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{
		rdb:      rdb,
		ttl:      ttl,
		fallback: NewMemoryDeduper(ttl),
	}
}

func (d *RedisDeduper) Claim(ctx context.Context, eventID string) (bool, error) {
	ok, err := d.rdb.ClaimEvent(ctx, eventID, d.ttl)
	if err != nil {
		logger.Warn("dedup: redis claim failed, using local window: %v", err)
		return d.fallback.Claim(ctx, eventID)
	}
	return ok, nil
}

func (d *RedisDeduper) Release(ctx context.Context, eventID string) error {
	_ = d.fallback.Release(ctx, eventID)
	return d.rdb.ReleaseEvent(ctx, eventID)
}

const sweepEvery = 1024

// MemoryDeduper keeps claimed ids in process memory with a TTL.
type MemoryDeduper struct {
	mu     sync.Mutex
	ttl    time.Duration
	seen   map[string]time.Time
	claims int
	now    func() time.Time
}

func NewMemoryDeduper(ttl time.Duration) *MemoryDeduper {
	return &MemoryDeduper{
		ttl:  ttl,
		seen: make(map[string]time.Time),
		now:  time.Now,
	}
}

func (d *MemoryDeduper) Claim(_ context.Context, eventID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	d.claims++
	if d.claims%sweepEvery == 0 {
		d.sweepLocked(now)
	}
	if exp, ok := d.seen[eventID]; ok && now.Before(exp) {
		return false, nil
	}
	d.seen[eventID] = now.Add(d.ttl)
	return true, nil
}

func (d *MemoryDeduper) Release(_ context.Context, eventID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, eventID)
	return nil
}

// Len returns the number of ids currently retained.
func (d *MemoryDeduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

func (d *MemoryDeduper) sweepLocked(now time.Time) {
	for id, exp := range d.seen {
		if !now.Before(exp) {
			delete(d.seen, id)
		}
	}
}
