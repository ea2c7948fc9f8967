package pixel

import (
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// ErrStorageUnavailable is returned when every tier of the chain raised.
var ErrStorageUnavailable = errors.New("pixel: storage unavailable")

// Store is a single storage tier: persistent store, session store or cookies.
type Store interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Remove(key string) error
}

type storedValue struct {
	Value     string `json:"v"`
	ExpiresAt int64  `json:"e,omitempty"`
}

// Storage namespaces keys under a prefix and walks its tiers in strict order.
// A write lands in the first tier that does not raise and is not copied to
// later tiers. A read returns the first live value found.
type Storage struct {
	prefix string
	tiers  []Store
	now    func() time.Time
}

// NewStorage builds the fallback chain in the order given.
func NewStorage(prefix string, tiers ...Store) *Storage {
	return &Storage{prefix: prefix, tiers: tiers, now: time.Now}
}

// Get returns the value for key, skipping tiers that raise, miss or hold an
// expired entry.
func (s *Storage) Get(key string) (string, bool) {
	k := s.prefix + key
	for _, t := range s.tiers {
		raw, ok, err := t.Get(k)
		if err != nil || !ok {
			continue
		}
		var sv storedValue
		if err := json.Unmarshal([]byte(raw), &sv); err != nil {
			return raw, true
		}
		if sv.ExpiresAt > 0 && s.now().UnixMilli() >= sv.ExpiresAt {
			_ = t.Remove(k)
			continue
		}
		return sv.Value, true
	}
	return "", false
}

// Set writes value with an optional retention window (ttl <= 0 keeps it until
// storage is cleared).
func (s *Storage) Set(key, value string, ttl time.Duration) error {
	sv := storedValue{Value: value}
	if ttl > 0 {
		sv.ExpiresAt = s.now().Add(ttl).UnixMilli()
	}
	raw, err := json.Marshal(sv)
	if err != nil {
		return err
	}
	k := s.prefix + key
	for _, t := range s.tiers {
		if err := t.Set(k, string(raw)); err == nil {
			return nil
		}
	}
	return ErrStorageUnavailable
}

// Remove deletes key from every tier, ignoring failures.
func (s *Storage) Remove(key string) {
	for _, t := range s.tiers {
		_ = t.Remove(s.prefix + key)
	}
}

// MemoryStore is an in-process tier, used for session-scoped storage and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]string)}
}

func (m *MemoryStore) Get(key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *MemoryStore) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *MemoryStore) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// Len reports the number of keys held.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

const cookieTierMaxAge = 365 * 24 * time.Hour

// CookieStore adapts a CookieJar as the last storage tier.
type CookieStore struct {
	jar CookieJar
}

func NewCookieStore(jar CookieJar) *CookieStore {
	return &CookieStore{jar: jar}
}

func (c *CookieStore) Get(key string) (string, bool, error) {
	v, err := c.jar.Cookie(key)
	if err != nil {
		return "", false, err
	}
	return v, v != "", nil
}

func (c *CookieStore) Set(key, value string) error {
	return c.jar.SetCookie(key, value, cookieTierMaxAge)
}

func (c *CookieStore) Remove(key string) error {
	return c.jar.SetCookie(key, "", -1)
}
