package idempotency

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	id        string
	expiresAt time.Time
}

// MemoryStore is a process local Store for tests and single instance runs.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry), now: time.Now}
}

func (m *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	return e.id, ok, nil
}

func (m *MemoryStore) Claim(ctx context.Context, key, notificationID string, ttl time.Duration) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.live(key); ok {
		return e.id, false, nil
	}
	m.entries[key] = memoryEntry{id: notificationID, expiresAt: m.now().Add(ttl)}
	return notificationID, true, nil
}

func (m *MemoryStore) Release(ctx context.Context, key, notificationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok && e.id == notificationID {
		delete(m.entries, key)
	}
	return nil
}

// live must be called with mu held.
func (m *MemoryStore) live(key string) (memoryEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !m.now().Before(e.expiresAt) {
		delete(m.entries, key)
		return memoryEntry{}, false
	}
	return e, true
}
