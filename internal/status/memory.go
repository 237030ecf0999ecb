package status

import (
	"context"
	"sync"
	"time"

	"herald/pkg/models"
)

// MemoryStore is a process local Store for tests and single instance runs. Records do not expire.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]models.StatusRecord
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]models.StatusRecord), now: time.Now}
}

func (m *MemoryStore) Create(ctx context.Context, rec models.StatusRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	if rec.Status == "" {
		rec.Status = models.StatusPending
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	m.records[rec.NotificationID] = rec
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, notificationID string) (*models.StatusRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[notificationID]
	if !ok {
		return nil, ErrNotFound.WithDetail("notification_id", notificationID)
	}
	return &rec, nil
}

func (m *MemoryStore) MarkDelivered(ctx context.Context, notificationID string, retryCount int) error {
	return m.update(notificationID, func(rec *models.StatusRecord, now time.Time) {
		rec.Status = models.StatusDelivered
		rec.RetryCount = retryCount
		rec.LastError = ""
		rec.DeliveredAt = &now
	})
}

func (m *MemoryStore) MarkFailed(ctx context.Context, notificationID string, retryCount int, lastError string) error {
	return m.update(notificationID, func(rec *models.StatusRecord, now time.Time) {
		rec.Status = models.StatusFailed
		rec.RetryCount = retryCount
		rec.LastError = lastError
	})
}

func (m *MemoryStore) MarkRetry(ctx context.Context, notificationID string, retryCount int, lastError string) error {
	return m.update(notificationID, func(rec *models.StatusRecord, now time.Time) {
		rec.Status = models.StatusPending
		rec.RetryCount = retryCount
		rec.LastError = lastError
	})
}

func (m *MemoryStore) Delete(ctx context.Context, notificationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, notificationID)
	return nil
}

func (m *MemoryStore) update(id string, mutate func(*models.StatusRecord, time.Time)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	rec, ok := m.records[id]
	if !ok {
		rec = models.StatusRecord{NotificationID: id, CreatedAt: now}
	}
	if rec.Status == models.StatusDelivered {
		return nil
	}
	mutate(&rec, now)
	rec.UpdatedAt = now
	m.records[id] = rec
	return nil
}
