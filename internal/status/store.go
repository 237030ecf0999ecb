// Package status keeps the externally visible lifecycle record of each notification.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "herald/pkg/errors"
	"herald/pkg/metrics"
	"herald/pkg/models"
)

const KeyPrefix = "herald:status:"

const maxUpdateAttempts = 5

var ErrNotFound = apperrors.ErrNotFound.WithMessage("notification not found")

type Store interface {
	// Create writes a pending record. It overwrites any previous record for the same id.
	Create(ctx context.Context, rec models.StatusRecord) error
	Get(ctx context.Context, notificationID string) (*models.StatusRecord, error)
	MarkDelivered(ctx context.Context, notificationID string, retryCount int) error
	MarkFailed(ctx context.Context, notificationID string, retryCount int, lastError string) error
	// MarkRetry mirrors the retry count and last error while the record stays pending.
	MarkRetry(ctx context.Context, notificationID string, retryCount int, lastError string) error
	Delete(ctx context.Context, notificationID string) error
}

// RedisStore stores each record as a JSON string that expires ttl after creation. Updates keep
// the remaining TTL and never move a record out of delivered.
type RedisStore struct {
	client redis.UniversalClient
	ttl    time.Duration
	now    func() time.Time
}

func NewRedisStore(client redis.UniversalClient, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl, now: time.Now}
}

func (s *RedisStore) Create(ctx context.Context, rec models.StatusRecord) error {
	now := s.now().UTC()
	if rec.Status == "" {
		rec.Status = models.StatusPending
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal status record: %w", err)
	}
	if err := s.client.Set(ctx, KeyPrefix+rec.NotificationID, data, s.ttl).Err(); err != nil {
		metrics.IncDatabaseQuery("redis", "status_create", "error")
		return fmt.Errorf("redis SET failed: %w", err)
	}
	metrics.IncDatabaseQuery("redis", "status_create", "success")
	return nil
}

func (s *RedisStore) Get(ctx context.Context, notificationID string) (*models.StatusRecord, error) {
	data, err := s.client.Get(ctx, KeyPrefix+notificationID).Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.IncDatabaseQuery("redis", "status_get", "miss")
		return nil, ErrNotFound.WithDetail("notification_id", notificationID)
	}
	if err != nil {
		metrics.IncDatabaseQuery("redis", "status_get", "error")
		return nil, fmt.Errorf("redis GET failed: %w", err)
	}
	metrics.IncDatabaseQuery("redis", "status_get", "hit")

	var rec models.StatusRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal status record %s: %w", notificationID, err)
	}
	return &rec, nil
}

func (s *RedisStore) MarkDelivered(ctx context.Context, notificationID string, retryCount int) error {
	return s.update(ctx, "status_delivered", notificationID, func(rec *models.StatusRecord, now time.Time) {
		rec.Status = models.StatusDelivered
		rec.RetryCount = retryCount
		rec.LastError = ""
		rec.DeliveredAt = &now
	})
}

func (s *RedisStore) MarkFailed(ctx context.Context, notificationID string, retryCount int, lastError string) error {
	return s.update(ctx, "status_failed", notificationID, func(rec *models.StatusRecord, now time.Time) {
		rec.Status = models.StatusFailed
		rec.RetryCount = retryCount
		rec.LastError = lastError
	})
}

func (s *RedisStore) MarkRetry(ctx context.Context, notificationID string, retryCount int, lastError string) error {
	return s.update(ctx, "status_retry", notificationID, func(rec *models.StatusRecord, now time.Time) {
		rec.Status = models.StatusPending
		rec.RetryCount = retryCount
		rec.LastError = lastError
	})
}

func (s *RedisStore) Delete(ctx context.Context, notificationID string) error {
	if err := s.client.Del(ctx, KeyPrefix+notificationID).Err(); err != nil {
		metrics.IncDatabaseQuery("redis", "status_delete", "error")
		return fmt.Errorf("redis DEL failed: %w", err)
	}
	metrics.IncDatabaseQuery("redis", "status_delete", "success")
	return nil
}

// update applies mutate under WATCH so concurrent writers for one id cannot lose updates.
// A record that has already expired is recreated with a fresh TTL.
func (s *RedisStore) update(ctx context.Context, op, notificationID string, mutate func(*models.StatusRecord, time.Time)) error {
	key := KeyPrefix + notificationID

	txf := func(tx *redis.Tx) error {
		now := s.now().UTC()
		rec := models.StatusRecord{NotificationID: notificationID, CreatedAt: now}
		exists := true

		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			exists = false
		case err != nil:
			return err
		default:
			if err := json.Unmarshal(data, &rec); err != nil {
				return fmt.Errorf("failed to unmarshal status record %s: %w", notificationID, err)
			}
		}

		if rec.Status == models.StatusDelivered {
			return nil
		}

		mutate(&rec, now)
		rec.UpdatedAt = now

		out, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal status record: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if exists {
				pipe.SetArgs(ctx, key, out, redis.SetArgs{KeepTTL: true})
			} else {
				pipe.Set(ctx, key, out, s.ttl)
			}
			return nil
		})
		return err
	}

	for i := 0; i < maxUpdateAttempts; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			metrics.IncDatabaseQuery("redis", op, "success")
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		metrics.IncDatabaseQuery("redis", op, "error")
		return fmt.Errorf("failed to update status %s: %w", notificationID, err)
	}

	metrics.IncDatabaseQuery("redis", op, "conflict")
	return fmt.Errorf("failed to update status %s: too many concurrent updates", notificationID)
}
