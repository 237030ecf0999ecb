// Package idempotency maps caller request keys to the notification id issued for them.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"herald/pkg/metrics"
)

const KeyPrefix = "herald:idempotency:"

// Store is written only by admission. Claim is the atomic check-and-set that serializes
// concurrent admissions of the same request key.
type Store interface {
	// Get returns the notification id stored for key, or found=false.
	Get(ctx context.Context, key string) (notificationID string, found bool, err error)
	// Claim stores key -> notificationID unless key is already present. It returns the id that
	// now owns the key and whether this call created the record.
	Claim(ctx context.Context, key, notificationID string, ttl time.Duration) (owner string, claimed bool, err error)
	// Release deletes key only while it still maps to notificationID.
	Release(ctx context.Context, key, notificationID string) error
}

var (
	claimScript = redis.NewScript(`
local existing = redis.call('GET', KEYS[1])
if existing then
	return {0, existing}
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return {1, ARGV[1]}
`)

	releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)
)

type RedisStore struct {
	client redis.UniversalClient
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	id, err := s.client.Get(ctx, KeyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		metrics.IncDatabaseQuery("redis", "idempotency_get", "miss")
		return "", false, nil
	}
	if err != nil {
		metrics.IncDatabaseQuery("redis", "idempotency_get", "error")
		return "", false, fmt.Errorf("redis GET failed: %w", err)
	}
	metrics.IncDatabaseQuery("redis", "idempotency_get", "hit")
	return id, true, nil
}

func (s *RedisStore) Claim(ctx context.Context, key, notificationID string, ttl time.Duration) (string, bool, error) {
	if ttl <= 0 {
		return "", false, fmt.Errorf("idempotency ttl must be positive, got %s", ttl)
	}

	res, err := claimScript.Run(ctx, s.client, []string{KeyPrefix + key}, notificationID, ttl.Milliseconds()).Slice()
	if err != nil {
		metrics.IncDatabaseQuery("redis", "idempotency_claim", "error")
		return "", false, fmt.Errorf("redis claim failed: %w", err)
	}
	if len(res) != 2 {
		return "", false, fmt.Errorf("redis claim returned %d values", len(res))
	}

	claimed, _ := res[0].(int64)
	owner, _ := res[1].(string)
	if claimed == 1 {
		metrics.IncDatabaseQuery("redis", "idempotency_claim", "claimed")
	} else {
		metrics.IncDatabaseQuery("redis", "idempotency_claim", "duplicate")
	}
	return owner, claimed == 1, nil
}

func (s *RedisStore) Release(ctx context.Context, key, notificationID string) error {
	if err := releaseScript.Run(ctx, s.client, []string{KeyPrefix + key}, notificationID).Err(); err != nil {
		metrics.IncDatabaseQuery("redis", "idempotency_release", "error")
		return fmt.Errorf("redis release failed: %w", err)
	}
	metrics.IncDatabaseQuery("redis", "idempotency_release", "success")
	return nil
}
