package idempotency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"herald/internal/testinfra"
	"herald/pkg/circuitbreaker"
	apperrors "herald/pkg/errors"
)

func TestRedisStoreClaimOnce(t *testing.T) {
	rdb := testinfra.Redis(t)
	store := NewRedisStore(rdb)
	ctx := context.Background()

	_, found, err := store.Get(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, found)

	owner, claimed, err := store.Claim(ctx, "r1", "notif_aaa", time.Hour)
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, "notif_aaa", owner)

	owner, claimed, err = store.Claim(ctx, "r1", "notif_bbb", time.Hour)
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.Equal(t, "notif_aaa", owner)

	id, found, err := store.Get(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "notif_aaa", id)

	ttl, err := rdb.TTL(ctx, KeyPrefix+"r1").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 59*time.Minute)
}

func TestRedisStoreConcurrentClaimsHaveOneWinner(t *testing.T) {
	rdb := testinfra.Redis(t)
	store := NewRedisStore(rdb)
	ctx := context.Background()

	const n = 20
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
		owners  = map[string]struct{}{}
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			owner, claimed, err := store.Claim(ctx, "race", "notif_"+string(rune('a'+i)), time.Minute)
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			if claimed {
				winners++
			}
			owners[owner] = struct{}{}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
	assert.Len(t, owners, 1)
}

func TestRedisStoreReleaseIsCompareAndDelete(t *testing.T) {
	rdb := testinfra.Redis(t)
	store := NewRedisStore(rdb)
	ctx := context.Background()

	_, _, err := store.Claim(ctx, "r2", "notif_owner", time.Minute)
	require.NoError(t, err)

	require.NoError(t, store.Release(ctx, "r2", "notif_other"))
	_, found, err := store.Get(ctx, "r2")
	require.NoError(t, err)
	assert.True(t, found)

	require.NoError(t, store.Release(ctx, "r2", "notif_owner"))
	_, found, err = store.Get(ctx, "r2")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisStoreRejectsNonPositiveTTL(t *testing.T) {
	store := NewRedisStore(nil)
	_, _, err := store.Claim(context.Background(), "k", "id", 0)
	assert.Error(t, err)
}

type failingStore struct{ err error }

func (f failingStore) Get(ctx context.Context, key string) (string, bool, error) {
	return "", false, f.err
}

func (f failingStore) Claim(ctx context.Context, key, id string, ttl time.Duration) (string, bool, error) {
	return "", false, f.err
}

func (f failingStore) Release(ctx context.Context, key, id string) error { return f.err }

func TestGuardedStoreOpensAndFailsFast(t *testing.T) {
	cfg := circuitbreaker.DefaultConfig("redis-idempotency-test")
	cfg.MinRequests = 2
	cfg.Timeout = time.Minute
	g := NewGuardedStore(failingStore{err: errors.New("connection refused")}, circuitbreaker.NewWrapper(cfg))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, _, err := g.Claim(ctx, "k", "id", time.Minute)
		require.Error(t, err)
		assert.False(t, errors.Is(err, apperrors.ErrServiceUnavailable))
	}

	_, _, err := g.Get(ctx, "k")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrServiceUnavailable)
	assert.Equal(t, "open", g.State())
}

func TestGuardedStoreWithoutBreakerPassesThrough(t *testing.T) {
	boom := errors.New("boom")
	g := NewGuardedStore(failingStore{err: boom}, nil)

	err := g.Release(context.Background(), "k", "id")
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "disabled", g.State())
}
