package status

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"herald/internal/testinfra"
	apperrors "herald/pkg/errors"
	"herald/pkg/models"
)

func TestRedisStoreLifecycle(t *testing.T) {
	rdb := testinfra.Redis(t)
	store := NewRedisStore(rdb, time.Hour)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, models.StatusRecord{NotificationID: "notif_1", Channel: models.ChannelEmail}))

	rec, err := store.Get(ctx, "notif_1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, rec.Status)
	assert.Equal(t, models.ChannelEmail, rec.Channel)
	assert.False(t, rec.CreatedAt.IsZero())

	require.NoError(t, store.MarkRetry(ctx, "notif_1", 1, "smtp: connection reset"))
	rec, err = store.Get(ctx, "notif_1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, rec.Status)
	assert.Equal(t, 1, rec.RetryCount)
	assert.Equal(t, "smtp: connection reset", rec.LastError)

	require.NoError(t, store.MarkDelivered(ctx, "notif_1", 1))
	rec, err = store.Get(ctx, "notif_1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusDelivered, rec.Status)
	assert.Empty(t, rec.LastError)
	require.NotNil(t, rec.DeliveredAt)

	ttl, err := rdb.TTL(ctx, KeyPrefix+"notif_1").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 59*time.Minute, "updates keep the ttl set at creation")
}

func TestRedisStoreDeliveredIsNotOverwritten(t *testing.T) {
	rdb := testinfra.Redis(t)
	store := NewRedisStore(rdb, time.Hour)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, models.StatusRecord{NotificationID: "notif_2"}))
	require.NoError(t, store.MarkDelivered(ctx, "notif_2", 0))
	require.NoError(t, store.MarkFailed(ctx, "notif_2", 5, "late duplicate"))

	rec, err := store.Get(ctx, "notif_2")
	require.NoError(t, err)
	assert.Equal(t, models.StatusDelivered, rec.Status)
}

func TestRedisStoreMarkFailedRecreatesExpiredRecord(t *testing.T) {
	rdb := testinfra.Redis(t)
	store := NewRedisStore(rdb, time.Hour)
	ctx := context.Background()

	require.NoError(t, store.MarkFailed(ctx, "notif_3", 5, "retries exhausted"))

	rec, err := store.Get(ctx, "notif_3")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, rec.Status)
	assert.Equal(t, "retries exhausted", rec.LastError)
	assert.Equal(t, 5, rec.RetryCount)

	ttl, err := rdb.TTL(ctx, KeyPrefix+"notif_3").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}

func TestRedisStoreGetMissing(t *testing.T) {
	rdb := testinfra.Redis(t)
	store := NewRedisStore(rdb, time.Hour)

	_, err := store.Get(context.Background(), "notif_missing")
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestRedisStoreDelete(t *testing.T) {
	rdb := testinfra.Redis(t)
	store := NewRedisStore(rdb, time.Hour)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, models.StatusRecord{NotificationID: "notif_4"}))
	require.NoError(t, store.Delete(ctx, "notif_4"))

	_, err := store.Get(ctx, "notif_4")
	assert.True(t, apperrors.IsNotFound(err))
}
