package userdirectory

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"herald/internal/config"
	apperrors "herald/pkg/errors"
	"herald/pkg/models"
)

func newDirectory(t *testing.T, handler http.HandlerFunc, cb config.CircuitBreakerConfig) *HTTPDirectory {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTPDirectory(config.UserDirectoryConfig{Enabled: true, BaseURL: srv.URL + "/", Timeout: time.Second}, cb)
}

func TestLookupUser(t *testing.T) {
	d := newDirectory(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/users/u-1", r.URL.Path)
		_, _ = w.Write([]byte(`{"success":true,"data":{"id":"u-1","email":"a@x.com","push_token":"tok","preferences":{"email":true,"push":false}}}`))
	}, config.CircuitBreakerConfig{})

	u, err := d.Lookup(context.Background(), "u-1")
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", u.TargetFor(models.ChannelEmail))
	assert.Equal(t, "tok", u.TargetFor(models.ChannelPush))
	assert.True(t, u.Allows(models.ChannelEmail))
	assert.False(t, u.Allows(models.ChannelPush))
}

func TestMissingPreferencesAllowChannel(t *testing.T) {
	u := &User{Email: "a@x.com"}
	assert.True(t, u.Allows(models.ChannelEmail))
	assert.True(t, u.Allows(models.ChannelPush))
}

func TestLookupNotFound(t *testing.T) {
	d := newDirectory(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}, config.CircuitBreakerConfig{})

	_, err := d.Lookup(context.Background(), "ghost")
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestLookupInactiveUser(t *testing.T) {
	d := newDirectory(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":true,"data":{"id":"u-2","email":"b@x.com","is_active":false}}`))
	}, config.CircuitBreakerConfig{})

	_, err := d.Lookup(context.Background(), "u-2")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestLookupOutageOpensBreaker(t *testing.T) {
	calls := 0
	d := newDirectory(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	}, config.CircuitBreakerConfig{Enabled: true, MinRequests: 2, FailureRatio: 0.5, Timeout: time.Minute})

	for i := 0; i < 2; i++ {
		_, err := d.Lookup(context.Background(), "u-1")
		assert.True(t, IsUnavailable(err))
	}

	_, err := d.Lookup(context.Background(), "u-1")
	assert.True(t, IsUnavailable(err))
	assert.Equal(t, 2, calls, "open breaker skips the request")
}

func TestNotFoundDoesNotTripBreaker(t *testing.T) {
	calls := 0
	d := newDirectory(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusNotFound)
	}, config.CircuitBreakerConfig{Enabled: true, MinRequests: 2, FailureRatio: 0.5, Timeout: time.Minute})

	for i := 0; i < 4; i++ {
		_, err := d.Lookup(context.Background(), "ghost")
		assert.True(t, apperrors.IsNotFound(err))
	}
	assert.Equal(t, 4, calls)
}
