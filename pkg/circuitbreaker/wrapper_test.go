package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errMiss = errors.New("miss")

func testConfig() Config {
	cfg := DefaultConfig("test-dependency")
	cfg.MinRequests = 2
	cfg.FailureRatio = 0.5
	cfg.Timeout = 50 * time.Millisecond
	cfg.MaxRequests = 1
	cfg.IsSuccessful = func(err error) bool { return errors.Is(err, errMiss) }
	return cfg
}

func TestRunTripsOnFailureRatio(t *testing.T) {
	w := NewWrapper(testConfig())
	ctx := context.Background()
	boom := errors.New("connection refused")

	for i := 0; i < 2; i++ {
		_, err := Run(ctx, w, func(ctx context.Context) (string, error) { return "", boom })
		assert.ErrorIs(t, err, boom)
	}

	assert.True(t, w.IsOpen())

	_, err := Run(ctx, w, func(ctx context.Context) (string, error) { return "ok", nil })
	assert.True(t, IsRejection(err))
}

func TestRunRecoversAfterTimeout(t *testing.T) {
	w := NewWrapper(testConfig())
	ctx := context.Background()
	boom := errors.New("timeout")

	for i := 0; i < 2; i++ {
		_, _ = Run(ctx, w, func(ctx context.Context) (int, error) { return 0, boom })
	}
	require.Equal(t, gobreaker.StateOpen, w.State())

	time.Sleep(80 * time.Millisecond)

	v, err := Run(ctx, w, func(ctx context.Context) (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, gobreaker.StateClosed, w.State())
}

func TestIsSuccessfulErrorsDoNotTrip(t *testing.T) {
	w := NewWrapper(testConfig())
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := Run(ctx, w, func(ctx context.Context) (string, error) { return "", errMiss })
		assert.ErrorIs(t, err, errMiss)
	}
	assert.Equal(t, gobreaker.StateClosed, w.State())
}

func TestExecuteRespectsCancelledContext(t *testing.T) {
	w := NewWrapper(testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	_, err := w.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		called = true
		return nil, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}
