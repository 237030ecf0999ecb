package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"herald/pkg/logging"
)

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New("verbose", "json")
	require.Error(t, err)

	l, err := New("debug", "console")
	require.NoError(t, err)
	assert.NotNil(t, l)
}

func TestCtxVariantsAppendContextFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewWithCore(core)
	l.SetServiceName("gateway")

	ctx := logging.WithCorrelationID(context.Background(), "corr-7")
	ctx = logging.WithNotificationID(ctx, "notif_1")

	l.InfowCtx(ctx, "Notification admitted", "channel", "email")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "corr-7", fields["correlation_id"])
	assert.Equal(t, "notif_1", fields["notification_id"])
	assert.Equal(t, "gateway", fields["service_name"])
	assert.Equal(t, "email", fields["channel"])
}

func TestWithKeepsServiceName(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	l := NewWithCore(core)
	l.SetServiceName("dispatch-worker")

	child := l.With("worker_id", 3)
	child.WarnwCtx(context.Background(), "Provider call failed")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.EqualValues(t, 3, fields["worker_id"])
	assert.Equal(t, "dispatch-worker", fields["service_name"])
}
