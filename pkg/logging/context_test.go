package logging

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetLogFields(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, GetLogFields(ctx))

	ctx = WithServiceName(ctx, "dispatch-worker")
	ctx = WithCorrelationID(ctx, "corr-1")
	ctx = WithNotificationID(ctx, "notif_abc")

	assert.Equal(t, []interface{}{
		"correlation_id", "corr-1",
		"notification_id", "notif_abc",
		"service_name", "dispatch-worker",
	}, GetLogFields(ctx))
	assert.Equal(t, "corr-1", GetCorrelationID(ctx))
	assert.Equal(t, "", GetTraceID(ctx))
}

func TestContextKeysDoNotCollideWithPlainStrings(t *testing.T) {
	//nolint:staticcheck
	ctx := context.WithValue(context.Background(), "correlation_id", "plain")
	assert.Equal(t, "", GetCorrelationID(ctx))
}

func TestEarlyLogFatalExits(t *testing.T) {
	var stderr bytes.Buffer
	code := -1
	l := &EarlyLog{out: &bytes.Buffer{}, err: &stderr, exit: func(c int) { code = c }}

	l.Fatal("config %s", "missing")

	assert.Equal(t, 1, code)
	assert.Equal(t, "FATAL: config missing\n", stderr.String())
}
