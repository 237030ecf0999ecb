package models

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validEnvelope() Envelope {
	return Envelope{
		Version:        EnvelopeVersion,
		NotificationID: "notif_0123456789ab",
		Channel:        ChannelEmail,
		Target:         "user@example.com",
		TemplateRef:    "welcome",
		Variables:      map[string]interface{}{"name": "Ada"},
		Priority:       DefaultPriority,
		RequestKey:     "r1",
		CreatedAt:      time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		CorrelationID:  "corr-1",
	}
}

func TestEncodeDecodeKeepsEveryField(t *testing.T) {
	env := validEnvelope()
	env.RetryCount = 2
	env.Metadata = map[string]string{"campaign": "spring"}

	data, err := Encode(env)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, env, got)
}

func TestDecodeDefaultsMissingVersion(t *testing.T) {
	data := []byte(`{"notification_id":"notif_1","channel":"push","target":"tok-1","template_ref":"t",` +
		`"priority":3,"request_key":"k","retry_count":0,"created_at":"2026-01-01T00:00:00Z"}`)

	env, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, EnvelopeVersion, env.Version)
	assert.Equal(t, ChannelPush, env.Channel)
}

func TestDecodeRejects(t *testing.T) {
	tests := []struct {
		name  string
		data  string
		field string
	}{
		{"not json", `{`, ""},
		{"future version", `{"version":99}`, ""},
		{"missing target", `{"notification_id":"n","channel":"email","template_ref":"t","priority":5,"request_key":"k","created_at":"2026-01-01T00:00:00Z"}`, "target"},
		{"bad channel", `{"notification_id":"n","channel":"sms","target":"x","template_ref":"t","priority":5,"request_key":"k","created_at":"2026-01-01T00:00:00Z"}`, "channel"},
		{"priority too high", `{"notification_id":"n","channel":"push","target":"x","template_ref":"t","priority":11,"request_key":"k","created_at":"2026-01-01T00:00:00Z"}`, "priority"},
		{"bad email", `{"notification_id":"n","channel":"email","target":"nope","template_ref":"t","priority":5,"request_key":"k","created_at":"2026-01-01T00:00:00Z"}`, "target"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.data))
			require.Error(t, err)

			var decErr *DecodeError
			require.True(t, errors.As(err, &decErr))
			assert.True(t, decErr.IsFatal())

			if tt.field != "" {
				var vErr *ValidationError
				require.True(t, errors.As(err, &vErr))
				assert.Equal(t, tt.field, vErr.Field)
			}
		})
	}
}

func TestDecodeFutureVersion(t *testing.T) {
	_, err := Decode([]byte(`{"version":2}`))
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestValidateTarget(t *testing.T) {
	assert.NoError(t, ValidateTarget(ChannelEmail, "a@b.io"))
	assert.Error(t, ValidateTarget(ChannelEmail, "Ada <a@b.io>"))
	assert.NoError(t, ValidateTarget(ChannelPush, "fcm-token:123"))
	assert.Error(t, ValidateTarget(ChannelPush, "   "))
	assert.Error(t, ValidateTarget(ChannelPush, "has space"))
}

func TestNextAttemptDoesNotAlias(t *testing.T) {
	env := validEnvelope()
	next := env.NextAttempt()
	next.Variables["name"] = "Grace"

	assert.Equal(t, 1, next.RetryCount)
	assert.Equal(t, 0, env.RetryCount)
	assert.Equal(t, "Ada", env.Variables["name"])
	assert.Equal(t, env.NotificationID, next.NotificationID)
}

func TestNewNotificationID(t *testing.T) {
	id := NewNotificationID()
	assert.True(t, strings.HasPrefix(id, "notif_"))
	assert.Len(t, id, len("notif_")+12)
	assert.NotEqual(t, id, NewNotificationID())
}

func TestParseChannel(t *testing.T) {
	c, err := ParseChannel("push")
	require.NoError(t, err)
	assert.Equal(t, ChannelPush, c)

	_, err = ParseChannel("sms")
	assert.Error(t, err)
}
