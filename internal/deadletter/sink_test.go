package deadletter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"herald/internal/broker"
	"herald/internal/logger"
	"herald/internal/testinfra"
	"herald/pkg/models"
	"herald/pkg/retry"
)

func testEnvelope(id string, channel models.Channel) models.Envelope {
	target := "user@example.com"
	if channel == models.ChannelPush {
		target = "device-token"
	}
	return models.Envelope{
		Version:        models.EnvelopeVersion,
		NotificationID: id,
		Channel:        channel,
		Target:         target,
		TemplateRef:    "welcome",
		Variables:      map[string]interface{}{"name": "Ada"},
		Priority:       5,
		RequestKey:     "rk-" + id,
		RetryCount:     5,
		CreatedAt:      time.Now().UTC().Truncate(time.Millisecond),
		CorrelationID:  "corr-" + id,
	}
}

func maxRetriesReason() Reason {
	return Reason{
		Reason:      ReasonMaxRetries,
		Kind:        models.FailureTransient,
		LastError:   "smtp: 451 try again later",
		SourceQueue: "email.queue",
		Attempts:    6,
	}
}

type recordingSink struct {
	mu       sync.Mutex
	failures int
	err      error
	got      []models.Envelope
}

func (s *recordingSink) Deposit(_ context.Context, env models.Envelope, _ Reason) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return s.err
	}
	if s.err != nil && s.failures < 0 {
		return s.err
	}
	s.got = append(s.got, env)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

func TestBrokerSinkPublishesAnnotatedEnvelope(t *testing.T) {
	mem := broker.NewMemory()
	sink := NewBrokerSink(mem, "failed.queue")
	failedAt := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	sink.now = func() time.Time { return failedAt }

	env := testEnvelope("notif_a", models.ChannelEmail)
	require.NoError(t, sink.Deposit(context.Background(), env, maxRetriesReason()))

	got := mem.Snapshot("failed.queue")
	require.Len(t, got, 1)
	assert.Equal(t, "notif_a", got[0].NotificationID)
	assert.Equal(t, 5, got[0].RetryCount)
	require.NotNil(t, got[0].DeadLetter)
	assert.Equal(t, ReasonMaxRetries, got[0].DeadLetter.Reason)
	assert.Equal(t, models.FailureTransient, got[0].DeadLetter.Kind)
	assert.Equal(t, "email.queue", got[0].DeadLetter.SourceQueue)
	assert.Equal(t, 6, got[0].DeadLetter.Attempts)
	assert.Equal(t, failedAt, got[0].DeadLetter.FailedAt)
	assert.Nil(t, env.DeadLetter, "the caller's envelope is left untouched")
}

func TestMultiSinkPrimaryIsAuthoritative(t *testing.T) {
	ctx := context.Background()
	env := testEnvelope("notif_b", models.ChannelPush)

	primary := &recordingSink{err: errors.New("broker down"), failures: -1}
	secondary := &recordingSink{}
	err := NewMultiSink(logger.NopLogger(), primary, secondary).Deposit(ctx, env, maxRetriesReason())
	require.Error(t, err)
	assert.Zero(t, secondary.count(), "secondaries are skipped when the primary fails")

	primary = &recordingSink{}
	secondary = &recordingSink{err: errors.New("archive down"), failures: -1}
	err = NewMultiSink(logger.NopLogger(), primary, secondary).Deposit(ctx, env, maxRetriesReason())
	require.NoError(t, err)
	assert.Equal(t, 1, primary.count())
}

func TestMultiSinkWithoutSinks(t *testing.T) {
	err := NewMultiSink(logger.NopLogger()).Deposit(context.Background(), testEnvelope("notif_c", models.ChannelPush), maxRetriesReason())
	assert.ErrorIs(t, err, ErrNoSinks)
}

func TestWithRetryRecoversFromTransientFailures(t *testing.T) {
	inner := &recordingSink{failures: 2, err: errors.New("connection reset")}
	sink := WithRetry(inner, retry.Backoff{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2,
		MaxElapsedTime:  time.Second,
	}, logger.NopLogger())

	require.NoError(t, sink.Deposit(context.Background(), testEnvelope("notif_d", models.ChannelEmail), maxRetriesReason()))
	assert.Equal(t, 1, inner.count())
}

func TestWithRetryGivesUp(t *testing.T) {
	inner := &recordingSink{failures: 10, err: errors.New("connection reset")}
	sink := WithRetry(inner, retry.Backoff{
		MaxAttempts:     2,
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
		Multiplier:      1,
		MaxElapsedTime:  time.Second,
	}, logger.NopLogger())

	err := sink.Deposit(context.Background(), testEnvelope("notif_e", models.ChannelEmail), maxRetriesReason())
	require.Error(t, err)
	assert.Zero(t, inner.count())
}

func TestPostgresSinkDepositAndList(t *testing.T) {
	db := testinfra.Postgres(t)
	sink := NewPostgresSink(db)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	calls := 0
	sink.now = func() time.Time {
		calls++
		return base.Add(time.Duration(calls) * time.Minute)
	}

	email := testEnvelope("notif_pg1", models.ChannelEmail)
	push := testEnvelope("notif_pg2", models.ChannelPush)
	permanent := Reason{Reason: ReasonPermanent, Kind: models.FailurePermanent, SourceQueue: "push.queue", Attempts: 1}

	require.NoError(t, sink.Deposit(ctx, email, maxRetriesReason()))
	require.NoError(t, sink.Deposit(ctx, push, permanent))
	require.NoError(t, sink.Deposit(ctx, email, maxRetriesReason()), "redelivered deposits are ignored")

	all, err := sink.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "notif_pg2", all[0].NotificationID, "newest first")
	assert.Equal(t, models.FailurePermanent, all[0].Kind)
	assert.Empty(t, all[0].LastError)
	assert.Equal(t, "notif_pg1", all[1].NotificationID)
	assert.Equal(t, "corr-notif_pg1", all[1].CorrelationID)
	assert.Equal(t, "smtp: 451 try again later", all[1].LastError)
	require.NotNil(t, all[1].Envelope.DeadLetter)
	assert.Equal(t, ReasonMaxRetries, all[1].Envelope.DeadLetter.Reason)
	assert.Equal(t, "Ada", all[1].Envelope.Variables["name"])

	emails, err := sink.List(ctx, Filter{Channel: models.ChannelEmail, Limit: 10})
	require.NoError(t, err)
	require.Len(t, emails, 1)
	assert.Equal(t, models.ChannelEmail, emails[0].Channel)

	limited, err := sink.List(ctx, Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}
