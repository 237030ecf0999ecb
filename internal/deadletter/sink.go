// Package deadletter stores envelopes that will never be delivered. Sinks are append-only.
package deadletter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"herald/internal/broker"
	"herald/internal/logger"
	"herald/pkg/metrics"
	"herald/pkg/models"
	"herald/pkg/retry"
)

const (
	ReasonMaxRetries = retry.ReasonRetriesExhausted
	ReasonPermanent  = retry.ReasonPermanentFailure
)

var ErrNoSinks = errors.New("deadletter: no sinks configured")

// Reason describes why an envelope left the live queues.
type Reason struct {
	Reason      string
	Kind        models.FailureKind
	LastError   string
	SourceQueue string
	Attempts    int
}

type Sink interface {
	Deposit(ctx context.Context, env models.Envelope, reason Reason) error
}

// Annotate returns a copy of env carrying the dead letter details.
func Annotate(env models.Envelope, reason Reason, failedAt time.Time) models.Envelope {
	out := env.Clone()
	out.DeadLetter = &models.DeadLetterInfo{
		Reason:      reason.Reason,
		Kind:        reason.Kind,
		LastError:   reason.LastError,
		SourceQueue: reason.SourceQueue,
		Attempts:    reason.Attempts,
		FailedAt:    failedAt.UTC(),
	}
	return out
}

// BrokerSink publishes dead letters to the failed queue.
type BrokerSink struct {
	producer broker.Producer
	queue    string
	now      func() time.Time
}

func NewBrokerSink(producer broker.Producer, queue string) *BrokerSink {
	return &BrokerSink{producer: producer, queue: queue, now: time.Now}
}

func (s *BrokerSink) Deposit(ctx context.Context, env models.Envelope, reason Reason) error {
	if err := s.producer.Publish(ctx, s.queue, Annotate(env, reason, s.now())); err != nil {
		return fmt.Errorf("failed to publish dead letter to %s: %w", s.queue, err)
	}
	return nil
}

// MultiSink deposits into every sink in order. The first sink is authoritative: its error is
// returned and the rest are skipped. Failures of the others are logged only.
type MultiSink struct {
	sinks  []Sink
	logger logger.Logger
}

func NewMultiSink(log logger.Logger, sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks, logger: log}
}

func (m *MultiSink) Deposit(ctx context.Context, env models.Envelope, reason Reason) error {
	if len(m.sinks) == 0 {
		return ErrNoSinks
	}
	if err := m.sinks[0].Deposit(ctx, env, reason); err != nil {
		return err
	}
	for _, sink := range m.sinks[1:] {
		if err := sink.Deposit(ctx, env, reason); err != nil {
			m.logger.WarnwCtx(ctx, "Secondary dead letter sink failed",
				"notification_id", env.NotificationID,
				"error", err,
			)
		}
	}
	return nil
}

type retryingSink struct {
	next    Sink
	backoff retry.Backoff
	logger  logger.Logger
}

// WithRetry retries failed deposits with b before giving up.
func WithRetry(next Sink, b retry.Backoff, log logger.Logger) Sink {
	return &retryingSink{next: next, backoff: b, logger: log}
}

func (s *retryingSink) Deposit(ctx context.Context, env models.Envelope, reason Reason) error {
	return retry.Do(ctx, s.backoff, func(ctx context.Context) error {
		return s.next.Deposit(ctx, env, reason)
	}, func(attempt int, err error, next time.Duration) {
		metrics.RetryAttemptsTotal.WithLabelValues("deadletter", "deposit").Inc()
		s.logger.WarnwCtx(ctx, "Dead letter deposit failed, retrying",
			"notification_id", env.NotificationID,
			"attempt", attempt,
			"next_retry_in", next,
			"error", err,
		)
	})
}
