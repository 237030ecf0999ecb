// Package dispatch consumes a channel queue and drives each envelope to delivery, a scheduled
// retry or the dead letter sink.
package dispatch

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"herald/internal/breaker"
	"herald/internal/broker"
	"herald/internal/deadletter"
	"herald/internal/logger"
	"herald/internal/provider"
	"herald/internal/renderer"
	"herald/internal/status"
	apperrors "herald/pkg/errors"
	"herald/pkg/logging"
	"herald/pkg/metrics"
	"herald/pkg/models"
	"herald/pkg/retry"
	"herald/pkg/tracing"
)

type Outcome string

const (
	OutcomeDelivered      Outcome = "delivered"
	OutcomeRetryScheduled Outcome = "retry_scheduled"
	OutcomeDeadLettered   Outcome = "dead_lettered"
	// OutcomeDeferred means the breaker refused the call and the envelope went back unchanged.
	OutcomeDeferred Outcome = "deferred"
	// OutcomeSkipped means the notification already reached a terminal status.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeReleased means the delivery was handed back to the broker with Nack.
	OutcomeReleased Outcome = "released"
)

type Processor struct {
	channel        models.Channel
	queue          string
	renderer       renderer.Renderer
	provider       provider.Provider
	breaker        breaker.Breaker
	policy         retry.Policy
	producer       broker.Producer
	statuses       status.Store
	sink           deadletter.Sink
	statusRetry    retry.Backoff
	attemptTimeout time.Duration
	logger         logger.Logger
}

type ProcessorConfig struct {
	Channel        models.Channel
	Queue          string
	Renderer       renderer.Renderer
	Provider       provider.Provider
	Breaker        breaker.Breaker
	Policy         retry.Policy
	Producer       broker.Producer
	Statuses       status.Store
	Sink           deadletter.Sink
	// StatusRetry bounds retries of the failed status write after a deposit. Zero means
	// retry.DefaultBackoff.
	StatusRetry    retry.Backoff
	AttemptTimeout time.Duration
}

func NewProcessor(cfg ProcessorConfig, log logger.Logger) *Processor {
	timeout := cfg.AttemptTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Processor{
		channel:        cfg.Channel,
		queue:          cfg.Queue,
		renderer:       cfg.Renderer,
		provider:       cfg.Provider,
		breaker:        cfg.Breaker,
		policy:         cfg.Policy,
		producer:       cfg.Producer,
		statuses:       cfg.Statuses,
		sink:           cfg.Sink,
		statusRetry:    cfg.StatusRetry,
		attemptTimeout: timeout,
		logger:         log,
	}
}

// Process handles one delivery and always settles it with exactly one Ack or Nack.
// ctx should not be cancelled by shutdown; in-flight work finishes and records its outcome.
func (p *Processor) Process(ctx context.Context, d broker.Delivery) Outcome {
	env := d.Envelope()

	ctx, span := tracing.StartConsumerSpan(ctx, d.Queue(), d.Headers())
	defer span.End()
	span.SetAttributes(
		attribute.String("notification.id", env.NotificationID),
		attribute.String("notification.channel", string(env.Channel)),
		attribute.Int("notification.retry_count", env.RetryCount),
	)

	ctx = logging.WithNotificationID(ctx, env.NotificationID)
	ctx = logging.WithChannel(ctx, string(env.Channel))
	if env.CorrelationID != "" {
		ctx = logging.WithCorrelationID(ctx, env.CorrelationID)
	}
	if traceID := tracing.TraceID(ctx); traceID != "" {
		ctx = logging.WithTraceID(ctx, traceID)
	}

	outcome := p.process(ctx, d, env)
	span.SetAttributes(attribute.String("dispatch.outcome", string(outcome)))
	if outcome == OutcomeDeadLettered || outcome == OutcomeReleased {
		span.SetStatus(codes.Error, string(outcome))
	}
	return outcome
}

func (p *Processor) process(ctx context.Context, d broker.Delivery, env models.Envelope) Outcome {
	if rec, err := p.statuses.Get(ctx, env.NotificationID); err == nil && rec.Status.Terminal() {
		p.logger.InfowCtx(ctx, "Notification already finished, dropping redelivery",
			"status", rec.Status,
		)
		metrics.DeliveriesTotal.WithLabelValues(string(p.channel), string(OutcomeSkipped)).Inc()
		return p.ack(ctx, d, OutcomeSkipped)
	}

	if env.RetryCount > p.policy.MaxRetries {
		err := errors.New("retry budget exhausted before attempt")
		return p.deadLetter(ctx, d, env, models.FailureTransient, deadletter.ReasonMaxRetries, err)
	}

	if !p.breaker.CanProceed(ctx) {
		return p.requeue(ctx, d, env)
	}

	start := time.Now()
	err := p.attempt(ctx, env)
	if err == nil {
		p.breaker.RecordSuccess(ctx)
		metrics.ObserveDelivery(string(p.channel), string(OutcomeDelivered), time.Since(start))
		if serr := p.statuses.MarkDelivered(ctx, env.NotificationID, env.RetryCount); serr != nil {
			p.logger.ErrorwCtx(ctx, "Failed to record delivered status", "error", serr)
		}
		p.logger.InfowCtx(ctx, "Notification delivered",
			"retry_count", env.RetryCount,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return p.ack(ctx, d, OutcomeDelivered)
	}

	kind := classify(err)
	var provErr *providerFailure
	if errors.As(err, &provErr) {
		if kind == models.FailurePermanent {
			p.breaker.RecordSuccess(ctx)
		} else {
			p.breaker.RecordFailure(ctx)
		}
	}

	decision := p.policy.DecideError(env.RetryCount, err)
	p.logger.WarnwCtx(ctx, "Delivery attempt failed",
		"retry_count", env.RetryCount,
		"kind", kind,
		"action", decision.Action.String(),
		"error", err,
	)

	if decision.Action == retry.ActionRetry {
		metrics.ObserveDelivery(string(p.channel), string(OutcomeRetryScheduled), time.Since(start))
		return p.scheduleRetry(ctx, d, env, decision.Delay, err)
	}

	metrics.ObserveDelivery(string(p.channel), string(OutcomeDeadLettered), time.Since(start))
	return p.deadLetter(ctx, d, env, kind, decision.Reason, err)
}

// providerFailure marks errors returned by the provider itself so that only they feed the breaker.
type providerFailure struct {
	err error
}

func (e *providerFailure) Error() string { return e.err.Error() }
func (e *providerFailure) Unwrap() error { return e.err }

func (p *Processor) attempt(ctx context.Context, env models.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperrors.RecoverPanic(r)
			p.logger.ErrorwCtx(ctx, "Recovered panic during delivery attempt", "error", err)
		}
	}()

	attemptCtx, cancel := context.WithTimeout(ctx, p.attemptTimeout)
	defer cancel()

	content, err := p.renderer.Render(attemptCtx, env.TemplateRef, env.Variables)
	if err != nil {
		return err
	}

	if err := p.provider.Deliver(attemptCtx, env.Target, content); err != nil {
		return &providerFailure{err: err}
	}
	return nil
}

func classify(err error) models.FailureKind {
	if provider.IsPermanent(err) || !apperrors.IsRetryable(err) {
		return models.FailurePermanent
	}
	return models.FailureTransient
}

func (p *Processor) requeue(ctx context.Context, d broker.Delivery, env models.Envelope) Outcome {
	metrics.CircuitBreakerRejections.WithLabelValues(p.breaker.Name()).Inc()

	if err := p.producer.Publish(ctx, p.queue, env); err != nil {
		p.logger.ErrorwCtx(ctx, "Failed to requeue envelope while breaker is open", "error", err)
		return p.nack(ctx, d)
	}

	p.logger.DebugwCtx(ctx, "Breaker open, envelope requeued unchanged", "breaker", p.breaker.Name())
	metrics.DeliveriesTotal.WithLabelValues(string(p.channel), string(OutcomeDeferred)).Inc()
	return p.ack(ctx, d, OutcomeDeferred)
}

func (p *Processor) scheduleRetry(ctx context.Context, d broker.Delivery, env models.Envelope, delay time.Duration, cause error) Outcome {
	next := env.NextAttempt()
	if err := p.producer.Publish(ctx, p.queue, next, broker.WithDelay(delay)); err != nil {
		p.logger.ErrorwCtx(ctx, "Failed to schedule retry", "error", err)
		return p.nack(ctx, d)
	}

	if err := p.statuses.MarkRetry(ctx, env.NotificationID, next.RetryCount, cause.Error()); err != nil {
		p.logger.ErrorwCtx(ctx, "Failed to record retry on status", "error", err)
	}

	metrics.RetryScheduledTotal.WithLabelValues(string(p.channel), strconv.Itoa(next.RetryCount)).Inc()
	p.logger.InfowCtx(ctx, "Retry scheduled",
		"retry_count", next.RetryCount,
		"delay", delay,
	)
	return p.ack(ctx, d, OutcomeRetryScheduled)
}

func (p *Processor) deadLetter(ctx context.Context, d broker.Delivery, env models.Envelope, kind models.FailureKind, reason string, cause error) Outcome {
	r := deadletter.Reason{
		Reason:      reason,
		Kind:        kind,
		LastError:   cause.Error(),
		SourceQueue: d.Queue(),
		Attempts:    env.RetryCount + 1,
	}
	if err := p.sink.Deposit(ctx, env, r); err != nil {
		p.logger.ErrorwCtx(ctx, "Failed to deposit dead letter", "error", err)
		return p.nack(ctx, d)
	}

	markFailed := func(ctx context.Context) error {
		return p.statuses.MarkFailed(ctx, env.NotificationID, env.RetryCount, cause.Error())
	}
	onRetry := func(attempt int, err error, next time.Duration) {
		p.logger.WarnwCtx(ctx, "Retrying failed status write", "attempt", attempt, "next", next, "error", err)
	}
	if err := retry.Do(ctx, p.statusRetry, markFailed, onRetry); err != nil {
		p.logger.ErrorwCtx(ctx, "Failed to record failed status", "error", err)
	}

	metrics.DLQMessagesTotal.WithLabelValues(string(p.channel), string(kind)).Inc()
	p.logger.WarnwCtx(ctx, "Notification dead-lettered",
		"reason", reason,
		"retry_count", env.RetryCount,
		"last_error", cause.Error(),
	)
	return p.ack(ctx, d, OutcomeDeadLettered)
}

func (p *Processor) ack(ctx context.Context, d broker.Delivery, outcome Outcome) Outcome {
	if err := d.Ack(ctx); err != nil {
		p.logger.ErrorwCtx(ctx, "Failed to acknowledge delivery", "outcome", outcome, "error", err)
	}
	return outcome
}

func (p *Processor) nack(ctx context.Context, d broker.Delivery) Outcome {
	if err := d.Nack(ctx); err != nil {
		p.logger.ErrorwCtx(ctx, "Failed to release delivery", "error", err)
	}
	metrics.DeliveriesTotal.WithLabelValues(string(p.channel), string(OutcomeReleased)).Inc()
	return OutcomeReleased
}
