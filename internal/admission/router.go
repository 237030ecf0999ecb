// Package admission is the producer side of the dispatcher: it validates requests, deduplicates
// them by request key and publishes envelopes to the channel queue.
package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"herald/internal/broker"
	"herald/internal/config"
	"herald/internal/idempotency"
	"herald/internal/logger"
	"herald/internal/status"
	"herald/internal/userdirectory"
	apperrors "herald/pkg/errors"
	"herald/pkg/logging"
	"herald/pkg/metrics"
	"herald/pkg/models"
	"herald/pkg/retry"
)

const rollbackTimeout = 5 * time.Second

type Router struct {
	idempotency idempotency.Store
	statuses    status.Store
	producer    broker.Producer
	users       userdirectory.Directory
	queues      config.QueuesConfig
	cfg         config.AdmissionConfig
	logger      logger.Logger
	now         func() time.Time
}

type RouterOption func(*Router)

// WithUserDirectory enables target resolution by user id.
func WithUserDirectory(d userdirectory.Directory) RouterOption {
	return func(r *Router) { r.users = d }
}

func NewRouter(
	idem idempotency.Store,
	statuses status.Store,
	producer broker.Producer,
	queues config.QueuesConfig,
	cfg config.AdmissionConfig,
	log logger.Logger,
	opts ...RouterOption,
) *Router {
	r := &Router{
		idempotency: idem,
		statuses:    statuses,
		producer:    producer,
		queues:      queues,
		cfg:         cfg,
		logger:      log,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Admit publishes req at most once per request key within the idempotency window. A request key
// that was already admitted returns the original notification id with Duplicate set.
func (r *Router) Admit(ctx context.Context, req Request) (Result, error) {
	start := r.now()
	req.normalize()

	res, err := r.admit(ctx, req)

	outcome := "accepted"
	switch {
	case err != nil && apperrors.IsValidation(err):
		outcome = "rejected"
	case err != nil:
		outcome = "error"
	case res.Duplicate:
		outcome = "duplicate"
	}
	metrics.ObserveAdmission(req.Channel, outcome, r.now().Sub(start))

	return res, err
}

func (r *Router) admit(ctx context.Context, req Request) (Result, error) {
	if err := req.Validate(); err != nil {
		return Result{}, err
	}
	channel := models.Channel(req.Channel)

	if req.RequestKey != "" {
		if res, found, err := r.lookupDuplicate(ctx, req.RequestKey); err != nil || found {
			return res, err
		}
	} else {
		req.RequestKey = uuid.NewString()
	}

	target, err := r.resolveTarget(ctx, channel, req)
	if err != nil {
		return Result{}, err
	}

	priority := r.cfg.DefaultPriority
	if priority == 0 {
		priority = models.DefaultPriority
	}
	if req.Priority != nil {
		priority = *req.Priority
	}

	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = logging.GetCorrelationID(ctx)
	}

	env := models.Envelope{
		Version:        models.EnvelopeVersion,
		NotificationID: models.NewNotificationID(),
		Channel:        channel,
		Target:         target,
		TemplateRef:    req.TemplateRef,
		Variables:      req.Variables,
		Priority:       priority,
		RequestKey:     req.RequestKey,
		CreatedAt:      r.now().UTC(),
		CorrelationID:  correlationID,
		Metadata:       req.Metadata,
	}
	if err := models.Validate(&env); err != nil {
		return Result{}, fromModelError(err)
	}

	queue := r.queues.QueueFor(string(channel))
	if queue == "" {
		return Result{}, apperrors.Validation("channel", fmt.Sprintf("no queue configured for channel %s", channel))
	}

	ctx = logging.WithNotificationID(ctx, env.NotificationID)

	owner, claimed, err := r.idempotency.Claim(ctx, env.RequestKey, env.NotificationID, r.cfg.IdempotencyTTL)
	if err != nil {
		return Result{}, apperrors.Wrap(fmt.Errorf("claim request key: %w", err), apperrors.ErrAdmissionFailed)
	}
	if !claimed {
		r.logger.InfowCtx(ctx, "Lost admission race for request key", "request_key", env.RequestKey, "owner", owner)
		return r.duplicateResult(ctx, owner), nil
	}

	if err := r.statuses.Create(ctx, models.StatusRecord{
		NotificationID: env.NotificationID,
		Channel:        env.Channel,
		Status:         models.StatusPending,
		CreatedAt:      env.CreatedAt,
	}); err != nil {
		r.rollback(ctx, env, false)
		return Result{}, apperrors.Wrap(fmt.Errorf("create status: %w", err), apperrors.ErrAdmissionFailed)
	}

	publish := func(ctx context.Context) error {
		return r.producer.Publish(ctx, queue, env)
	}
	onRetry := func(attempt int, err error, next time.Duration) {
		metrics.RetryAttemptsTotal.WithLabelValues("admission", "publish").Inc()
		r.logger.WarnwCtx(ctx, "Publish failed, retrying", "queue", queue, "attempt", attempt, "next", next, "error", err)
	}
	if err := retry.Do(ctx, r.cfg.PublishRetry.Backoff(), publish, onRetry); err != nil {
		r.rollback(ctx, env, true)
		r.logger.ErrorwCtx(ctx, "Admission failed, publish exhausted", "queue", queue, "error", err)
		return Result{}, apperrors.Wrap(fmt.Errorf("publish to %s: %w", queue, err), apperrors.ErrAdmissionFailed)
	}

	r.logger.InfowCtx(ctx, "Notification admitted",
		"channel", env.Channel,
		"queue", queue,
		"priority", env.Priority,
		"request_key", env.RequestKey,
	)

	return Result{NotificationID: env.NotificationID, Status: models.StatusPending}, nil
}

func (r *Router) lookupDuplicate(ctx context.Context, key string) (Result, bool, error) {
	id, found, err := r.idempotency.Get(ctx, key)
	if err != nil {
		return Result{}, false, apperrors.Wrap(fmt.Errorf("lookup request key: %w", err), apperrors.ErrAdmissionFailed)
	}
	if !found {
		return Result{}, false, nil
	}
	r.logger.InfowCtx(ctx, "Duplicate request detected", "request_key", key, "notification_id", id)
	return r.duplicateResult(ctx, id), true, nil
}

// duplicateResult reports the current status of an earlier admission. The status record may
// have expired or be unreadable; the id is still authoritative.
func (r *Router) duplicateResult(ctx context.Context, id string) Result {
	res := Result{NotificationID: id, Status: models.StatusPending, Duplicate: true}
	if rec, err := r.statuses.Get(ctx, id); err == nil {
		res.Status = rec.Status
	}
	return res
}

func (r *Router) resolveTarget(ctx context.Context, channel models.Channel, req Request) (string, error) {
	if req.Target != "" {
		return req.Target, nil
	}
	if r.users == nil {
		return "", apperrors.Validation("target", "target is required")
	}

	user, err := r.users.Lookup(ctx, req.UserID)
	if err != nil {
		return "", err
	}
	if !user.Allows(channel) {
		return "", apperrors.Validation("user_id", fmt.Sprintf("preference disabled: user has disabled %s notifications", channel))
	}
	target := user.TargetFor(channel)
	if target == "" {
		return "", apperrors.Validation("user_id", fmt.Sprintf("user has no %s target", channel))
	}
	return target, nil
}

// rollback undoes the writes of a failed admission so the request key can be retried.
func (r *Router) rollback(ctx context.Context, env models.Envelope, deleteStatus bool) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()

	if deleteStatus {
		if err := r.statuses.Delete(ctx, env.NotificationID); err != nil {
			r.logger.ErrorwCtx(ctx, "Failed to roll back status record", "error", err)
		}
	}
	if err := r.idempotency.Release(ctx, env.RequestKey, env.NotificationID); err != nil {
		r.logger.ErrorwCtx(ctx, "Failed to release request key", "request_key", env.RequestKey, "error", err)
	}
}

// Status returns the status record for a notification.
func (r *Router) Status(ctx context.Context, notificationID string) (*models.StatusRecord, error) {
	return r.statuses.Get(ctx, notificationID)
}
