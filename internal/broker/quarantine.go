package broker

import (
	"context"
	"fmt"
	"time"

	"herald/pkg/metrics"
)

// Quarantine moves payloads that cannot be decoded into an envelope to the failed queue, with
// the decode error and source queue attached. Consumers settle such a message only after Hold
// succeeds.
type Quarantine struct {
	publisher RawPublisher
	queue     string
	now       func() time.Time
}

func NewQuarantine(publisher RawPublisher, queue string) *Quarantine {
	return &Quarantine{publisher: publisher, queue: queue, now: time.Now}
}

// Queue is the queue quarantined payloads are written to.
func (q *Quarantine) Queue() string {
	if q == nil {
		return ""
	}
	return q.queue
}

func (q *Quarantine) Hold(ctx context.Context, source string, body []byte, cause error) error {
	if q == nil || q.publisher == nil || q.queue == "" {
		return ErrNoQuarantine
	}
	if source == q.queue {
		return fmt.Errorf("refusing to quarantine %s into itself: %w", source, ErrNoQuarantine)
	}

	reason := "undecodable payload"
	if cause != nil {
		reason = cause.Error()
	}
	headers := map[string]string{
		headerQuarantineReason: reason,
		headerSourceQueue:      source,
		headerQuarantinedAt:    q.now().UTC().Format(time.RFC3339),
	}
	if err := q.publisher.PublishRaw(ctx, q.queue, body, headers); err != nil {
		return fmt.Errorf("quarantine payload from %s: %w", source, err)
	}

	metrics.IncBrokerMessagesQuarantined(source)
	return nil
}
