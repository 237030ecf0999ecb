package broker

import (
	"context"
	"errors"
	"time"

	"herald/pkg/models"
)

var (
	ErrClosed           = errors.New("broker: closed")
	ErrDelayUnsupported = errors.New("broker: delayed publish not supported")
	ErrNoQuarantine     = errors.New("broker: no quarantine queue configured")
)

// Producer publishes envelopes to a named queue. Publish returns only after the broker has
// durably accepted the message, or after it has been handed to a durable delay store.
type Producer interface {
	Publish(ctx context.Context, queue string, env models.Envelope, opts ...PublishOption) error
	Close() error
}

// Consumer is a competing consumer on a single queue.
type Consumer interface {
	// Receive blocks until a delivery is available or ctx is done.
	Receive(ctx context.Context) (Delivery, error)
	Close() error
}

// Delivery is one received envelope. Exactly one of Ack or Nack must be called.
// Nack releases the envelope back to the broker unchanged.
type Delivery interface {
	Envelope() models.Envelope
	Queue() string
	Headers() map[string]string
	Ack(ctx context.Context) error
	Nack(ctx context.Context) error
}

// RawPublisher writes a payload as-is. It carries messages that are not valid envelopes.
type RawPublisher interface {
	PublishRaw(ctx context.Context, queue string, body []byte, headers map[string]string) error
}

// Redeliverer is implemented by producers that keep delayed envelopes outside the broker and
// must run a loop to release them.
type Redeliverer interface {
	RunRedelivery(ctx context.Context, queues ...string) error
}

type publishOptions struct {
	delay time.Duration
}

type PublishOption func(*publishOptions)

// WithDelay hides the envelope from consumers for at least d.
func WithDelay(d time.Duration) PublishOption {
	return func(o *publishOptions) {
		if d > 0 {
			o.delay = d
		}
	}
}

func applyOptions(opts []PublishOption) publishOptions {
	var o publishOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

const (
	headerPriority   = "x-priority"
	headerRetryCount = "x-retry-count"
	headerChannel    = "x-channel"

	headerQuarantineReason = "x-quarantine-reason"
	headerSourceQueue      = "x-source-queue"
	headerQuarantinedAt    = "x-quarantined-at"
)
