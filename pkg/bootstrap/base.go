package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"herald/internal/broker"
	"herald/internal/config"
	"herald/internal/logger"
)

// Base holds what every herald process shares: configuration, the logger and the broker
// connections it opened.
type Base struct {
	Config    *config.Config
	Logger    logger.Logger
	Producer  broker.Producer
	Memory    *broker.Memory
	consumers []broker.Consumer
}

func NewBase(cfg *config.Config, log logger.Logger) *Base {
	b := &Base{
		Config: cfg,
		Logger: log,
	}
	if cfg.Broker.Type == "memory" {
		b.Memory = broker.NewMemory()
	}
	return b
}

func (b *Base) brokerOptions(rdb redis.UniversalClient) broker.Options {
	return broker.Options{Redis: rdb, Memory: b.Memory, Producer: b.Producer}
}

// InitProducer opens the producer. rdb backs delayed redelivery on Kafka and may be nil elsewhere.
func (b *Base) InitProducer(ctx context.Context, rdb redis.UniversalClient) error {
	producer, err := broker.NewProducer(ctx, b.Config.Broker, b.brokerOptions(rdb), b.Logger)
	if err != nil {
		return fmt.Errorf("failed to create producer: %w", err)
	}
	b.Producer = producer
	return nil
}

// NewConsumer opens a consumer on queue. It is closed by ShutdownBroker.
func (b *Base) NewConsumer(ctx context.Context, queue string, rdb redis.UniversalClient) (broker.Consumer, error) {
	consumer, err := broker.NewConsumer(ctx, b.Config.Broker, queue, b.brokerOptions(rdb), b.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer for %s: %w", queue, err)
	}
	b.consumers = append(b.consumers, consumer)
	return consumer, nil
}

func (b *Base) ShutdownBroker() []error {
	var errs []error

	for _, c := range b.consumers {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("consumer close error: %w", err))
		}
	}

	if b.Producer != nil {
		if err := b.Producer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("producer close error: %w", err))
		}
	}

	return errs
}

func (b *Base) Shutdown(ctx context.Context, additionalShutdown func(ctx context.Context) []error) error {
	b.Logger.InfowCtx(ctx, "Shutting down application")

	var errs []error
	if additionalShutdown != nil {
		errs = append(errs, additionalShutdown(ctx)...)
	}
	errs = append(errs, b.ShutdownBroker()...)

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}

	b.Logger.InfowCtx(ctx, "Application exited successfully")
	return nil
}
