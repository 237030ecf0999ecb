package broker

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"herald/internal/config"
	"herald/internal/logger"
)

// Options carries the shared clients a broker implementation may need.
type Options struct {
	// Redis backs delayed redelivery for Kafka.
	Redis redis.UniversalClient
	// SQS overrides the client built from config.
	SQS SQSAPI
	// Memory is the shared in-process broker for the "memory" type.
	Memory *Memory
	// Producer receives nacked Kafka envelopes and quarantined payloads.
	Producer Producer
}

func NewProducer(ctx context.Context, cfg config.BrokerConfig, opts Options, log logger.Logger) (Producer, error) {
	switch cfg.Type {
	case "kafka":
		p := NewKafkaProducer(cfg.Kafka, opts.Redis, log)
		p.QuarantineTo(cfg.Queues.Failed)
		return p, nil
	case "sqs":
		client, err := sqsClient(ctx, cfg, opts)
		if err != nil {
			return nil, err
		}
		return NewSQSProducer(client, log), nil
	case "memory":
		if opts.Memory == nil {
			return nil, fmt.Errorf("memory broker requires a shared instance")
		}
		opts.Memory.QuarantineTo(cfg.Queues.Failed)
		return opts.Memory, nil
	default:
		return nil, fmt.Errorf("unknown broker type: %s", cfg.Type)
	}
}

func NewConsumer(ctx context.Context, cfg config.BrokerConfig, queue string, opts Options, log logger.Logger) (Consumer, error) {
	switch cfg.Type {
	case "kafka":
		if opts.Producer == nil {
			return nil, fmt.Errorf("kafka consumer requires a producer for requeue and quarantine")
		}
		return NewKafkaConsumer(cfg.Kafka, queue, opts.Producer, quarantineFor(cfg, opts.Producer), log), nil
	case "sqs":
		client, err := sqsClient(ctx, cfg, opts)
		if err != nil {
			return nil, err
		}
		var raw RawPublisher = NewSQSProducer(client, log)
		if rp, ok := opts.Producer.(RawPublisher); ok {
			raw = rp
		}
		return NewSQSConsumer(client, cfg.SQS, queue, NewQuarantine(raw, cfg.Queues.Failed), log), nil
	case "memory":
		if opts.Memory == nil {
			return nil, fmt.Errorf("memory broker requires a shared instance")
		}
		opts.Memory.QuarantineTo(cfg.Queues.Failed)
		return opts.Memory.Consumer(queue), nil
	default:
		return nil, fmt.Errorf("unknown broker type: %s", cfg.Type)
	}
}

func quarantineFor(cfg config.BrokerConfig, p Producer) *Quarantine {
	if rp, ok := p.(RawPublisher); ok {
		return NewQuarantine(rp, cfg.Queues.Failed)
	}
	return nil
}

func sqsClient(ctx context.Context, cfg config.BrokerConfig, opts Options) (SQSAPI, error) {
	if opts.SQS != nil {
		return opts.SQS, nil
	}
	return NewSQSClient(ctx, cfg.SQS)
}
