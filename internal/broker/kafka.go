package broker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"herald/internal/config"
	"herald/internal/logger"
	"herald/pkg/metrics"
	"herald/pkg/models"
	"herald/pkg/tracing"
)

type KafkaProducer struct {
	writer  *kafka.Writer
	delayed *DelayedRedelivery
	logger  logger.Logger
}

// NewKafkaProducer builds a producer keyed by notification id. Kafka has no per-message delay,
// so delayed publishes go through a Redis backed DelayedRedelivery when rdb is set.
func NewKafkaProducer(cfg config.KafkaConfig, rdb redis.UniversalClient, log logger.Logger) *KafkaProducer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchTimeout:           cfg.BatchTimeout,
		WriteTimeout:           cfg.WriteTimeout,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}

	p := &KafkaProducer{writer: w, logger: log}
	if rdb != nil {
		p.delayed = NewDelayedRedelivery(rdb, cfg.DelayedRedelivery, p.write, log)
	}
	return p
}

func (p *KafkaProducer) Publish(ctx context.Context, queue string, env models.Envelope, opts ...PublishOption) error {
	o := applyOptions(opts)
	if o.delay > 0 {
		if p.delayed == nil {
			return ErrDelayUnsupported
		}
		return p.delayed.Schedule(ctx, queue, env, o.delay)
	}
	return p.write(ctx, queue, env)
}

func (p *KafkaProducer) write(ctx context.Context, queue string, env models.Envelope) error {
	body, err := models.Encode(env)
	if err != nil {
		return err
	}

	headers := []kafka.Header{
		{Key: headerPriority, Value: []byte(strconv.Itoa(env.Priority))},
		{Key: headerRetryCount, Value: []byte(strconv.Itoa(env.RetryCount))},
		{Key: headerChannel, Value: []byte(env.Channel)},
	}
	return p.writeMessage(ctx, queue, []byte(env.NotificationID), body, headers)
}

// PublishRaw writes body unchanged. It is used to quarantine payloads that are not envelopes.
func (p *KafkaProducer) PublishRaw(ctx context.Context, queue string, body []byte, headers map[string]string) error {
	kh := make([]kafka.Header, 0, len(headers))
	for k, v := range headers {
		kh = append(kh, kafka.Header{Key: k, Value: []byte(v)})
	}
	return p.writeMessage(ctx, queue, nil, body, kh)
}

func (p *KafkaProducer) writeMessage(ctx context.Context, queue string, key, body []byte, headers []kafka.Header) error {
	for k, v := range tracing.Inject(ctx) {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	start := time.Now()
	err := p.writer.WriteMessages(ctx, kafka.Message{
		Topic:   queue,
		Key:     key,
		Value:   body,
		Headers: headers,
		Time:    start,
	})
	if err != nil {
		return fmt.Errorf("failed to write kafka message: %w", err)
	}

	metrics.IncBrokerMessagesWritten("kafka", queue)
	metrics.ObserveBrokerMessageSize("kafka", queue, "out", len(body))
	metrics.ObserveBrokerWriteDuration("kafka", queue, time.Since(start))
	return nil
}

// QuarantineTo routes undecodable delayed envelopes to queue.
func (p *KafkaProducer) QuarantineTo(queue string) {
	if p.delayed != nil {
		p.delayed.quarantine = NewQuarantine(p, queue)
	}
}

func (p *KafkaProducer) RunRedelivery(ctx context.Context, queues ...string) error {
	if p.delayed == nil {
		return nil
	}
	return p.delayed.RunRedelivery(ctx, queues...)
}

func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}

// nackRedeliveryDelay is how long a nacked envelope is parked when its topic cannot be written.
const nackRedeliveryDelay = time.Second

type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type heldMessage struct {
	msg   kafka.Message
	cause error
}

// KafkaConsumer reads one topic as part of a consumer group. Receive must not be called
// concurrently.
type KafkaConsumer struct {
	queue      string
	reader     kafkaReader
	tracker    *offsetTracker
	requeue    Producer
	quarantine *Quarantine
	logger     logger.Logger

	// held is an undecodable message waiting to be quarantined before its offset is settled
	held *heldMessage

	commitMu sync.Mutex
}

// NewKafkaConsumer builds a group consumer on queue. Nacked envelopes are written back through
// requeue and undecodable messages go to quarantine.
func NewKafkaConsumer(cfg config.KafkaConfig, queue string, requeue Producer, quarantine *Quarantine, log logger.Logger) *KafkaConsumer {
	log.Infow("Creating Kafka reader",
		"topic", queue,
		"brokers", cfg.Brokers,
		"group_id", cfg.GroupID,
	)

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.GroupID,
		Topic:          queue,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: cfg.CommitInterval,
		StartOffset:    kafka.FirstOffset,
	})

	return newKafkaConsumer(reader, queue, requeue, quarantine, log)
}

func newKafkaConsumer(reader kafkaReader, queue string, requeue Producer, quarantine *Quarantine, log logger.Logger) *KafkaConsumer {
	return &KafkaConsumer{
		queue:      queue,
		reader:     reader,
		tracker:    newOffsetTracker(),
		requeue:    requeue,
		quarantine: quarantine,
		logger:     log,
	}
}

func (c *KafkaConsumer) Receive(ctx context.Context) (Delivery, error) {
	for {
		if c.held != nil {
			if err := c.settleHeld(ctx); err != nil {
				return nil, err
			}
		}

		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("fetch kafka message: %w", err)
		}

		metrics.IncBrokerMessagesRead("kafka", c.queue)
		metrics.ObserveBrokerMessageSize("kafka", c.queue, "in", len(m.Value))
		c.tracker.fetched(m.Partition, m.Offset)

		env, err := models.Decode(m.Value)
		if err != nil {
			c.logger.ErrorwCtx(ctx, "Quarantining undecodable message",
				"error", err,
				"topic", m.Topic,
				"partition", m.Partition,
				"offset", m.Offset,
			)
			c.held = &heldMessage{msg: m, cause: err}
			continue
		}

		return &kafkaDelivery{consumer: c, msg: m, env: env}, nil
	}
}

// settleHeld quarantines the held message and commits past it. On failure the message stays
// held and the next Receive tries again.
func (c *KafkaConsumer) settleHeld(ctx context.Context) error {
	h := c.held
	if err := c.quarantine.Hold(ctx, c.queue, h.msg.Value, h.cause); err != nil {
		return fmt.Errorf("offset %d on partition %d: %w", h.msg.Offset, h.msg.Partition, err)
	}
	c.held = nil
	return c.commit(ctx, h.msg.Topic, h.msg.Partition, h.msg.Offset)
}

func (c *KafkaConsumer) commit(ctx context.Context, topic string, partition int, offset int64) error {
	c.commitMu.Lock()
	defer c.commitMu.Unlock()

	upTo, ok := c.tracker.acked(partition, offset)
	if !ok {
		return nil
	}
	if err := c.reader.CommitMessages(ctx, kafka.Message{Topic: topic, Partition: partition, Offset: upTo}); err != nil {
		return fmt.Errorf("commit offset %d on partition %d: %w", upTo, partition, err)
	}
	return nil
}

func (c *KafkaConsumer) Close() error {
	return c.reader.Close()
}

type kafkaDelivery struct {
	consumer *KafkaConsumer
	msg      kafka.Message
	env      models.Envelope
}

func (d *kafkaDelivery) Envelope() models.Envelope { return d.env }
func (d *kafkaDelivery) Queue() string              { return d.msg.Topic }

func (d *kafkaDelivery) Headers() map[string]string {
	h := make(map[string]string, len(d.msg.Headers))
	for _, kh := range d.msg.Headers {
		h[kh.Key] = string(kh.Value)
	}
	return h
}

func (d *kafkaDelivery) Ack(ctx context.Context) error {
	return d.consumer.commit(ctx, d.msg.Topic, d.msg.Partition, d.msg.Offset)
}

// Nack writes the envelope back to the tail of its topic and settles the original offset so
// later offsets on the partition stay committable. When the topic cannot be written the
// envelope is parked for delayed redelivery instead. If both fail the offset is left
// uncommitted and the group replays it after a restart or rebalance.
func (d *kafkaDelivery) Nack(ctx context.Context) error {
	c := d.consumer
	if err := c.requeue.Publish(ctx, d.msg.Topic, d.env); err != nil {
		c.logger.WarnwCtx(ctx, "Requeue failed, parking nacked envelope",
			"notification_id", d.env.NotificationID,
			"topic", d.msg.Topic,
			"error", err,
		)
		if perr := c.requeue.Publish(ctx, d.msg.Topic, d.env, WithDelay(nackRedeliveryDelay)); perr != nil {
			return fmt.Errorf("requeue nacked envelope: %w", errors.Join(err, perr))
		}
	}
	return c.commit(ctx, d.msg.Topic, d.msg.Partition, d.msg.Offset)
}
