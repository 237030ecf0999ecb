package broker

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"herald/internal/config"
	"herald/internal/logger"
	"herald/pkg/metrics"
	"herald/pkg/models"
	"herald/pkg/tracing"
)

// SQSAPI is the subset of *sqs.Client the broker uses.
type SQSAPI interface {
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// sqsMaxDelay is the largest DelaySeconds SQS accepts.
const sqsMaxDelay = 900 * time.Second

func NewSQSClient(ctx context.Context, cfg config.SQSConfig) (*sqs.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// queueURLs resolves queue names to URLs once per name.
type queueURLs struct {
	client SQSAPI
	mu     sync.Mutex
	urls   map[string]string
}

func (q *queueURLs) resolve(ctx context.Context, name string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if u, ok := q.urls[name]; ok {
		return u, nil
	}
	out, err := q.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(name)})
	if err != nil {
		return "", fmt.Errorf("resolve SQS queue %s: %w", name, err)
	}
	url := aws.ToString(out.QueueUrl)
	q.urls[name] = url
	return url, nil
}

type SQSProducer struct {
	client SQSAPI
	urls   *queueURLs
	logger logger.Logger
}

func NewSQSProducer(client SQSAPI, log logger.Logger) *SQSProducer {
	return &SQSProducer{
		client: client,
		urls:   &queueURLs{client: client, urls: make(map[string]string)},
		logger: log,
	}
}

// Publish sends env with a native delay. Delays above the SQS limit are clamped to 15 minutes.
func (p *SQSProducer) Publish(ctx context.Context, queue string, env models.Envelope, opts ...PublishOption) error {
	o := applyOptions(opts)

	url, err := p.urls.resolve(ctx, queue)
	if err != nil {
		return err
	}

	body, err := models.Encode(env)
	if err != nil {
		return err
	}

	delay := o.delay
	if delay > sqsMaxDelay {
		p.logger.WarnwCtx(ctx, "Clamping SQS delay", "requested", delay, "queue", queue)
		delay = sqsMaxDelay
	}

	attrs := map[string]sqsTypes.MessageAttributeValue{
		headerPriority:   numberAttr(env.Priority),
		headerRetryCount: numberAttr(env.RetryCount),
		headerChannel:    stringAttr(string(env.Channel)),
	}
	for k, v := range tracing.Inject(ctx) {
		attrs[k] = stringAttr(v)
	}

	start := time.Now()
	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:          aws.String(url),
		MessageBody:       aws.String(string(body)),
		DelaySeconds:      int32(math.Ceil(delay.Seconds())),
		MessageAttributes: attrs,
	})
	if err != nil {
		return fmt.Errorf("failed to send SQS message: %w", err)
	}

	metrics.IncBrokerMessagesWritten("sqs", queue)
	metrics.ObserveBrokerMessageSize("sqs", queue, "out", len(body))
	metrics.ObserveBrokerWriteDuration("sqs", queue, time.Since(start))
	return nil
}

// PublishRaw sends body unchanged. It is used to quarantine payloads that are not envelopes.
func (p *SQSProducer) PublishRaw(ctx context.Context, queue string, body []byte, headers map[string]string) error {
	url, err := p.urls.resolve(ctx, queue)
	if err != nil {
		return err
	}

	attrs := make(map[string]sqsTypes.MessageAttributeValue, len(headers))
	for k, v := range headers {
		attrs[k] = stringAttr(v)
	}
	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:          aws.String(url),
		MessageBody:       aws.String(string(body)),
		MessageAttributes: attrs,
	})
	if err != nil {
		return fmt.Errorf("failed to send SQS message: %w", err)
	}
	metrics.IncBrokerMessagesWritten("sqs", queue)
	return nil
}

func (p *SQSProducer) Close() error {
	return nil
}

func numberAttr(v int) sqsTypes.MessageAttributeValue {
	return sqsTypes.MessageAttributeValue{DataType: aws.String("Number"), StringValue: aws.String(strconv.Itoa(v))}
}

func stringAttr(v string) sqsTypes.MessageAttributeValue {
	return sqsTypes.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
}

type SQSConsumer struct {
	client     SQSAPI
	urls       *queueURLs
	queue      string
	cfg        config.SQSConfig
	quarantine *Quarantine
	logger     logger.Logger

	mu     sync.Mutex
	buffer []sqsTypes.Message
}

// NewSQSConsumer builds a consumer on queue. Undecodable messages are moved to quarantine and
// only then deleted; when that fails they reappear after the visibility timeout.
func NewSQSConsumer(client SQSAPI, cfg config.SQSConfig, queue string, quarantine *Quarantine, log logger.Logger) *SQSConsumer {
	return &SQSConsumer{
		client:     client,
		urls:       &queueURLs{client: client, urls: make(map[string]string)},
		queue:      queue,
		cfg:        cfg,
		quarantine: quarantine,
		logger:     log,
	}
}

func (c *SQSConsumer) Receive(ctx context.Context) (Delivery, error) {
	url, err := c.urls.resolve(ctx, c.queue)
	if err != nil {
		return nil, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		msg, ok := c.next()
		if !ok {
			if err := c.fill(ctx, url); err != nil {
				return nil, err
			}
			continue
		}

		metrics.IncBrokerMessagesRead("sqs", c.queue)
		body := aws.ToString(msg.Body)
		env, err := models.Decode([]byte(body))
		if err != nil {
			c.quarantineMessage(ctx, url, msg, err)
			continue
		}

		headers := make(map[string]string, len(msg.MessageAttributes))
		for k, v := range msg.MessageAttributes {
			headers[k] = aws.ToString(v.StringValue)
		}

		return &sqsDelivery{consumer: c, url: url, msg: msg, env: env, headers: headers}, nil
	}
}

func (c *SQSConsumer) quarantineMessage(ctx context.Context, url string, msg sqsTypes.Message, cause error) {
	messageID := aws.ToString(msg.MessageId)
	c.logger.ErrorwCtx(ctx, "Quarantining undecodable message",
		"error", cause,
		"queue", c.queue,
		"message_id", messageID,
	)

	if err := c.quarantine.Hold(ctx, c.queue, []byte(aws.ToString(msg.Body)), cause); err != nil {
		c.logger.WarnwCtx(ctx, "Failed to quarantine message, leaving it for redelivery",
			"message_id", messageID,
			"error", err,
		)
		return
	}
	if _, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{QueueUrl: aws.String(url), ReceiptHandle: msg.ReceiptHandle}); err != nil {
		c.logger.WarnwCtx(ctx, "Failed to delete quarantined message",
			"message_id", messageID,
			"error", err,
		)
	}
}

func (c *SQSConsumer) next() (sqsTypes.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.buffer) == 0 {
		return sqsTypes.Message{}, false
	}
	m := c.buffer[0]
	c.buffer = c.buffer[1:]
	return m, true
}

func (c *SQSConsumer) fill(ctx context.Context, url string) error {
	out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(url),
		MaxNumberOfMessages:   c.cfg.MaxMessages,
		WaitTimeSeconds:       c.cfg.WaitTimeSeconds,
		VisibilityTimeout:     int32(c.cfg.VisibilityTimeout.Seconds()),
		MessageAttributeNames: []string{"All"},
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("receive SQS messages: %w", err)
	}

	c.mu.Lock()
	c.buffer = append(c.buffer, out.Messages...)
	c.mu.Unlock()
	return nil
}

// Close returns buffered but undelivered messages to the queue.
func (c *SQSConsumer) Close() error {
	c.mu.Lock()
	pending := c.buffer
	c.buffer = nil
	c.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url, err := c.urls.resolve(ctx, c.queue)
	if err != nil {
		return err
	}
	for _, m := range pending {
		_, _ = c.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
			QueueUrl:          aws.String(url),
			ReceiptHandle:     m.ReceiptHandle,
			VisibilityTimeout: 0,
		})
	}
	return nil
}

type sqsDelivery struct {
	consumer *SQSConsumer
	url      string
	msg      sqsTypes.Message
	env      models.Envelope
	headers  map[string]string
}

func (d *sqsDelivery) Envelope() models.Envelope  { return d.env }
func (d *sqsDelivery) Queue() string               { return d.consumer.queue }
func (d *sqsDelivery) Headers() map[string]string { return d.headers }

func (d *sqsDelivery) Ack(ctx context.Context) error {
	_, err := d.consumer.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(d.url),
		ReceiptHandle: d.msg.ReceiptHandle,
	})
	if err != nil {
		return fmt.Errorf("delete SQS message: %w", err)
	}
	return nil
}

func (d *sqsDelivery) Nack(ctx context.Context) error {
	_, err := d.consumer.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(d.url),
		ReceiptHandle:     d.msg.ReceiptHandle,
		VisibilityTimeout: 0,
	})
	if err != nil {
		return fmt.Errorf("release SQS message: %w", err)
	}
	return nil
}
