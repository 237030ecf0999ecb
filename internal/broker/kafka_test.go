package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"herald/internal/config"
	"herald/internal/logger"
	"herald/internal/testinfra"
	"herald/pkg/models"
)

func schedulerConfig(prefix string) config.SchedulerConfig {
	return config.SchedulerConfig{KeyPrefix: prefix, PollInterval: 50 * time.Millisecond, BatchSize: 10}
}

func TestDelayedRedeliveryReleasesOnlyDueEnvelopes(t *testing.T) {
	rdb := testinfra.Redis(t)
	ctx := context.Background()

	var published []models.Envelope
	d := NewDelayedRedelivery(rdb, schedulerConfig("test:delayed:"), func(ctx context.Context, queue string, env models.Envelope) error {
		published = append(published, env)
		return nil
	}, logger.NopLogger())

	now := time.Now()
	d.now = func() time.Time { return now }

	require.NoError(t, d.Schedule(ctx, "email.queue", testEnvelope("soon", 5), 2*time.Second))
	require.NoError(t, d.Schedule(ctx, "email.queue", testEnvelope("later", 5), 8*time.Second))

	n, err := d.ReleaseDue(ctx, "email.queue")
	require.NoError(t, err)
	assert.Zero(t, n)

	now = now.Add(3 * time.Second)
	n, err = d.ReleaseDue(ctx, "email.queue")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, published, 1)
	assert.Equal(t, "soon", published[0].NotificationID)

	size, err := rdb.ZCard(ctx, "test:delayed:email.queue").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), size)
}

func TestDelayedRedeliveryRetriesFailedPublishAfterLease(t *testing.T) {
	rdb := testinfra.Redis(t)
	ctx := context.Background()

	fail := true
	calls := 0
	d := NewDelayedRedelivery(rdb, schedulerConfig("test:lease:"), func(ctx context.Context, queue string, env models.Envelope) error {
		calls++
		if fail {
			return fmt.Errorf("broker down")
		}
		return nil
	}, logger.NopLogger())

	now := time.Now()
	d.now = func() time.Time { return now }
	require.NoError(t, d.Schedule(ctx, "push.queue", testEnvelope("x", 5), time.Second))

	now = now.Add(2 * time.Second)
	n, err := d.ReleaseDue(ctx, "push.queue")
	require.NoError(t, err)
	assert.Zero(t, n)

	n, _ = d.ReleaseDue(ctx, "push.queue")
	assert.Zero(t, n, "leased member is not claimed twice")
	assert.Equal(t, 1, calls)

	fail = false
	now = now.Add(defaultRedeliveryLease + time.Second)
	n, err = d.ReleaseDue(ctx, "push.queue")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestKafkaRoundTripWithDelayedRetry(t *testing.T) {
	brokers := testinfra.Kafka(t)
	rdb := testinfra.Redis(t)
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	topic := "email.queue.test"
	createTopic(t, brokers[0], topic)

	cfg := config.KafkaConfig{
		Brokers:           brokers,
		GroupID:           "herald-test",
		BatchTimeout:      10 * time.Millisecond,
		WriteTimeout:      10 * time.Second,
		DelayedRedelivery: schedulerConfig("test:kafka:"),
	}
	log := logger.NopLogger()

	producer := NewKafkaProducer(cfg, rdb, log)
	defer producer.Close()
	consumer := NewKafkaConsumer(cfg, topic, producer, NewQuarantine(producer, "failed.queue.test"), log)
	defer consumer.Close()

	go func() { _ = producer.RunRedelivery(ctx, topic) }()

	env := testEnvelope("notif_kafka01", 7)
	env.Channel = models.ChannelEmail
	env.Target = "user@example.com"
	require.NoError(t, producer.Publish(ctx, topic, env))

	d, err := consumer.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, env.NotificationID, d.Envelope().NotificationID)
	assert.Equal(t, "7", d.Headers()[headerPriority])

	retry := d.Envelope().NextAttempt()
	require.NoError(t, producer.Publish(ctx, topic, retry, WithDelay(200*time.Millisecond)))
	require.NoError(t, d.Ack(ctx))

	d2, err := consumer.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, d2.Envelope().RetryCount)
	require.NoError(t, d2.Ack(ctx))
}

func createTopic(t *testing.T, addr, topic string) {
	t.Helper()
	conn, err := kafka.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	controller, err := conn.Controller()
	require.NoError(t, err)

	cconn, err := kafka.Dial("tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	require.NoError(t, err)
	defer cconn.Close()

	require.NoError(t, cconn.CreateTopics(kafka.TopicConfig{Topic: topic, NumPartitions: 1, ReplicationFactor: 1}))
}

func TestKafkaPublishDelayWithoutRedis(t *testing.T) {
	p := NewKafkaProducer(config.KafkaConfig{Brokers: []string{"localhost:1"}}, nil, logger.NopLogger())
	defer p.Close()

	err := p.Publish(context.Background(), "q", testEnvelope("x", 5), WithDelay(time.Second))
	assert.ErrorIs(t, err, ErrDelayUnsupported)
}

type fakeKafkaReader struct {
	mu      sync.Mutex
	msgs    []kafka.Message
	commits []int64
}

func newFakeKafkaReader(t *testing.T, topic string, first int64, values ...[]byte) *fakeKafkaReader {
	t.Helper()
	r := &fakeKafkaReader{}
	for i, v := range values {
		r.msgs = append(r.msgs, kafka.Message{Topic: topic, Partition: 0, Offset: first + int64(i), Value: v})
	}
	return r
}

func (r *fakeKafkaReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.msgs) > 0 {
		m := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeKafkaReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.commits = append(r.commits, m.Offset)
	}
	return nil
}

func (r *fakeKafkaReader) Close() error { return nil }

func (r *fakeKafkaReader) committed() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.commits...)
}

func encodedEnvelopes(t *testing.T, ids ...string) [][]byte {
	t.Helper()
	out := make([][]byte, 0, len(ids))
	for _, id := range ids {
		b, err := models.Encode(testEnvelope(id, 5))
		require.NoError(t, err)
		out = append(out, b)
	}
	return out
}

func TestKafkaNackRequeuesAndKeepsCommitting(t *testing.T) {
	const topic = "push.queue"
	reader := newFakeKafkaReader(t, topic, 10, encodedEnvelopes(t, "n10", "n11", "n12", "n13")...)
	requeue := NewMemory()
	c := newKafkaConsumer(reader, topic, requeue, NewQuarantine(requeue, "failed.queue"), logger.NopLogger())
	ctx := context.Background()

	var deliveries []Delivery
	for i := 0; i < 4; i++ {
		deliveries = append(deliveries, receive(t, c))
	}

	require.NoError(t, deliveries[0].Nack(ctx))
	for _, d := range deliveries[1:] {
		require.NoError(t, d.Ack(ctx))
	}

	committed := reader.committed()
	require.NotEmpty(t, committed)
	assert.Equal(t, int64(13), committed[len(committed)-1])
	assert.Zero(t, c.tracker.outstanding(0))

	back := requeue.Snapshot(topic)
	require.Len(t, back, 1)
	assert.Equal(t, "n10", back[0].NotificationID)
	assert.Equal(t, 0, back[0].RetryCount)
}

// failingProducer rejects immediate publishes and, when delayToo is set, delayed ones.
type failingProducer struct {
	delayToo bool
	delayed  []models.Envelope
}

func (p *failingProducer) Publish(ctx context.Context, queue string, env models.Envelope, opts ...PublishOption) error {
	if applyOptions(opts).delay == 0 || p.delayToo {
		return errors.New("broker unavailable")
	}
	p.delayed = append(p.delayed, env)
	return nil
}

func (p *failingProducer) Close() error { return nil }

func TestKafkaNackParksWhenTopicIsUnwritable(t *testing.T) {
	reader := newFakeKafkaReader(t, "email.queue", 0, encodedEnvelopes(t, "n0")...)
	requeue := &failingProducer{}
	c := newKafkaConsumer(reader, "email.queue", requeue, nil, logger.NopLogger())

	d := receive(t, c)
	require.NoError(t, d.Nack(context.Background()))

	require.Len(t, requeue.delayed, 1)
	assert.Equal(t, "n0", requeue.delayed[0].NotificationID)
	assert.Equal(t, []int64{0}, reader.committed())
}

func TestKafkaNackKeepsOffsetWhenNothingAcceptsIt(t *testing.T) {
	reader := newFakeKafkaReader(t, "email.queue", 0, encodedEnvelopes(t, "n0", "n1")...)
	c := newKafkaConsumer(reader, "email.queue", &failingProducer{delayToo: true}, nil, logger.NopLogger())
	ctx := context.Background()

	d0 := receive(t, c)
	d1 := receive(t, c)
	assert.Error(t, d0.Nack(ctx))
	require.NoError(t, d1.Ack(ctx))

	assert.Empty(t, reader.committed(), "offset 0 is still unsettled")
	assert.Equal(t, 2, c.tracker.outstanding(0))
}

func TestKafkaQuarantinesUndecodableMessages(t *testing.T) {
	const topic = "email.queue"
	values := append([][]byte{[]byte("{garbage")}, encodedEnvelopes(t, "n21")...)
	reader := newFakeKafkaReader(t, topic, 20, values...)
	mem := NewMemory()
	c := newKafkaConsumer(reader, topic, mem, NewQuarantine(mem, "failed.queue"), logger.NopLogger())

	d := receive(t, c)
	assert.Equal(t, "n21", d.Envelope().NotificationID)
	assert.Equal(t, []int64{20}, reader.committed())

	ready, _, _ := mem.Len("failed.queue")
	require.Equal(t, 1, ready)
	held := mem.queue("failed.queue").items[0]
	assert.Equal(t, []byte("{garbage"), held.data)
	assert.Equal(t, topic, held.headers[headerSourceQueue])
	assert.NotEmpty(t, held.headers[headerQuarantineReason])

	require.NoError(t, d.Ack(context.Background()))
	assert.Equal(t, []int64{20, 21}, reader.committed())
}

func TestKafkaHoldsUndecodableMessageUntilQuarantined(t *testing.T) {
	const topic = "email.queue"
	values := append([][]byte{[]byte("not json")}, encodedEnvelopes(t, "n1")...)
	reader := newFakeKafkaReader(t, topic, 0, values...)
	c := newKafkaConsumer(reader, topic, NewMemory(), nil, logger.NopLogger())
	ctx := context.Background()

	_, err := c.Receive(ctx)
	assert.ErrorIs(t, err, ErrNoQuarantine)
	_, err = c.Receive(ctx)
	assert.ErrorIs(t, err, ErrNoQuarantine, "the message stays held")
	assert.Empty(t, reader.committed())

	mem := NewMemory()
	c.quarantine = NewQuarantine(mem, "failed.queue")
	d := receive(t, c)
	assert.Equal(t, "n1", d.Envelope().NotificationID)
	assert.Equal(t, []int64{0}, reader.committed())
}

func TestDelayedRedeliveryQuarantinesUndecodableMembers(t *testing.T) {
	rdb := testinfra.Redis(t)
	ctx := context.Background()

	d := NewDelayedRedelivery(rdb, schedulerConfig("test:poison:"), func(ctx context.Context, queue string, env models.Envelope) error {
		return nil
	}, logger.NopLogger())
	now := time.Now()
	d.now = func() time.Time { return now }

	require.NoError(t, rdb.ZAdd(ctx, "test:poison:email.queue", redis.Z{Score: float64(now.Add(-time.Second).UnixMilli()), Member: "{broken"}).Err())

	n, err := d.ReleaseDue(ctx, "email.queue")
	require.NoError(t, err)
	assert.Zero(t, n)
	size, err := rdb.ZCard(ctx, "test:poison:email.queue").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), size, "kept while no quarantine is configured")

	mem := NewMemory()
	d.quarantine = NewQuarantine(mem, "failed.queue")
	now = now.Add(defaultRedeliveryLease + time.Second)
	_, err = d.ReleaseDue(ctx, "email.queue")
	require.NoError(t, err)

	size, err = rdb.ZCard(ctx, "test:poison:email.queue").Result()
	require.NoError(t, err)
	assert.Zero(t, size)
	ready, _, _ := mem.Len("failed.queue")
	assert.Equal(t, 1, ready)
}
