package broker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"herald/pkg/models"
)

func testEnvelope(id string, priority int) models.Envelope {
	return models.Envelope{
		Version:        models.EnvelopeVersion,
		NotificationID: id,
		Channel:        models.ChannelPush,
		Target:         "device-token",
		TemplateRef:    "alert",
		Priority:       priority,
		RequestKey:     "rk-" + id,
		CreatedAt:      time.Now().UTC(),
	}
}

func receive(t *testing.T, c Consumer) Delivery {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	d, err := c.Receive(ctx)
	require.NoError(t, err)
	return d
}

func TestMemoryDeliversHighestPriorityFirst(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Publish(ctx, "push.queue", testEnvelope("low", 1)))
	require.NoError(t, m.Publish(ctx, "push.queue", testEnvelope("high", 9)))
	require.NoError(t, m.Publish(ctx, "push.queue", testEnvelope("mid-a", 5)))
	require.NoError(t, m.Publish(ctx, "push.queue", testEnvelope("mid-b", 5)))

	c := m.Consumer("push.queue")
	var got []string
	for i := 0; i < 4; i++ {
		d := receive(t, c)
		got = append(got, d.Envelope().NotificationID)
		require.NoError(t, d.Ack(ctx))
	}

	assert.Equal(t, []string{"high", "mid-a", "mid-b", "low"}, got)
	ready, inFlight, delayed := m.Len("push.queue")
	assert.Zero(t, ready+inFlight+delayed)
}

func TestMemoryDelayHidesEnvelope(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Publish(ctx, "q", testEnvelope("later", 5), WithDelay(100*time.Millisecond)))

	_, _, delayed := m.Len("q")
	assert.Equal(t, 1, delayed)

	shortCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	_, err := m.Consumer("q").Receive(shortCtx)
	cancel()
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	d := receive(t, m.Consumer("q"))
	assert.Equal(t, "later", d.Envelope().NotificationID)
}

func TestMemoryNackRequeues(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.Publish(ctx, "q", testEnvelope("n1", 5)))

	c := m.Consumer("q")
	d := receive(t, c)
	_, inFlight, _ := m.Len("q")
	assert.Equal(t, 1, inFlight)

	require.NoError(t, d.Nack(ctx))
	require.NoError(t, d.Ack(ctx))

	ready, inFlight, _ := m.Len("q")
	assert.Equal(t, 1, ready)
	assert.Equal(t, 0, inFlight)

	again := receive(t, c)
	assert.Equal(t, "n1", again.Envelope().NotificationID)
}

func TestMemoryCompetingConsumersSeeEachEnvelopeOnce(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const n = 200
	for i := 0; i < n; i++ {
		require.NoError(t, m.Publish(ctx, "q", testEnvelope(fmt.Sprintf("n%d", i), 1+i%10)))
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := m.Consumer("q")
			for {
				recvCtx, recvCancel := context.WithTimeout(ctx, 100*time.Millisecond)
				d, err := c.Receive(recvCtx)
				recvCancel()
				if err != nil {
					return
				}
				mu.Lock()
				seen[d.Envelope().NotificationID]++
				mu.Unlock()
				_ = d.Ack(ctx)
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, n)
	for id, count := range seen {
		assert.Equal(t, 1, count, id)
	}
}

func TestMemoryPublishCopiesEnvelope(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	env := testEnvelope("copy", 5)
	env.Variables = map[string]interface{}{"k": "v"}
	require.NoError(t, m.Publish(ctx, "q", env))
	env.Variables["k"] = "mutated"

	snap := m.Snapshot("q")
	require.Len(t, snap, 1)
	assert.Equal(t, "v", snap[0].Variables["k"])
}

func TestMemoryClosedConsumer(t *testing.T) {
	m := NewMemory()
	c := m.Consumer("q")
	require.NoError(t, c.Close())

	_, err := c.Receive(context.Background())
	assert.ErrorIs(t, err, ErrClosed)

	require.NoError(t, m.Close())
	assert.ErrorIs(t, m.Publish(context.Background(), "q", testEnvelope("x", 5)), ErrClosed)
}

func TestMemoryQuarantinesUndecodablePayloads(t *testing.T) {
	m := NewMemory()
	m.QuarantineTo("failed.queue")
	ctx := context.Background()

	require.NoError(t, m.PublishRaw(ctx, "q", []byte("{garbage"), nil))
	require.NoError(t, m.Publish(ctx, "q", testEnvelope("ok", 1)))

	c := m.Consumer("q")
	d := receive(t, c)
	assert.Equal(t, "ok", d.Envelope().NotificationID)
	require.NoError(t, d.Ack(ctx))

	shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err := c.Receive(shortCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	ready, inFlight, _ := m.Len("q")
	assert.Zero(t, ready+inFlight)
	ready, _, _ = m.Len("failed.queue")
	assert.Equal(t, 1, ready)
	assert.Equal(t, "q", m.queue("failed.queue").items[0].headers[headerSourceQueue])
}

func TestMemoryKeepsUndecodablePayloadWithoutQuarantine(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.PublishRaw(context.Background(), "q", []byte("{garbage"), nil))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := m.Consumer("q").Receive(ctx)
	assert.ErrorIs(t, err, ErrNoQuarantine)

	ready, inFlight, _ := m.Len("q")
	assert.Equal(t, 1, ready)
	assert.Zero(t, inFlight)
}
