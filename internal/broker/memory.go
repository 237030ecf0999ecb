package broker

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"herald/pkg/metrics"
	"herald/pkg/models"
	"herald/pkg/tracing"
)

// Memory is an in-process broker with per-queue priority ordering and native delays.
// It backs the "memory" broker type and the package tests of its users.
type Memory struct {
	mu         sync.Mutex
	queues     map[string]*memQueue
	timers     map[*time.Timer]struct{}
	closed     bool
	quarantine *Quarantine
}

func NewMemory() *Memory {
	return &Memory{
		queues: make(map[string]*memQueue),
		timers: make(map[*time.Timer]struct{}),
	}
}

type memItem struct {
	data     []byte
	priority int
	seq      uint64
	headers  map[string]string
}

type memHeap []*memItem

func (h memHeap) Len() int { return len(h) }
func (h memHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h memHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *memHeap) Push(x interface{}) { *h = append(*h, x.(*memItem)) }
func (h *memHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

type memQueue struct {
	mu       sync.Mutex
	items    memHeap
	seq      uint64
	inFlight int
	delayed  int
	signal   chan struct{}
}

func newMemQueue() *memQueue {
	return &memQueue{signal: make(chan struct{}, 1)}
}

func (q *memQueue) push(it *memItem) {
	q.mu.Lock()
	q.seq++
	it.seq = q.seq
	heap.Push(&q.items, it)
	q.mu.Unlock()
	q.notify()
}

func (q *memQueue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (m *Memory) queue(name string) *memQueue {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[name]
	if !ok {
		q = newMemQueue()
		m.queues[name] = q
	}
	return q
}

func (m *Memory) Publish(ctx context.Context, queue string, env models.Envelope, opts ...PublishOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}

	data, err := models.Encode(env)
	if err != nil {
		return err
	}

	o := applyOptions(opts)
	q := m.queue(queue)
	it := &memItem{data: data, priority: env.Priority, headers: tracing.Inject(ctx)}

	metrics.IncBrokerMessagesWritten("memory", queue)

	if o.delay <= 0 {
		q.push(it)
		return nil
	}

	q.mu.Lock()
	q.delayed++
	q.mu.Unlock()

	m.mu.Lock()
	var t *time.Timer
	t = time.AfterFunc(o.delay, func() {
		m.mu.Lock()
		delete(m.timers, t)
		m.mu.Unlock()

		q.mu.Lock()
		q.delayed--
		q.mu.Unlock()
		q.push(it)
	})
	m.timers[t] = struct{}{}
	m.mu.Unlock()

	return nil
}

// PublishRaw queues body unchanged at the lowest priority.
func (m *Memory) PublishRaw(ctx context.Context, queue string, body []byte, headers map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}

	data := append([]byte(nil), body...)
	m.queue(queue).push(&memItem{data: data, headers: headers})
	metrics.IncBrokerMessagesWritten("memory", queue)
	return nil
}

// QuarantineTo routes undecodable payloads seen by consumers to queue.
func (m *Memory) QuarantineTo(queue string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quarantine = NewQuarantine(m, queue)
}

func (m *Memory) currentQuarantine() *Quarantine {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.quarantine
}

// Close stops pending delay timers. Envelopes already queued stay readable.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for t := range m.timers {
		t.Stop()
	}
	m.timers = map[*time.Timer]struct{}{}
	return nil
}

// Consumer returns a competing consumer on queue.
func (m *Memory) Consumer(queue string) Consumer {
	return &memConsumer{broker: m, name: queue, q: m.queue(queue)}
}

// Len reports ready, in-flight and delayed envelope counts for queue.
func (m *Memory) Len(queue string) (ready, inFlight, delayed int) {
	q := m.queue(queue)
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len(), q.inFlight, q.delayed
}

// Snapshot decodes the ready envelopes of queue in delivery order without consuming them.
func (m *Memory) Snapshot(queue string) []models.Envelope {
	q := m.queue(queue)
	q.mu.Lock()
	items := make(memHeap, len(q.items))
	copy(items, q.items)
	q.mu.Unlock()

	out := make([]models.Envelope, 0, len(items))
	for items.Len() > 0 {
		it := heap.Pop(&items).(*memItem)
		if env, err := models.Decode(it.data); err == nil {
			out = append(out, env)
		}
	}
	return out
}

type memConsumer struct {
	broker *Memory
	name   string
	q      *memQueue
	mu     sync.Mutex
	closed bool
}

func (c *memConsumer) Receive(ctx context.Context) (Delivery, error) {
	for {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return nil, ErrClosed
		}

		c.q.mu.Lock()
		if c.q.items.Len() > 0 {
			it := heap.Pop(&c.q.items).(*memItem)
			c.q.inFlight++
			more := c.q.items.Len() > 0
			c.q.mu.Unlock()
			if more {
				c.q.notify()
			}

			env, err := models.Decode(it.data)
			if err != nil {
				c.q.mu.Lock()
				c.q.inFlight--
				c.q.mu.Unlock()
				if qerr := c.broker.currentQuarantine().Hold(ctx, c.name, it.data, err); qerr != nil {
					c.q.mu.Lock()
					c.q.seq++
					it.seq = c.q.seq
					heap.Push(&c.q.items, it)
					c.q.mu.Unlock()
					return nil, fmt.Errorf("undecodable message on %s: %w", c.name, qerr)
				}
				continue
			}
			metrics.IncBrokerMessagesRead("memory", c.name)
			return &memDelivery{consumer: c, item: it, env: env}, nil
		}
		c.q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.q.signal:
		}
	}
}

func (c *memConsumer) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.q.notify()
	return nil
}

type memDelivery struct {
	consumer *memConsumer
	item     *memItem
	env      models.Envelope
	once     sync.Once
}

func (d *memDelivery) Envelope() models.Envelope  { return d.env }
func (d *memDelivery) Queue() string               { return d.consumer.name }
func (d *memDelivery) Headers() map[string]string { return d.item.headers }

func (d *memDelivery) Ack(ctx context.Context) error {
	d.once.Do(func() {
		q := d.consumer.q
		q.mu.Lock()
		q.inFlight--
		q.mu.Unlock()
	})
	return nil
}

func (d *memDelivery) Nack(ctx context.Context) error {
	d.once.Do(func() {
		q := d.consumer.q
		q.mu.Lock()
		q.inFlight--
		q.mu.Unlock()
		q.push(d.item)
	})
	return nil
}
