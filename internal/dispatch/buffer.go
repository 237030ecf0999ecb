package dispatch

import (
	"container/heap"
	"context"
	"sync"

	"herald/internal/broker"
)

type buffered struct {
	delivery broker.Delivery
	priority int
	seq      uint64
}

type bufferHeap []*buffered

func (h bufferHeap) Len() int { return len(h) }
func (h bufferHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h bufferHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *bufferHeap) Push(x interface{}) { *h = append(*h, x.(*buffered)) }
func (h *bufferHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// prefetchBuffer holds received deliveries that no worker has started yet and hands out the
// highest priority one first, oldest first within a priority. Capacity is enforced by the
// pool's slots, not here.
type prefetchBuffer struct {
	mu     sync.Mutex
	items  bufferHeap
	seq    uint64
	signal chan struct{}
}

func newPrefetchBuffer() *prefetchBuffer {
	return &prefetchBuffer{signal: make(chan struct{}, 1)}
}

func (b *prefetchBuffer) push(d broker.Delivery) {
	b.mu.Lock()
	b.seq++
	heap.Push(&b.items, &buffered{delivery: d, priority: d.Envelope().Priority, seq: b.seq})
	b.mu.Unlock()
	b.notify()
}

func (b *prefetchBuffer) notify() {
	select {
	case b.signal <- struct{}{}:
	default:
	}
}

// pop blocks until a delivery is available. It returns false once ctx is done, even when
// deliveries remain; those are collected by drain.
func (b *prefetchBuffer) pop(ctx context.Context) (broker.Delivery, bool) {
	for {
		if ctx.Err() != nil {
			return nil, false
		}

		b.mu.Lock()
		if b.items.Len() > 0 {
			it := heap.Pop(&b.items).(*buffered)
			more := b.items.Len() > 0
			b.mu.Unlock()
			if more {
				b.notify()
			}
			return it.delivery, true
		}
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, false
		case <-b.signal:
		}
	}
}

// drain removes and returns everything still buffered.
func (b *prefetchBuffer) drain() []broker.Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]broker.Delivery, 0, b.items.Len())
	for b.items.Len() > 0 {
		out = append(out, heap.Pop(&b.items).(*buffered).delivery)
	}
	return out
}

func (b *prefetchBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.items.Len()
}
