package broker

import (
	"sort"
	"sync"
)

// offsetTracker turns out-of-order acknowledgements into safe commit points. Kafka commits
// are positional, so an offset is committable only once it and every earlier fetched offset
// on the same partition have been acknowledged.
type offsetTracker struct {
	mu    sync.Mutex
	parts map[int]*partitionOffsets
}

type partitionOffsets struct {
	pending []int64
	done    map[int64]struct{}
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{parts: make(map[int]*partitionOffsets)}
}

func (t *offsetTracker) fetched(partition int, offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.parts[partition]
	if !ok {
		p = &partitionOffsets{done: make(map[int64]struct{})}
		t.parts[partition] = p
	}

	n := len(p.pending)
	if n == 0 || p.pending[n-1] < offset {
		p.pending = append(p.pending, offset)
		return
	}
	// a rebalance can replay offsets; keep the slice sorted and unique
	i := sort.Search(n, func(i int) bool { return p.pending[i] >= offset })
	if i < n && p.pending[i] == offset {
		return
	}
	p.pending = append(p.pending, 0)
	copy(p.pending[i+1:], p.pending[i:])
	p.pending[i] = offset
}

// acked records offset as processed and returns the highest offset that can now be committed.
func (t *offsetTracker) acked(partition int, offset int64) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.parts[partition]
	if !ok {
		return 0, false
	}
	p.done[offset] = struct{}{}

	var (
		commit   int64
		advanced bool
	)
	for len(p.pending) > 0 {
		head := p.pending[0]
		if _, ok := p.done[head]; !ok {
			break
		}
		delete(p.done, head)
		p.pending = p.pending[1:]
		commit = head
		advanced = true
	}
	return commit, advanced
}

func (t *offsetTracker) outstanding(partition int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.parts[partition]; ok {
		return len(p.pending)
	}
	return 0
}
