package broker

import "sync"

type topicPartition struct {
	topic     string
	partition int
}

// offsetTracker turns out-of-order acks into in-order commits. Messages from
// one partition are fetched in offset order but may finish in any order on
// the worker pool; committing offset N implicitly commits everything below
// it, so a partition only advances to the highest offset whose predecessors
// have all been acked.
type offsetTracker struct {
	mu    sync.Mutex
	parts map[topicPartition]*partitionOffsets
}

type partitionOffsets struct {
	order []int64        // fetched and not yet committed, ascending
	done  map[int64]bool // every tracked offset; true once acked
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{parts: make(map[topicPartition]*partitionOffsets)}
}

// track records a fetched offset as pending.
func (t *offsetTracker) track(tp topicPartition, offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.parts[tp]
	if !ok {
		p = &partitionOffsets{done: make(map[int64]bool)}
		t.parts[tp] = p
	}
	if _, seen := p.done[offset]; seen {
		return
	}
	p.order = append(p.order, offset)
	p.done[offset] = false
}

// ack marks offset done and returns the offset that may now be committed,
// if the contiguous prefix advanced.
func (t *offsetTracker) ack(tp topicPartition, offset int64) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.parts[tp]
	if !ok {
		return 0, false
	}
	if acked, tracked := p.done[offset]; !tracked || acked {
		return 0, false
	}
	p.done[offset] = true

	commit, advanced := int64(0), false
	n := 0
	for n < len(p.order) && p.done[p.order[n]] {
		delete(p.done, p.order[n])
		commit, advanced = p.order[n], true
		n++
	}
	p.order = p.order[n:]
	return commit, advanced
}

// pendingCount returns the number of fetched but uncommitted offsets.
func (t *offsetTracker) pendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, p := range t.parts {
		n += len(p.order)
	}
	return n
}
