package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOffsetTrackerCommitsContiguousPrefix(t *testing.T) {
	tr := newOffsetTracker()
	p0 := topicPartition{topic: "gtm.emails", partition: 0}
	p1 := topicPartition{topic: "gtm.emails", partition: 1}

	for _, off := range []int64{10, 11, 12, 13} {
		tr.track(p0, off)
	}
	tr.track(p1, 5)

	// 11 finishes before 10: nothing can be committed yet.
	_, ok := tr.ack(p0, 11)
	assert.False(t, ok)

	commit, ok := tr.ack(p0, 10)
	assert.True(t, ok)
	assert.Equal(t, int64(11), commit)

	_, ok = tr.ack(p0, 13)
	assert.False(t, ok)

	// Partitions advance independently.
	commit, ok = tr.ack(p1, 5)
	assert.True(t, ok)
	assert.Equal(t, int64(5), commit)

	commit, ok = tr.ack(p0, 12)
	assert.True(t, ok)
	assert.Equal(t, int64(13), commit)
	assert.Equal(t, 0, tr.pendingCount())
}

func TestOffsetTrackerIgnoresUnknownOffsets(t *testing.T) {
	tr := newOffsetTracker()
	p := topicPartition{topic: "gtm.conversations", partition: 2}

	_, ok := tr.ack(p, 1)
	assert.False(t, ok)

	tr.track(p, 1)
	_, ok = tr.ack(p, 7)
	assert.False(t, ok)
	assert.Equal(t, 1, tr.pendingCount())

	// Acking twice commits once.
	_, ok = tr.ack(p, 1)
	assert.True(t, ok)
	_, ok = tr.ack(p, 1)
	assert.False(t, ok)
}

func TestOffsetTrackerStuckHoldsCommitPoint(t *testing.T) {
	tr := newOffsetTracker()
	p := topicPartition{topic: "gtm.conversations", partition: 0}

	const n = 10000
	for off := int64(0); off < n; off++ {
		tr.track(p, off)
	}
	// Everything behind the head finishes while offset 0 is still in flight.
	for off := int64(n - 1); off >= 1; off-- {
		_, ok := tr.ack(p, off)
		require.False(t, ok, "offset %d committed past an unacked head", off)
	}
	assert.Equal(t, n, tr.pendingCount())

	commit, ok := tr.ack(p, 0)
	require.True(t, ok)
	assert.Equal(t, int64(n-1), commit)
	assert.Equal(t, 0, tr.pendingCount())

	// A refetched offset is tracked once.
	tr.track(p, n)
	tr.track(p, n)
	assert.Equal(t, 1, tr.pendingCount())
	commit, ok = tr.ack(p, n)
	require.True(t, ok)
	assert.Equal(t, int64(n), commit)
}
