package events

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDedupSeen(t *testing.T) {
	d := NewDedup(100)
	assert.False(t, d.Seen("msg-1"))
	assert.True(t, d.Seen("msg-1"))
	assert.False(t, d.Seen("msg-2"))
}

func TestDedupEmptyIDNeverDedupes(t *testing.T) {
	d := NewDedup(100)
	assert.False(t, d.Seen(""))
	assert.False(t, d.Seen(""))
	assert.Equal(t, 0, d.Len())
}

func TestDedupEvictsOldestAtWatermark(t *testing.T) {
	// Capacity 10 gives a watermark of 8: the 9th insert evicts the oldest.
	d := NewDedup(10)
	for i := 0; i < 9; i++ {
		assert.False(t, d.Seen(fmt.Sprintf("msg-%d", i)))
	}
	assert.Equal(t, 8, d.Len())

	assert.False(t, d.Seen("msg-0"), "evicted id is forgotten")
	assert.True(t, d.Seen("msg-8"), "recent id survives eviction")
}

func TestDedupForgetReopensID(t *testing.T) {
	d := NewDedup(100)
	assert.False(t, d.Seen("msg-1"))
	d.Forget("msg-1")
	assert.False(t, d.Seen("msg-1"), "forgotten id processes again")
	assert.True(t, d.Seen("msg-1"))
}

func TestDedupForgetReleasesOrderSlot(t *testing.T) {
	d := NewDedup(10)
	assert.False(t, d.Seen("msg-a"))
	d.Forget("msg-a")
	assert.False(t, d.Seen("msg-a"))
	assert.Equal(t, 1, d.Len(), "a re-seen id occupies one slot, not two")

	d.Forget("absent")
	assert.Equal(t, 1, d.Len(), "forgetting an unknown id changes nothing")

	// msg-a is now the oldest of 8 remembered ids. A stale order slot from
	// the forget/re-see cycle would get it evicted one insert early.
	for i := 0; i < 7; i++ {
		assert.False(t, d.Seen(fmt.Sprintf("msg-%d", i)))
	}
	assert.Equal(t, 8, d.Len())
	assert.True(t, d.Seen("msg-a"), "re-seen id still suppressed at the watermark")
}

func TestDedupDefaultCapacity(t *testing.T) {
	d := NewDedup(0)
	assert.Equal(t, DefaultDedupCapacity, d.capacity)
}
