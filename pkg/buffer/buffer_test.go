package buffer

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/barrhawk/fleetbridge/pkg/types"
)

func TestRingOverwritesOldest(t *testing.T) {
	r := NewRing[int](3)
	for i := 1; i <= 5; i++ {
		r.Push(i)
	}

	assert.Equal(t, 3, r.Len())
	assert.Equal(t, []int{3, 4, 5}, r.Recent(3))
	assert.Equal(t, []int{4, 5}, r.Recent(2))
}

func TestRingRecentBeyondCount(t *testing.T) {
	r := NewRing[string](10)
	r.Push("a")
	r.Push("b")

	assert.Equal(t, []string{"a", "b"}, r.Recent(100))
}

func TestSeenCacheDuplicate(t *testing.T) {
	c := NewSeenCache(100, time.Minute)
	defer c.Stop()

	assert.False(t, c.IsDuplicate("m1"))
	assert.True(t, c.IsDuplicate("m1"))
	assert.False(t, c.IsDuplicate("m2"))
}

func TestSeenCacheTTLExpiry(t *testing.T) {
	c := NewSeenCache(100, 50*time.Millisecond)
	defer c.Stop()

	now := time.Now()
	c.now = func() time.Time { return now }

	require.False(t, c.IsDuplicate("m1"))
	require.True(t, c.IsDuplicate("m1"))

	// Past the TTL the id reads as unseen again
	now = now.Add(51 * time.Millisecond)
	assert.False(t, c.IsDuplicate("m1"))
	assert.True(t, c.IsDuplicate("m1"))
}

func TestSeenCacheCapacityEviction(t *testing.T) {
	c := NewSeenCache(2, time.Minute)
	defer c.Stop()

	require.False(t, c.IsDuplicate("m1"))
	require.False(t, c.IsDuplicate("m2"))
	require.False(t, c.IsDuplicate("m3")) // evicts m1

	assert.False(t, c.IsDuplicate("m1"))
	assert.True(t, c.IsDuplicate("m3"))
}

func TestSeenCacheReclaim(t *testing.T) {
	c := NewSeenCache(100, 10*time.Millisecond)
	defer c.Stop()

	now := time.Now()
	c.now = func() time.Time { return now }

	c.IsDuplicate("m1")
	c.IsDuplicate("m2")
	require.Equal(t, 2, c.Len())

	now = now.Add(20 * time.Millisecond)
	c.reclaim()
	assert.Equal(t, 0, c.Len())
}

func TestSeenCacheConcurrent(t *testing.T) {
	c := NewSeenCache(1000, time.Minute)
	defer c.Stop()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				c.IsDuplicate(fmt.Sprintf("g%d-m%d", g, i))
			}
		}(g)
	}
	wg.Wait()

	assert.Equal(t, 1000, c.Len())
}

func dlqMsg(id string) *types.Message {
	return &types.Message{ID: id, Source: "igor", Target: "doctor", Type: types.TypePlanSubmit}
}

func TestDLQMergesAttempts(t *testing.T) {
	q := NewDLQ(10, 3)

	q.Enqueue(dlqMsg("m1"), "doctor", "Target not connected")
	q.Enqueue(dlqMsg("m1"), "doctor", "Target not connected")

	letters := q.Letters()
	require.Len(t, letters, 1)
	assert.Equal(t, 2, letters[0].Attempts)
}

func TestDLQPermanentFailureFiresOnce(t *testing.T) {
	q := NewDLQ(10, 3)

	var failed []*DeadLetter
	q.OnPermanentFailure(func(l *DeadLetter) { failed = append(failed, l) })

	for i := 0; i < 3; i++ {
		q.Enqueue(dlqMsg("m1"), "doctor", "Target not connected")
	}

	require.Len(t, failed, 1)
	assert.Equal(t, 3, failed[0].Attempts)
	assert.Equal(t, 0, q.Len())

	// The evicted letter does not resurrect on a later enqueue
	q.Enqueue(dlqMsg("m1"), "doctor", "Target not connected")
	assert.Len(t, failed, 1)
	assert.Equal(t, 1, q.Len())
}

func TestDLQOverflowDropsOldest(t *testing.T) {
	q := NewDLQ(2, 10)

	dropped := 0
	q.OnDrop(func() { dropped++ })

	q.Enqueue(dlqMsg("m1"), "doctor", "x")
	q.Enqueue(dlqMsg("m2"), "doctor", "x")
	q.Enqueue(dlqMsg("m3"), "doctor", "x")

	letters := q.Letters()
	require.Len(t, letters, 2)
	assert.Equal(t, "m2", letters[0].Message.ID)
	assert.Equal(t, "m3", letters[1].Message.ID)
	assert.Equal(t, 1, dropped)
	assert.Equal(t, 1, q.Stats().TotalDropped)
}

func TestDLQDrainByTarget(t *testing.T) {
	q := NewDLQ(10, 5)

	q.Enqueue(dlqMsg("m1"), "doctor", "x")
	q.Enqueue(dlqMsg("m2"), "igor-1", "x")
	q.Enqueue(dlqMsg("m3"), "doctor", "x")

	drained := q.Drain("doctor")
	require.Len(t, drained, 2)
	assert.Equal(t, "m1", drained[0].Message.ID)
	assert.Equal(t, "m3", drained[1].Message.ID)
	assert.Equal(t, 1, q.Len())
}
