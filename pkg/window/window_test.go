package window

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCounterSumsWithinHorizon(t *testing.T) {
	c := NewCounter(60*time.Second, 6)

	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }

	c.Increment()
	c.Increment()
	now = now.Add(15 * time.Second)
	c.Add(3)

	assert.Equal(t, int64(5), c.Count())
}

func TestCounterExpiresOldBuckets(t *testing.T) {
	c := NewCounter(60*time.Second, 6)

	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }

	c.Add(10)

	// Just inside the horizon the events still count
	now = now.Add(55 * time.Second)
	assert.Equal(t, int64(10), c.Count())

	// Past the horizon they expire
	now = now.Add(10 * time.Second)
	assert.Equal(t, int64(0), c.Count())
}

func TestCounterBucketRecycling(t *testing.T) {
	c := NewCounter(6*time.Second, 6)

	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }

	// Wrap around the ring twice; stale contents must not leak through
	for i := 0; i < 12; i++ {
		c.Increment()
		now = now.Add(time.Second)
	}

	assert.LessOrEqual(t, c.Count(), int64(6))
	assert.Greater(t, c.Count(), int64(0))
}

func TestRate(t *testing.T) {
	c := NewCounter(10*time.Second, 10)

	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }

	c.Add(20)
	assert.InDelta(t, 2.0, c.Rate(), 0.001)
}
