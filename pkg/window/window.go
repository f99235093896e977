// Package window provides a bucketed sliding-window counter used for the
// bridge's error and success rates.
package window

import (
	"sync"
	"time"
)

// Counter counts events over a fixed horizon divided into equal buckets.
// Memory is O(buckets); expired buckets are recycled in place.
type Counter struct {
	mu         sync.Mutex
	bucketSpan time.Duration
	buckets    []bucket

	now func() time.Time // test hook
}

type bucket struct {
	start time.Time
	count int64
}

// NewCounter creates a counter covering horizon with the given number of
// buckets
func NewCounter(horizon time.Duration, buckets int) *Counter {
	if buckets < 1 {
		buckets = 1
	}
	return &Counter{
		bucketSpan: horizon / time.Duration(buckets),
		buckets:    make([]bucket, buckets),
		now:        time.Now,
	}
}

// Increment adds one to the current bucket
func (c *Counter) Increment() {
	c.Add(1)
}

// Add adds n to the current bucket
func (c *Counter) Add(n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	b := &c.buckets[c.index(now)]
	start := now.Truncate(c.bucketSpan)
	if !b.start.Equal(start) {
		b.start = start
		b.count = 0
	}
	b.count += n
}

// Count returns the sum over all non-expired buckets
func (c *Counter) Count() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	horizon := c.bucketSpan * time.Duration(len(c.buckets))
	var total int64
	for i := range c.buckets {
		if now.Sub(c.buckets[i].start) < horizon {
			total += c.buckets[i].count
		}
	}
	return total
}

// Rate returns events per second over the horizon
func (c *Counter) Rate() float64 {
	horizon := c.bucketSpan * time.Duration(len(c.buckets))
	return float64(c.Count()) / horizon.Seconds()
}

func (c *Counter) index(now time.Time) int {
	return int(now.UnixNano()/int64(c.bucketSpan)) % len(c.buckets)
}
