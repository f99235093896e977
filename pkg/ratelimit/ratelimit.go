// Package ratelimit implements the bridge's per-connection token-bucket
// rate limiting on top of golang.org/x/time/rate.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Stats describes one key's bucket for the control surface
type Stats struct {
	Key      string    `json:"key"`
	Tokens   float64   `json:"tokens"`
	LastSeen time.Time `json:"lastSeen"`
}

// Table holds one token bucket per connection key. Buckets are created
// lazily on first use and reaped once idle beyond idleAfter.
type Table struct {
	mu        sync.Mutex
	refill    rate.Limit
	burst     int
	idleAfter time.Duration
	buckets   map[string]*entry
	stopCh    chan struct{}
	stopOnce  sync.Once
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewTable creates a limiter table refilling refillPerSec tokens per
// second with the given burst, and starts the idle-bucket reaper
func NewTable(refillPerSec float64, burst int, idleAfter time.Duration) *Table {
	t := &Table{
		refill:    rate.Limit(refillPerSec),
		burst:     burst,
		idleAfter: idleAfter,
		buckets:   make(map[string]*entry),
		stopCh:    make(chan struct{}),
	}
	go t.reap()
	return t
}

// Allow consumes one token for key, creating the bucket on first sight.
// Returns false when the bucket is empty.
func (t *Table) Allow(key string) bool {
	t.mu.Lock()
	e, ok := t.buckets[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(t.refill, t.burst)}
		t.buckets[key] = e
	}
	e.lastSeen = time.Now()
	t.mu.Unlock()

	return e.limiter.Allow()
}

// RetryAfter estimates how long the caller should wait before the bucket
// refills one token
func (t *Table) RetryAfter() time.Duration {
	if t.refill <= 0 {
		return time.Second
	}
	return time.Duration(float64(time.Second) / float64(t.refill))
}

// Remove discards the bucket for key, typically on connection close
func (t *Table) Remove(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.buckets, key)
}

// Snapshot returns per-key bucket stats
func (t *Table) Snapshot() []Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Stats, 0, len(t.buckets))
	for key, e := range t.buckets {
		out = append(out, Stats{
			Key:      key,
			Tokens:   e.limiter.Tokens(),
			LastSeen: e.lastSeen,
		})
	}
	return out
}

// Stop terminates the reaper
func (t *Table) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
}

func (t *Table) reap() {
	interval := t.idleAfter / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.mu.Lock()
			cutoff := time.Now().Add(-t.idleAfter)
			for key, e := range t.buckets {
				if e.lastSeen.Before(cutoff) {
					delete(t.buckets, key)
				}
			}
			t.mu.Unlock()
		case <-t.stopCh:
			return
		}
	}
}
