package buffer

import (
	"sync"
	"time"

	"github.com/barrhawk/fleetbridge/pkg/types"
)

// DeadLetter wraps an undeliverable message awaiting retry
type DeadLetter struct {
	Message    *types.Message    `json:"message"`
	Target     types.ComponentID `json:"target"`
	Reason     string            `json:"reason"`
	Attempts   int               `json:"attempts"`
	EnqueuedAt time.Time         `json:"enqueuedAt"`
}

// DLQStats summarizes queue health for the control surface
type DLQStats struct {
	Depth             int `json:"depth"`
	TotalEnqueued     int `json:"totalEnqueued"`
	TotalDropped      int `json:"totalDropped"`
	PermanentFailures int `json:"permanentFailures"`
}

// DLQ is a bounded FIFO of dead letters. A letter for an already-queued
// (message id, target) pair merges into the existing letter by bumping
// its attempt count. When attempts reach maxAttempts the letter is
// evicted and the permanent-failure callback fires exactly once. On
// capacity overflow the oldest letter is dropped silently.
type DLQ struct {
	mu          sync.Mutex
	capacity    int
	maxAttempts int
	letters     []*DeadLetter
	stats       DLQStats
	onPermanent func(*DeadLetter)
	onDrop      func()
}

// NewDLQ creates a queue bounded at capacity; letters fail permanently
// after maxAttempts delivery attempts
func NewDLQ(capacity, maxAttempts int) *DLQ {
	if capacity < 1 {
		capacity = 1
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &DLQ{capacity: capacity, maxAttempts: maxAttempts}
}

// OnPermanentFailure registers the callback fired when a letter exhausts
// its attempts
func (q *DLQ) OnPermanentFailure(fn func(*DeadLetter)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onPermanent = fn
}

// OnDrop registers the callback fired when overflow discards a letter
func (q *DLQ) OnDrop(fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onDrop = fn
}

// Enqueue records an undeliverable message
func (q *DLQ) Enqueue(msg *types.Message, target types.ComponentID, reason string) {
	q.mu.Lock()

	for i, letter := range q.letters {
		if letter.Message.ID == msg.ID && letter.Target == target {
			letter.Attempts++
			letter.Reason = reason
			if letter.Attempts >= q.maxAttempts {
				q.letters = append(q.letters[:i], q.letters[i+1:]...)
				q.stats.PermanentFailures++
				fn := q.onPermanent
				q.mu.Unlock()
				if fn != nil {
					fn(letter)
				}
				return
			}
			q.mu.Unlock()
			return
		}
	}

	if len(q.letters) >= q.capacity {
		q.letters = q.letters[1:]
		q.stats.TotalDropped++
		if q.onDrop != nil {
			q.onDrop()
		}
	}
	q.letters = append(q.letters, &DeadLetter{
		Message:    msg,
		Target:     target,
		Reason:     reason,
		Attempts:   1,
		EnqueuedAt: time.Now(),
	})
	q.stats.TotalEnqueued++
	q.mu.Unlock()
}

// Drain removes and returns every letter addressed to target, oldest
// first, so the router can replay them once the target reconnects
func (q *DLQ) Drain(target types.ComponentID) []*DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()

	var drained []*DeadLetter
	kept := q.letters[:0]
	for _, letter := range q.letters {
		if letter.Target == target {
			drained = append(drained, letter)
		} else {
			kept = append(kept, letter)
		}
	}
	q.letters = kept
	return drained
}

// Letters returns a snapshot of the queued letters, oldest first
func (q *DLQ) Letters() []*DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*DeadLetter, len(q.letters))
	copy(out, q.letters)
	return out
}

// Stats returns queue counters
func (q *DLQ) Stats() DLQStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := q.stats
	s.Depth = len(q.letters)
	return s
}

// Len returns the current queue depth
func (q *DLQ) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.letters)
}
