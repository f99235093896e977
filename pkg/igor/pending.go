package igor

import (
	"errors"
	"sync"
	"time"

	"github.com/barrhawk/fleetbridge/pkg/types"
)

// ErrBrowserTimeout fails an awaiter whose executor response never came
var ErrBrowserTimeout = errors.New("browserTimeout")

// Result carries an executor's response or its failure
type Result struct {
	Msg *types.Message
	Err error
}

type pendingEntry struct {
	ch      chan Result
	created time.Time
	timeout time.Duration
}

// PendingTable correlates outbound executor requests with their
// responses. An entry is a single-use channel keyed by the request's
// message id; the executor echoes that id as the response's
// correlationId. A background sweeper reaps entries whose awaiter
// vanished without removing them.
type PendingTable struct {
	mu       sync.Mutex
	entries  map[string]*pendingEntry
	stopCh   chan struct{}
	stopOnce sync.Once

	now func() time.Time // test hook
}

// NewPendingTable creates the table and starts the sweeper
func NewPendingTable() *PendingTable {
	t := &PendingTable{
		entries: make(map[string]*pendingEntry),
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}
	go t.sweep()
	return t
}

// Add registers an awaiter for the given request id
func (t *PendingTable) Add(id string, timeout time.Duration) <-chan Result {
	ch := make(chan Result, 1)
	t.mu.Lock()
	t.entries[id] = &pendingEntry{ch: ch, created: t.now(), timeout: timeout}
	t.mu.Unlock()
	return ch
}

// Resolve completes the awaiter correlated with msg, if any
func (t *PendingTable) Resolve(correlationID string, msg *types.Message) bool {
	return t.settle(correlationID, Result{Msg: msg})
}

// Fail completes the awaiter with an error
func (t *PendingTable) Fail(correlationID string, err error) bool {
	return t.settle(correlationID, Result{Err: err})
}

// Remove discards an awaiter, typically after its local timeout fired
func (t *PendingTable) Remove(id string) {
	t.mu.Lock()
	delete(t.entries, id)
	t.mu.Unlock()
}

// Len returns the number of outstanding awaiters
func (t *PendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Stop terminates the sweeper
func (t *PendingTable) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
}

func (t *PendingTable) settle(id string, res Result) bool {
	t.mu.Lock()
	entry, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	entry.ch <- res
	return true
}

// sweep reaps entries older than twice their timeout. The awaiter's own
// deadline normally removes the entry first; this is the safety net for
// awaiters that died without cleaning up.
func (t *PendingTable) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.reap()
		case <-t.stopCh:
			return
		}
	}
}

func (t *PendingTable) reap() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	for id, entry := range t.entries {
		if now.Sub(entry.created) > 2*entry.timeout {
			entry.ch <- Result{Err: ErrBrowserTimeout}
			delete(t.entries, id)
		}
	}
}
