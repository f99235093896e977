package events

import (
	"sync"
	"time"

	"github.com/barrhawk/fleetbridge/pkg/buffer"
)

// EventType names a cluster lifecycle event
type EventType string

const (
	EventConnectionOpened EventType = "connection.opened"
	EventConnectionKicked EventType = "connection.kicked"
	EventComponentJoined  EventType = "component.joined"
	EventComponentLeft    EventType = "component.left"
	EventCircuitOpened    EventType = "circuit.opened"
	EventCircuitClosed    EventType = "circuit.closed"
	EventDoctorSpawned    EventType = "doctor.spawned"
	EventDoctorDied       EventType = "doctor.died"
	EventLetterExpired    EventType = "letter.expired"
	EventDrainStarted     EventType = "drain.started"
)

// Event is one recorded lifecycle occurrence. Seq is a per-journal
// monotonic counter, so gaps in a watcher's stream are detectable.
type Event struct {
	Seq       uint64    `json:"seq"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Detail    string    `json:"detail,omitempty"`
}

// watcherBuffer bounds each watcher's unread backlog
const watcherBuffer = 64

// Journal records bridge lifecycle events. Recording is synchronous
// and non-blocking: the bounded ring behind /debug/state is written
// inline so the debug surface always sees the event, while delivery to
// watchers drops on a full buffer — a slow watcher loses events, it
// never slows the routing path.
type Journal struct {
	mu        sync.Mutex
	seq       uint64
	ring      *buffer.Ring[*Event]
	watchers  map[uint64]chan *Event
	nextWatch uint64
	closed    bool
}

// NewJournal creates a journal retaining the last capacity events
func NewJournal(capacity int) *Journal {
	return &Journal{
		ring:     buffer.NewRing[*Event](capacity),
		watchers: make(map[uint64]chan *Event),
	}
}

// Record stamps and stores an event, then offers it to every watcher
func (j *Journal) Record(t EventType, detail string) *Event {
	j.mu.Lock()
	j.seq++
	ev := &Event{
		Seq:       j.seq,
		Type:      t,
		Timestamp: time.Now(),
		Detail:    detail,
	}
	j.ring.Push(ev)
	for _, ch := range j.watchers {
		select {
		case ch <- ev:
		default:
			// Watcher backlog full, skip
		}
	}
	j.mu.Unlock()
	return ev
}

// Recent returns the last k events in chronological order
func (j *Journal) Recent(k int) []*Event {
	return j.ring.Recent(k)
}

// Watch streams events recorded after this call. The returned cancel
// removes the watcher and closes its channel; Close cancels all
// watchers.
func (j *Journal) Watch() (<-chan *Event, func()) {
	j.mu.Lock()
	defer j.mu.Unlock()

	ch := make(chan *Event, watcherBuffer)
	if j.closed {
		close(ch)
		return ch, func() {}
	}

	id := j.nextWatch
	j.nextWatch++
	j.watchers[id] = ch

	return ch, func() {
		j.mu.Lock()
		defer j.mu.Unlock()
		if live, ok := j.watchers[id]; ok {
			delete(j.watchers, id)
			close(live)
		}
	}
}

// Close ends every watch stream; the recorded ring stays readable
func (j *Journal) Close() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return
	}
	j.closed = true
	for id, ch := range j.watchers {
		delete(j.watchers, id)
		close(ch)
	}
}
