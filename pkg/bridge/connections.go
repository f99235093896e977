package bridge

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/barrhawk/fleetbridge/pkg/log"
	"github.com/barrhawk/fleetbridge/pkg/metrics"
	"github.com/barrhawk/fleetbridge/pkg/types"
)

const (
	// Time allowed to write a frame to the peer
	writeWait = 10 * time.Second

	// Ping cadence; must be shorter than the peer's read deadline
	pingPeriod = 25 * time.Second
)

// Conn is one accepted WebSocket connection. The bridge owns it
// exclusively: one reader pump (transport) and one writer goroutine
// (here) touch the socket, everything else goes through the send queue.
type Conn struct {
	ID   string
	sock *websocket.Conn

	send chan []byte

	mu           sync.Mutex
	health       int
	errorCount   int
	connectedAt  time.Time
	lastActivity time.Time
	component    types.ComponentID
	version      string

	messagesSent atomic.Int64

	closeOnce sync.Once
	closed    atomic.Bool
}

// ConnInfo is the read-only view served by the control surface
type ConnInfo struct {
	ID           string            `json:"id"`
	Component    types.ComponentID `json:"component,omitempty"`
	Version      string            `json:"version,omitempty"`
	Health       int               `json:"health"`
	ErrorCount   int               `json:"errorCount"`
	MessagesSent int64             `json:"messagesSent"`
	ConnectedAt  time.Time         `json:"connectedAt"`
	LastActivity time.Time         `json:"lastActivity"`
	QueueDepth   int               `json:"queueDepth"`
}

// enqueue appends a frame to the send queue without blocking. Returns
// false when the queue is full or the connection is closed.
func (c *Conn) enqueue(frame []byte) (sent bool) {
	if c.closed.Load() {
		return false
	}
	// Close may race the send; recover instead of taking the hub down
	defer func() {
		if recover() != nil {
			sent = false
		}
	}()
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// close shuts the send channel exactly once; the writer then closes the
// socket
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.send)
	})
}

// ConnManagerConfig parameterizes the connection table
type ConnManagerConfig struct {
	SendQueueSize  int
	HealthInitial  int
	HealthFloor    int
	StaleThreshold time.Duration
}

// ConnManager holds the authoritative table of live connections and
// runs one writer goroutine per connection. Send never blocks the
// router on a slow socket.
type ConnManager struct {
	cfg ConnManagerConfig

	mu    sync.RWMutex
	conns map[string]*Conn

	// onKick observes removals so the bridge can clear the component
	// registry and rate-limiter state tied to the connection
	onKick func(connID string, component types.ComponentID, reason string)

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewConnManager creates the connection table and starts the stale reaper
func NewConnManager(cfg ConnManagerConfig) *ConnManager {
	m := &ConnManager{
		cfg:    cfg,
		conns:  make(map[string]*Conn),
		stopCh: make(chan struct{}),
	}
	go m.reapStale()
	return m
}

// OnKick registers the removal observer
func (m *ConnManager) OnKick(fn func(connID string, component types.ComponentID, reason string)) {
	m.onKick = fn
}

// Register creates the record and writer for an accepted socket
func (m *ConnManager) Register(id string, sock *websocket.Conn) *Conn {
	now := time.Now()
	c := &Conn{
		ID:           id,
		sock:         sock,
		send:         make(chan []byte, m.cfg.SendQueueSize),
		health:       m.cfg.HealthInitial,
		connectedAt:  now,
		lastActivity: now,
	}

	m.mu.Lock()
	m.conns[id] = c
	total := len(m.conns)
	m.mu.Unlock()

	metrics.ConnectionsActive.Set(float64(total))
	go m.writePump(c)
	return c
}

// Get returns the connection for id
func (m *ConnManager) Get(id string) (*Conn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[id]
	return c, ok
}

// Count returns the number of live connections
func (m *ConnManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// Send enqueues a frame for id. A full queue drops the frame, records
// an error against the connection, and returns false.
func (m *ConnManager) Send(id string, frame []byte) bool {
	c, ok := m.Get(id)
	if !ok {
		return false
	}
	if !c.enqueue(frame) {
		metrics.SendQueueDrops.Inc()
		m.RecordError(id)
		return false
	}
	return true
}

// SetComponent attaches registration metadata after component.register
func (m *ConnManager) SetComponent(id string, component types.ComponentID, version string) {
	if c, ok := m.Get(id); ok {
		c.mu.Lock()
		c.component = component
		c.version = version
		c.mu.Unlock()
	}
}

// RecordActivity refreshes the staleness clock
func (m *ConnManager) RecordActivity(id string) {
	if c, ok := m.Get(id); ok {
		c.mu.Lock()
		c.lastActivity = time.Now()
		c.mu.Unlock()
	}
}

// RecordSuccess drains the health score slowly back toward its initial
// value
func (m *ConnManager) RecordSuccess(id string) {
	if c, ok := m.Get(id); ok {
		c.mu.Lock()
		if c.health < m.cfg.HealthInitial {
			c.health++
		}
		c.lastActivity = time.Now()
		c.mu.Unlock()
	}
}

// RecordError decrements the health score; a connection falling below
// the floor is kicked
func (m *ConnManager) RecordError(id string) {
	c, ok := m.Get(id)
	if !ok {
		return
	}
	c.mu.Lock()
	c.errorCount++
	c.health -= 5
	unhealthy := c.health < m.cfg.HealthFloor
	c.mu.Unlock()

	if unhealthy {
		m.Kick(id, "health floor")
	}
}

// Kick closes the socket, removes the record, and notifies the observer
func (m *ConnManager) Kick(id, reason string) {
	m.mu.Lock()
	c, ok := m.conns[id]
	if ok {
		delete(m.conns, id)
	}
	total := len(m.conns)
	m.mu.Unlock()

	if !ok {
		return
	}

	metrics.ConnectionsActive.Set(float64(total))
	metrics.ConnectionsKicked.WithLabelValues(reason).Inc()

	c.mu.Lock()
	component := c.component
	c.mu.Unlock()

	connLogger := log.ForConn(id)
	connLogger.Info().
		Str("reason", reason).
		Str("component", string(component)).
		Msg("connection kicked")

	c.close()

	if m.onKick != nil {
		m.onKick(id, component, reason)
	}
}

// Snapshot returns the control-surface view of every connection
func (m *ConnManager) Snapshot() []ConnInfo {
	m.mu.RLock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	out := make([]ConnInfo, 0, len(conns))
	for _, c := range conns {
		c.mu.Lock()
		out = append(out, ConnInfo{
			ID:           c.ID,
			Component:    c.component,
			Version:      c.version,
			Health:       c.health,
			ErrorCount:   c.errorCount,
			MessagesSent: c.messagesSent.Load(),
			ConnectedAt:  c.connectedAt,
			LastActivity: c.lastActivity,
			QueueDepth:   len(c.send),
		})
		c.mu.Unlock()
	}
	return out
}

// Drain waits until every send queue empties or the deadline passes,
// then force-closes whatever remains
func (m *ConnManager) Drain(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if m.queuesEmpty() {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.conns = make(map[string]*Conn)
	m.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	metrics.ConnectionsActive.Set(0)
}

// Stop terminates the stale reaper
func (m *ConnManager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *ConnManager) queuesEmpty() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.conns {
		if len(c.send) > 0 {
			return false
		}
	}
	return true
}

// writePump drains one connection's queue to its socket. Frames for a
// single connection go out in enqueue order.
func (m *ConnManager) writePump(c *Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.sock.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				_ = c.sock.WriteControl(websocket.CloseMessage, []byte{}, time.Now().Add(time.Second))
				return
			}
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.TextMessage, frame); err != nil {
				connLogger := log.ForConn(c.ID)
				connLogger.Debug().Err(err).Msg("socket write failed")
				// Reader pump notices the dead socket and kicks
				continue
			}
			c.messagesSent.Add(1)
		case <-ticker.C:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// reapStale kicks connections idle beyond the stale threshold
func (m *ConnManager) reapStale() {
	if m.cfg.StaleThreshold <= 0 {
		return
	}
	ticker := time.NewTicker(m.cfg.StaleThreshold / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-m.cfg.StaleThreshold)
			var stale []string
			m.mu.RLock()
			for id, c := range m.conns {
				c.mu.Lock()
				if c.lastActivity.Before(cutoff) {
					stale = append(stale, id)
				}
				c.mu.Unlock()
			}
			m.mu.RUnlock()

			for _, id := range stale {
				m.Kick(id, "stale")
			}
		case <-m.stopCh:
			return
		}
	}
}
