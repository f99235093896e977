package igor

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/barrhawk/fleetbridge/pkg/log"
	"github.com/barrhawk/fleetbridge/pkg/metrics"
	"github.com/barrhawk/fleetbridge/pkg/proc"
	"github.com/barrhawk/fleetbridge/pkg/types"
)

// frankKillGrace is the SIGTERM to SIGKILL window for executors
const frankKillGrace = 3 * time.Second

// Frank is one supervised executor child process
type Frank struct {
	ID           string    `json:"id"`
	Port         int       `json:"port"`
	Capabilities []string  `json:"capabilities,omitempty"`
	Busy         bool      `json:"busy"`
	TasksDone    int       `json:"tasksDone"`
	SpawnedAt    time.Time `json:"spawnedAt"`

	child *proc.Child
}

// Task is one queued unit of executor work
type Task struct {
	ID         string         `json:"id"`
	Payload    map[string]any `json:"payload"`
	EnqueuedAt time.Time      `json:"enqueuedAt"`
}

// FrankManagerConfig parameterizes executor supervision
type FrankManagerConfig struct {
	IgorID    types.ComponentID
	Binary    string
	BasePort  int
	PoolSize  int
	BridgeURL string
	AuthToken string
}

// FrankManager spawns and supervises transient executor processes and
// drains a FIFO task queue onto whichever executor is free
type FrankManager struct {
	cfg FrankManagerConfig

	mu       sync.Mutex
	franks   map[string]*Frank
	queue    []*Task
	nextPort int
	seq      int

	transport Transport
	logger    zerolog.Logger
}

// NewFrankManager creates the manager
func NewFrankManager(cfg FrankManagerConfig, transport Transport) *FrankManager {
	return &FrankManager{
		cfg:       cfg,
		franks:    make(map[string]*Frank),
		nextPort:  cfg.BasePort,
		transport: transport,
		logger:    log.WithComponent("franks"),
	}
}

// Spawn starts a new executor child tagged with capabilities
func (m *FrankManager) Spawn(capabilities []string) (*Frank, error) {
	if m.cfg.Binary == "" {
		return nil, fmt.Errorf("no frank binary configured")
	}

	m.mu.Lock()
	if m.cfg.PoolSize > 0 && len(m.franks) >= m.cfg.PoolSize {
		m.mu.Unlock()
		return nil, fmt.Errorf("frank pool full (%d)", m.cfg.PoolSize)
	}
	m.seq++
	id := fmt.Sprintf("%s.frank-%d", m.cfg.IgorID, m.seq)
	port := m.nextPort
	m.nextPort++

	f := &Frank{
		ID:           id,
		Port:         port,
		Capabilities: append([]string(nil), capabilities...),
		SpawnedAt:    time.Now(),
	}
	m.franks[id] = f
	m.mu.Unlock()

	env := []string{
		fmt.Sprintf("FRANK_ID=%s", id),
		fmt.Sprintf("FRANK_PORT=%d", port),
		fmt.Sprintf("FRANK_BRIDGE_URL=%s", m.cfg.BridgeURL),
	}
	if m.cfg.AuthToken != "" {
		env = append(env, fmt.Sprintf("FRANK_AUTH_TOKEN=%s", m.cfg.AuthToken))
	}

	child, err := proc.Spawn(proc.Options{
		ID:     id,
		Binary: m.cfg.Binary,
		Args:   []string{"frank"},
		Env:    env,
		OnExit: func(info proc.ExitInfo) { m.onExit(id, info) },
	})
	if err != nil {
		m.mu.Lock()
		delete(m.franks, id)
		m.mu.Unlock()
		return nil, fmt.Errorf("failed to spawn frank: %w", err)
	}

	m.mu.Lock()
	f.child = child
	m.mu.Unlock()

	m.logger.Info().Str("frank_id", id).Int("port", port).Msg("frank spawned")
	return m.snapshotOf(id), nil
}

// Kill terminates one executor
func (m *FrankManager) Kill(id string) error {
	m.mu.Lock()
	f, ok := m.franks[id]
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("frank not found: %s", id)
	}
	f.child.Terminate(frankKillGrace)
	return nil
}

// List returns executor snapshots sorted by id
func (m *FrankManager) List() []*Frank {
	m.mu.Lock()
	ids := make([]string, 0, len(m.franks))
	for id := range m.franks {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	sort.Strings(ids)
	out := make([]*Frank, 0, len(ids))
	for _, id := range ids {
		if f := m.snapshotOf(id); f != nil {
			out = append(out, f)
		}
	}
	return out
}

// Enqueue queues a task and drains immediately if an executor is free
func (m *FrankManager) Enqueue(payload map[string]any) *Task {
	task := &Task{ID: uuid.NewString(), Payload: payload, EnqueuedAt: time.Now()}
	m.mu.Lock()
	m.queue = append(m.queue, task)
	m.mu.Unlock()

	m.drain()
	return task
}

// ExecuteOn dispatches a task straight to a named executor
func (m *FrankManager) ExecuteOn(id string, payload map[string]any) error {
	m.mu.Lock()
	f, ok := m.franks[id]
	if ok {
		f.Busy = true
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("frank not found: %s", id)
	}
	m.dispatch(id, &Task{ID: uuid.NewString(), Payload: payload, EnqueuedAt: time.Now()})
	return nil
}

// Queue returns the tasks still waiting for an executor
func (m *FrankManager) Queue() []*Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Task(nil), m.queue...)
}

// OnTaskDone marks an executor free and drains the queue onto it
func (m *FrankManager) OnTaskDone(frankID string) {
	m.mu.Lock()
	if f, ok := m.franks[frankID]; ok {
		f.Busy = false
		f.TasksDone++
	}
	m.mu.Unlock()

	m.drain()
}

// drain hands queued tasks to free executors, oldest task first
func (m *FrankManager) drain() {
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.mu.Unlock()
			return
		}
		var free *Frank
		for _, f := range m.franks {
			if !f.Busy && f.child != nil && f.child.Alive() {
				free = f
				break
			}
		}
		if free == nil {
			m.mu.Unlock()
			return
		}
		task := m.queue[0]
		m.queue = m.queue[1:]
		free.Busy = true
		id := free.ID
		m.mu.Unlock()

		m.dispatch(id, task)
	}
}

// dispatch routes the task to the executor through the hub
func (m *FrankManager) dispatch(frankID string, task *Task) {
	msg := types.NewMessage(m.cfg.IgorID, types.ComponentID(frankID), "tool.invoke", task.Payload)
	msg.CorrelationID = task.ID
	if err := m.transport.Send(msg); err != nil {
		m.logger.Warn().Err(err).Str("frank_id", frankID).Msg("task dispatch failed, requeueing")
		m.mu.Lock()
		if f, ok := m.franks[frankID]; ok {
			f.Busy = false
		}
		m.queue = append([]*Task{task}, m.queue...)
		m.mu.Unlock()
	}
}

func (m *FrankManager) onExit(id string, info proc.ExitInfo) {
	m.mu.Lock()
	_, ok := m.franks[id]
	delete(m.franks, id)
	m.mu.Unlock()

	if !ok {
		return
	}

	metrics.ChildrenExited.WithLabelValues("frank").Inc()
	_ = m.transport.Send(types.NewMessage(m.cfg.IgorID, types.Broadcast, "frank.exited", map[string]any{
		"frankId":  id,
		"exitCode": info.Code,
		"signal":   info.Signal,
	}))
	m.drain()
}

func (m *FrankManager) snapshotOf(id string) *Frank {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.franks[id]
	if !ok {
		return nil
	}
	cp := *f
	cp.Capabilities = append([]string(nil), f.Capabilities...)
	cp.child = nil
	return &cp
}
