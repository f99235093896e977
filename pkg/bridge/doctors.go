package bridge

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/barrhawk/fleetbridge/pkg/events"
	"github.com/barrhawk/fleetbridge/pkg/health"
	"github.com/barrhawk/fleetbridge/pkg/log"
	"github.com/barrhawk/fleetbridge/pkg/metrics"
	"github.com/barrhawk/fleetbridge/pkg/proc"
	"github.com/barrhawk/fleetbridge/pkg/types"
)

// DoctorStatus is the lifecycle of a Supervisor child
type DoctorStatus string

const (
	DoctorSpawning DoctorStatus = "spawning"
	DoctorIdle     DoctorStatus = "idle"
	DoctorBusy     DoctorStatus = "busy"
	DoctorDying    DoctorStatus = "dying"
)

// killGrace is how long a Supervisor gets between SIGTERM and SIGKILL
const killGrace = 5 * time.Second

// Doctor is the hub-side record of one Supervisor child process
type Doctor struct {
	ID             string       `json:"id"`
	Port           int          `json:"port"`
	Specialization string       `json:"specialization,omitempty"`
	Status         DoctorStatus `json:"status"`
	PID            int          `json:"pid"`
	PlansCompleted int          `json:"plansCompleted"`
	PlansFailed    int          `json:"plansFailed"`
	IgorIDs        []string     `json:"igorIds"`
	SpawnedAt      time.Time    `json:"spawnedAt"`
	LastActivity   time.Time    `json:"lastActivity"`

	child *proc.Child
}

// DoctorManagerConfig parameterizes Supervisor child management
type DoctorManagerConfig struct {
	MaxDoctors int
	Binary     string
	BasePort   int
	BridgeURL  string
	AuthToken  string
}

// DoctorManager spawns and tracks the hub's Supervisor children. Each
// child gets a unique id, a reserved port from a monotonically
// increasing pool, and the hub URL; its stdio is relayed into the
// structured log and its death is broadcast to the cluster.
type DoctorManager struct {
	cfg DoctorManagerConfig

	mu       sync.Mutex
	doctors  map[string]*Doctor
	nextPort int
	seq      int

	// broadcast pushes a bridge-originated message to every component
	broadcast func(msg *types.Message)
	journal   *events.Journal
	logger    zerolog.Logger
}

// NewDoctorManager creates the manager
func NewDoctorManager(cfg DoctorManagerConfig, broadcast func(*types.Message), journal *events.Journal) *DoctorManager {
	return &DoctorManager{
		cfg:       cfg,
		doctors:   make(map[string]*Doctor),
		nextPort:  cfg.BasePort,
		broadcast: broadcast,
		journal:   journal,
		logger:    log.WithComponent("doctors"),
	}
}

// Spawn starts a new Supervisor child
func (m *DoctorManager) Spawn(specialization string) (*Doctor, error) {
	if m.cfg.Binary == "" {
		return nil, fmt.Errorf("no doctor binary configured")
	}

	m.mu.Lock()
	if len(m.doctors) >= m.cfg.MaxDoctors {
		m.mu.Unlock()
		return nil, fmt.Errorf("doctor limit reached (%d)", m.cfg.MaxDoctors)
	}
	m.seq++
	id := fmt.Sprintf("doctor-%d", m.seq)
	port := m.nextPort
	m.nextPort++

	d := &Doctor{
		ID:             id,
		Port:           port,
		Specialization: specialization,
		Status:         DoctorSpawning,
		SpawnedAt:      time.Now(),
		LastActivity:   time.Now(),
	}
	m.doctors[id] = d
	m.mu.Unlock()

	env := []string{
		fmt.Sprintf("DOCTOR_ID=%s", id),
		fmt.Sprintf("DOCTOR_PORT=%d", port),
		fmt.Sprintf("DOCTOR_BRIDGE_URL=%s", m.cfg.BridgeURL),
	}
	if specialization != "" {
		env = append(env, fmt.Sprintf("DOCTOR_SPECIALIZATION=%s", specialization))
	}
	if m.cfg.AuthToken != "" {
		env = append(env, fmt.Sprintf("DOCTOR_AUTH_TOKEN=%s", m.cfg.AuthToken))
	}

	child, err := proc.Spawn(proc.Options{
		ID:     id,
		Binary: m.cfg.Binary,
		Env:    env,
		OnExit: func(info proc.ExitInfo) { m.onExit(id, info) },
	})
	if err != nil {
		m.mu.Lock()
		delete(m.doctors, id)
		m.mu.Unlock()
		return nil, fmt.Errorf("failed to spawn doctor: %w", err)
	}

	m.mu.Lock()
	d.child = child
	d.PID = child.PID()
	m.mu.Unlock()

	metrics.DoctorsSpawned.Inc()
	metrics.DoctorsActive.Set(float64(m.count()))
	m.logger.Info().Str("doctor_id", id).Int("port", port).Int("pid", child.PID()).Msg("doctor spawned")

	// Flip spawning -> idle once the child's reserved port accepts
	// connections; an explicit doctor.ready can beat the probe
	go func() {
		probe := health.ProbePort(fmt.Sprintf("localhost:%d", port))
		if health.WaitReady(context.Background(), probe, time.Second, 30*time.Second) {
			m.update(id, func(d *Doctor) {
				if d.Status == DoctorSpawning {
					d.Status = DoctorIdle
				}
			})
		}
	}()

	m.journal.Record(events.EventDoctorSpawned, id)
	return m.snapshotOf(id), nil
}

// Get returns a snapshot of one doctor
func (m *DoctorManager) Get(id string) (*Doctor, bool) {
	d := m.snapshotOf(id)
	return d, d != nil
}

// List returns snapshots of every live doctor sorted by id
func (m *DoctorManager) List() []*Doctor {
	m.mu.Lock()
	ids := make([]string, 0, len(m.doctors))
	for id := range m.doctors {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	sort.Strings(ids)
	out := make([]*Doctor, 0, len(ids))
	for _, id := range ids {
		if d := m.snapshotOf(id); d != nil {
			out = append(out, d)
		}
	}
	return out
}

// Kill terminates one doctor; never blocks on the child's death
func (m *DoctorManager) Kill(id, reason string) error {
	m.mu.Lock()
	d, ok := m.doctors[id]
	if ok {
		d.Status = DoctorDying
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("doctor not found: %s", id)
	}

	m.logger.Info().Str("doctor_id", id).Str("reason", reason).Msg("killing doctor")
	d.child.Terminate(killGrace)
	return nil
}

// KillAll terminates every doctor
func (m *DoctorManager) KillAll(reason string) int {
	for _, d := range m.List() {
		_ = m.Kill(d.ID, reason)
	}
	return m.count()
}

// HandleControl consumes the doctor.* message vocabulary
func (m *DoctorManager) HandleControl(router *Router) {
	router.HandleInline(types.TypeDoctorSpawn, func(connID string, msg *types.Message) {
		d, err := m.Spawn(msg.PayloadString("specialization"))
		reply := types.NewMessage(BridgeID, msg.Source, types.TypeDoctorStatus, nil)
		reply.CorrelationID = msg.CorrelationID
		if err != nil {
			reply.Payload = map[string]any{"error": err.Error()}
		} else {
			reply.Payload = map[string]any{"doctorId": d.ID, "port": d.Port, "status": string(d.Status)}
		}
		router.sendTo(connID, reply)
	})

	router.HandleInline(types.TypeDoctorReady, func(connID string, msg *types.Message) {
		m.update(msg.PayloadString("doctorId"), func(d *Doctor) {
			d.Status = DoctorIdle
		})
	})

	router.HandleInline(types.TypeDoctorStatus, func(connID string, msg *types.Message) {
		m.update(msg.PayloadString("doctorId"), func(d *Doctor) {
			if status := msg.PayloadString("status"); status != "" {
				d.Status = DoctorStatus(status)
			}
			if igors, ok := msg.Payload["igors"].([]any); ok {
				d.IgorIDs = d.IgorIDs[:0]
				for _, ig := range igors {
					if s, ok := ig.(string); ok {
						d.IgorIDs = append(d.IgorIDs, s)
					}
				}
			}
			if done, ok := msg.Payload["plansCompleted"].(float64); ok {
				d.PlansCompleted = int(done)
			}
			if failed, ok := msg.Payload["plansFailed"].(float64); ok {
				d.PlansFailed = int(failed)
			}
		})
	})

	router.HandleInline(types.TypeDoctorKill, func(connID string, msg *types.Message) {
		_ = m.Kill(msg.PayloadString("doctorId"), "requested by "+string(msg.Source))
	})

	router.HandleInline(types.TypeDoctorList, func(connID string, msg *types.Message) {
		list := m.List()
		ids := make([]any, 0, len(list))
		for _, d := range list {
			ids = append(ids, map[string]any{"doctorId": d.ID, "status": string(d.Status), "port": d.Port})
		}
		reply := types.NewMessage(BridgeID, msg.Source, types.TypeDoctorList, map[string]any{"doctors": ids})
		reply.CorrelationID = msg.CorrelationID
		router.sendTo(connID, reply)
	})
}

func (m *DoctorManager) onExit(id string, info proc.ExitInfo) {
	m.mu.Lock()
	d, ok := m.doctors[id]
	var igors []string
	if ok {
		d.Status = DoctorDying
		igors = append(igors, d.IgorIDs...)
		delete(m.doctors, id)
	}
	m.mu.Unlock()

	if !ok {
		return
	}

	metrics.DoctorsActive.Set(float64(m.count()))
	metrics.ChildrenExited.WithLabelValues("doctor").Inc()

	igorsAny := make([]any, len(igors))
	for i, ig := range igors {
		igorsAny[i] = ig
	}
	m.broadcast(types.NewMessage(BridgeID, types.Broadcast, types.TypeDoctorDied, map[string]any{
		"doctorId": id,
		"exitCode": info.Code,
		"signal":   info.Signal,
		"igors":    igorsAny,
	}))

	m.journal.Record(events.EventDoctorDied, fmt.Sprintf("%s exited with code %d", id, info.Code))
}

func (m *DoctorManager) update(id string, fn func(*Doctor)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.doctors[id]; ok {
		fn(d)
		d.LastActivity = time.Now()
	}
}

func (m *DoctorManager) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.doctors)
}

func (m *DoctorManager) snapshotOf(id string) *Doctor {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.doctors[id]
	if !ok {
		return nil
	}
	cp := *d
	cp.IgorIDs = append([]string(nil), d.IgorIDs...)
	cp.child = nil
	return &cp
}
