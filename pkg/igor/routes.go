package igor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/barrhawk/fleetbridge/pkg/health"
	"github.com/barrhawk/fleetbridge/pkg/log"
	"github.com/barrhawk/fleetbridge/pkg/metrics"
	"github.com/barrhawk/fleetbridge/pkg/proc"
	"github.com/barrhawk/fleetbridge/pkg/types"
)

// RouteWorker is a sibling worker-face process specialized to one
// route, a semantic subset of the cluster's traffic
type RouteWorker struct {
	ID         string         `json:"id"`
	Port       int            `json:"port"`
	RouteID    string         `json:"routeId"`
	RouteName  string         `json:"routeName"`
	Conditions map[string]any `json:"conditions,omitempty"`
	SpawnedAt  time.Time      `json:"spawnedAt"`

	child *proc.Child
}

// RouteManagerConfig parameterizes route-worker supervision
type RouteManagerConfig struct {
	IgorID    types.ComponentID
	Binary    string
	BasePort  int
	BridgeURL string
	AuthToken string
}

// RouteManager spawns and tracks route-specialized worker-face
// children. Their stdio is re-logged and a worker.exited notice is
// broadcast when one dies.
type RouteManager struct {
	cfg RouteManagerConfig

	mu       sync.Mutex
	workers  map[string]*RouteWorker
	nextPort int
	seq      int

	transport Transport
	logger    zerolog.Logger
}

// NewRouteManager creates the manager
func NewRouteManager(cfg RouteManagerConfig, transport Transport) *RouteManager {
	return &RouteManager{
		cfg:       cfg,
		workers:   make(map[string]*RouteWorker),
		nextPort:  cfg.BasePort,
		transport: transport,
		logger:    log.WithComponent("routes"),
	}
}

// Spawn starts a worker-face child bound to a route
func (m *RouteManager) Spawn(routeID, routeName string, conditions map[string]any) (*RouteWorker, error) {
	if m.cfg.Binary == "" {
		return nil, fmt.Errorf("no igor binary configured")
	}

	m.mu.Lock()
	m.seq++
	id := fmt.Sprintf("%s.route-%d", m.cfg.IgorID, m.seq)
	port := m.nextPort
	m.nextPort++

	w := &RouteWorker{
		ID:         id,
		Port:       port,
		RouteID:    routeID,
		RouteName:  routeName,
		Conditions: conditions,
		SpawnedAt:  time.Now(),
	}
	m.workers[id] = w
	m.mu.Unlock()

	env := []string{
		fmt.Sprintf("IGOR_ID=%s", id),
		fmt.Sprintf("IGOR_PORT=%d", port),
		fmt.Sprintf("IGOR_BRIDGE_URL=%s", m.cfg.BridgeURL),
		fmt.Sprintf("IGOR_ROUTE_ID=%s", routeID),
		fmt.Sprintf("IGOR_ROUTE_NAME=%s", routeName),
	}
	if m.cfg.AuthToken != "" {
		env = append(env, fmt.Sprintf("IGOR_AUTH_TOKEN=%s", m.cfg.AuthToken))
	}
	if len(conditions) > 0 {
		if data, err := json.Marshal(conditions); err == nil {
			env = append(env, fmt.Sprintf("IGOR_ROUTE_CONDITIONS=%s", data))
		}
	}

	child, err := proc.Spawn(proc.Options{
		ID:     id,
		Binary: m.cfg.Binary,
		Args:   []string{"igor"},
		Env:    env,
		OnExit: func(info proc.ExitInfo) { m.onExit(id, info) },
	})
	if err != nil {
		m.mu.Lock()
		delete(m.workers, id)
		m.mu.Unlock()
		return nil, fmt.Errorf("failed to spawn route worker: %w", err)
	}

	m.mu.Lock()
	w.child = child
	m.mu.Unlock()

	m.logger.Info().Str("worker_id", id).Str("route", routeName).Int("port", port).Msg("route worker spawned")

	// A route worker serves the same control surface as its parent; it
	// counts as up once /health answers
	go func() {
		probe := health.ProbeEndpoint(fmt.Sprintf("http://localhost:%d/health", port))
		if !health.WaitReady(context.Background(), probe, time.Second, 30*time.Second) {
			m.logger.Warn().Str("worker_id", id).Msg("route worker never became ready")
		}
	}()

	return m.snapshotOf(id), nil
}

// Kill terminates one route worker
func (m *RouteManager) Kill(id string) error {
	m.mu.Lock()
	w, ok := m.workers[id]
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("route worker not found: %s", id)
	}
	w.child.Terminate(frankKillGrace)
	return nil
}

// List returns route-worker snapshots sorted by id
func (m *RouteManager) List() []*RouteWorker {
	m.mu.Lock()
	ids := make([]string, 0, len(m.workers))
	for id := range m.workers {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	sort.Strings(ids)
	out := make([]*RouteWorker, 0, len(ids))
	for _, id := range ids {
		if w := m.snapshotOf(id); w != nil {
			out = append(out, w)
		}
	}
	return out
}

func (m *RouteManager) onExit(id string, info proc.ExitInfo) {
	m.mu.Lock()
	_, ok := m.workers[id]
	delete(m.workers, id)
	m.mu.Unlock()

	if !ok {
		return
	}

	metrics.ChildrenExited.WithLabelValues("route-worker").Inc()
	_ = m.transport.Send(types.NewMessage(m.cfg.IgorID, types.Broadcast, "worker.exited", map[string]any{
		"workerId": id,
		"exitCode": info.Code,
		"signal":   info.Signal,
	}))
}

func (m *RouteManager) snapshotOf(id string) *RouteWorker {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.workers[id]
	if !ok {
		return nil
	}
	cp := *w
	cp.child = nil
	return &cp
}
