package bridge

import (
	"sync"
	"time"

	"github.com/barrhawk/fleetbridge/pkg/types"
)

// Registration maps a component id to the connection currently speaking
// for it
type Registration struct {
	Component    types.ComponentID `json:"component"`
	ConnID       string            `json:"connId"`
	Version      string            `json:"version"`
	RegisteredAt time.Time         `json:"registeredAt"`
}

// ComponentRegistry is the authoritative component-id to connection
// mapping. At most one live connection per component id; a duplicate
// registration displaces the prior connection.
type ComponentRegistry struct {
	mu          sync.RWMutex
	byComponent map[types.ComponentID]Registration
}

// NewComponentRegistry creates an empty registry
func NewComponentRegistry() *ComponentRegistry {
	return &ComponentRegistry{byComponent: make(map[types.ComponentID]Registration)}
}

// Register binds component to connID, returning the displaced
// connection id when the component was already registered elsewhere
func (r *ComponentRegistry) Register(component types.ComponentID, connID, version string) (prevConnID string, displaced bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, existed := r.byComponent[component]
	r.byComponent[component] = Registration{
		Component:    component,
		ConnID:       connID,
		Version:      version,
		RegisteredAt: time.Now(),
	}
	if existed && prev.ConnID != connID {
		return prev.ConnID, true
	}
	return "", false
}

// Resolve returns the connection currently registered for component
func (r *ComponentRegistry) Resolve(component types.ComponentID) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byComponent[component]
	return reg.ConnID, ok
}

// RemoveConn clears every registration held by connID, returning the
// component ids that were unbound
func (r *ComponentRegistry) RemoveConn(connID string) []types.ComponentID {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []types.ComponentID
	for component, reg := range r.byComponent {
		if reg.ConnID == connID {
			delete(r.byComponent, component)
			removed = append(removed, component)
		}
	}
	return removed
}

// Snapshot returns every live registration
func (r *ComponentRegistry) Snapshot() []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Registration, 0, len(r.byComponent))
	for _, reg := range r.byComponent {
		out = append(out, reg)
	}
	return out
}
