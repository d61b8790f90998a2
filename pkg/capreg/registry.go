// Package capreg is the process-wide capability and numeric-tolerance
// registry: which backend can do what, and how closely a numeric
// solution must agree with a symbolic expectation to count as correct.
// Style follows the teacher's tiers.Get/HasFeature lookup table
// (pkg/tiers/tiers.go), generalized from subscription tiers to backend
// capabilities.
package capreg

import (
	"sort"
	"sync"
)

// Capability is a single backend feature bit: whether a named backend
// supports a named operation, plus the libraries it needs and operator
// notes.
type Capability struct {
	Backend      string   `json:"backend"`
	Name         string   `json:"capability"`
	Available    bool     `json:"available"`
	RequiredLibs []string `json:"required_libs,omitempty"`
	Notes        string   `json:"notes,omitempty"`
}

type capabilityKey struct {
	backend string
	name    string
}

// Registry is the process-wide capability table.
type Registry struct {
	mu    sync.RWMutex
	table map[capabilityKey]Capability
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{table: make(map[capabilityKey]Capability)}
}

// Register adds or replaces a capability entry.
func (r *Registry) Register(c Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.table[capabilityKey{c.Backend, c.Name}] = c
}

// Get looks up one backend's capability entry.
func (r *Registry) Get(backend, capability string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.table[capabilityKey{backend, capability}]
	return c, ok
}

// CapableBackends returns every backend advertising capability as
// available, in stable (registration-independent) sorted order. The
// planner calls this before emitting a subgoal; an empty result means
// the plan cannot proceed on this capability.
func (r *Registry) CapableBackends(capability string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var backends []string
	for key, cap := range r.table {
		if key.name == capability && cap.Available {
			backends = append(backends, key.backend)
		}
	}
	sort.Strings(backends)
	return backends
}
