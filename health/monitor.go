package health

import (
	"maps"
	"sync"
)

// Monitor holds the latest status per component
type Monitor struct {
	mu     sync.RWMutex
	latest map[string]Status
}

// NewMonitor creates an empty Monitor
func NewMonitor() *Monitor {
	return &Monitor{latest: make(map[string]Status)}
}

// Record stores status as the latest result for its component
func (m *Monitor) Record(status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latest[status.Component] = status
}

// Get returns the latest status for name
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status, ok := m.latest[name]
	return status, ok
}

// Components returns name → healthy for every tracked component
func (m *Monitor) Components() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]bool, len(m.latest))
	for name, status := range m.latest {
		out[name] = status.Healthy()
	}
	return out
}

// Rollup folds every tracked component into one system status
func (m *Monitor) Rollup(system string) Status {
	m.mu.RLock()
	components := make([]Status, 0, len(m.latest))
	for v := range maps.Values(m.latest) {
		components = append(components, v)
	}
	m.mu.RUnlock()
	return Rollup(system, components)
}
