// Package health aggregates liveness checks of the running components
package health

import (
	"sort"
	"sync"

	"order_orchestrator/internal/core"
)

// Check reports nil while a component is healthy
type Check func() error

// Report is the outcome of running every registered check
type Report struct {
	Healthy    bool              `json:"healthy"`
	Components map[string]string `json:"components"`
}

// Manager runs registered checks on demand
type Manager struct {
	logger core.ILogger
	mu     sync.RWMutex
	checks map[string]Check
}

// NewManager creates an empty health manager
func NewManager(logger core.ILogger) *Manager {
	return &Manager{
		logger: logger.WithField("component", "health_manager"),
		checks: make(map[string]Check),
	}
}

// Register adds or replaces the check of a component
func (m *Manager) Register(component string, check Check) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[component] = check
}

// Components lists the registered component names in order
func (m *Manager) Components() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.checks))
	for name := range m.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Report runs every check
func (m *Manager) Report() Report {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r := Report{Healthy: true, Components: make(map[string]string, len(m.checks))}
	for component, check := range m.checks {
		if err := check(); err != nil {
			r.Healthy = false
			r.Components[component] = "unhealthy: " + err.Error()
			m.logger.Debug("Health check failed", "check", component, "error", err)
			continue
		}
		r.Components[component] = "healthy"
	}
	return r
}

// IsHealthy reports whether every check passes
func (m *Manager) IsHealthy() bool {
	return m.Report().Healthy
}
