package health

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Checker probes one subsystem.
type Checker interface {
	Name() string
	Check(ctx context.Context) Status
}

// CheckerFunc adapts a function to the Checker interface.
type CheckerFunc struct {
	CheckerName string
	Fn          func(ctx context.Context) Status
}

// Name returns the checker's name.
func (c CheckerFunc) Name() string { return c.CheckerName }

// Check runs the probe.
func (c CheckerFunc) Check(ctx context.Context) Status { return c.Fn(ctx) }

// Monitor holds the latest status per subsystem and optionally drives
// periodic probes.
type Monitor struct {
	logger *slog.Logger

	mu       sync.RWMutex
	statuses map[string]Status
	checkers []Checker
}

// NewMonitor creates a health monitor.
func NewMonitor(logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		logger:   logger.With("component", "health"),
		statuses: make(map[string]Status),
	}
}

// Register adds a checker to the periodic probe set and records an initial
// status immediately.
func (m *Monitor) Register(c Checker) {
	m.mu.Lock()
	m.checkers = append(m.checkers, c)
	m.mu.Unlock()
	m.Update(c.Name(), c.Check(context.Background()))
}

// Update records the status for a named subsystem.
func (m *Monitor) Update(name string, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}
	m.statuses[name] = status
}

// Get retrieves the status for a named subsystem.
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status, exists := m.statuses[name]
	return status, exists
}

// GetAll returns a copy of every current status.
func (m *Monitor) GetAll() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make(map[string]Status, len(m.statuses))
	for name, status := range m.statuses {
		result[name] = status
	}
	return result
}

// Remove stops tracking a subsystem.
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.statuses, name)
}

// AggregateHealth folds every tracked status into a system-level view.
func (m *Monitor) AggregateHealth(systemName string) Status {
	m.mu.RLock()
	subStatuses := make([]Status, 0, len(m.statuses))
	for _, status := range m.statuses {
		subStatuses = append(subStatuses, status)
	}
	m.mu.RUnlock()
	return Aggregate(systemName, subStatuses)
}

// Run probes every registered checker on the interval until ctx ends.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.RLock()
			checkers := make([]Checker, len(m.checkers))
			copy(checkers, m.checkers)
			m.mu.RUnlock()

			for _, c := range checkers {
				status := c.Check(ctx)
				if !status.IsHealthy() {
					m.logger.Warn("subsystem unhealthy",
						"subsystem", c.Name(), "status", status.Status, "message", status.Message)
				}
				m.Update(c.Name(), status)
			}
		}
	}
}

// Count returns the number of tracked subsystems.
func (m *Monitor) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.statuses)
}
