// Package health aggregates subsystem checks for the health endpoints.
//
// A failing critical check (the database) makes the service unhealthy and
// not ready. A failing non-critical check (the chain node) only degrades
// it: lookups and stored history still work, and chain-backed calls fail
// fast with chain_unavailable.
package health

import (
	"context"
	"sync"
	"time"
)

// DefaultTimeout bounds a check registered without its own timeout.
const DefaultTimeout = 3 * time.Second

// Overall states reported by Report.Status.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Status represents the health of a single subsystem.
type Status struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Critical  bool   `json:"critical"`
	Detail    string `json:"detail,omitempty"`
	LatencyMs int64  `json:"latencyMs"`
}

// Checker probes one subsystem. The context carries the check's deadline.
type Checker func(ctx context.Context) Status

// Check is a registered probe.
type Check struct {
	Name     string
	Critical bool
	Timeout  time.Duration
	Run      Checker
}

// Report is the result of one CheckAll.
type Report struct {
	Status string   `json:"status"`
	Checks []Status `json:"checks"`
}

// Ready reports whether every critical check passed.
func (r Report) Ready() bool { return r.Status != StatusUnhealthy }

// Registry holds the service's checks.
type Registry struct {
	mu     sync.RWMutex
	checks []Check
	now    func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{now: time.Now}
}

// Register adds a check. Checks report in registration order.
func (r *Registry) Register(c Check) {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	r.mu.Lock()
	r.checks = append(r.checks, c)
	r.mu.Unlock()
}

// CheckAll runs every check concurrently, each under its own timeout.
func (r *Registry) CheckAll(ctx context.Context) Report {
	r.mu.RLock()
	checks := make([]Check, len(r.checks))
	copy(checks, r.checks)
	r.mu.RUnlock()

	statuses := make([]Status, len(checks))
	var wg sync.WaitGroup
	for i, c := range checks {
		wg.Add(1)
		go func(i int, c Check) {
			defer wg.Done()
			statuses[i] = r.run(ctx, c)
		}(i, c)
	}
	wg.Wait()

	report := Report{Status: StatusHealthy, Checks: statuses}
	for _, s := range statuses {
		switch {
		case s.Healthy:
		case s.Critical:
			report.Status = StatusUnhealthy
		case report.Status == StatusHealthy:
			report.Status = StatusDegraded
		}
	}
	return report
}

func (r *Registry) run(ctx context.Context, c Check) Status {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	start := r.now()
	done := make(chan Status, 1)
	go func() { done <- c.Run(ctx) }()

	var s Status
	select {
	case s = <-done:
	case <-ctx.Done():
		s = Status{Healthy: false, Detail: "check timed out after " + c.Timeout.String()}
	}
	s.Name = c.Name
	s.Critical = c.Critical
	s.LatencyMs = r.now().Sub(start).Milliseconds()
	return s
}
