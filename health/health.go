// Package health aggregates the health of the broker connection and the
// stores a service depends on.
package health

import (
	"context"
	"sync"
	"time"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Checker checks one dependency.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// CheckResult is the outcome of one check.
type CheckResult struct {
	Name      string                 `json:"name"`
	Status    Status                 `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Duration  time.Duration          `json:"duration"`
	Timestamp time.Time              `json:"timestamp"`
}

// Report is the aggregated health of all registered checkers.
type Report struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks"`
}

type registration struct {
	checker  Checker
	optional bool
}

// Registry runs checkers concurrently and aggregates their results.
type Registry struct {
	mu       sync.RWMutex
	checkers []registration
	timeout  time.Duration
}

// NewRegistry creates a registry whose checks are bounded by timeout.
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Registry{timeout: timeout}
}

// Register adds a checker the service cannot work without.
func (r *Registry) Register(checker Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers = append(r.checkers, registration{checker: checker})
}

// RegisterOptional adds a checker whose failure only degrades the service.
func (r *Registry) RegisterOptional(checker Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers = append(r.checkers, registration{checker: checker, optional: true})
}

// Check runs every checker. The report is unhealthy when a required checker is
// unhealthy, and degraded when any other checker is not healthy.
func (r *Registry) Check(ctx context.Context) Report {
	r.mu.RLock()
	checkers := append([]registration(nil), r.checkers...)
	r.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	results := make([]CheckResult, len(checkers))
	var wg sync.WaitGroup
	for i, reg := range checkers {
		wg.Add(1)
		go func(i int, c Checker) {
			defer wg.Done()
			results[i] = c.Check(ctx)
		}(i, reg.checker)
	}
	wg.Wait()

	report := Report{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Checks:    make(map[string]CheckResult, len(results)),
	}
	for i, result := range results {
		report.Checks[result.Name] = result
		switch {
		case result.Status == StatusHealthy:
		case result.Status == StatusUnhealthy && !checkers[i].optional:
			report.Status = StatusUnhealthy
		case report.Status == StatusHealthy:
			report.Status = StatusDegraded
		}
	}
	return report
}
