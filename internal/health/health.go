// Package health reports whether the service and its dependencies can take
// traffic.
//
// Checks are either critical (the database) or optional (leases, loops,
// brokers). A failing critical check makes the service unhealthy and the
// endpoint answers 503; failing optional checks only degrade it.
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Overall states reported by Registry.Run.
const (
	StateHealthy   = "healthy"
	StateDegraded  = "degraded"
	StateUnhealthy = "unhealthy"
)

// DefaultTimeout bounds each check.
const DefaultTimeout = 3 * time.Second

// Status is the result of one check.
type Status struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Critical  bool   `json:"critical"`
	Detail    string `json:"detail,omitempty"`
	LatencyMs int64  `json:"latencyMs"`
}

// Checker checks one dependency. It should honour ctx.
type Checker func(ctx context.Context) Status

// Report is the outcome of running every check.
type Report struct {
	State  string   `json:"status"`
	Checks []Status `json:"checks"`
}

// Healthy reports whether every check passed.
func (r Report) Healthy() bool { return r.State == StateHealthy }

// Registry holds the service's checks.
type Registry struct {
	mu      sync.RWMutex
	checks  map[string]check
	timeout time.Duration
}

type check struct {
	fn       Checker
	critical bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{checks: make(map[string]check), timeout: DefaultTimeout}
}

// WithTimeout overrides the per-check timeout.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	r.timeout = d
	return r
}

// Critical registers a check the service cannot run without. Registering a
// name twice replaces the earlier check.
func (r *Registry) Critical(name string, fn Checker) {
	r.add(name, fn, true)
}

// Optional registers a check whose failure only degrades the service.
func (r *Registry) Optional(name string, fn Checker) {
	r.add(name, fn, false)
}

func (r *Registry) add(name string, fn Checker, critical bool) {
	r.mu.Lock()
	r.checks[name] = check{fn: fn, critical: critical}
	r.mu.Unlock()
}

// Run executes every check concurrently and returns them sorted by name.
func (r *Registry) Run(ctx context.Context) Report {
	r.mu.RLock()
	names := make([]string, 0, len(r.checks))
	for name := range r.checks {
		names = append(names, name)
	}
	checks := make([]check, len(names))
	sort.Strings(names)
	for i, name := range names {
		checks[i] = r.checks[name]
	}
	timeout := r.timeout
	r.mu.RUnlock()

	statuses := make([]Status, len(names))
	var wg sync.WaitGroup
	for i := range names {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			statuses[i] = runOne(ctx, names[i], checks[i], timeout)
		}(i)
	}
	wg.Wait()

	state := StateHealthy
	for _, st := range statuses {
		if st.Healthy {
			continue
		}
		if st.Critical {
			state = StateUnhealthy
			break
		}
		state = StateDegraded
	}
	return Report{State: state, Checks: statuses}
}

func runOne(ctx context.Context, name string, c check, timeout time.Duration) (st Status) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			st = Status{Healthy: false, Detail: fmt.Sprintf("check panicked: %v", rec)}
		}
		st.Name = name
		st.Critical = c.critical
		st.LatencyMs = time.Since(start).Milliseconds()
	}()
	return c.fn(ctx)
}
