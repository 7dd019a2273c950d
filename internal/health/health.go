// Package health checks the backing services escrowd depends on.
package health

import (
	"context"
	"sync"
	"time"
)

// DefaultTimeout bounds a single check.
const DefaultTimeout = 2 * time.Second

// Status represents the health of a single dependency.
type Status struct {
	Name     string `json:"name"`
	Healthy  bool   `json:"healthy"`
	Critical bool   `json:"critical"`
	Detail   string `json:"detail,omitempty"`
	Latency  int64  `json:"latencyMs"`
}

// PingFunc reports whether a dependency answers.
type PingFunc func(ctx context.Context) error

type check struct {
	name     string
	critical bool
	ping     PingFunc
}

// Registry holds named dependency checks and runs them on demand.
type Registry struct {
	mu      sync.RWMutex
	checks  []check
	timeout time.Duration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{timeout: DefaultTimeout}
}

// WithTimeout overrides the per-check timeout.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	r.timeout = d
	return r
}

// Register adds a check. A failing critical check makes the service not
// ready; a failing non-critical one only degrades it. The run lock and
// the notification sink fail open, so they register as non-critical.
func (r *Registry) Register(name string, critical bool, ping PingFunc) {
	r.mu.Lock()
	r.checks = append(r.checks, check{name: name, critical: critical, ping: ping})
	r.mu.Unlock()
}

// Report is the aggregate result of CheckAll.
type Report struct {
	Ready    bool     `json:"ready"`
	Degraded bool     `json:"degraded"`
	Checks   []Status `json:"checks"`
}

// CheckAll runs every check concurrently.
func (r *Registry) CheckAll(ctx context.Context) Report {
	r.mu.RLock()
	checks := make([]check, len(r.checks))
	copy(checks, r.checks)
	timeout := r.timeout
	r.mu.RUnlock()

	statuses := make([]Status, len(checks))
	var wg sync.WaitGroup
	for i, c := range checks {
		wg.Add(1)
		go func(i int, c check) {
			defer wg.Done()
			statuses[i] = run(ctx, c, timeout)
		}(i, c)
	}
	wg.Wait()

	rep := Report{Ready: true, Checks: statuses}
	for _, s := range statuses {
		if s.Healthy {
			continue
		}
		if s.Critical {
			rep.Ready = false
		} else {
			rep.Degraded = true
		}
	}
	return rep
}

func run(ctx context.Context, c check, timeout time.Duration) Status {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := c.ping(ctx)
	st := Status{
		Name:     c.name,
		Critical: c.critical,
		Healthy:  err == nil,
		Latency:  time.Since(start).Milliseconds(),
	}
	if err != nil {
		st.Detail = err.Error()
	}
	return st
}
