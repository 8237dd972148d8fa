// Package health runs dependency probes for the readiness and health
// endpoints.
package health

import (
	"context"
	"sync"
	"time"
)

// DefaultTimeout bounds a single probe.
const DefaultTimeout = 2 * time.Second

// Status is the result of one probe.
type Status struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Critical  bool   `json:"critical"`
	Detail    string `json:"detail,omitempty"`
	LatencyMS int64  `json:"latencyMs"`
}

// Checker probes one dependency. A nil error means healthy.
type Checker func(ctx context.Context) error

type probe struct {
	name     string
	check    Checker
	critical bool
}

// Registry holds probes and runs them concurrently.
type Registry struct {
	mu      sync.RWMutex
	probes  []probe
	timeout time.Duration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{timeout: DefaultTimeout}
}

// WithTimeout overrides the per-probe timeout.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	r.timeout = d
	return r
}

// Register adds a critical probe. A failing critical probe makes the
// service unready.
func (r *Registry) Register(name string, check Checker) {
	r.add(probe{name: name, check: check, critical: true})
}

// RegisterOptional adds a probe that is reported but never fails readiness.
func (r *Registry) RegisterOptional(name string, check Checker) {
	r.add(probe{name: name, check: check})
}

func (r *Registry) add(p probe) {
	r.mu.Lock()
	r.probes = append(r.probes, p)
	r.mu.Unlock()
}

// CheckAll runs every probe and reports whether all critical ones passed.
// Statuses come back in registration order.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	probes := append([]probe(nil), r.probes...)
	r.mu.RUnlock()

	statuses = make([]Status, len(probes))
	var wg sync.WaitGroup
	for i, p := range probes {
		wg.Add(1)
		go func(i int, p probe) {
			defer wg.Done()
			statuses[i] = r.run(ctx, p)
		}(i, p)
	}
	wg.Wait()

	healthy = true
	for _, st := range statuses {
		if st.Critical && !st.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}

func (r *Registry) run(ctx context.Context, p probe) (st Status) {
	st = Status{Name: p.name, Critical: p.critical}
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			st.Healthy = false
			st.Detail = "probe panicked"
		}
		st.LatencyMS = time.Since(start).Milliseconds()
	}()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := p.check(ctx); err != nil {
		st.Detail = err.Error()
		return st
	}
	st.Healthy = true
	return st
}
