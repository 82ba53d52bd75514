// Package plugins defines the capability interfaces the core calls
// into for domain-specific work and the registry binding each domain
// to its plugin triple. The core never reflects on implementations
// beyond these contracts.
package plugins

import (
	"context"
	"fmt"
	"sync"
)

// Optimizer produces improved parameters for a domain. seed pins the
// run's randomness so any node can reproduce it.
type Optimizer interface {
	Optimize(ctx context.Context, seed uint64, baseline []byte) (parameters []byte, metric float64, err error)
}

// Inferrer runs inference with a parameter set and reports the
// measured metric.
type Inferrer interface {
	Infer(ctx context.Context, parameters []byte, data []byte) (metric float64, err error)
}

// SyntheticGenerator produces evaluation data from a seed. Each
// evaluator in a quorum uses a different seed, so an optimizer cannot
// pre-train on the verification data.
type SyntheticGenerator interface {
	GenerateSynthetic(ctx context.Context, seed uint64, size int) (data []byte, err error)
}

// Capabilities is the plugin triple registered per domain. The
// synthetic generator may be nil; such domains carry reduced
// verification strength in the weight model.
type Capabilities struct {
	Optimizer Optimizer
	Inferrer  Inferrer
	Synthetic SyntheticGenerator
}

// Domain is the immutable descriptor for a model being optimized.
// Registered at startup; never removed once referenced by chain state.
type Domain struct {
	ID                string  `json:"id"`
	Name              string  `json:"name"`
	PerformanceMetric string  `json:"performance_metric"`
	HigherIsBetter    bool    `json:"higher_is_better"`
	BaseWeight        float64 `json:"base_weight"`
}

// Registry maps domain ids to their descriptors and capabilities.
type Registry struct {
	mu      sync.RWMutex
	domains map[string]Domain
	caps    map[string]Capabilities
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		domains: make(map[string]Domain),
		caps:    make(map[string]Capabilities),
	}
}

// Register installs a domain and its plugin triple. Re-registering an
// existing domain id is an error; descriptors are immutable.
func (r *Registry) Register(d Domain, caps Capabilities) error {
	if d.ID == "" {
		return fmt.Errorf("domain id must not be empty")
	}
	if d.BaseWeight <= 0 {
		return fmt.Errorf("domain %s weight must be positive", d.ID)
	}
	if caps.Optimizer == nil || caps.Inferrer == nil {
		return fmt.Errorf("domain %s requires optimizer and inferrer plugins", d.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.domains[d.ID]; exists {
		return fmt.Errorf("domain %s already registered", d.ID)
	}
	r.domains[d.ID] = d
	r.caps[d.ID] = caps
	return nil
}

// Domain returns a domain descriptor.
func (r *Registry) Domain(id string) (Domain, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.domains[id]
	return d, ok
}

// Capabilities returns a domain's plugin triple.
func (r *Registry) Capabilities(id string) (Capabilities, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caps[id]
	return c, ok
}

// HasSynthetic reports whether a domain has a synthetic generator.
func (r *Registry) HasSynthetic(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caps[id]
	return ok && c.Synthetic != nil
}

// DomainIDs lists all registered domain ids.
func (r *Registry) DomainIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.domains))
	for id := range r.domains {
		out = append(out, id)
	}
	return out
}
