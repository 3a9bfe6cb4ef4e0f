// internal/breaker/registry.go
package breaker

import (
	"sync"
)

// Registry deduplicates breaker instances by operation name so that
// unrelated call sites sharing a name share fate. All "page_load" calls
// across extractors hit one breaker: repeated failures against one slow
// platform teach every caller at once.
//
// The registry is constructed by the top-level orchestrator and passed
// to components that need it; there is no package-level instance.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	defaults Config
}

// NewRegistry creates a registry whose lazily created breakers use the
// supplied defaults.
func NewRegistry(defaults Config) *Registry {
	return &Registry{
		breakers: make(map[string]*CircuitBreaker),
		defaults: defaults,
	}
}

// Get returns the breaker for name, creating it with the registry
// defaults on first reference.
func (r *Registry) Get(name string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	cb := New(name, r.defaults)
	r.breakers[name] = cb
	return cb
}

// GetWithConfig returns the breaker for name, creating it with config on
// first reference. An existing breaker keeps its original config.
func (r *Registry) GetWithConfig(name string, config Config) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	cb := New(name, config)
	r.breakers[name] = cb
	return cb
}

// AllStats returns snapshots for every registered breaker.
func (r *Registry) AllStats() map[string]Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := make(map[string]Stats, len(r.breakers))
	for name, cb := range r.breakers {
		stats[name] = cb.GetStats()
	}
	return stats
}

// ResetAll resets every registered breaker to closed.
func (r *Registry) ResetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, cb := range r.breakers {
		cb.Reset()
	}
}
