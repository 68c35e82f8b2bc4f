package circuitbreaker

import "sync"

// Registry holds one breaker per key, created on first use.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	config   Config
}

// NewRegistry creates a registry whose breakers share cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		config:   cfg,
	}
}

// Get returns the breaker for key.
func (r *Registry) Get(key string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[key]
	if !ok {
		b = New(r.config)
		r.breakers[key] = b
	}
	return b
}

// Stats holds registry statistics.
type Stats struct {
	Total int
	Open  int
}

// Stats counts breakers that are currently rejecting calls.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := Stats{Total: len(r.breakers)}
	for _, b := range r.breakers {
		if b.State() == Open {
			stats.Open++
		}
	}
	return stats
}
