package resilience

import "sync"

// Registry is a process-wide, name-keyed set of circuit breakers. Call
// sites that share a dependency (e.g. all Deepgram STT calls) should pull
// their breaker from the same Registry instance so failures anywhere
// against that dependency count toward the same threshold.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{breakers: make(map[string]*Breaker)}
}

// Get returns the named breaker, creating it with default settings on
// first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := NewBreaker(name)
	r.breakers[name] = b
	return b
}

// GetOrCreate returns the named breaker, or creates one via factory if it
// doesn't exist yet. Useful when a call site needs non-default
// thresholds the first time it registers.
func (r *Registry) GetOrCreate(name string, factory func() *Breaker) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := factory()
	r.breakers[name] = b
	return b
}

// Status returns a point-in-time snapshot of every registered breaker,
// keyed by name.
func (r *Registry) Status() map[string]Status {
	r.mu.Lock()
	names := make([]string, 0, len(r.breakers))
	breakers := make([]*Breaker, 0, len(r.breakers))
	for name, b := range r.breakers {
		names = append(names, name)
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	out := make(map[string]Status, len(names))
	for i, name := range names {
		out[name] = breakers[i].status()
	}
	return out
}

// Reset forces the named breaker closed. Reports whether it existed.
func (r *Registry) Reset(name string) bool {
	r.mu.Lock()
	b, ok := r.breakers[name]
	r.mu.Unlock()
	if !ok {
		return false
	}
	b.Reset()
	return true
}

// Default is the process-wide breaker registry used by providers and
// adapters that don't construct their own.
var Default = NewRegistry()
