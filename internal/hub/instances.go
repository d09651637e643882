package hub

import (
	"context"
	"sync"
)

// Instances holds the process's manager, keyed by credential token. There
// is at most one manager at a time.
type Instances struct {
	base Config

	mu      sync.Mutex
	current *Manager
}

// NewInstances creates an empty registry. Managers it builds use base with
// the requested token.
func NewInstances(base Config) *Instances {
	return &Instances{base: base}
}

// GetOrCreate returns the manager for token. The existing manager is
// returned untouched when its token matches exactly; otherwise it is
// stopped first and a new one is built.
func (r *Instances) GetOrCreate(ctx context.Context, token string) *Manager {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current != nil {
		if r.current.Token() == token {
			return r.current
		}
		r.current.Stop(ctx)
		r.current = nil
	}

	cfg := r.base
	cfg.Token = token
	r.current = NewManager(cfg)
	return r.current
}

// Current returns the live manager, or nil.
func (r *Instances) Current() *Manager {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Destroy stops and forgets the current manager.
func (r *Instances) Destroy(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current == nil {
		return
	}
	r.current.Stop(ctx)
	r.current = nil
}
