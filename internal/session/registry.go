package session

import (
	"sync"
	"time"
)

// Factory builds the controller for a session ID.
type Factory func(id string) *Controller

// Registry keeps one controller per live session.
type Registry struct {
	mu      sync.Mutex
	factory Factory
	entries map[string]*registryEntry
	now     func() time.Time
}

type registryEntry struct {
	controller *Controller
	lastSeen   time.Time
}

func NewRegistry(factory Factory) *Registry {
	return &Registry{
		factory: factory,
		entries: make(map[string]*registryEntry),
		now:     time.Now,
	}
}

// Get returns the controller for id, creating it on first use.
func (r *Registry) Get(id string) *Controller {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		e = &registryEntry{controller: r.factory(id)}
		r.entries[id] = e
	}
	e.lastSeen = r.now()
	return e.controller
}

// Lookup returns the controller for id without creating one.
func (r *Registry) Lookup(id string) (*Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.controller, true
}

// Prune drops controllers idle for longer than idle that have no pipeline in
// flight. It returns how many were dropped.
func (r *Registry) Prune(idle time.Duration) int {
	cutoff := r.now().Add(-idle)
	r.mu.Lock()
	defer r.mu.Unlock()
	dropped := 0
	for id, e := range r.entries {
		if e.lastSeen.Before(cutoff) && !e.controller.Running() {
			delete(r.entries, id)
			dropped++
		}
	}
	return dropped
}

// Len reports how many controllers are live.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Wait blocks until every live controller's pipelines have returned.
func (r *Registry) Wait() {
	r.mu.Lock()
	controllers := make([]*Controller, 0, len(r.entries))
	for _, e := range r.entries {
		controllers = append(controllers, e.controller)
	}
	r.mu.Unlock()
	for _, c := range controllers {
		c.Wait()
	}
}
