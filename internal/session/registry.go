package session

import (
	"sort"
	"sync"
)

// Registry holds one reference-counted Controller per generation target, so a generation keeps
// running while no view is attached and a view that comes back finds it again.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	newCtrl func(target string) *Controller
}

type entry struct {
	ctrl *Controller
	refs int
}

// NewRegistry creates a registry. newCtrl builds the controller for a target on first Acquire.
func NewRegistry(newCtrl func(target string) *Controller) *Registry {
	return &Registry{entries: make(map[string]*entry), newCtrl: newCtrl}
}

// Acquire returns the controller for target, creating it if needed, and takes a reference.
func (r *Registry) Acquire(target string) *Controller {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[target]
	if !ok {
		e = &entry{ctrl: r.newCtrl(target)}
		r.entries[target] = e
		log.Debug("Registry: created controller for %s", target)
	}
	e.refs++
	return e.ctrl
}

// Release drops a reference. When the last reference goes away the controller is cleaned up,
// immediately if idle or once its running generation ends.
func (r *Registry) Release(target string) {
	r.mu.Lock()
	e, ok := r.entries[target]
	if !ok || e.refs == 0 {
		r.mu.Unlock()
		return
	}
	e.refs--
	if e.refs > 0 {
		r.mu.Unlock()
		return
	}
	if e.ctrl.Generating() {
		r.mu.Unlock()
		go func() {
			e.ctrl.Wait()
			r.reap(target, e)
		}()
		return
	}
	delete(r.entries, target)
	r.mu.Unlock()

	log.Debug("Registry: released %s", target)
	e.ctrl.Cleanup()
}

func (r *Registry) reap(target string, e *entry) {
	r.mu.Lock()
	if r.entries[target] != e || e.refs > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.entries, target)
	r.mu.Unlock()

	log.Debug("Registry: released %s after generation ended", target)
	e.ctrl.Cleanup()
}

// Get returns the controller for target without taking a reference.
func (r *Registry) Get(target string) (*Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[target]
	if !ok {
		return nil, false
	}
	return e.ctrl, true
}

// Refs returns the reference count for target.
func (r *Registry) Refs(target string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[target]; ok {
		return e.refs
	}
	return 0
}

// IsGenerating reports whether target has a generation in flight.
func (r *Registry) IsGenerating(target string) bool {
	ctrl, ok := r.Get(target)
	return ok && ctrl.Generating()
}

// Targets lists the registered targets in sorted order.
func (r *Registry) Targets() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.entries))
	for t := range r.entries {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Close cleans up every controller regardless of references.
func (r *Registry) Close() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*entry)
	r.mu.Unlock()

	for _, e := range entries {
		e.ctrl.Cleanup()
	}
}
