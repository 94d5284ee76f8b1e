package connection

import "sync"

// Registry collects release functions for every timer, interval, and
// socket an adapter acquires, so that teardown can guarantee release
// on all exit paths. Unmount, explicit disconnect, and session switch
// each drain the registry.
type Registry struct {
	mu      sync.Mutex
	release []func()
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add registers a release function. Release functions must be safe to
// call more than once.
func (r *Registry) Add(fn func()) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.release = append(r.release, fn)
}

// ReleaseAll runs every registered release function in reverse
// acquisition order and clears the registry.
func (r *Registry) ReleaseAll() {
	r.mu.Lock()
	fns := r.release
	r.release = nil
	r.mu.Unlock()

	for i := len(fns) - 1; i >= 0; i-- {
		fns[i]()
	}
}

// Len reports how many releases are pending. Used by tests to verify
// each teardown path drains the registry.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.release)
}
