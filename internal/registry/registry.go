// Package registry keeps the process-wide table of managed containers and
// serializes operations on the same container name.
package registry

import (
	"maps"
	"slices"
	"sync"

	"github.com/containerd/log"
	"github.com/moby/locker"
)

// Entry is a registered controller.
type Entry interface {
	// Name is the deterministic container name.
	Name() string
	// ContainerID is the current engine ID, empty when no container exists.
	ContainerID() string
}

// Registry maps container names to controllers. Lookups by ID fall back to a
// scan since IDs change on every recreate.
type Registry[T Entry] struct {
	mu      sync.RWMutex
	entries map[string]T

	locks *locker.Locker
}

// New returns an empty registry.
func New[T Entry]() *Registry[T] {
	return &Registry[T]{
		entries: map[string]T{},
		locks:   locker.New(),
	}
}

// Register adds or replaces the controller for its name.
func (r *Registry[T]) Register(e T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[e.Name()]; ok {
		log.L.WithField("container", e.Name()).Debug("replacing registered controller")
	}
	r.entries[e.Name()] = e
}

// Unregister removes name.
func (r *Registry[T]) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, name)
}

// Get returns the controller for name.
func (r *Registry[T]) Get(name string) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

// Resolve finds a controller by container name, falling back to the
// container ID.
func (r *Registry[T]) Resolve(name, id string) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[name]; ok {
		return e, true
	}
	if id != "" {
		for _, e := range r.entries {
			if e.ContainerID() == id {
				return e, true
			}
		}
	}
	var zero T
	return zero, false
}

// List returns every controller ordered by name.
func (r *Registry[T]) List() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]T, 0, len(r.entries))
	for _, name := range slices.Sorted(maps.Keys(r.entries)) {
		out = append(out, r.entries[name])
	}
	return out
}

// Lock takes the exclusive lock of name. Names need not be registered.
func (r *Registry[T]) Lock(name string) {
	r.locks.Lock(name)
}

// Unlock releases the lock of name.
func (r *Registry[T]) Unlock(name string) {
	if err := r.locks.Unlock(name); err != nil {
		log.L.WithError(err).WithField("container", name).Error("unlock of unlocked name")
	}
}
