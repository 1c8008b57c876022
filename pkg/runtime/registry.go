// Package runtime provides the single-writer coordinator registry: one
// live instance per deterministic key, each serializing its own
// operations. Reads are served by the same instance, so every caller
// observes the coordinator's writes in order.
package runtime

import "sync"

// Registry maps deterministic keys to their single live coordinator.
// The uniqueness domain is this process; node placement is the
// deployment's concern.
type Registry[T any] struct {
	mu        sync.Mutex
	instances map[string]T
}

// NewRegistry creates an empty registry.
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{instances: make(map[string]T)}
}

// Get returns the instance for key, constructing it with factory on first
// touch. Concurrent callers for the same key always receive the same
// instance.
func (r *Registry[T]) Get(key string, factory func() T) T {
	r.mu.Lock()
	defer r.mu.Unlock()
	if inst, ok := r.instances[key]; ok {
		return inst
	}
	inst := factory()
	r.instances[key] = inst
	return inst
}

// Peek returns the instance for key without creating one.
func (r *Registry[T]) Peek(key string) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[key]
	return inst, ok
}

// Len reports how many coordinators are live.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.instances)
}
