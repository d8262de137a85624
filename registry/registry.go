// Package registry provides a generic thread-safe component registry used
// for LLM providers and tools.
package registry

import (
	"fmt"
	"sort"
	"sync"
)

// Registry is the interface implemented by all component registries.
type Registry[T any] interface {
	Register(name string, component T) error
	Get(name string) (T, bool)
	List() []string
	Remove(name string) bool
	Count() int
}

// BaseRegistry is a map-backed Registry implementation.
type BaseRegistry[T any] struct {
	mu         sync.RWMutex
	components map[string]T
}

// NewBaseRegistry creates an empty registry.
func NewBaseRegistry[T any]() *BaseRegistry[T] {
	return &BaseRegistry[T]{components: make(map[string]T)}
}

// Register adds a component under a unique name.
func (r *BaseRegistry[T]) Register(name string, component T) error {
	if name == "" {
		return fmt.Errorf("component name cannot be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.components[name]; exists {
		return fmt.Errorf("component already registered: %s", name)
	}
	r.components[name] = component
	return nil
}

// Get returns the component registered under name.
func (r *BaseRegistry[T]) Get(name string) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.components[name]
	return c, ok
}

// List returns registered names in sorted order.
func (r *BaseRegistry[T]) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.components))
	for name := range r.components {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Remove deletes a component. Returns false if it was not registered.
func (r *BaseRegistry[T]) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.components[name]; !ok {
		return false
	}
	delete(r.components, name)
	return true
}

// Count returns the number of registered components.
func (r *BaseRegistry[T]) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.components)
}
