package sim

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrFactoryExists is returned when registering a duplicate kind.
	ErrFactoryExists = errors.New("environment kind already registered")

	// ErrUnknownKind is returned when no factory serves a kind.
	ErrUnknownKind = errors.New("unknown environment kind")
)

// Registry maps environment kinds to their factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds f under f.Kind().
func (r *Registry) Register(f Factory) error {
	if f == nil {
		return fmt.Errorf("factory is nil")
	}
	kind := f.Kind()
	if kind == "" {
		return fmt.Errorf("factory kind is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[kind]; exists {
		return fmt.Errorf("%w: %s", ErrFactoryExists, kind)
	}
	r.factories[kind] = f
	return nil
}

// Get returns the factory for kind.
func (r *Registry) Get(kind string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return f, nil
}

// Kinds lists the registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
