package job

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrDuplicateJob = errors.New("job already registered")
	ErrUnknownJob   = errors.New("unknown job")
)

// Registry holds the full set of job definitions for a scheduler instance.
// Registration happens during startup; lookups after that are read-only.
type Registry struct {
	mu    sync.RWMutex
	byID  map[string]Definition
	order []string
}

func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]Definition)}
}

// Register validates and stores a definition. Duplicate IDs are rejected.
func (r *Registry) Register(d Definition) error {
	if err := d.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[d.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, d.ID)
	}
	r.byID[d.ID] = d
	r.order = append(r.order, d.ID)
	return nil
}

// Get returns the definition for id.
func (r *Registry) Get(id string) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byID[id]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	return d, nil
}

// List returns all definitions in registration order.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
