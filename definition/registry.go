package definition

import (
	"fmt"
	"sync"

	"github.com/cascadehq/cascade"
)

// Registry maps workflow type names to validated definitions.
// It is safe for concurrent use; lookups take a read lock only.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewRegistry creates an empty definition registry.
func NewRegistry() *Registry {
	return &Registry{
		defs: make(map[string]*Definition),
	}
}

// Register validates and stores a workflow definition. The definition is
// rejected atomically with a *ValidationError if any trigger targets an
// unknown step, a retry policy declares maxAttempts < 1, a delay is
// negative, or the entry step is missing.
//
// Re-registering an already-registered type fails with
// cascade.ErrDuplicateDefinition; definitions are immutable once stored.
func (r *Registry) Register(d *Definition) error {
	if d == nil {
		return &ValidationError{Reason: "nil definition"}
	}
	if err := validate(d); err != nil {
		return err
	}
	stored := normalize(d)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[stored.Type]; exists {
		return fmt.Errorf("%w: %q", cascade.ErrDuplicateDefinition, stored.Type)
	}
	r.defs[stored.Type] = stored
	return nil
}

// Lookup returns the definition for the given workflow type.
// Fails with cascade.ErrDefinitionNotFound if the type is unregistered.
// The returned definition is shared and must not be mutated.
func (r *Registry) Lookup(workflowType string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[workflowType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", cascade.ErrDefinitionNotFound, workflowType)
	}
	return d, nil
}

// Types returns all registered workflow type names.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.defs))
	for t := range r.defs {
		types = append(types, t)
	}
	return types
}
