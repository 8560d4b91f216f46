package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cascadehq/cascade"
)

// HandlerFunc is a type-erased step handler. It receives the instance's
// shared state as raw JSON and returns the updated state. The typed
// Definition[T] is converted to a HandlerFunc at registration time by
// closing over JSON marshalling + the typed handler.
type HandlerFunc func(ctx context.Context, state []byte) ([]byte, error)

// registered pairs a handler with its per-handler options.
type registered struct {
	fn   HandlerFunc
	opts Options
}

// Registry maps handler names to type-erased step handlers.
// It implements Executor and is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]registered
}

// Compile-time check that Registry implements Executor.
var _ Executor = (*Registry)(nil)

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]registered),
	}
}

// Register adds a raw handler under the given name.
// Fails with cascade.ErrDuplicateHandler if the name is taken.
func (r *Registry) Register(name string, fn HandlerFunc, opts ...Option) error {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("%w: %q", cascade.ErrDuplicateHandler, name)
	}
	r.handlers[name] = registered{fn: fn, opts: o}
	return nil
}

// Get returns the handler for the given name.
// Returns false if no handler is registered.
func (r *Registry) Get(name string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h.fn, ok
}

// Options returns the options the handler was registered with.
// Zero options are returned for unknown names.
func (r *Registry) Options(name string) Options {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[name].opts
}

// Names returns all registered handler names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}

// Execute runs the named handler against the given state.
// Fails with cascade.ErrHandlerNotFound if the name is unregistered;
// the engine classifies that like any other execution failure.
func (r *Registry) Execute(ctx context.Context, handler string, state []byte) ([]byte, error) {
	fn, ok := r.Get(handler)
	if !ok {
		return nil, fmt.Errorf("%w: %q", cascade.ErrHandlerNotFound, handler)
	}
	return fn(ctx, state)
}

// Definition is a typed step handler definition. T is the shared-state type
// (must be JSON-serializable). The handler receives the decoded state and
// returns the updated state; returning an error marks the step failed while
// still persisting the returned state.
type Definition[T any] struct {
	// Name is the unique handler name referenced by step definitions.
	Name string

	// Handler is the function that executes the step.
	Handler func(ctx context.Context, state T) (T, error)

	// Opts configures per-handler execution (timeout).
	Opts Options
}

// NewDefinition creates a typed step handler definition.
func NewDefinition[T any](name string, handler func(ctx context.Context, state T) (T, error), opts ...Option) *Definition[T] {
	def := &Definition[T]{
		Name:    name,
		Handler: handler,
		Opts:    DefaultOptions(),
	}
	for _, opt := range opts {
		opt(&def.Opts)
	}
	return def
}

// RegisterDefinition registers a typed step handler. The generic handler is
// wrapped in a closure that JSON-unmarshals the shared state into T before
// the call and marshals the returned T after, so a failing handler still
// reports its (possibly updated) state.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func RegisterDefinition[T any](r *Registry, def *Definition[T]) error {
	fn := func(ctx context.Context, state []byte) ([]byte, error) {
		var t T
		if len(state) > 0 {
			if err := json.Unmarshal(state, &t); err != nil {
				return nil, fmt.Errorf("unmarshal state for handler %q: %w", def.Name, err)
			}
		}

		out, handlerErr := def.Handler(ctx, t)

		encoded, err := json.Marshal(out)
		if err != nil {
			if handlerErr != nil {
				return nil, fmt.Errorf("marshal state for handler %q after failure: %w", def.Name, handlerErr)
			}
			return nil, fmt.Errorf("marshal state for handler %q: %w", def.Name, err)
		}
		return encoded, handlerErr
	}
	return r.Register(def.Name, fn, withOptions(def.Opts))
}
