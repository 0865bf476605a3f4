package messages

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/g8r/g8r/pkg/engine"
)

// Registry maps message handler names to implementations.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]engine.MessageHandler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]engine.MessageHandler)}
}

// DefaultRegistry returns a registry holding the json, starlark and rego handlers.
func DefaultRegistry(logger zerolog.Logger) *Registry {
	r := NewRegistry()
	for _, h := range []engine.MessageHandler{
		NewJSONHandler(),
		NewStarlarkHandler(logger, 0),
		NewRegoHandler(logger),
	} {
		// Names are distinct, so registration cannot fail.
		_ = r.Register(h)
	}
	return r
}

// Register adds a handler under its name.
func (r *Registry) Register(h engine.MessageHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := h.Name()
	if name == "" {
		return engine.NewConfigurationError("message handler name is empty", nil)
	}
	if _, exists := r.handlers[name]; exists {
		return engine.NewConfigurationError(fmt.Sprintf("message handler %s already registered", name), nil).
			WithCode(engine.ErrCodeAlreadyExists).
			WithResource(name)
	}
	r.handlers[name] = h
	return nil
}

// Lookup returns the named handler or a NotFound error.
func (r *Registry) Lookup(name string) (engine.MessageHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[name]
	if !ok {
		return nil, engine.NewNotFoundError("message handler", name)
	}
	return h, nil
}

// Names returns the registered handler names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
