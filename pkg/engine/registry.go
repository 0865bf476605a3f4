package engine

import (
	"fmt"
	"sort"
	"sync"
)

// handlerKey identifies a handler registration.
type handlerKey struct {
	dutyType string
	backend  string
}

func (k handlerKey) String() string {
	return k.dutyType + "/" + k.backend
}

// Registry maps a duty's (type, backend) pair to a handler.
type Registry struct {
	mu       sync.RWMutex
	handlers map[handlerKey]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[handlerKey]Handler),
	}
}

// Register binds a handler to a duty type and backend.
// The handler must declare dutyType among its supported duty types.
func (r *Registry) Register(dutyType, backend string, h Handler) error {
	if dutyType == "" || backend == "" {
		return NewConfigurationError("duty type and backend are required to register a handler", nil)
	}
	if h == nil {
		return NewConfigurationError(fmt.Sprintf("nil handler for %s/%s", dutyType, backend), nil)
	}

	supported := false
	for _, t := range h.SupportedDutyTypes() {
		if t == dutyType {
			supported = true
			break
		}
	}
	if !supported {
		return NewConfigurationError(
			fmt.Sprintf("handler %s does not support duty type %s", h.Name(), dutyType), nil,
		)
	}

	key := handlerKey{dutyType: dutyType, backend: backend}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[key]; exists {
		return NewConfigurationError(fmt.Sprintf("handler already registered for %s", key), nil).
			WithCode(ErrCodeAlreadyExists)
	}
	r.handlers[key] = h
	return nil
}

// MustRegister is like Register but panics on error. Intended for static wiring.
func (r *Registry) MustRegister(dutyType, backend string, h Handler) {
	if err := r.Register(dutyType, backend, h); err != nil {
		panic(err)
	}
}

// Lookup returns the handler registered for the duty type and backend.
func (r *Registry) Lookup(dutyType, backend string) (Handler, error) {
	key := handlerKey{dutyType: dutyType, backend: backend}

	r.mu.RLock()
	h, ok := r.handlers[key]
	r.mu.RUnlock()

	if !ok {
		return nil, NewNotFoundError("handler", key.String())
	}
	return h, nil
}

// Resolve looks up the handler for a duty and verifies the roster's capabilities.
// A missing handler is a configuration error; missing traits are a capability mismatch.
func (r *Registry) Resolve(duty *Duty, roster *Roster) (Handler, error) {
	h, err := r.Lookup(duty.Type, duty.Backend)
	if err != nil {
		return nil, NewConfigurationError(
			fmt.Sprintf("no handler for duty %s", duty.Name), err,
		).WithResource(duty.Name)
	}
	if err := CheckCapabilities(h, roster); err != nil {
		return nil, err
	}
	return h, nil
}

// CheckCapabilities verifies the roster's traits are a superset of the handler's required traits.
func CheckCapabilities(h Handler, roster *Roster) error {
	missing := roster.MissingTraits(h.RequiredRosterTraits())
	if len(missing) > 0 {
		return NewCapabilityMismatchError(roster.Name, missing).WithOperation(h.Name())
	}
	return nil
}

// Keys returns the registered "type/backend" keys, sorted.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		keys = append(keys, k.String())
	}
	sort.Strings(keys)
	return keys
}
