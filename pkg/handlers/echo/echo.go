// Package echo provides a handler that converges duties in memory. It backs
// demos and tests: the duty spec controls the phase it reports and the
// failures it injects.
//
//	duties:
//	  - name: greeting
//	    type: echo
//	    backend: local
//	    spec:
//	      message: hello
//	      phase: deployed        # or pending, pending_validation
//	      fail: transient        # or permanent; omit to succeed
//	      fail_times: 2          # transient failures before success
//	      outputs: {url: "https://example.com"}
package echo

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/g8r/g8r/pkg/engine"
)

const (
	// DutyType is the duty type served by the handler.
	DutyType = "echo"

	// Backend is the backend name the handler is registered under.
	Backend = "local"
)

// Handler implements engine.Handler for echo duties.
type Handler struct {
	traits []string
	logger zerolog.Logger

	mu       sync.Mutex
	state    map[string]*resource
	failures map[string]int
}

// resource is the in-memory stand-in for an external resource.
type resource struct {
	creates  int
	applies  int
	destroys int
	exists   bool
}

// New creates an echo handler requiring the given roster traits.
func New(logger zerolog.Logger, requiredTraits ...string) *Handler {
	return &Handler{
		traits:   requiredTraits,
		logger:   logger.With().Str("handler", "echo").Logger(),
		state:    make(map[string]*resource),
		failures: make(map[string]int),
	}
}

// Register adds the handler to the registry under echo/local.
func Register(r *engine.Registry, h *Handler) error {
	return r.Register(DutyType, Backend, h)
}

// Name implements engine.Handler.
func (h *Handler) Name() string { return "echo" }

// SupportedDutyTypes implements engine.Handler.
func (h *Handler) SupportedDutyTypes() []string { return []string{DutyType} }

// RequiredRosterTraits implements engine.Handler.
func (h *Handler) RequiredRosterTraits() []string { return h.traits }

// Validate checks the spec field types.
func (h *Handler) Validate(_ context.Context, _ *engine.Roster, duty *engine.Duty) error {
	if v, ok := duty.Spec["message"]; ok {
		if _, ok := v.(string); !ok {
			return engine.NewValidationError("spec.message must be a string", nil).WithResource(duty.Name)
		}
	}
	if v, ok := duty.Spec["phase"]; ok {
		s, _ := v.(string)
		if !engine.Phase(s).IsHandlerPhase() {
			return engine.NewValidationError(fmt.Sprintf("spec.phase %v is not a handler phase", v), nil).
				WithResource(duty.Name)
		}
	}
	if v, ok := duty.Spec["fail"]; ok {
		switch v {
		case "transient", "permanent":
		default:
			return engine.NewValidationError(fmt.Sprintf("spec.fail %v must be transient or permanent", v), nil).
				WithResource(duty.Name)
		}
	}
	if v, ok := duty.Spec["outputs"]; ok {
		if _, ok := v.(map[string]interface{}); !ok {
			return engine.NewValidationError("spec.outputs must be a map", nil).WithResource(duty.Name)
		}
	}
	return nil
}

// Apply creates the resource unless the prior outputs show it already exists,
// then reports the declared phase.
func (h *Handler) Apply(_ context.Context, roster *engine.Roster, duty *engine.Duty) (*engine.HandlerResult, error) {
	key := duty.Name + "@" + roster.Name

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.injectFailure(key, duty); err != nil {
		return nil, err
	}

	r, ok := h.state[key]
	if !ok {
		r = &resource{}
		h.state[key] = r
	}
	r.applies++

	created, _ := duty.Outputs["created"].(bool)
	if !created || !r.exists {
		r.creates++
		r.exists = true
		h.logger.Debug().Str("duty", duty.Name).Str("roster", roster.Name).Msg("Created resource")
	}

	outputs := map[string]interface{}{"created": true}
	if extra, ok := duty.Spec["outputs"].(map[string]interface{}); ok {
		for k, v := range extra {
			outputs[k] = v
		}
	}

	phase := engine.PhaseDeployed
	if p, ok := duty.Spec["phase"].(string); ok && p != "" {
		phase = engine.Phase(p)
	}
	msg, _ := duty.Spec["message"].(string)

	return &engine.HandlerResult{Phase: phase, Message: msg, Outputs: outputs}, nil
}

// Destroy removes the resource. A resource that does not exist reports NotFound.
func (h *Handler) Destroy(_ context.Context, roster *engine.Roster, duty *engine.Duty) error {
	key := duty.Name + "@" + roster.Name

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.injectFailure(key, duty); err != nil {
		return err
	}

	r, ok := h.state[key]
	if !ok || !r.exists {
		return engine.NewNotFoundError("echo resource", key)
	}
	r.exists = false
	r.destroys++
	return nil
}

// injectFailure returns the failure the spec asks for. Transient failures
// stop after fail_times calls when fail_times is set.
func (h *Handler) injectFailure(key string, duty *engine.Duty) error {
	switch duty.Spec["fail"] {
	case "permanent":
		return engine.NewPermanentError(fmt.Sprintf("injected permanent failure for %s", key), nil).WithResource(duty.Name)
	case "transient":
		limit := toInt(duty.Spec["fail_times"])
		if limit > 0 && h.failures[key] >= limit {
			return nil
		}
		h.failures[key]++
		return engine.NewTransientError(fmt.Sprintf("injected transient failure %d for %s", h.failures[key], key), nil).
			WithResource(duty.Name)
	}
	return nil
}

// Stats reports how often the handler created, applied and destroyed the
// resource of a (duty, roster) pair, and whether it exists.
func (h *Handler) Stats(duty, roster string) (creates, applies, destroys int, exists bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.state[duty+"@"+roster]
	if !ok {
		return 0, 0, 0, false
	}
	return r.creates, r.applies, r.destroys, r.exists
}

func toInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
