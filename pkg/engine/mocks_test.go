package engine

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// mockStore is an in-memory StateStore.
type mockStore struct {
	mu          sync.Mutex
	rosters     []*Roster
	duties      []*Duty
	targets     map[string]*DutyTarget
	running     map[string]string
	executions  []*DutyExecution
	completed   int
	beginErr    error
	completeErr error
}

func newMockStore() *mockStore {
	return &mockStore{
		targets: make(map[string]*DutyTarget),
		running: make(map[string]string),
	}
}

func (m *mockStore) ListRosters(_ context.Context) ([]*Roster, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Roster(nil), m.rosters...), nil
}

func (m *mockStore) ListDuties(_ context.Context) ([]*Duty, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Duty(nil), m.duties...), nil
}

func (m *mockStore) GetTarget(_ context.Context, duty, roster string) (*DutyTarget, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.targets[unitKey(duty, roster)]
	if !ok {
		return nil, NewNotFoundError("target", unitKey(duty, roster))
	}
	cp := *t
	return &cp, nil
}

func (m *mockStore) BeginExecution(_ context.Context, exec *DutyExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.beginErr != nil {
		return m.beginErr
	}
	key := unitKey(exec.Duty, exec.Roster)
	if id, ok := m.running[key]; ok {
		return NewLockContentionError(exec.Duty, exec.Roster, nil).WithDetail("execution_id", id)
	}
	m.running[key] = exec.ID
	m.executions = append(m.executions, exec)
	return nil
}

func (m *mockStore) CompleteExecution(_ context.Context, exec *DutyExecution, target *DutyTarget) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.completeErr != nil {
		return m.completeErr
	}
	key := unitKey(exec.Duty, exec.Roster)
	if m.running[key] != exec.ID {
		return NewConflictError(fmt.Sprintf("execution %s is not running", exec.ID), nil)
	}
	delete(m.running, key)
	cp := *target
	m.targets[key] = &cp
	m.completed++
	return nil
}

// setTarget seeds the state of a pair.
func (m *mockStore) setTarget(duty, roster string, phase Phase, outputs map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.targets[unitKey(duty, roster)] = &DutyTarget{Duty: duty, Roster: roster, Phase: phase, Outputs: outputs}
}

// hold marks the pair as having an execution in flight.
func (m *mockStore) hold(duty, roster string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running[unitKey(duty, roster)] = "held"
}

func (m *mockStore) target(duty, roster string) *DutyTarget {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.targets[unitKey(duty, roster)]
}

// mockHandler serves duty type "mock" and records every call.
type mockHandler struct {
	mu          sync.Mutex
	traits      []string
	validateErr error
	applyErrs   map[string][]error
	phase       Phase
	outputs     map[string]interface{}
	destroyErr  error
	delay       time.Duration
	calls       []string
	seen        []*Duty
	active      int
	maxActive   int
}

func newMockHandler() *mockHandler {
	return &mockHandler{applyErrs: make(map[string][]error)}
}

func (h *mockHandler) Name() string                   { return "mock" }
func (h *mockHandler) SupportedDutyTypes() []string   { return []string{"mock"} }
func (h *mockHandler) RequiredRosterTraits() []string { return h.traits }

func (h *mockHandler) Validate(_ context.Context, _ *Roster, _ *Duty) error {
	return h.validateErr
}

func (h *mockHandler) Apply(_ context.Context, roster *Roster, duty *Duty) (*HandlerResult, error) {
	h.enter("apply", roster, duty)
	defer h.leave()

	h.mu.Lock()
	defer h.mu.Unlock()
	key := unitKey(duty.Name, roster.Name)
	if errs := h.applyErrs[key]; len(errs) > 0 {
		h.applyErrs[key] = errs[1:]
		return nil, errs[0]
	}
	return &HandlerResult{Phase: h.phase, Message: "ok", Outputs: h.outputs}, nil
}

func (h *mockHandler) Destroy(_ context.Context, roster *Roster, duty *Duty) error {
	h.enter("destroy", roster, duty)
	defer h.leave()
	return h.destroyErr
}

func (h *mockHandler) enter(op string, roster *Roster, duty *Duty) {
	h.mu.Lock()
	h.calls = append(h.calls, op+":"+unitKey(duty.Name, roster.Name))
	h.seen = append(h.seen, duty)
	h.active++
	if h.active > h.maxActive {
		h.maxActive = h.active
	}
	delay := h.delay
	h.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
}

func (h *mockHandler) leave() {
	h.mu.Lock()
	h.active--
	h.mu.Unlock()
}

// failApply queues errors returned by successive applies of the pair.
func (h *mockHandler) failApply(duty, roster string, errs ...error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.applyErrs[unitKey(duty, roster)] = append(h.applyErrs[unitKey(duty, roster)], errs...)
}

func (h *mockHandler) getCalls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

func mockDuty(name string, deps ...string) *Duty {
	return &Duty{Name: name, Type: "mock", Backend: "test", DependsOn: deps}
}

func fastRetry(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}
