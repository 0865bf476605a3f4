package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
)

// PassRequest describes one convergence pass.
type PassRequest struct {
	// ReconciliationID links executions to the reconciliation record.
	ReconciliationID string

	// Operation is apply (the default) or destroy.
	Operation Operation

	// Duties and Rosters are the full known sets. Planning covers the duties
	// connected to Scope, so out-of-scope dependencies are still checked.
	Duties  []*Duty
	Rosters []*Roster

	// Scope restricts execution to these duty names. Empty means all duties.
	Scope []string

	// RosterScope restricts execution to these roster names. Empty means all rosters.
	RosterScope []string
}

// PassResult is the outcome of a convergence pass.
type PassResult struct {
	// Plans holds the resolved plan per roster.
	Plans map[string]*Plan

	// PlanErrors holds the PlanError of each roster that could not be planned.
	PlanErrors map[string]error

	// Duties lists the executed duty names in dispatch order.
	Duties []string

	// Outcomes holds one entry per (duty, roster) unit, in resolution order.
	Outcomes []DutyOutcome

	// Status summarizes the outcomes.
	Status ReconciliationStatus
}

// Dispatcher runs convergence passes: it plans each roster, then executes
// (duty, roster) units concurrently up to a limit, starting a unit only after
// all of its prerequisites converged in the same pass.
type Dispatcher struct {
	store       StateStore
	executor    *Executor
	concurrency int
	logger      zerolog.Logger
}

// NewDispatcher creates a new dispatcher.
func NewDispatcher(store StateStore, executor *Executor, logger zerolog.Logger, concurrency int) *Dispatcher {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Dispatcher{
		store:       store,
		executor:    executor,
		concurrency: concurrency,
		logger:      logger.With().Str("component", "dispatcher").Logger(),
	}
}

// unit is one (duty, roster) pair scheduled in a pass.
type unit struct {
	key    string
	duty   *Duty
	roster *Roster

	// waits holds keys of in-pass prerequisites that have not converged yet
	waits map[string]bool

	// next holds keys of units waiting on this one
	next []string

	done bool
}

func unitKey(duty, roster string) string {
	return duty + "@" + roster
}

// unitResult carries an execution result back to the dispatch loop.
type unitResult struct {
	unit   *unit
	result *ExecutionResult
}

// passState tracks one pass.
type passState struct {
	op       Operation
	units    map[string]*unit
	outcomes []DutyOutcome
	duties   []string
	launched map[string]bool
}

// Plan resolves the dependency plan of every roster. A roster whose duties
// do not resolve is reported in failed and has no plan.
func (d *Dispatcher) Plan(duties []*Duty, rosters []*Roster) (plans map[string]*Plan, failed map[string]error) {
	return planRosters(DutiesByRoster(duties, rosters))
}

func planRosters(grouped map[string][]*Duty) (map[string]*Plan, map[string]error) {
	plans := make(map[string]*Plan, len(grouped))
	failed := make(map[string]error)
	for name, duties := range grouped {
		plan, err := ResolvePlan(name, duties)
		if err != nil {
			failed[name] = err
			continue
		}
		plans[name] = plan
	}
	return plans, failed
}

// Run executes one convergence pass. Only the duties connected to the scope
// are planned. A PlanError fails the in-scope units of its roster; other
// rosters still run. Duty-level failures never abort the pass; they are
// contained in the outcomes and propagated to dependents.
func (d *Dispatcher) Run(ctx context.Context, req PassRequest) (*PassResult, error) {
	op := req.Operation
	if op == "" {
		op = OperationApply
	}

	grouped := DutiesByRoster(reachableDuties(req.Duties, req.Scope), scopedRosters(req.Rosters, req.RosterScope))
	plans, planErrs := planRosters(grouped)

	state := &passState{
		op:       op,
		units:    make(map[string]*unit),
		launched: make(map[string]bool),
	}
	d.failUnplanned(state, req.Scope, grouped, planErrs)

	order, err := d.buildUnits(ctx, state, req, plans)
	if err != nil {
		return &PassResult{Plans: plans, PlanErrors: planErrs, Status: ReconciliationFailed}, err
	}

	d.logger.Debug().
		Str("reconciliation_id", req.ReconciliationID).
		Str("operation", string(op)).
		Int("units", len(order)).
		Int("unplanned_rosters", len(planErrs)).
		Msg("Dispatching convergence pass")

	d.dispatch(ctx, state, order, req.ReconciliationID)

	return &PassResult{
		Plans:      plans,
		PlanErrors: planErrs,
		Duties:     state.duties,
		Outcomes:   state.outcomes,
		Status:     SummarizeOutcomes(state.outcomes),
	}, nil
}

// failUnplanned records a failed outcome for every in-scope unit of a roster
// whose plan did not resolve.
func (d *Dispatcher) failUnplanned(state *passState, scope []string, grouped map[string][]*Duty, planErrs map[string]error) {
	dutyScope := toSet(scope)

	rosterNames := make([]string, 0, len(planErrs))
	for name := range planErrs {
		rosterNames = append(rosterNames, name)
	}
	sort.Strings(rosterNames)

	for _, rosterName := range rosterNames {
		err := planErrs[rosterName]
		d.logger.Warn().Err(err).Str("roster", rosterName).Msg("Roster plan failed")

		names := make([]string, 0, len(grouped[rosterName]))
		for _, duty := range grouped[rosterName] {
			if len(dutyScope) == 0 || dutyScope[duty.Name] {
				names = append(names, duty.Name)
			}
		}
		sort.Strings(names)

		for _, name := range names {
			state.outcomes = append(state.outcomes, DutyOutcome{
				Duty:   name,
				Roster: rosterName,
				Status: OutcomeFailed,
				Reason: ReasonOf(err),
				Error:  err.Error(),
			})
		}
	}
}

// reachableDuties returns the duties connected to scope by dependency edges in
// either direction, in input order. An empty scope reaches every duty.
func reachableDuties(duties []*Duty, scope []string) []*Duty {
	if len(scope) == 0 {
		return duties
	}

	neighbours := make(map[string][]string, len(duties))
	for _, duty := range duties {
		for _, dep := range duty.DependsOn {
			neighbours[duty.Name] = append(neighbours[duty.Name], dep)
			neighbours[dep] = append(neighbours[dep], duty.Name)
		}
	}

	seen := make(map[string]bool)
	queue := append([]string(nil), scope...)
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if seen[name] {
			continue
		}
		seen[name] = true
		queue = append(queue, neighbours[name]...)
	}

	reached := make([]*Duty, 0, len(seen))
	for _, duty := range duties {
		if seen[duty.Name] {
			reached = append(reached, duty)
		}
	}
	return reached
}

func scopedRosters(rosters []*Roster, scope []string) []*Roster {
	if len(scope) == 0 {
		return rosters
	}
	set := toSet(scope)
	scoped := make([]*Roster, 0, len(scope))
	for _, roster := range rosters {
		if set[roster.Name] {
			scoped = append(scoped, roster)
		}
	}
	return scoped
}

// buildUnits creates the in-scope units and wires prerequisite edges. Apply
// waits on dependencies; destroy waits on dependents. Prerequisites outside
// the scope must already be converged in the store.
func (d *Dispatcher) buildUnits(
	ctx context.Context,
	state *passState,
	req PassRequest,
	plans map[string]*Plan,
) ([]*unit, error) {
	dutyScope := toSet(req.Scope)

	dutyIndex := make(map[string]*Duty, len(req.Duties))
	for _, duty := range req.Duties {
		dutyIndex[duty.Name] = duty
	}
	rosterIndex := make(map[string]*Roster, len(req.Rosters))
	for _, roster := range req.Rosters {
		rosterIndex[roster.Name] = roster
	}

	rosterNames := make([]string, 0, len(plans))
	for name := range plans {
		rosterNames = append(rosterNames, name)
	}
	sort.Strings(rosterNames)

	var order []*unit
	for _, rosterName := range rosterNames {
		plan := plans[rosterName]
		for _, dutyName := range plan.Order {
			if len(dutyScope) > 0 && !dutyScope[dutyName] {
				continue
			}
			u := &unit{
				key:    unitKey(dutyName, rosterName),
				duty:   dutyIndex[dutyName],
				roster: rosterIndex[rosterName],
				waits:  make(map[string]bool),
			}
			state.units[u.key] = u
			order = append(order, u)
		}
	}

	var blocked []pendingResolution
	for _, u := range order {
		plan := plans[u.roster.Name]
		prereqs := plan.Dependencies[u.duty.Name]
		if state.op == OperationDestroy {
			prereqs = plan.Dependents[u.duty.Name]
		}

		for _, p := range prereqs {
			pk := unitKey(p, u.roster.Name)
			if pu, ok := state.units[pk]; ok {
				u.waits[pk] = true
				pu.next = append(pu.next, u.key)
				continue
			}

			status, err := d.externalPrerequisite(ctx, state.op, p, u.roster.Name)
			if err != nil {
				return nil, err
			}
			if status != OutcomeSucceeded {
				blocked = append(blocked, pendingResolution{unit: u, prerequisite: p, status: status})
			}
		}
	}

	for _, b := range blocked {
		d.propagate(state, b.unit, b.prerequisite, b.status)
	}

	return order, nil
}

// pendingResolution is a unit whose out-of-scope prerequisite has not converged.
type pendingResolution struct {
	unit         *unit
	prerequisite string
	status       OutcomeStatus
}

// externalPrerequisite reports the stored state of a prerequisite outside the pass
// as the outcome it would have produced.
func (d *Dispatcher) externalPrerequisite(ctx context.Context, op Operation, duty, roster string) (OutcomeStatus, error) {
	target, err := d.store.GetTarget(ctx, duty, roster)
	if err != nil {
		if !IsNotFound(err) {
			return "", fmt.Errorf("failed to load state of %s on %s: %w", duty, roster, err)
		}
		if op == OperationDestroy {
			return OutcomeSucceeded, nil
		}
		return OutcomePending, nil
	}

	switch {
	case op == OperationApply && target.Phase == PhaseDeployed:
		return OutcomeSucceeded, nil
	case op == OperationDestroy && target.Phase == PhaseAbsent:
		return OutcomeSucceeded, nil
	case target.Phase == PhaseFailed:
		return OutcomeFailed, nil
	default:
		return OutcomePending, nil
	}
}

// dispatch runs ready units concurrently, in (duty, roster) name order, until
// every unit is resolved or ctx is cancelled. In-flight executions always run
// to completion before dispatch returns.
func (d *Dispatcher) dispatch(ctx context.Context, state *passState, order []*unit, reconciliationID string) {
	var ready []*unit
	for _, u := range order {
		if !u.done && len(u.waits) == 0 {
			ready = append(ready, u)
		}
	}
	sortUnits(ready)

	results := make(chan unitResult)
	running := 0

	for {
		for len(ready) > 0 && running < d.concurrency && ctx.Err() == nil {
			u := ready[0]
			ready = ready[1:]
			if u.done {
				continue
			}

			if !state.launched[u.duty.Name] {
				state.launched[u.duty.Name] = true
				state.duties = append(state.duties, u.duty.Name)
			}

			running++
			go func(u *unit) {
				res := d.executor.Execute(ctx, ExecutionRequest{
					Operation:        state.op,
					Roster:           u.roster,
					Duty:             u.duty,
					ReconciliationID: reconciliationID,
				})
				results <- unitResult{unit: u, result: res}
			}(u)
		}

		if running == 0 {
			break
		}

		r := <-results
		running--

		d.resolve(state, r.unit, r.result.ToOutcome(r.unit.duty.Name, r.unit.roster.Name))

		if !converged(state.op, r.result) {
			d.propagateDependents(state, r.unit, r.result.Outcome)
			continue
		}

		for _, nk := range r.unit.next {
			n := state.units[nk]
			if n.done {
				continue
			}
			delete(n.waits, r.unit.key)
			if len(n.waits) == 0 {
				ready = insertSorted(ready, n)
			}
		}
	}

	for _, u := range order {
		if u.done {
			continue
		}
		reason := ErrCodeInternal
		msg := "unit was never dispatched"
		if ctx.Err() != nil {
			reason = ErrCodeCancelled
			msg = "pass cancelled before dispatch"
		}
		d.resolve(state, u, DutyOutcome{
			Duty:   u.duty.Name,
			Roster: u.roster.Name,
			Status: OutcomeSkipped,
			Reason: reason,
			Error:  msg,
		})
	}
}

// resolve records a unit's outcome exactly once.
func (d *Dispatcher) resolve(state *passState, u *unit, outcome DutyOutcome) {
	if u.done {
		return
	}
	u.done = true
	state.outcomes = append(state.outcomes, outcome)
}

// propagate resolves u because prerequisite did not converge, then propagates
// transitively to u's dependents. Failures become DependencyFailed; anything
// else (pending, skipped, blocked) blocks dependents for this pass.
func (d *Dispatcher) propagate(state *passState, u *unit, prerequisite string, status OutcomeStatus) {
	if u.done {
		return
	}

	outcome := DutyOutcome{Duty: u.duty.Name, Roster: u.roster.Name}
	if status.IsFailure() {
		err := NewDependencyFailedError(u.duty.Name, prerequisite)
		outcome.Status = OutcomeDependencyFailed
		outcome.Reason = ErrCodeDependencyFailed
		outcome.Error = err.Error()
	} else {
		outcome.Status = OutcomeBlocked
		outcome.Reason = ErrCodeDependencyPending
		outcome.Error = fmt.Sprintf("dependency %s has not converged", prerequisite)
	}

	d.logger.Debug().
		Str("duty", u.duty.Name).
		Str("roster", u.roster.Name).
		Str("dependency", prerequisite).
		Str("outcome", string(outcome.Status)).
		Msg("Unit not attempted")

	d.resolve(state, u, outcome)
	d.propagateDependents(state, u, outcome.Status)
}

// propagateDependents propagates a non-converged outcome of u to its dependents.
func (d *Dispatcher) propagateDependents(state *passState, u *unit, status OutcomeStatus) {
	for _, nk := range u.next {
		d.propagate(state, state.units[nk], u.duty.Name, status)
	}
}

// converged reports whether the result lets dependent units proceed.
func converged(op Operation, res *ExecutionResult) bool {
	if res.Outcome != OutcomeSucceeded {
		return false
	}
	if op == OperationDestroy {
		return res.Phase == PhaseAbsent
	}
	return res.Phase == PhaseDeployed
}

// sortUnits orders units by duty name, then roster name.
func sortUnits(units []*unit) {
	sort.Slice(units, func(i, j int) bool {
		return unitLess(units[i], units[j])
	})
}

func unitLess(a, b *unit) bool {
	if a.duty.Name != b.duty.Name {
		return a.duty.Name < b.duty.Name
	}
	return a.roster.Name < b.roster.Name
}

// insertSorted inserts u into the sorted ready queue.
func insertSorted(ready []*unit, u *unit) []*unit {
	i := sort.Search(len(ready), func(i int) bool { return unitLess(u, ready[i]) })
	ready = append(ready, nil)
	copy(ready[i+1:], ready[i:])
	ready[i] = u
	return ready
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, item := range items {
		set[item] = true
	}
	return set
}
