// Package engine provides the core types and the duty execution engine for g8r.
//
// # Overview
//
// g8r converges declared state onto deployment targets. A Duty declares
// desired state; a Roster is a target environment described by capability
// traits. For every reconciliation pass the engine:
//
//  1. Selects the rosters each duty applies to (RosterSelector)
//  2. Orders the duties of each roster by depends_on (DAGBuilder, Plan)
//  3. Dispatches every (duty, roster) pair to its handler (Dispatcher, Executor)
//  4. Records each execution and the pair's new phase atomically (StateStore)
//
// # Handlers
//
// Backends implement the Handler interface and are registered by duty type
// and backend:
//
//	registry := engine.NewRegistry()
//	registry.MustRegister("echo", "local", echo.New(logger))
//
// A handler is only invoked for rosters carrying all of its
// RequiredRosterTraits; otherwise the execution fails with
// CAPABILITY_MISMATCH without calling it.
//
// # Execution
//
// An execution holds the (duty, roster) lock for its whole lifetime: the
// store refuses a second running execution for the same pair, and the
// executor reports that as a skip. Handler errors classified as transient or
// throttled are retried by the RetryPolicy; everything else is terminal.
//
// Apply results declare a phase. deployed is terminal success; pending and
// pending_validation are persisted but leave convergence to a later pass.
//
// # Ordering
//
// Within a pass a unit starts only after all of its dependencies reached
// deployed in the same pass, or were already deployed when the pass is
// scoped. When a dependency fails its dependents are recorded as
// dependency_failed without being attempted. Ready units are dispatched in
// ascending (duty name, roster name) order.
//
// Destroy passes use the reversed edges: dependents are removed first.
package engine
