// Package reconciler schedules convergence passes.
//
// Two ingestion modes feed the same Converger. The StackManager pulls each
// stack on its interval (or on a watched change), imports a new revision into
// the store and converges the stack's duties. The QueueManager consumes queue
// messages, asks the queue's message handler which duties and rosters to
// converge, and acknowledges the message once the reconciliation is recorded.
//
// Every pass is recorded as a reconciliation, whether it converged, failed,
// left work pending or found nothing to do.
package reconciler
