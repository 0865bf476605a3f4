// Package messages turns queue messages into convergence requests.
//
// A queue names its message handler; the handler reads the message and its
// queue's handler config and returns which duties and rosters to converge.
// Three handlers are built in:
//
//	json      the payload is the request itself
//	starlark  a script in handler_config.script sets duties, rosters, revision and reason
//	rego      a policy in handler_config.policy decides the request
//
// A request with no duties is a full resync. Errors are validation errors:
// the message is recorded as a failed reconciliation and acknowledged, since
// redelivering it would fail the same way.
package messages
