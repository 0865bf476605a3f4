// Package stores provides the durable state store for g8r.
//
// Two implementations share one SQL core: SQLite (modernc.org/sqlite, the
// default, single file with WAL) and PostgreSQL (pgx). Both are migrated with
// golang-migrate from embedded SQL files.
//
// The store is the only shared mutable resource of the engine. The at most
// one running execution per (duty, roster) pair is a partial unique index on
// duty_executions, so two engines sharing a database cannot both hold the
// pair lock. Completing an execution, updating the pair state and re-deriving
// the duty's aggregated status happen in one transaction.
package stores
