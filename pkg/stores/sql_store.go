package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/g8r/g8r/pkg/engine"
)

// dialect captures the differences between the SQL backends.
type dialect struct {
	name string

	// numbered switches ? placeholders to $1, $2, ...
	numbered bool

	// lockClause is appended to SELECTs that must take a row lock.
	lockClause string

	isUniqueViolation func(error) bool
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// sqlStore implements every store operation over database/sql.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
}

func newSQLStore(db *sql.DB, d dialect) *sqlStore {
	return &sqlStore{
		db:      db,
		dialect: d,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// q rewrites placeholders for the dialect.
func (s *sqlStore) q(query string) string {
	if !s.dialect.numbered {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// withTx runs fn in a transaction, committing only if fn succeeds.
func (s *sqlStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *sqlStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// HealthCheck verifies the database is reachable.
func (s *sqlStore) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// jsonCodec encodes and decodes JSON columns, keeping the first error.
type jsonCodec struct {
	err error
}

func (c *jsonCodec) encode(v interface{}) string {
	if c.err != nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		c.err = fmt.Errorf("failed to encode column: %w", err)
		return ""
	}
	return string(b)
}

func (c *jsonCodec) decode(raw string, v interface{}) {
	if c.err != nil || raw == "" || raw == "null" {
		return
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		c.err = fmt.Errorf("failed to decode column: %w", err)
	}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func rowsAffected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// queryStrings reads a single string column and closes the rows before returning.
func (s *sqlStore) queryStrings(ctx context.Context, q querier, query string, args ...interface{}) ([]string, error) {
	rows, err := q.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Roster operations

const rosterColumns = `name, type, traits, connection, auth, stack, created_at, updated_at`

func scanRoster(row rowScanner) (*engine.Roster, error) {
	r := &engine.Roster{}
	var traits, conn, auth string
	if err := row.Scan(&r.Name, &r.Type, &traits, &conn, &auth, &r.Stack, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	var c jsonCodec
	c.decode(traits, &r.Traits)
	c.decode(conn, &r.Connection)
	c.decode(auth, &r.Auth)
	return r, c.err
}

// UpsertRoster creates or replaces a roster definition.
func (s *sqlStore) UpsertRoster(ctx context.Context, roster *engine.Roster) error {
	return s.upsertRoster(ctx, s.db, roster)
}

func (s *sqlStore) upsertRoster(ctx context.Context, q querier, roster *engine.Roster) error {
	if roster.Name == "" || roster.Type == "" {
		return engine.NewConfigurationError("roster name and type are required", nil).WithResource(roster.Name)
	}

	now := s.now()
	if roster.CreatedAt.IsZero() {
		roster.CreatedAt = now
	}
	roster.UpdatedAt = now

	var c jsonCodec
	traits := c.encode(roster.Traits)
	conn := c.encode(roster.Connection)
	auth := c.encode(roster.Auth)
	if c.err != nil {
		return c.err
	}

	query := `
		INSERT INTO rosters (` + rosterColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			type = excluded.type,
			traits = excluded.traits,
			connection = excluded.connection,
			auth = excluded.auth,
			stack = excluded.stack,
			updated_at = excluded.updated_at
	`
	if _, err := q.ExecContext(ctx, s.q(query),
		roster.Name, roster.Type, traits, conn, auth, roster.Stack, roster.CreatedAt.UTC(), roster.UpdatedAt,
	); err != nil {
		return fmt.Errorf("failed to upsert roster: %w", err)
	}
	return nil
}

// GetRoster retrieves a roster by name.
func (s *sqlStore) GetRoster(ctx context.Context, name string) (*engine.Roster, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+rosterColumns+` FROM rosters WHERE name = ?`), name)
	r, err := scanRoster(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("roster", name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get roster: %w", err)
	}
	return r, nil
}

// ListRosters returns all rosters ordered by name.
func (s *sqlStore) ListRosters(ctx context.Context) ([]*engine.Roster, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+rosterColumns+` FROM rosters ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list rosters: %w", err)
	}
	defer rows.Close()

	rosters := []*engine.Roster{}
	for rows.Next() {
		r, err := scanRoster(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan roster: %w", err)
		}
		rosters = append(rosters, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rosters: %w", err)
	}
	return rosters, nil
}

// DeleteRoster removes a roster and its pair state. Execution history is kept
// with the roster reference cleared. A roster with a running execution cannot
// be deleted.
func (s *sqlStore) DeleteRoster(ctx context.Context, name string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var running int
		if err := tx.QueryRowContext(ctx,
			s.q(`SELECT COUNT(*) FROM duty_executions WHERE roster_name = ? AND status = ?`),
			name, string(engine.ExecutionStatusRunning),
		).Scan(&running); err != nil {
			return fmt.Errorf("failed to count running executions: %w", err)
		}
		if running > 0 {
			return engine.NewConflictError(fmt.Sprintf("roster %s has running executions", name), nil).WithResource(name)
		}

		affected, err := s.queryStrings(ctx, tx, `SELECT duty_name FROM duty_targets WHERE roster_name = ?`, name)
		if err != nil {
			return fmt.Errorf("failed to list roster targets: %w", err)
		}

		if _, err := tx.ExecContext(ctx, s.q(`UPDATE duty_executions SET roster_name = NULL WHERE roster_name = ?`), name); err != nil {
			return fmt.Errorf("failed to detach executions: %w", err)
		}
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM duty_targets WHERE roster_name = ?`), name); err != nil {
			return fmt.Errorf("failed to delete roster targets: %w", err)
		}

		res, err := tx.ExecContext(ctx, s.q(`DELETE FROM rosters WHERE name = ?`), name)
		if err != nil {
			return fmt.Errorf("failed to delete roster: %w", err)
		}
		n, err := rowsAffected(res)
		if err != nil {
			return err
		}
		if n == 0 {
			return engine.NewNotFoundError("roster", name)
		}

		for _, duty := range affected {
			if err := s.refreshDutyStatus(ctx, tx, duty); err != nil {
				return err
			}
		}
		return nil
	})
}

// Duty operations

const dutyColumns = `name, type, backend, selector, spec, depends_on, status, outputs, metadata, stack, created_at, updated_at`

func scanDuty(row rowScanner) (*engine.Duty, error) {
	d := &engine.Duty{}
	var selector, spec, deps, outputs, metadata string
	if err := row.Scan(
		&d.Name, &d.Type, &d.Backend, &selector, &spec, &deps, &d.Status,
		&outputs, &metadata, &d.Stack, &d.CreatedAt, &d.UpdatedAt,
	); err != nil {
		return nil, err
	}
	var c jsonCodec
	c.decode(selector, &d.Selector)
	c.decode(spec, &d.Spec)
	c.decode(deps, &d.DependsOn)
	c.decode(outputs, &d.Outputs)
	c.decode(metadata, &d.Metadata)
	return d, c.err
}

// UpsertDuty creates or replaces a duty definition. The duty's status and
// outputs are owned by the execution engine and are not overwritten.
func (s *sqlStore) UpsertDuty(ctx context.Context, duty *engine.Duty) error {
	return s.upsertDuty(ctx, s.db, duty)
}

func (s *sqlStore) upsertDuty(ctx context.Context, q querier, duty *engine.Duty) error {
	if duty.Name == "" || duty.Type == "" || duty.Backend == "" {
		return engine.NewConfigurationError("duty name, type and backend are required", nil).WithResource(duty.Name)
	}
	for _, dep := range duty.DependsOn {
		if dep == duty.Name {
			return engine.NewConfigurationError(fmt.Sprintf("duty %s depends on itself", duty.Name), nil).
				WithResource(duty.Name)
		}
	}

	now := s.now()
	if duty.CreatedAt.IsZero() {
		duty.CreatedAt = now
	}
	duty.UpdatedAt = now
	if duty.Status == "" {
		duty.Status = engine.PhasePending
	}

	var c jsonCodec
	selector := c.encode(duty.Selector)
	spec := c.encode(duty.Spec)
	deps := c.encode(duty.DependsOn)
	outputs := c.encode(duty.Outputs)
	metadata := c.encode(duty.Metadata)
	if c.err != nil {
		return c.err
	}

	query := `
		INSERT INTO duties (` + dutyColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			type = excluded.type,
			backend = excluded.backend,
			selector = excluded.selector,
			spec = excluded.spec,
			depends_on = excluded.depends_on,
			metadata = excluded.metadata,
			stack = excluded.stack,
			updated_at = excluded.updated_at
	`
	if _, err := q.ExecContext(ctx, s.q(query),
		duty.Name, duty.Type, duty.Backend, selector, spec, deps, string(duty.Status),
		outputs, metadata, duty.Stack, duty.CreatedAt.UTC(), duty.UpdatedAt,
	); err != nil {
		return fmt.Errorf("failed to upsert duty: %w", err)
	}
	return nil
}

// GetDuty retrieves a duty by name.
func (s *sqlStore) GetDuty(ctx context.Context, name string) (*engine.Duty, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+dutyColumns+` FROM duties WHERE name = ?`), name)
	d, err := scanDuty(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("duty", name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get duty: %w", err)
	}
	return d, nil
}

// ListDuties returns all duties ordered by name.
func (s *sqlStore) ListDuties(ctx context.Context) ([]*engine.Duty, error) {
	return s.listDuties(ctx, s.db)
}

func (s *sqlStore) listDuties(ctx context.Context, q querier) ([]*engine.Duty, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+dutyColumns+` FROM duties ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list duties: %w", err)
	}
	defer rows.Close()

	duties := []*engine.Duty{}
	for rows.Next() {
		d, err := scanDuty(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan duty: %w", err)
		}
		duties = append(duties, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating duties: %w", err)
	}
	return duties, nil
}

// DeleteDuty removes a duty that has never been executed. Duties referenced
// by execution history are kept.
func (s *sqlStore) DeleteDuty(ctx context.Context, name string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var history int
		if err := tx.QueryRowContext(ctx,
			s.q(`SELECT COUNT(*) FROM duty_executions WHERE duty_name = ?`), name,
		).Scan(&history); err != nil {
			return fmt.Errorf("failed to count executions: %w", err)
		}
		if history > 0 {
			return engine.NewConflictError(
				fmt.Sprintf("duty %s is referenced by %d executions", name, history), nil,
			).WithResource(name)
		}

		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM duty_targets WHERE duty_name = ?`), name); err != nil {
			return fmt.Errorf("failed to delete duty targets: %w", err)
		}
		res, err := tx.ExecContext(ctx, s.q(`DELETE FROM duties WHERE name = ?`), name)
		if err != nil {
			return fmt.Errorf("failed to delete duty: %w", err)
		}
		n, err := rowsAffected(res)
		if err != nil {
			return err
		}
		if n == 0 {
			return engine.NewNotFoundError("duty", name)
		}
		return nil
	})
}

// SetDutyStatus overrides a duty's aggregated status.
func (s *sqlStore) SetDutyStatus(ctx context.Context, name string, phase engine.Phase) error {
	if err := phase.Validate(); err != nil {
		return engine.NewValidationError("cannot set duty status", err).WithResource(name)
	}
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE duties SET status = ?, updated_at = ? WHERE name = ?`),
		string(phase), s.now(), name)
	if err != nil {
		return fmt.Errorf("failed to set duty status: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return engine.NewNotFoundError("duty", name)
	}
	return nil
}

// refreshDutyStatus re-derives the duty's status from its pair phases and its
// outputs from the pair outputs, keyed by roster name.
func (s *sqlStore) refreshDutyStatus(ctx context.Context, tx *sql.Tx, duty string) error {
	rows, err := tx.QueryContext(ctx, s.q(`
		SELECT roster_name, phase, outputs FROM duty_targets WHERE duty_name = ? ORDER BY roster_name
	`), duty)
	if err != nil {
		return fmt.Errorf("failed to load pair state: %w", err)
	}

	var (
		phases  []engine.Phase
		outputs = make(map[string]interface{})
		c       jsonCodec
	)
	for rows.Next() {
		var roster, phase, raw string
		if err := rows.Scan(&roster, &phase, &raw); err != nil {
			_ = rows.Close()
			return fmt.Errorf("failed to scan pair state: %w", err)
		}
		phases = append(phases, engine.Phase(phase))

		var pair map[string]interface{}
		c.decode(raw, &pair)
		if len(pair) > 0 && engine.Phase(phase) != engine.PhaseAbsent {
			outputs[roster] = pair
		}
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return fmt.Errorf("error iterating pair state: %w", err)
	}
	_ = rows.Close()
	if c.err != nil {
		return c.err
	}

	encoded := c.encode(outputs)
	if c.err != nil {
		return c.err
	}

	status := engine.AggregatePhase(phases)
	if _, err := tx.ExecContext(ctx, s.q(`UPDATE duties SET status = ?, outputs = ?, updated_at = ? WHERE name = ?`),
		string(status), encoded, s.now(), duty,
	); err != nil {
		return fmt.Errorf("failed to update duty status: %w", err)
	}
	return nil
}

// Pair state

const targetColumns = `duty_name, roster_name, phase, message, outputs, last_execution_id, updated_at`

func scanTarget(row rowScanner) (*engine.DutyTarget, error) {
	t := &engine.DutyTarget{}
	var outputs string
	if err := row.Scan(&t.Duty, &t.Roster, &t.Phase, &t.Message, &outputs, &t.LastExecutionID, &t.UpdatedAt); err != nil {
		return nil, err
	}
	var c jsonCodec
	c.decode(outputs, &t.Outputs)
	return t, c.err
}

// GetTarget returns the convergence state of a (duty, roster) pair.
func (s *sqlStore) GetTarget(ctx context.Context, duty, roster string) (*engine.DutyTarget, error) {
	row := s.db.QueryRowContext(ctx,
		s.q(`SELECT `+targetColumns+` FROM duty_targets WHERE duty_name = ? AND roster_name = ?`), duty, roster)
	t, err := scanTarget(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("target", duty+"@"+roster)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get target: %w", err)
	}
	return t, nil
}

// ListTargets returns the pair states of a duty ordered by roster name.
func (s *sqlStore) ListTargets(ctx context.Context, duty string) ([]*engine.DutyTarget, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT `+targetColumns+` FROM duty_targets WHERE duty_name = ? ORDER BY roster_name`), duty)
	if err != nil {
		return nil, fmt.Errorf("failed to list targets: %w", err)
	}
	defer rows.Close()

	targets := []*engine.DutyTarget{}
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan target: %w", err)
		}
		targets = append(targets, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating targets: %w", err)
	}
	return targets, nil
}

func (s *sqlStore) upsertTarget(ctx context.Context, tx *sql.Tx, t *engine.DutyTarget) error {
	var c jsonCodec
	outputs := c.encode(t.Outputs)
	if c.err != nil {
		return c.err
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = s.now()
	}

	query := `
		INSERT INTO duty_targets (` + targetColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (duty_name, roster_name) DO UPDATE SET
			phase = excluded.phase,
			message = excluded.message,
			outputs = excluded.outputs,
			last_execution_id = excluded.last_execution_id,
			updated_at = excluded.updated_at
	`
	if _, err := tx.ExecContext(ctx, s.q(query),
		t.Duty, t.Roster, string(t.Phase), t.Message, outputs, t.LastExecutionID, t.UpdatedAt.UTC(),
	); err != nil {
		return fmt.Errorf("failed to upsert target: %w", err)
	}
	return nil
}

// markTarget sets a pair's phase and message, keeping its outputs.
func (s *sqlStore) markTarget(ctx context.Context, tx *sql.Tx, duty, roster, execID string, phase engine.Phase, message string) error {
	query := `
		INSERT INTO duty_targets (` + targetColumns + `)
		VALUES (?, ?, ?, ?, '{}', ?, ?)
		ON CONFLICT (duty_name, roster_name) DO UPDATE SET
			phase = excluded.phase,
			message = excluded.message,
			last_execution_id = excluded.last_execution_id,
			updated_at = excluded.updated_at
	`
	if _, err := tx.ExecContext(ctx, s.q(query), duty, roster, string(phase), message, execID, s.now()); err != nil {
		return fmt.Errorf("failed to mark target: %w", err)
	}
	return nil
}

// Execution operations

const executionColumns = `id, duty_name, roster_name, operation, status, phase, attempts, reason, error,
	result, reconciliation_id, started_at, completed_at`

func scanExecution(row rowScanner) (*engine.DutyExecution, error) {
	e := &engine.DutyExecution{}
	var (
		roster    sql.NullString
		result    string
		completed sql.NullTime
	)
	if err := row.Scan(
		&e.ID, &e.Duty, &roster, &e.Operation, &e.Status, &e.Phase, &e.Attempts, &e.Reason, &e.Error,
		&result, &e.ReconciliationID, &e.StartedAt, &completed,
	); err != nil {
		return nil, err
	}
	e.Roster = roster.String
	e.CompletedAt = timePtr(completed)
	var c jsonCodec
	c.decode(result, &e.Result)
	return e, c.err
}

// BeginExecution inserts a running execution, taking the pair lock. It fails
// with a LockContention error if the pair already has a running execution.
// Beginning a destroy moves the pair to destroying.
func (s *sqlStore) BeginExecution(ctx context.Context, exec *engine.DutyExecution) error {
	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	if exec.Operation == "" {
		exec.Operation = engine.OperationApply
	}
	if exec.StartedAt.IsZero() {
		exec.StartedAt = s.now()
	}
	exec.Status = engine.ExecutionStatusRunning

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var name string
		err := tx.QueryRowContext(ctx, s.q(`SELECT name FROM duties WHERE name = ?`+s.dialect.lockClause), exec.Duty).Scan(&name)
		if errors.Is(err, sql.ErrNoRows) {
			return engine.NewNotFoundError("duty", exec.Duty)
		}
		if err != nil {
			return fmt.Errorf("failed to lock duty: %w", err)
		}

		var existing string
		err = tx.QueryRowContext(ctx,
			s.q(`SELECT id FROM duty_executions WHERE duty_name = ? AND roster_name = ? AND status = ?`),
			exec.Duty, exec.Roster, string(engine.ExecutionStatusRunning),
		).Scan(&existing)
		if err == nil {
			return engine.NewLockContentionError(exec.Duty, exec.Roster, nil).WithDetail("execution_id", existing)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to check running executions: %w", err)
		}

		query := `
			INSERT INTO duty_executions (` + executionColumns + `)
			VALUES (?, ?, ?, ?, ?, '', 0, '', '', '{}', ?, ?, NULL)
		`
		if _, err := tx.ExecContext(ctx, s.q(query),
			exec.ID, exec.Duty, nullString(exec.Roster), string(exec.Operation), string(exec.Status),
			exec.ReconciliationID, exec.StartedAt.UTC(),
		); err != nil {
			if s.dialect.isUniqueViolation(err) {
				return engine.NewLockContentionError(exec.Duty, exec.Roster, err)
			}
			return fmt.Errorf("failed to insert execution: %w", err)
		}

		if exec.Operation == engine.OperationDestroy {
			if err := s.markTarget(ctx, tx, exec.Duty, exec.Roster, exec.ID, engine.PhaseDestroying, ""); err != nil {
				return err
			}
			return s.refreshDutyStatus(ctx, tx, exec.Duty)
		}
		return nil
	})
}

// CompleteExecution marks a running execution terminal, stores the pair state
// and re-derives the duty status in one transaction. An execution completes
// exactly once; completing it again is a conflict.
func (s *sqlStore) CompleteExecution(ctx context.Context, exec *engine.DutyExecution, target *engine.DutyTarget) error {
	if !exec.Status.IsTerminal() {
		return engine.NewPermanentError(fmt.Sprintf("execution %s completed with non-terminal status %q", exec.ID, exec.Status), nil).
			WithCode(engine.ErrCodeInternal)
	}
	if exec.CompletedAt == nil {
		now := s.now()
		exec.CompletedAt = &now
	}

	var c jsonCodec
	result := c.encode(exec.Result)
	if c.err != nil {
		return c.err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.q(`
			UPDATE duty_executions
			SET status = ?, phase = ?, attempts = ?, reason = ?, error = ?, result = ?, completed_at = ?
			WHERE id = ? AND status = ?
		`),
			string(exec.Status), string(exec.Phase), exec.Attempts, exec.Reason, exec.Error, result, nullTime(exec.CompletedAt),
			exec.ID, string(engine.ExecutionStatusRunning),
		)
		if err != nil {
			return fmt.Errorf("failed to complete execution: %w", err)
		}
		n, err := rowsAffected(res)
		if err != nil {
			return err
		}
		if n == 0 {
			return engine.NewConflictError(fmt.Sprintf("execution %s is not running", exec.ID), nil).
				WithResource(exec.Duty)
		}

		if target != nil {
			if err := s.upsertTarget(ctx, tx, target); err != nil {
				return err
			}
		}

		return s.refreshDutyStatus(ctx, tx, exec.Duty)
	})
}

// GetExecution retrieves an execution by ID.
func (s *sqlStore) GetExecution(ctx context.Context, id string) (*engine.DutyExecution, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+executionColumns+` FROM duty_executions WHERE id = ?`), id)
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("execution", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	return e, nil
}

// ListExecutions lists executions newest first.
func (s *sqlStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*engine.DutyExecution, error) {
	var (
		conds []string
		args  []interface{}
	)
	if filter.Duty != "" {
		conds = append(conds, "duty_name = ?")
		args = append(args, filter.Duty)
	}
	if filter.Roster != "" {
		conds = append(conds, "roster_name = ?")
		args = append(args, filter.Roster)
	}
	if filter.ReconciliationID != "" {
		conds = append(conds, "reconciliation_id = ?")
		args = append(args, filter.ReconciliationID)
	}

	query := `SELECT ` + executionColumns + ` FROM duty_executions`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY started_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	execs := []*engine.DutyExecution{}
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		execs = append(execs, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}
	return execs, nil
}

// LatestExecution returns the most recent execution of a duty, on roster when
// roster is non-empty.
func (s *sqlStore) LatestExecution(ctx context.Context, duty, roster string) (*engine.DutyExecution, error) {
	execs, err := s.ListExecutions(ctx, ExecutionFilter{Duty: duty, Roster: roster, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(execs) == 0 {
		return nil, engine.NewNotFoundError("execution", duty)
	}
	return execs[0], nil
}

// RecoverStaleExecutions fails executions left running longer than olderThan,
// releasing their pair locks. It returns the number of recovered executions.
func (s *sqlStore) RecoverStaleExecutions(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := s.now().Add(-olderThan)
	recovered := 0

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			s.q(`SELECT `+executionColumns+` FROM duty_executions WHERE status = ?`), string(engine.ExecutionStatusRunning))
		if err != nil {
			return fmt.Errorf("failed to list running executions: %w", err)
		}
		var stale []*engine.DutyExecution
		for rows.Next() {
			e, err := scanExecution(rows)
			if err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan execution: %w", err)
			}
			if e.StartedAt.Before(cutoff) {
				stale = append(stale, e)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("error iterating executions: %w", err)
		}

		const message = "execution abandoned before completion"
		now := s.now()
		for _, e := range stale {
			if _, err := tx.ExecContext(ctx, s.q(`
				UPDATE duty_executions
				SET status = ?, phase = ?, reason = ?, error = ?, completed_at = ?
				WHERE id = ?
			`), string(engine.ExecutionStatusFailed), string(engine.PhaseFailed), engine.ErrCodeInternal, message, now, e.ID); err != nil {
				return fmt.Errorf("failed to recover execution %s: %w", e.ID, err)
			}
			if e.Roster != "" {
				if err := s.markTarget(ctx, tx, e.Duty, e.Roster, e.ID, engine.PhaseFailed, message); err != nil {
					return err
				}
			}
			if err := s.refreshDutyStatus(ctx, tx, e.Duty); err != nil {
				return err
			}
		}
		recovered = len(stale)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return recovered, nil
}

// Stack operations

const stackColumns = `name, source_type, source, config_path, interval_seconds, last_sync_at, last_sync_version,
	status, error, metadata, created_at, updated_at`

func scanStack(row rowScanner) (*engine.Stack, error) {
	st := &engine.Stack{}
	var (
		source, metadata string
		interval         int64
		lastSync         sql.NullTime
	)
	if err := row.Scan(
		&st.Name, &st.SourceType, &source, &st.ConfigPath, &interval, &lastSync, &st.LastSyncVersion,
		&st.Status, &st.Error, &metadata, &st.CreatedAt, &st.UpdatedAt,
	); err != nil {
		return nil, err
	}
	st.Interval = time.Duration(interval) * time.Second
	st.LastSyncAt = timePtr(lastSync)
	var c jsonCodec
	c.decode(source, &st.Source)
	c.decode(metadata, &st.Metadata)
	return st, c.err
}

// UpsertStack creates or updates a stack's source definition. Sync state is kept.
func (s *sqlStore) UpsertStack(ctx context.Context, stack *engine.Stack) error {
	if stack.Name == "" || stack.SourceType == "" {
		return engine.NewConfigurationError("stack name and source type are required", nil).WithResource(stack.Name)
	}

	now := s.now()
	if stack.CreatedAt.IsZero() {
		stack.CreatedAt = now
	}
	stack.UpdatedAt = now
	if stack.Status == "" {
		stack.Status = engine.StackStatusPending
	}

	var c jsonCodec
	source := c.encode(stack.Source)
	metadata := c.encode(stack.Metadata)
	if c.err != nil {
		return c.err
	}

	query := `
		INSERT INTO stacks (` + stackColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			source_type = excluded.source_type,
			source = excluded.source,
			config_path = excluded.config_path,
			interval_seconds = excluded.interval_seconds,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at
	`
	if _, err := s.db.ExecContext(ctx, s.q(query),
		stack.Name, stack.SourceType, source, stack.ConfigPath, int64(stack.Interval/time.Second),
		nullTime(stack.LastSyncAt), stack.LastSyncVersion, string(stack.Status), stack.Error, metadata,
		stack.CreatedAt.UTC(), stack.UpdatedAt,
	); err != nil {
		return fmt.Errorf("failed to upsert stack: %w", err)
	}
	return nil
}

// GetStack retrieves a stack by name.
func (s *sqlStore) GetStack(ctx context.Context, name string) (*engine.Stack, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+stackColumns+` FROM stacks WHERE name = ?`), name)
	st, err := scanStack(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("stack", name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get stack: %w", err)
	}
	return st, nil
}

// ListStacks returns all stacks ordered by name.
func (s *sqlStore) ListStacks(ctx context.Context) ([]*engine.Stack, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+stackColumns+` FROM stacks ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list stacks: %w", err)
	}
	defer rows.Close()

	stacks := []*engine.Stack{}
	for rows.Next() {
		st, err := scanStack(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stack: %w", err)
		}
		stacks = append(stacks, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stacks: %w", err)
	}
	return stacks, nil
}

// DeleteStack removes a stack definition. Rosters and duties it declared are kept.
func (s *sqlStore) DeleteStack(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM stacks WHERE name = ?`), name)
	if err != nil {
		return fmt.Errorf("failed to delete stack: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return engine.NewNotFoundError("stack", name)
	}
	return nil
}

// UpdateStackSync records a sync attempt. The update applies only while the
// stored last_sync_version still equals sync.ExpectedVersion; otherwise it
// returns a conflict error.
func (s *sqlStore) UpdateStackSync(ctx context.Context, name string, sync StackSync) error {
	now := s.now()

	var (
		res sql.Result
		err error
	)
	if sync.Version != "" {
		syncedAt := sync.SyncedAt
		if syncedAt.IsZero() {
			syncedAt = now
		}
		res, err = s.db.ExecContext(ctx, s.q(`
			UPDATE stacks
			SET status = ?, error = ?, last_sync_version = ?, last_sync_at = ?, updated_at = ?
			WHERE name = ? AND last_sync_version = ?
		`), string(sync.Status), sync.Error, sync.Version, syncedAt.UTC(), now, name, sync.ExpectedVersion)
	} else {
		res, err = s.db.ExecContext(ctx, s.q(`
			UPDATE stacks
			SET status = ?, error = ?, updated_at = ?
			WHERE name = ? AND last_sync_version = ?
		`), string(sync.Status), sync.Error, now, name, sync.ExpectedVersion)
	}
	if err != nil {
		return fmt.Errorf("failed to update stack sync: %w", err)
	}

	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	if _, err := s.GetStack(ctx, name); err != nil {
		return err
	}
	return engine.NewConflictError(
		fmt.Sprintf("stack %s sync version changed since %q", name, sync.ExpectedVersion), nil,
	).WithResource(name)
}

// Queue operations

const queueColumns = `name, queue_type, config, message_handler, handler_config, status, error, created_at, updated_at`

func scanQueue(row rowScanner) (*engine.Queue, error) {
	q := &engine.Queue{}
	var cfg, handlerCfg string
	if err := row.Scan(
		&q.Name, &q.QueueType, &cfg, &q.MessageHandler, &handlerCfg, &q.Status, &q.Error, &q.CreatedAt, &q.UpdatedAt,
	); err != nil {
		return nil, err
	}
	var c jsonCodec
	c.decode(cfg, &q.Config)
	c.decode(handlerCfg, &q.HandlerConfig)
	return q, c.err
}

// UpsertQueue creates or updates a queue definition. The consumer status is kept.
func (s *sqlStore) UpsertQueue(ctx context.Context, queue *engine.Queue) error {
	if queue.Name == "" || queue.QueueType == "" || queue.MessageHandler == "" {
		return engine.NewConfigurationError("queue name, type and message handler are required", nil).
			WithResource(queue.Name)
	}

	now := s.now()
	if queue.CreatedAt.IsZero() {
		queue.CreatedAt = now
	}
	queue.UpdatedAt = now
	if queue.Status == "" {
		queue.Status = engine.QueueStatusActive
	}

	var c jsonCodec
	cfg := c.encode(queue.Config)
	handlerCfg := c.encode(queue.HandlerConfig)
	if c.err != nil {
		return c.err
	}

	query := `
		INSERT INTO queues (` + queueColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			queue_type = excluded.queue_type,
			config = excluded.config,
			message_handler = excluded.message_handler,
			handler_config = excluded.handler_config,
			updated_at = excluded.updated_at
	`
	if _, err := s.db.ExecContext(ctx, s.q(query),
		queue.Name, queue.QueueType, cfg, queue.MessageHandler, handlerCfg, string(queue.Status), queue.Error,
		queue.CreatedAt.UTC(), queue.UpdatedAt,
	); err != nil {
		return fmt.Errorf("failed to upsert queue: %w", err)
	}
	return nil
}

// GetQueue retrieves a queue by name.
func (s *sqlStore) GetQueue(ctx context.Context, name string) (*engine.Queue, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+queueColumns+` FROM queues WHERE name = ?`), name)
	q, err := scanQueue(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("queue", name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get queue: %w", err)
	}
	return q, nil
}

// ListQueues returns all queues ordered by name.
func (s *sqlStore) ListQueues(ctx context.Context) ([]*engine.Queue, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+queueColumns+` FROM queues ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list queues: %w", err)
	}
	defer rows.Close()

	queues := []*engine.Queue{}
	for rows.Next() {
		q, err := scanQueue(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue: %w", err)
		}
		queues = append(queues, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queues: %w", err)
	}
	return queues, nil
}

// SetQueueStatus updates a queue's consumer status.
func (s *sqlStore) SetQueueStatus(ctx context.Context, name string, status engine.QueueStatus, errMsg string) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE queues SET status = ?, error = ?, updated_at = ? WHERE name = ?`),
		string(status), errMsg, s.now(), name)
	if err != nil {
		return fmt.Errorf("failed to set queue status: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return engine.NewNotFoundError("queue", name)
	}
	return nil
}

// DeleteQueue removes a queue definition.
func (s *sqlStore) DeleteQueue(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM queues WHERE name = ?`), name)
	if err != nil {
		return fmt.Errorf("failed to delete queue: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return engine.NewNotFoundError("queue", name)
	}
	return nil
}

// Reconciliation operations

const reconciliationColumns = `id, source_type, source_name, revision, trigger_type, operation, status,
	scope, duties, outcomes, error, started_at, completed_at`

func scanReconciliation(row rowScanner) (*engine.Reconciliation, error) {
	r := &engine.Reconciliation{}
	var (
		scope, duties, outcomes string
		completed               sql.NullTime
	)
	if err := row.Scan(
		&r.ID, &r.SourceType, &r.SourceName, &r.Revision, &r.Trigger, &r.Operation, &r.Status,
		&scope, &duties, &outcomes, &r.Error, &r.StartedAt, &completed,
	); err != nil {
		return nil, err
	}
	r.CompletedAt = timePtr(completed)
	var c jsonCodec
	c.decode(scope, &r.Scope)
	c.decode(duties, &r.Duties)
	c.decode(outcomes, &r.Outcomes)
	return r, c.err
}

// CreateReconciliation inserts a running reconciliation record.
func (s *sqlStore) CreateReconciliation(ctx context.Context, rec *engine.Reconciliation) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = s.now()
	}
	if rec.Status == "" {
		rec.Status = engine.ReconciliationRunning
	}
	if rec.Operation == "" {
		rec.Operation = engine.OperationApply
	}

	var c jsonCodec
	scope := c.encode(rec.Scope)
	duties := c.encode(rec.Duties)
	outcomes := c.encode(rec.Outcomes)
	if c.err != nil {
		return c.err
	}

	query := `
		INSERT INTO reconciliations (` + reconciliationColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	if _, err := s.db.ExecContext(ctx, s.q(query),
		rec.ID, string(rec.SourceType), rec.SourceName, rec.Revision, string(rec.Trigger), string(rec.Operation), string(rec.Status),
		scope, duties, outcomes, rec.Error, rec.StartedAt.UTC(), nullTime(rec.CompletedAt),
	); err != nil {
		return fmt.Errorf("failed to create reconciliation: %w", err)
	}
	return nil
}

// CompleteReconciliation stores the final state of a reconciliation exactly once.
func (s *sqlStore) CompleteReconciliation(ctx context.Context, rec *engine.Reconciliation) error {
	if rec.CompletedAt == nil {
		now := s.now()
		rec.CompletedAt = &now
	}

	var c jsonCodec
	scope := c.encode(rec.Scope)
	duties := c.encode(rec.Duties)
	outcomes := c.encode(rec.Outcomes)
	if c.err != nil {
		return c.err
	}

	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE reconciliations
		SET revision = ?, status = ?, scope = ?, duties = ?, outcomes = ?, error = ?, completed_at = ?
		WHERE id = ? AND completed_at IS NULL
	`), rec.Revision, string(rec.Status), scope, duties, outcomes, rec.Error, nullTime(rec.CompletedAt), rec.ID)
	if err != nil {
		return fmt.Errorf("failed to complete reconciliation: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	if _, err := s.GetReconciliation(ctx, rec.ID); err != nil {
		return err
	}
	return engine.NewConflictError(fmt.Sprintf("reconciliation %s already completed", rec.ID), nil)
}

// GetReconciliation retrieves a reconciliation by ID.
func (s *sqlStore) GetReconciliation(ctx context.Context, id string) (*engine.Reconciliation, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+reconciliationColumns+` FROM reconciliations WHERE id = ?`), id)
	r, err := scanReconciliation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("reconciliation", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reconciliation: %w", err)
	}
	return r, nil
}

// ListReconciliations lists reconciliations newest first.
func (s *sqlStore) ListReconciliations(ctx context.Context, filter ReconciliationFilter) ([]*engine.Reconciliation, error) {
	var (
		conds []string
		args  []interface{}
	)
	if filter.SourceType != "" {
		conds = append(conds, "source_type = ?")
		args = append(args, string(filter.SourceType))
	}
	if filter.SourceName != "" {
		conds = append(conds, "source_name = ?")
		args = append(args, filter.SourceName)
	}

	query := `SELECT ` + reconciliationColumns + ` FROM reconciliations`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY started_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list reconciliations: %w", err)
	}
	defer rows.Close()

	recs := []*engine.Reconciliation{}
	for rows.Next() {
		r, err := scanReconciliation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reconciliation: %w", err)
		}
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating reconciliations: %w", err)
	}
	return recs, nil
}

// Snapshot ingestion

// ImportSnapshot upserts every roster and duty of a snapshot on behalf of a
// stack in one transaction. Names owned by another stack are rejected.
// Entries the stack owned before but the snapshot no longer declares are
// reported as orphans and left in place. The import is rolled back when the
// imported duties reach a dependency cycle or an unknown dependency.
func (s *sqlStore) ImportSnapshot(ctx context.Context, stack string, snapshot *engine.Snapshot) (*ImportResult, error) {
	result := &ImportResult{}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rosterNames := make(map[string]bool, len(snapshot.Rosters))
		for i := range snapshot.Rosters {
			r := snapshot.Rosters[i]
			if rosterNames[r.Name] {
				return engine.NewConfigurationError(fmt.Sprintf("duplicate roster name %s", r.Name), nil).WithResource(r.Name)
			}
			rosterNames[r.Name] = true

			if err := s.checkOwner(ctx, tx, "rosters", "roster", r.Name, stack); err != nil {
				return err
			}
			r.Stack = stack
			if err := s.upsertRoster(ctx, tx, &r); err != nil {
				return err
			}
		}

		dutyNames := make(map[string]bool, len(snapshot.Duties))
		for i := range snapshot.Duties {
			d := snapshot.Duties[i]
			if dutyNames[d.Name] {
				return engine.NewConfigurationError(fmt.Sprintf("duplicate duty name %s", d.Name), nil).WithResource(d.Name)
			}
			dutyNames[d.Name] = true

			if err := s.checkOwner(ctx, tx, "duties", "duty", d.Name, stack); err != nil {
				return err
			}
			d.Stack = stack
			d.Status = ""
			d.Outputs = nil
			if err := s.upsertDuty(ctx, tx, &d); err != nil {
				return err
			}
		}

		// A revision that breaks the dependency graph is never stored.
		all, err := s.listDuties(ctx, tx)
		if err != nil {
			return err
		}
		imported := make([]string, 0, len(dutyNames))
		for name := range dutyNames {
			imported = append(imported, name)
		}
		sort.Strings(imported)
		if err := engine.CheckDependencies(all, imported); err != nil {
			return err
		}

		if stack != "" {
			owned, err := s.queryStrings(ctx, tx, `SELECT name FROM rosters WHERE stack = ? ORDER BY name`, stack)
			if err != nil {
				return fmt.Errorf("failed to list stack rosters: %w", err)
			}
			for _, name := range owned {
				if !rosterNames[name] {
					result.OrphanRosters = append(result.OrphanRosters, name)
				}
			}

			owned, err = s.queryStrings(ctx, tx, `SELECT name FROM duties WHERE stack = ? ORDER BY name`, stack)
			if err != nil {
				return fmt.Errorf("failed to list stack duties: %w", err)
			}
			for _, name := range owned {
				if !dutyNames[name] {
					result.OrphanDuties = append(result.OrphanDuties, name)
				}
			}
		}

		result.Rosters = len(rosterNames)
		result.Duties = len(dutyNames)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// checkOwner rejects an import that would take over a name declared by another stack.
func (s *sqlStore) checkOwner(ctx context.Context, tx *sql.Tx, table, kind, name, stack string) error {
	var owner string
	err := tx.QueryRowContext(ctx, s.q(`SELECT stack FROM `+table+` WHERE name = ?`), name).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to check %s owner: %w", kind, err)
	}
	if owner != "" && owner != stack {
		return engine.NewConfigurationError(
			fmt.Sprintf("%s %s is declared by stack %s", kind, name, owner), nil,
		).WithResource(name)
	}
	return nil
}
