package stores

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/g8r/g8r/pkg/engine"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	ctx := context.Background()
	store, err := NewSQLiteStore(ctx, Config{DSN: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStoreContract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store { return setupTestStore(t) })
}

func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tables := []string{"rosters", "duties", "duty_targets", "duty_executions", "stacks", "queues", "reconciliations"}
	for _, table := range tables {
		var count int
		if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	// A second run is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Expected repeated migration to succeed, got %v", err)
	}
}

func TestSQLiteFileStoreConcurrentBegin(t *testing.T) {
	ctx := context.Background()
	store, err := Open(ctx, Config{Driver: "sqlite", DSN: t.TempDir() + "/g8r.db"})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()

	seedPair(t, store, "web", "r1")

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		won       int
		contended int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.BeginExecution(ctx, &engine.DutyExecution{Duty: "web", Roster: "r1"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				won++
			case engine.IsLockContention(err):
				contended++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if won != 1 {
		t.Fatalf("Expected exactly one execution to take the lock, got %d", won)
	}
	if contended != workers-1 {
		t.Fatalf("Expected %d lock contentions, got %d", workers-1, contended)
	}
}

func TestOpenUnsupportedDriver(t *testing.T) {
	if _, err := Open(context.Background(), Config{Driver: "mysql", DSN: "x"}); err == nil {
		t.Fatalf("Expected error for unsupported driver")
	}
}

func TestPlaceholderRebind(t *testing.T) {
	s := &sqlStore{dialect: dialect{numbered: true}}
	got := s.q("SELECT a FROM t WHERE b = ? AND c = ?")
	want := "SELECT a FROM t WHERE b = $1 AND c = $2"
	if got != want {
		t.Fatalf("Expected %q, got %q", want, got)
	}

	s = &sqlStore{}
	if got := s.q("x = ?"); got != "x = ?" {
		t.Fatalf("Expected unchanged query, got %q", got)
	}
}

func seedPair(t *testing.T, store Store, duty, roster string) {
	t.Helper()
	ctx := context.Background()
	if err := store.UpsertRoster(ctx, &engine.Roster{Name: roster, Type: "aws", Traits: []string{"aws"}}); err != nil {
		t.Fatalf("failed to upsert roster: %v", err)
	}
	if err := store.UpsertDuty(ctx, &engine.Duty{
		Name:     duty,
		Type:     "echo",
		Backend:  "local",
		Selector: engine.RosterSelector{Traits: []string{"aws"}},
	}); err != nil {
		t.Fatalf("failed to upsert duty: %v", err)
	}
}

// runStoreContract exercises the behavior every Store implementation must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("RosterCRUD", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		roster := &engine.Roster{
			Name:       "prod-us",
			Type:       "aws",
			Traits:     []string{"aws", "us-east-1"},
			Connection: map[string]interface{}{"region": "us-east-1"},
		}
		if err := store.UpsertRoster(ctx, roster); err != nil {
			t.Fatalf("failed to upsert roster: %v", err)
		}

		got, err := store.GetRoster(ctx, "prod-us")
		if err != nil {
			t.Fatalf("failed to get roster: %v", err)
		}
		if got.Type != "aws" || len(got.Traits) != 2 || got.Connection["region"] != "us-east-1" {
			t.Fatalf("Expected stored roster fields, got %+v", got)
		}

		roster.Traits = []string{"aws"}
		if err := store.UpsertRoster(ctx, roster); err != nil {
			t.Fatalf("failed to update roster: %v", err)
		}
		got, _ = store.GetRoster(ctx, "prod-us")
		if len(got.Traits) != 1 {
			t.Fatalf("Expected 1 trait after update, got %v", got.Traits)
		}

		if err := store.UpsertRoster(ctx, &engine.Roster{Name: "a-first", Type: "gcp"}); err != nil {
			t.Fatalf("failed to upsert roster: %v", err)
		}
		list, err := store.ListRosters(ctx)
		if err != nil {
			t.Fatalf("failed to list rosters: %v", err)
		}
		if len(list) != 2 || list[0].Name != "a-first" {
			t.Fatalf("Expected 2 rosters ordered by name, got %d", len(list))
		}

		if err := store.DeleteRoster(ctx, "prod-us"); err != nil {
			t.Fatalf("failed to delete roster: %v", err)
		}
		if _, err := store.GetRoster(ctx, "prod-us"); !engine.IsNotFound(err) {
			t.Fatalf("Expected NotFound after delete, got %v", err)
		}
		if err := store.DeleteRoster(ctx, "prod-us"); !engine.IsNotFound(err) {
			t.Fatalf("Expected NotFound deleting twice, got %v", err)
		}
	})

	t.Run("UpsertDutyKeepsEngineState", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		seedPair(t, store, "web", "r1")

		if err := store.SetDutyStatus(ctx, "web", engine.PhaseDeployed); err != nil {
			t.Fatalf("failed to set status: %v", err)
		}

		if err := store.UpsertDuty(ctx, &engine.Duty{
			Name:      "web",
			Type:      "echo",
			Backend:   "local",
			DependsOn: []string{"net"},
			Spec:      map[string]interface{}{"size": float64(2)},
		}); err != nil {
			t.Fatalf("failed to upsert duty: %v", err)
		}

		got, err := store.GetDuty(ctx, "web")
		if err != nil {
			t.Fatalf("failed to get duty: %v", err)
		}
		if got.Status != engine.PhaseDeployed {
			t.Fatalf("Expected status to survive upsert, got %s", got.Status)
		}
		if len(got.DependsOn) != 1 || got.DependsOn[0] != "net" {
			t.Fatalf("Expected depends_on [net], got %v", got.DependsOn)
		}
		if got.Spec["size"] != float64(2) {
			t.Fatalf("Expected spec size 2, got %v", got.Spec["size"])
		}

		if err := store.SetDutyStatus(ctx, "web", engine.Phase("bogus")); err == nil {
			t.Fatalf("Expected invalid phase to be rejected")
		}
		if err := store.UpsertDuty(ctx, &engine.Duty{Name: "self", Type: "echo", Backend: "local", DependsOn: []string{"self"}}); err == nil {
			t.Fatalf("Expected self dependency to be rejected")
		}
	})

	t.Run("ExecutionLock", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		seedPair(t, store, "web", "r1")

		first := &engine.DutyExecution{Duty: "web", Roster: "r1", Operation: engine.OperationApply}
		if err := store.BeginExecution(ctx, first); err != nil {
			t.Fatalf("failed to begin execution: %v", err)
		}
		if first.ID == "" || first.Status != engine.ExecutionStatusRunning {
			t.Fatalf("Expected running execution with ID, got %+v", first)
		}

		second := &engine.DutyExecution{Duty: "web", Roster: "r1", Operation: engine.OperationApply}
		err := store.BeginExecution(ctx, second)
		if !engine.IsLockContention(err) {
			t.Fatalf("Expected LockContention, got %v", err)
		}

		// A different roster is a different pair.
		if err := store.UpsertRoster(ctx, &engine.Roster{Name: "r2", Type: "aws"}); err != nil {
			t.Fatalf("failed to upsert roster: %v", err)
		}
		other := &engine.DutyExecution{Duty: "web", Roster: "r2"}
		if err := store.BeginExecution(ctx, other); err != nil {
			t.Fatalf("Expected other pair to start, got %v", err)
		}

		completeSucceeded(t, store, first, engine.PhaseDeployed, map[string]interface{}{"id": "b-1"})

		third := &engine.DutyExecution{Duty: "web", Roster: "r1"}
		if err := store.BeginExecution(ctx, third); err != nil {
			t.Fatalf("Expected lock released after completion, got %v", err)
		}

		if err := store.BeginExecution(ctx, &engine.DutyExecution{Duty: "missing", Roster: "r1"}); !engine.IsNotFound(err) {
			t.Fatalf("Expected NotFound for unknown duty, got %v", err)
		}
	})

	t.Run("CompleteExecution", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		seedPair(t, store, "web", "r1")

		exec := &engine.DutyExecution{Duty: "web", Roster: "r1", ReconciliationID: "rec-1"}
		if err := store.BeginExecution(ctx, exec); err != nil {
			t.Fatalf("failed to begin execution: %v", err)
		}
		completeSucceeded(t, store, exec, engine.PhaseDeployed, map[string]interface{}{"arn": "arn:1"})

		target, err := store.GetTarget(ctx, "web", "r1")
		if err != nil {
			t.Fatalf("failed to get target: %v", err)
		}
		if target.Phase != engine.PhaseDeployed || target.Outputs["arn"] != "arn:1" {
			t.Fatalf("Expected deployed target with outputs, got %+v", target)
		}
		if target.LastExecutionID != exec.ID {
			t.Fatalf("Expected last execution %s, got %s", exec.ID, target.LastExecutionID)
		}

		duty, _ := store.GetDuty(ctx, "web")
		if duty.Status != engine.PhaseDeployed {
			t.Fatalf("Expected duty status deployed, got %s", duty.Status)
		}
		if r1, _ := duty.Outputs["r1"].(map[string]interface{}); r1["arn"] != "arn:1" {
			t.Fatalf("Expected duty outputs for r1, got %v", duty.Outputs)
		}

		stored, err := store.GetExecution(ctx, exec.ID)
		if err != nil {
			t.Fatalf("failed to get execution: %v", err)
		}
		if stored.Status != engine.ExecutionStatusSucceeded || stored.Attempts != 2 || stored.CompletedAt == nil {
			t.Fatalf("Expected completed execution with 2 attempts, got %+v", stored)
		}
		if stored.ReconciliationID != "rec-1" {
			t.Fatalf("Expected reconciliation id rec-1, got %s", stored.ReconciliationID)
		}

		// Completing twice violates exactly-once completion.
		if err := store.CompleteExecution(ctx, exec, target); err == nil {
			t.Fatalf("Expected error completing an execution twice")
		}

		if _, err := store.GetTarget(ctx, "web", "nowhere"); !engine.IsNotFound(err) {
			t.Fatalf("Expected NotFound for unknown target, got %v", err)
		}
	})

	t.Run("FailedExecutionAggregatesStatus", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		seedPair(t, store, "web", "r1")
		if err := store.UpsertRoster(ctx, &engine.Roster{Name: "r2", Type: "aws", Traits: []string{"aws"}}); err != nil {
			t.Fatalf("failed to upsert roster: %v", err)
		}

		ok := &engine.DutyExecution{Duty: "web", Roster: "r1"}
		_ = store.BeginExecution(ctx, ok)
		completeSucceeded(t, store, ok, engine.PhaseDeployed, nil)

		bad := &engine.DutyExecution{Duty: "web", Roster: "r2"}
		_ = store.BeginExecution(ctx, bad)
		now := time.Now()
		bad.Status = engine.ExecutionStatusFailed
		bad.Phase = engine.PhaseFailed
		bad.Reason = engine.ErrCodeValidation
		bad.Error = "bad spec"
		bad.CompletedAt = &now
		if err := store.CompleteExecution(ctx, bad, &engine.DutyTarget{
			Duty: "web", Roster: "r2", Phase: engine.PhaseFailed, Message: "bad spec", LastExecutionID: bad.ID,
		}); err != nil {
			t.Fatalf("failed to complete execution: %v", err)
		}

		duty, _ := store.GetDuty(ctx, "web")
		if duty.Status != engine.PhaseFailed {
			t.Fatalf("Expected aggregated status failed, got %s", duty.Status)
		}

		latest, err := store.LatestExecution(ctx, "web", "r2")
		if err != nil {
			t.Fatalf("failed to get latest execution: %v", err)
		}
		if latest.Reason != engine.ErrCodeValidation {
			t.Fatalf("Expected reason %s, got %s", engine.ErrCodeValidation, latest.Reason)
		}

		targets, err := store.ListTargets(ctx, "web")
		if err != nil {
			t.Fatalf("failed to list targets: %v", err)
		}
		if len(targets) != 2 || targets[0].Roster != "r1" {
			t.Fatalf("Expected 2 targets ordered by roster, got %d", len(targets))
		}
	})

	t.Run("DestroyMovesThroughDestroying", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		seedPair(t, store, "web", "r1")

		apply := &engine.DutyExecution{Duty: "web", Roster: "r1"}
		_ = store.BeginExecution(ctx, apply)
		completeSucceeded(t, store, apply, engine.PhaseDeployed, map[string]interface{}{"id": "x"})

		destroy := &engine.DutyExecution{Duty: "web", Roster: "r1", Operation: engine.OperationDestroy}
		if err := store.BeginExecution(ctx, destroy); err != nil {
			t.Fatalf("failed to begin destroy: %v", err)
		}
		target, _ := store.GetTarget(ctx, "web", "r1")
		if target.Phase != engine.PhaseDestroying {
			t.Fatalf("Expected destroying, got %s", target.Phase)
		}
		if target.Outputs["id"] != "x" {
			t.Fatalf("Expected outputs kept while destroying, got %v", target.Outputs)
		}
		duty, _ := store.GetDuty(ctx, "web")
		if duty.Status != engine.PhaseDestroying {
			t.Fatalf("Expected duty destroying, got %s", duty.Status)
		}

		now := time.Now()
		destroy.Status = engine.ExecutionStatusSucceeded
		destroy.Phase = engine.PhaseAbsent
		destroy.CompletedAt = &now
		if err := store.CompleteExecution(ctx, destroy, &engine.DutyTarget{
			Duty: "web", Roster: "r1", Phase: engine.PhaseAbsent, LastExecutionID: destroy.ID,
		}); err != nil {
			t.Fatalf("failed to complete destroy: %v", err)
		}

		duty, _ = store.GetDuty(ctx, "web")
		if duty.Status != engine.PhaseAbsent {
			t.Fatalf("Expected duty absent, got %s", duty.Status)
		}
		if len(duty.Outputs) != 0 {
			t.Fatalf("Expected outputs cleared, got %v", duty.Outputs)
		}
	})

	t.Run("DutyOutputsPerRoster", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		seedPair(t, store, "web", "r1")
		seedPair(t, store, "web", "r2")

		// r2 finishes first; the duty keeps both rosters' outputs.
		for _, roster := range []string{"r2", "r1"} {
			exec := &engine.DutyExecution{Duty: "web", Roster: roster, Operation: engine.OperationApply}
			if err := store.BeginExecution(ctx, exec); err != nil {
				t.Fatalf("failed to begin execution on %s: %v", roster, err)
			}
			completeSucceeded(t, store, exec, engine.PhaseDeployed, map[string]interface{}{"arn": "arn:" + roster})
		}

		duty, err := store.GetDuty(ctx, "web")
		if err != nil {
			t.Fatalf("failed to get duty: %v", err)
		}
		for _, roster := range []string{"r1", "r2"} {
			got, _ := duty.Outputs[roster].(map[string]interface{})
			if got["arn"] != "arn:"+roster {
				t.Errorf("Expected outputs of %s, got %v", roster, duty.Outputs)
			}
		}

		destroy := &engine.DutyExecution{Duty: "web", Roster: "r2", Operation: engine.OperationDestroy}
		if err := store.BeginExecution(ctx, destroy); err != nil {
			t.Fatalf("failed to begin destroy: %v", err)
		}
		completeSucceeded(t, store, destroy, engine.PhaseAbsent, nil)

		duty, _ = store.GetDuty(ctx, "web")
		if _, ok := duty.Outputs["r2"]; ok || duty.Outputs["r1"] == nil {
			t.Errorf("Expected only r1 outputs after destroying r2, got %v", duty.Outputs)
		}
	})

	t.Run("RecoverStaleExecutions", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		seedPair(t, store, "web", "r1")
		seedPair(t, store, "db", "r1")

		stale := &engine.DutyExecution{Duty: "web", Roster: "r1", StartedAt: time.Now().Add(-2 * time.Hour)}
		if err := store.BeginExecution(ctx, stale); err != nil {
			t.Fatalf("failed to begin execution: %v", err)
		}
		fresh := &engine.DutyExecution{Duty: "db", Roster: "r1"}
		if err := store.BeginExecution(ctx, fresh); err != nil {
			t.Fatalf("failed to begin execution: %v", err)
		}

		n, err := store.RecoverStaleExecutions(ctx, time.Hour)
		if err != nil {
			t.Fatalf("failed to recover: %v", err)
		}
		if n != 1 {
			t.Fatalf("Expected 1 recovered execution, got %d", n)
		}

		got, _ := store.GetExecution(ctx, stale.ID)
		if got.Status != engine.ExecutionStatusFailed || got.Reason != engine.ErrCodeInternal {
			t.Fatalf("Expected failed INTERNAL_ERROR, got %s %s", got.Status, got.Reason)
		}
		got, _ = store.GetExecution(ctx, fresh.ID)
		if got.Status != engine.ExecutionStatusRunning {
			t.Fatalf("Expected fresh execution still running, got %s", got.Status)
		}

		// The pair lock is released.
		if err := store.BeginExecution(ctx, &engine.DutyExecution{Duty: "web", Roster: "r1"}); err != nil {
			t.Fatalf("Expected lock released after recovery, got %v", err)
		}
	})

	t.Run("DeleteGuards", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		seedPair(t, store, "web", "r1")

		exec := &engine.DutyExecution{Duty: "web", Roster: "r1"}
		_ = store.BeginExecution(ctx, exec)

		if err := store.DeleteRoster(ctx, "r1"); err == nil {
			t.Fatalf("Expected roster with running execution to be kept")
		}
		completeSucceeded(t, store, exec, engine.PhaseDeployed, nil)

		if err := store.DeleteDuty(ctx, "web"); err == nil {
			t.Fatalf("Expected duty with history to be kept")
		}

		if err := store.DeleteRoster(ctx, "r1"); err != nil {
			t.Fatalf("failed to delete roster: %v", err)
		}
		got, err := store.GetExecution(ctx, exec.ID)
		if err != nil {
			t.Fatalf("Expected history kept after roster delete, got %v", err)
		}
		if got.Roster != "" {
			t.Fatalf("Expected roster reference cleared, got %q", got.Roster)
		}
		if _, err := store.GetTarget(ctx, "web", "r1"); !engine.IsNotFound(err) {
			t.Fatalf("Expected pair state removed, got %v", err)
		}

		if err := store.UpsertDuty(ctx, &engine.Duty{Name: "fresh", Type: "echo", Backend: "local"}); err != nil {
			t.Fatalf("failed to upsert duty: %v", err)
		}
		if err := store.DeleteDuty(ctx, "fresh"); err != nil {
			t.Fatalf("Expected never-executed duty to be deleted, got %v", err)
		}
	})

	t.Run("StackSyncCompareAndSet", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		stack := &engine.Stack{
			Name:       "infra",
			SourceType: "git",
			Source:     map[string]string{"url": "https://example.com/infra.git", "branch": "main"},
			ConfigPath: "g8r",
			Interval:   5 * time.Minute,
		}
		if err := store.UpsertStack(ctx, stack); err != nil {
			t.Fatalf("failed to upsert stack: %v", err)
		}

		got, err := store.GetStack(ctx, "infra")
		if err != nil {
			t.Fatalf("failed to get stack: %v", err)
		}
		if got.Status != engine.StackStatusPending || got.Interval != 5*time.Minute || got.Source["branch"] != "main" {
			t.Fatalf("Expected stored stack, got %+v", got)
		}

		if err := store.UpdateStackSync(ctx, "infra", StackSync{
			Status: engine.StackStatusSynced, ExpectedVersion: "", Version: "abc",
		}); err != nil {
			t.Fatalf("failed to update sync: %v", err)
		}

		err = store.UpdateStackSync(ctx, "infra", StackSync{
			Status: engine.StackStatusSynced, ExpectedVersion: "", Version: "def",
		})
		if err == nil || engine.ReasonOf(err) != engine.ErrCodeConflict {
			t.Fatalf("Expected CONFLICT on stale expected version, got %v", err)
		}

		got, _ = store.GetStack(ctx, "infra")
		if got.LastSyncVersion != "abc" || got.LastSyncAt == nil {
			t.Fatalf("Expected version abc with sync time, got %q %v", got.LastSyncVersion, got.LastSyncAt)
		}

		if err := store.UpdateStackSync(ctx, "infra", StackSync{
			Status: engine.StackStatusError, Error: "fetch failed", ExpectedVersion: "abc",
		}); err != nil {
			t.Fatalf("failed to record error: %v", err)
		}
		got, _ = store.GetStack(ctx, "infra")
		if got.Status != engine.StackStatusError || got.LastSyncVersion != "abc" {
			t.Fatalf("Expected error status keeping version, got %s %q", got.Status, got.LastSyncVersion)
		}

		if err := store.UpdateStackSync(ctx, "missing", StackSync{}); !engine.IsNotFound(err) {
			t.Fatalf("Expected NotFound, got %v", err)
		}

		// Re-upserting the definition keeps sync state.
		if err := store.UpsertStack(ctx, &engine.Stack{Name: "infra", SourceType: "git", Interval: time.Minute}); err != nil {
			t.Fatalf("failed to upsert stack: %v", err)
		}
		got, _ = store.GetStack(ctx, "infra")
		if got.LastSyncVersion != "abc" || got.Interval != time.Minute {
			t.Fatalf("Expected sync state kept and interval updated, got %+v", got)
		}

		if err := store.DeleteStack(ctx, "infra"); err != nil {
			t.Fatalf("failed to delete stack: %v", err)
		}
		stacks, _ := store.ListStacks(ctx)
		if len(stacks) != 0 {
			t.Fatalf("Expected no stacks, got %d", len(stacks))
		}
	})

	t.Run("QueueLifecycle", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		queue := &engine.Queue{
			Name:           "events",
			QueueType:      "redis",
			Config:         map[string]string{"stream": "g8r:events"},
			MessageHandler: "json",
		}
		if err := store.UpsertQueue(ctx, queue); err != nil {
			t.Fatalf("failed to upsert queue: %v", err)
		}
		if err := store.SetQueueStatus(ctx, "events", engine.QueueStatusPaused, ""); err != nil {
			t.Fatalf("failed to pause queue: %v", err)
		}
		if err := store.UpsertQueue(ctx, queue); err != nil {
			t.Fatalf("failed to upsert queue: %v", err)
		}

		got, err := store.GetQueue(ctx, "events")
		if err != nil {
			t.Fatalf("failed to get queue: %v", err)
		}
		if got.Status != engine.QueueStatusPaused {
			t.Fatalf("Expected paused status to survive upsert, got %s", got.Status)
		}
		if got.Config["stream"] != "g8r:events" {
			t.Fatalf("Expected config stream, got %v", got.Config)
		}

		if err := store.SetQueueStatus(ctx, "missing", engine.QueueStatusActive, ""); !engine.IsNotFound(err) {
			t.Fatalf("Expected NotFound, got %v", err)
		}
		if err := store.DeleteQueue(ctx, "events"); err != nil {
			t.Fatalf("failed to delete queue: %v", err)
		}
		queues, _ := store.ListQueues(ctx)
		if len(queues) != 0 {
			t.Fatalf("Expected no queues, got %d", len(queues))
		}
	})

	t.Run("ReconciliationLifecycle", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		older := &engine.Reconciliation{
			SourceType: engine.SourceTypeStack,
			SourceName: "infra",
			Trigger:    engine.TriggerScheduled,
			StartedAt:  time.Now().Add(-time.Minute),
		}
		if err := store.CreateReconciliation(ctx, older); err != nil {
			t.Fatalf("failed to create reconciliation: %v", err)
		}
		if older.ID == "" || older.Status != engine.ReconciliationRunning {
			t.Fatalf("Expected running reconciliation with ID, got %+v", older)
		}

		older.Status = engine.ReconciliationFailed
		older.Duties = []string{"a"}
		older.Outcomes = []engine.DutyOutcome{
			{Duty: "a", Roster: "r1", Status: engine.OutcomeFailed, Reason: engine.ErrCodePermanent},
			{Duty: "b", Roster: "r1", Status: engine.OutcomeDependencyFailed, Reason: engine.ErrCodeDependencyFailed},
		}
		older.Error = "1 duty failed"
		if err := store.CompleteReconciliation(ctx, older); err != nil {
			t.Fatalf("failed to complete reconciliation: %v", err)
		}
		if err := store.CompleteReconciliation(ctx, older); err == nil {
			t.Fatalf("Expected error completing twice")
		}

		newer := &engine.Reconciliation{
			SourceType: engine.SourceTypeQueue,
			SourceName: "events",
			Trigger:    engine.TriggerEvent,
			Scope:      []string{"b"},
		}
		if err := store.CreateReconciliation(ctx, newer); err != nil {
			t.Fatalf("failed to create reconciliation: %v", err)
		}

		got, err := store.GetReconciliation(ctx, older.ID)
		if err != nil {
			t.Fatalf("failed to get reconciliation: %v", err)
		}
		if got.Status != engine.ReconciliationFailed || len(got.Outcomes) != 2 || got.CompletedAt == nil {
			t.Fatalf("Expected completed failed reconciliation with outcomes, got %+v", got)
		}
		if got.Outcomes[1].Status != engine.OutcomeDependencyFailed {
			t.Fatalf("Expected dependency_failed outcome, got %s", got.Outcomes[1].Status)
		}

		all, err := store.ListReconciliations(ctx, ReconciliationFilter{})
		if err != nil {
			t.Fatalf("failed to list reconciliations: %v", err)
		}
		if len(all) != 2 || all[0].ID != newer.ID {
			t.Fatalf("Expected newest first, got %d records", len(all))
		}

		stackOnly, _ := store.ListReconciliations(ctx, ReconciliationFilter{SourceType: engine.SourceTypeStack, Limit: 10})
		if len(stackOnly) != 1 || stackOnly[0].SourceName != "infra" {
			t.Fatalf("Expected 1 stack reconciliation, got %d", len(stackOnly))
		}

		limited, _ := store.ListReconciliations(ctx, ReconciliationFilter{Limit: 1})
		if len(limited) != 1 {
			t.Fatalf("Expected limit to apply, got %d", len(limited))
		}
	})

	t.Run("ImportSnapshot", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		snap := &engine.Snapshot{
			Rosters: []engine.Roster{{Name: "r1", Type: "aws", Traits: []string{"aws"}}},
			Duties: []engine.Duty{
				{Name: "a", Type: "echo", Backend: "local"},
				{Name: "b", Type: "echo", Backend: "local", DependsOn: []string{"a"}},
			},
		}
		res, err := store.ImportSnapshot(ctx, "infra", snap)
		if err != nil {
			t.Fatalf("failed to import snapshot: %v", err)
		}
		if res.Rosters != 1 || res.Duties != 2 {
			t.Fatalf("Expected 1 roster and 2 duties, got %+v", res)
		}

		b, _ := store.GetDuty(ctx, "b")
		if b.Stack != "infra" || b.Status != engine.PhasePending {
			t.Fatalf("Expected duty owned by infra in pending, got %q %s", b.Stack, b.Status)
		}

		// The next revision drops b.
		snap.Duties = snap.Duties[:1]
		res, err = store.ImportSnapshot(ctx, "infra", snap)
		if err != nil {
			t.Fatalf("failed to import snapshot: %v", err)
		}
		if len(res.OrphanDuties) != 1 || res.OrphanDuties[0] != "b" {
			t.Fatalf("Expected orphan duty b, got %v", res.OrphanDuties)
		}
		if _, err := store.GetDuty(ctx, "b"); err != nil {
			t.Fatalf("Expected orphan to be kept, got %v", err)
		}

		// Another stack cannot take over a name.
		if _, err := store.ImportSnapshot(ctx, "other", &engine.Snapshot{
			Duties: []engine.Duty{{Name: "a", Type: "echo", Backend: "local"}},
		}); engine.ReasonOf(err) != engine.ErrCodeConfiguration {
			t.Fatalf("Expected CONFIGURATION_ERROR, got %v", err)
		}

		// Duplicates within one snapshot are rejected and nothing is written.
		_, err = store.ImportSnapshot(ctx, "dup", &engine.Snapshot{
			Duties: []engine.Duty{
				{Name: "x", Type: "echo", Backend: "local"},
				{Name: "x", Type: "echo", Backend: "local"},
			},
		})
		if err == nil {
			t.Fatalf("Expected duplicate names to be rejected")
		}
		if _, err := store.GetDuty(ctx, "x"); !engine.IsNotFound(err) {
			t.Fatalf("Expected rejected import to be rolled back, got %v", err)
		}

		// A revision with a dependency cycle or an unknown dependency is never stored.
		for _, duties := range [][]engine.Duty{
			{
				{Name: "loop-a", Type: "echo", Backend: "local", DependsOn: []string{"loop-b"}},
				{Name: "loop-b", Type: "echo", Backend: "local", DependsOn: []string{"loop-a"}},
			},
			{
				{Name: "loop-a", Type: "echo", Backend: "local", DependsOn: []string{"ghost"}},
			},
		} {
			_, err = store.ImportSnapshot(ctx, "loop", &engine.Snapshot{Duties: duties})
			if engine.ReasonOf(err) != engine.ErrCodePlan {
				t.Fatalf("Expected PLAN_ERROR, got %v", err)
			}
			if _, err := store.GetDuty(ctx, "loop-a"); !engine.IsNotFound(err) {
				t.Fatalf("Expected rejected import to be rolled back, got %v", err)
			}
		}
	})

	t.Run("StatusReport", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		seedPair(t, store, "web", "r1")

		exec := &engine.DutyExecution{Duty: "web", Roster: "r1"}
		_ = store.BeginExecution(ctx, exec)
		now := time.Now()
		exec.Status = engine.ExecutionStatusFailed
		exec.Phase = engine.PhaseFailed
		exec.Reason = engine.ErrCodeRetryExhausted
		exec.Error = "retries exhausted after 5 attempts"
		exec.CompletedAt = &now
		_ = store.CompleteExecution(ctx, exec, &engine.DutyTarget{Duty: "web", Roster: "r1", Phase: engine.PhaseFailed})

		report, err := engine.BuildStatusReport(ctx, store)
		if err != nil {
			t.Fatalf("failed to build report: %v", err)
		}
		if len(report) != 1 {
			t.Fatalf("Expected 1 duty in report, got %d", len(report))
		}
		if report[0].Phase != engine.PhaseFailed || report[0].LastReason != engine.ErrCodeRetryExhausted {
			t.Fatalf("Expected failed with RETRY_EXHAUSTED, got %s %s", report[0].Phase, report[0].LastReason)
		}
		if len(report[0].Targets) != 1 || report[0].Targets[0].LastExecution == nil {
			t.Fatalf("Expected target with last execution")
		}
	})
}

func completeSucceeded(t *testing.T, store Store, exec *engine.DutyExecution, phase engine.Phase, outputs map[string]interface{}) {
	t.Helper()
	now := time.Now()
	exec.Status = engine.ExecutionStatusSucceeded
	exec.Phase = phase
	exec.Attempts = 2
	exec.Result = map[string]interface{}{"phase": string(phase)}
	exec.CompletedAt = &now
	target := &engine.DutyTarget{
		Duty:            exec.Duty,
		Roster:          exec.Roster,
		Phase:           phase,
		Outputs:         outputs,
		LastExecutionID: exec.ID,
	}
	if err := store.CompleteExecution(context.Background(), exec, target); err != nil {
		t.Fatalf("failed to complete execution: %v", err)
	}
}
