package reconciler

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/goleak"

	"github.com/g8r/g8r/pkg/config"
	"github.com/g8r/g8r/pkg/engine"
	"github.com/g8r/g8r/pkg/handlers/echo"
	"github.com/g8r/g8r/pkg/messages"
	"github.com/g8r/g8r/pkg/sources"
	"github.com/g8r/g8r/pkg/stores"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const webStack = `
rosters:
  - name: r1
    type: local
    traits: [local]
duties:
  - name: a
    type: echo
    backend: local
    spec:
      message: first
  - name: b
    type: echo
    backend: local
    depends_on: [a]
`

// harness wires a file-backed SQLite store, the echo handler and both
// ingestion managers.
type harness struct {
	store     stores.Store
	echo      *echo.Handler
	hub       *sources.MemoryHub
	converger *Converger
	stacks    *StackManager
	queues    *QueueManager
	dir       string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newWrappedHarness(t, func(h engine.Handler) engine.Handler { return h })
}

// newWrappedHarness registers wrap(echo) in place of the echo handler.
func newWrappedHarness(t *testing.T, wrap func(engine.Handler) engine.Handler) *harness {
	t.Helper()

	ctx := context.Background()
	store, err := stores.Open(ctx, stores.Config{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "g8r.db")})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	logger := zerolog.Nop()
	registry := engine.NewRegistry()
	handler := echo.New(logger)
	if err := registry.Register(echo.DutyType, echo.Backend, wrap(handler)); err != nil {
		t.Fatalf("failed to register echo handler: %v", err)
	}

	executor := engine.NewExecutor(store, registry, logger, engine.ExecutorOptions{
		Retry: engine.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	})
	dispatcher := engine.NewDispatcher(store, executor, logger, 4)
	converger := NewConverger(store, dispatcher, nil, nil, logger)

	hub := sources.NewMemoryHub()
	factory := &sources.Factory{
		WorkDir: t.TempDir(),
		Hub:     hub,
		Loader:  config.NewSnapshotLoader(),
		Logger:  logger,
	}

	return &harness{
		store:     store,
		echo:      handler,
		hub:       hub,
		converger: converger,
		stacks:    NewStackManager(store, factory, converger, nil, logger, time.Minute),
		queues:    NewQueueManager(store, factory, messages.DefaultRegistry(logger), converger, nil, logger),
		dir:       t.TempDir(),
	}
}

// addStack writes content as the stack's only file and registers a local stack over it.
func (h *harness) addStack(t *testing.T, name, content string) {
	t.Helper()
	h.writeStack(t, content)
	err := h.store.UpsertStack(context.Background(), &engine.Stack{
		Name:       name,
		SourceType: "local",
		Source:     map[string]string{"path": h.dir},
		ConfigPath: "infra",
	})
	if err != nil {
		t.Fatalf("failed to add stack: %v", err)
	}
}

func (h *harness) writeStack(t *testing.T, content string) {
	t.Helper()
	path := filepath.Join(h.dir, "infra", "main.yaml")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("failed to create dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write stack: %v", err)
	}
}

func outcomeOf(rec *engine.Reconciliation, duty string) engine.DutyOutcome {
	for _, o := range rec.Outcomes {
		if o.Duty == duty {
			return o
		}
	}
	return engine.DutyOutcome{}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSyncStackConvergesInDependencyOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addStack(t, "web", webStack)

	rec, err := h.stacks.SyncStack(ctx, "web", false, engine.TriggerManual)
	if err != nil {
		t.Fatalf("failed to sync stack: %v", err)
	}
	if rec.Status != engine.ReconciliationSucceeded {
		t.Fatalf("Expected succeeded reconciliation, got %s (%s)", rec.Status, rec.Error)
	}
	if len(rec.Duties) != 2 || rec.Duties[0] != "a" || rec.Duties[1] != "b" {
		t.Errorf("Expected duties [a b], got %v", rec.Duties)
	}
	if len(rec.Outcomes) != 2 {
		t.Fatalf("Expected 2 outcomes, got %d", len(rec.Outcomes))
	}

	for _, name := range []string{"a", "b"} {
		duty, err := h.store.GetDuty(ctx, name)
		if err != nil {
			t.Fatalf("failed to get duty %s: %v", name, err)
		}
		if duty.Status != engine.PhaseDeployed {
			t.Errorf("Expected %s deployed, got %s", name, duty.Status)
		}
		if duty.Stack != "web" {
			t.Errorf("Expected %s owned by web, got %q", name, duty.Stack)
		}
	}

	stack, err := h.store.GetStack(ctx, "web")
	if err != nil {
		t.Fatalf("failed to get stack: %v", err)
	}
	if stack.Status != engine.StackStatusSynced || stack.LastSyncVersion != rec.Revision {
		t.Errorf("Expected synced stack at %s, got %s at %s", rec.Revision, stack.Status, stack.LastSyncVersion)
	}

	// Unchanged and converged: nothing is recorded.
	again, err := h.stacks.SyncStack(ctx, "web", false, engine.TriggerScheduled)
	if err != nil || again != nil {
		t.Fatalf("Expected no reconciliation for unchanged stack, got %v, %v", again, err)
	}

	forced, err := h.stacks.SyncStack(ctx, "web", true, engine.TriggerManual)
	if err != nil {
		t.Fatalf("failed to force sync: %v", err)
	}
	if forced.Status != engine.ReconciliationNoop {
		t.Errorf("Expected noop reconciliation, got %s", forced.Status)
	}

	recs, err := h.store.ListReconciliations(ctx, stores.ReconciliationFilter{SourceName: "web"})
	if err != nil {
		t.Fatalf("failed to list reconciliations: %v", err)
	}
	if len(recs) != 2 {
		t.Errorf("Expected 2 reconciliations, got %d", len(recs))
	}

	if creates, applies, _, _ := h.echo.Stats("a", "r1"); creates != 1 || applies != 1 {
		t.Errorf("Expected a applied once, got creates=%d applies=%d", creates, applies)
	}
}

func TestSyncStackNewRevisionReapplies(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addStack(t, "web", webStack)

	first, err := h.stacks.SyncStack(ctx, "web", false, engine.TriggerManual)
	if err != nil {
		t.Fatalf("failed to sync stack: %v", err)
	}

	h.writeStack(t, webStack+`
  - name: c
    type: echo
    backend: local
    depends_on: [b]
`)
	second, err := h.stacks.SyncStack(ctx, "web", false, engine.TriggerEvent)
	if err != nil {
		t.Fatalf("failed to sync new revision: %v", err)
	}
	if second.Revision == first.Revision {
		t.Fatalf("Expected a new revision, got %s twice", second.Revision)
	}
	if second.Status != engine.ReconciliationSucceeded || len(second.Duties) != 3 {
		t.Fatalf("Expected 3 duties converged, got %s with %v", second.Status, second.Duties)
	}

	// The existing resources are updated in place, not recreated.
	if creates, applies, _, _ := h.echo.Stats("a", "r1"); creates != 1 || applies != 2 {
		t.Errorf("Expected a created once and applied twice, got creates=%d applies=%d", creates, applies)
	}
}

func TestSyncStackPermanentFailureFailsDependents(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addStack(t, "web", `
rosters:
  - name: r1
    type: local
duties:
  - name: a
    type: echo
    backend: local
    spec:
      fail: permanent
  - name: b
    type: echo
    backend: local
    depends_on: [a]
`)

	rec, err := h.stacks.SyncStack(ctx, "web", false, engine.TriggerManual)
	if err != nil {
		t.Fatalf("Expected failures to be recorded, not returned: %v", err)
	}
	if rec.Status != engine.ReconciliationFailed || rec.Error == "" {
		t.Fatalf("Expected failed reconciliation with error, got %s %q", rec.Status, rec.Error)
	}
	if o := outcomeOf(rec, "a"); o.Status != engine.OutcomeFailed || o.Reason != engine.ErrCodePermanent {
		t.Errorf("Expected a failed permanently, got %+v", o)
	}
	if o := outcomeOf(rec, "b"); o.Status != engine.OutcomeDependencyFailed {
		t.Errorf("Expected b dependency_failed, got %+v", o)
	}
	if _, applies, _, _ := h.echo.Stats("b", "r1"); applies != 0 {
		t.Errorf("Expected b never applied, got %d applies", applies)
	}

	stack, err := h.store.GetStack(ctx, "web")
	if err != nil {
		t.Fatalf("failed to get stack: %v", err)
	}
	if stack.Status != engine.StackStatusError || stack.LastSyncVersion != rec.Revision {
		t.Errorf("Expected stack in error at %s, got %s at %s", rec.Revision, stack.Status, stack.LastSyncVersion)
	}

	// The revision is unchanged but duties have not converged, so the next sync retries.
	retry, err := h.stacks.SyncStack(ctx, "web", false, engine.TriggerScheduled)
	if err != nil {
		t.Fatalf("failed to retry sync: %v", err)
	}
	if retry == nil || retry.Status != engine.ReconciliationFailed {
		t.Fatalf("Expected a retried failed reconciliation, got %+v", retry)
	}
}

func TestSyncStackIgnoresBrokenDutiesOfOtherStacks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Another stack's duties form a cycle on their own roster.
	if err := h.store.UpsertRoster(ctx, &engine.Roster{Name: "r2", Type: "remote", Traits: []string{"remote"}, Stack: "broken"}); err != nil {
		t.Fatalf("failed to add roster: %v", err)
	}
	for _, d := range []*engine.Duty{
		{Name: "x", Type: "echo", Backend: "local", DependsOn: []string{"y"}, Stack: "broken"},
		{Name: "y", Type: "echo", Backend: "local", DependsOn: []string{"x"}, Stack: "broken"},
	} {
		d.Selector = engine.RosterSelector{Traits: []string{"remote"}}
		if err := h.store.UpsertDuty(ctx, d); err != nil {
			t.Fatalf("failed to add duty: %v", err)
		}
	}

	h.addStack(t, "web", webStack)
	rec, err := h.stacks.SyncStack(ctx, "web", false, engine.TriggerManual)
	if err != nil {
		t.Fatalf("failed to sync stack: %v", err)
	}
	if rec.Status != engine.ReconciliationSucceeded {
		t.Fatalf("Expected succeeded reconciliation, got %s (%s)", rec.Status, rec.Error)
	}

	// A pass over everything fails only the roster whose plan does not resolve.
	all, err := h.converger.Converge(ctx, Pass{
		SourceType: engine.SourceTypeManual,
		SourceName: "cli",
		Trigger:    engine.TriggerManual,
	})
	if err != nil {
		t.Fatalf("failed to converge: %v", err)
	}
	if all.Status != engine.ReconciliationFailed {
		t.Fatalf("Expected failed reconciliation, got %s", all.Status)
	}
	for _, o := range all.Outcomes {
		switch o.Roster {
		case "r1":
			if o.Status != engine.OutcomeSucceeded {
				t.Errorf("Expected %s@r1 to succeed, got %+v", o.Duty, o)
			}
		case "r2":
			if o.Status != engine.OutcomeFailed || o.Reason != engine.ErrCodePlan {
				t.Errorf("Expected %s@r2 to fail with PLAN_ERROR, got %+v", o.Duty, o)
			}
		}
	}
	if _, applies, _, _ := h.echo.Stats("x", "r2"); applies != 0 {
		t.Errorf("Expected x never applied, got %d applies", applies)
	}
}

func TestSyncStackRejectsDependencyCycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addStack(t, "web", `
rosters:
  - name: r1
    type: local
duties:
  - name: x
    type: echo
    backend: local
    depends_on: [y]
  - name: y
    type: echo
    backend: local
    depends_on: [x]
`)

	_, err := h.stacks.SyncStack(ctx, "web", false, engine.TriggerManual)
	if engine.ReasonOf(err) != engine.ErrCodePlan {
		t.Fatalf("Expected PLAN_ERROR, got %v", err)
	}
	if _, err := h.store.GetDuty(ctx, "x"); !engine.IsNotFound(err) {
		t.Errorf("Expected cyclic revision not to be stored, got %v", err)
	}

	stack, err := h.store.GetStack(ctx, "web")
	if err != nil {
		t.Fatalf("failed to get stack: %v", err)
	}
	if stack.Status != engine.StackStatusError || stack.LastSyncVersion != "" {
		t.Errorf("Expected stack in error with no synced revision, got %s at %q", stack.Status, stack.LastSyncVersion)
	}
}

func TestSyncStackRetriesTransientFailures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addStack(t, "web", `
rosters:
  - name: r1
    type: local
duties:
  - name: flaky
    type: echo
    backend: local
    spec:
      fail: transient
      fail_times: 2
`)

	rec, err := h.stacks.SyncStack(ctx, "web", false, engine.TriggerManual)
	if err != nil {
		t.Fatalf("failed to sync stack: %v", err)
	}
	o := outcomeOf(rec, "flaky")
	if o.Status != engine.OutcomeSucceeded {
		t.Fatalf("Expected flaky to succeed after retries, got %+v", o)
	}
	if o.Attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", o.Attempts)
	}
}

func TestSyncStackSourceError(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	err := h.store.UpsertStack(ctx, &engine.Stack{
		Name:       "broken",
		SourceType: "local",
		Source:     map[string]string{"path": filepath.Join(h.dir, "missing")},
		ConfigPath: "infra",
	})
	if err != nil {
		t.Fatalf("failed to add stack: %v", err)
	}

	if _, err := h.stacks.SyncStack(ctx, "broken", false, engine.TriggerManual); err == nil {
		t.Fatalf("Expected error for missing source path")
	}

	stack, err := h.store.GetStack(ctx, "broken")
	if err != nil {
		t.Fatalf("failed to get stack: %v", err)
	}
	if stack.Status != engine.StackStatusError || stack.Error == "" {
		t.Errorf("Expected stack error recorded, got %s %q", stack.Status, stack.Error)
	}
	if stack.LastSyncVersion != "" {
		t.Errorf("Expected revision unchanged, got %s", stack.LastSyncVersion)
	}

	if _, err := h.stacks.SyncStack(ctx, "nope", false, engine.TriggerManual); !engine.IsNotFound(err) {
		t.Errorf("Expected not found for unknown stack, got %v", err)
	}
}

func TestDestroyStack(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addStack(t, "web", webStack)

	if _, err := h.stacks.SyncStack(ctx, "web", false, engine.TriggerManual); err != nil {
		t.Fatalf("failed to sync stack: %v", err)
	}

	if _, err := h.stacks.DestroyStack(ctx, "web", false); !engine.HasCode(err, engine.ErrCodeConfirmationRequired) {
		t.Fatalf("Expected confirmation required, got %v", err)
	}

	rec, err := h.stacks.DestroyStack(ctx, "web", true)
	if err != nil {
		t.Fatalf("failed to destroy stack: %v", err)
	}
	if rec.Operation != engine.OperationDestroy || rec.Status != engine.ReconciliationSucceeded {
		t.Fatalf("Expected succeeded destroy, got %s %s (%s)", rec.Operation, rec.Status, rec.Error)
	}
	// Dependents are destroyed first.
	if len(rec.Duties) != 2 || rec.Duties[0] != "b" || rec.Duties[1] != "a" {
		t.Errorf("Expected duties [b a], got %v", rec.Duties)
	}

	for _, name := range []string{"a", "b"} {
		duty, err := h.store.GetDuty(ctx, name)
		if err != nil {
			t.Fatalf("failed to get duty %s: %v", name, err)
		}
		if duty.Status != engine.PhaseAbsent {
			t.Errorf("Expected %s absent, got %s", name, duty.Status)
		}
		if _, _, destroys, exists := h.echo.Stats(name, "r1"); destroys != 1 || exists {
			t.Errorf("Expected %s destroyed once, got destroys=%d exists=%v", name, destroys, exists)
		}
	}
}

func TestConvergeUnknownDutyIsRecorded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addStack(t, "web", webStack)

	rec, err := h.converger.Converge(ctx, Pass{
		SourceType: engine.SourceTypeManual,
		SourceName: "cli",
		Trigger:    engine.TriggerManual,
		Duties:     []string{"ghost"},
	})
	if err != nil {
		t.Fatalf("Expected the failure to be recorded, got %v", err)
	}
	if rec.Status != engine.ReconciliationFailed || rec.Error == "" {
		t.Errorf("Expected failed reconciliation, got %s %q", rec.Status, rec.Error)
	}

	stored, err := h.store.GetReconciliation(ctx, rec.ID)
	if err != nil {
		t.Fatalf("failed to get reconciliation: %v", err)
	}
	if stored.Status != engine.ReconciliationFailed || stored.CompletedAt == nil {
		t.Errorf("Expected completed failed record, got %s", stored.Status)
	}
}

func TestQueueMessagesConvergeScopedDuties(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addStack(t, "web", webStack)

	if _, err := h.stacks.SyncStack(ctx, "web", false, engine.TriggerManual); err != nil {
		t.Fatalf("failed to sync stack: %v", err)
	}
	if err := h.store.UpsertQueue(ctx, &engine.Queue{Name: "events", QueueType: "memory", MessageHandler: "json"}); err != nil {
		t.Fatalf("failed to add queue: %v", err)
	}

	h.hub.Publish("events", []byte(`{"duties": ["b"], "reason": "certificate renewed"}`), map[string]string{"revision": "evt-1"})
	h.hub.Publish("events", []byte(`not json`), nil)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- h.queues.Run(runCtx) }()

	q := h.hub.Queue("events")
	waitFor(t, "both messages acknowledged", func() bool { return len(q.Acked()) == 2 })
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("queue manager returned error: %v", err)
	}

	recs, err := h.store.ListReconciliations(ctx, stores.ReconciliationFilter{SourceType: engine.SourceTypeQueue})
	if err != nil {
		t.Fatalf("failed to list reconciliations: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("Expected 2 queue reconciliations, got %d", len(recs))
	}

	var converged, rejected *engine.Reconciliation
	for _, r := range recs {
		if r.Status == engine.ReconciliationSucceeded {
			converged = r
		} else {
			rejected = r
		}
	}
	if converged == nil || rejected == nil {
		t.Fatalf("Expected one succeeded and one failed reconciliation, got %+v", recs)
	}
	if converged.Revision != "evt-1" || len(converged.Duties) != 1 || converged.Duties[0] != "b" {
		t.Errorf("Expected only b converged at evt-1, got %v at %s", converged.Duties, converged.Revision)
	}
	if rejected.Status != engine.ReconciliationFailed || rejected.Error == "" {
		t.Errorf("Expected rejected message recorded as failure, got %s %q", rejected.Status, rejected.Error)
	}

	if _, applies, _, _ := h.echo.Stats("a", "r1"); applies != 1 {
		t.Errorf("Expected a untouched by the queue pass, got %d applies", applies)
	}
	if _, applies, _, _ := h.echo.Stats("b", "r1"); applies != 2 {
		t.Errorf("Expected b applied again, got %d applies", applies)
	}
}

// cancellingHandler cancels a context the first time it applies one duty.
type cancellingHandler struct {
	engine.Handler

	duty   string
	cancel func()
	once   sync.Once
}

func (c *cancellingHandler) Apply(ctx context.Context, roster *engine.Roster, duty *engine.Duty) (*engine.HandlerResult, error) {
	if duty.Name == c.duty {
		c.once.Do(c.cancel)
	}
	return c.Handler.Apply(ctx, roster, duty)
}

func TestQueueInterruptedPassIsRedelivered(t *testing.T) {
	ctx := context.Background()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	h := newWrappedHarness(t, func(inner engine.Handler) engine.Handler {
		return &cancellingHandler{Handler: inner, duty: "a", cancel: cancel}
	})
	if err := h.store.UpsertQueue(ctx, &engine.Queue{Name: "events", QueueType: "memory", MessageHandler: "json"}); err != nil {
		t.Fatalf("failed to add queue: %v", err)
	}
	if _, err := h.store.ImportSnapshot(ctx, "web", &engine.Snapshot{
		Rosters: []engine.Roster{{Name: "r1", Type: "local"}},
		Duties: []engine.Duty{
			{Name: "a", Type: "echo", Backend: "local"},
			{Name: "b", Type: "echo", Backend: "local", DependsOn: []string{"a"}},
		},
	}); err != nil {
		t.Fatalf("failed to import duties: %v", err)
	}

	id := h.hub.Publish("events", []byte(`{"duties": ["a", "b"]}`), nil)

	// Applying a cancels the consumer, so b is never dispatched.
	if err := h.queues.Run(runCtx); err != nil {
		t.Fatalf("queue manager returned error: %v", err)
	}

	q := h.hub.Queue("events")
	if len(q.Acked()) != 0 || q.Pending() != 1 {
		t.Fatalf("Expected message left for redelivery, got acked=%v pending=%d", q.Acked(), q.Pending())
	}
	if _, applies, _, _ := h.echo.Stats("b", "r1"); applies != 0 {
		t.Fatalf("Expected b not applied, got %d applies", applies)
	}

	recs, err := h.store.ListReconciliations(ctx, stores.ReconciliationFilter{SourceType: engine.SourceTypeQueue})
	if err != nil {
		t.Fatalf("failed to list reconciliations: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("Expected the interrupted pass to be recorded, got %d reconciliations", len(recs))
	}
	if o := outcomeOf(recs[0], "b"); o.Status != engine.OutcomeSkipped || o.Reason != engine.ErrCodeCancelled {
		t.Errorf("Expected b skipped with CANCELLED, got %+v", o)
	}

	// The next consumer picks the message up again and finishes the pass.
	againCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- h.queues.Run(againCtx) }()
	waitFor(t, "redelivered message acknowledged", func() bool { return len(q.Acked()) == 1 })
	stop()
	if err := <-done; err != nil {
		t.Fatalf("queue manager returned error: %v", err)
	}

	if q.Acked()[0] != id {
		t.Errorf("Expected message %s acknowledged, got %v", id, q.Acked())
	}
	if _, applies, _, _ := h.echo.Stats("b", "r1"); applies != 1 {
		t.Errorf("Expected b applied after redelivery, got %d applies", applies)
	}
}

func TestQueuePauseAndResume(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addStack(t, "web", webStack)
	if _, err := h.stacks.SyncStack(ctx, "web", false, engine.TriggerManual); err != nil {
		t.Fatalf("failed to sync stack: %v", err)
	}
	if err := h.store.UpsertQueue(ctx, &engine.Queue{Name: "events", QueueType: "memory", MessageHandler: "json"}); err != nil {
		t.Fatalf("failed to add queue: %v", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- h.queues.Run(runCtx) }()
	defer func() {
		cancel()
		<-done
	}()

	q := h.hub.Queue("events")
	h.hub.Publish("events", []byte(`{}`), nil)
	waitFor(t, "first message acknowledged", func() bool { return len(q.Acked()) == 1 })

	if err := h.queues.Pause(ctx, "events"); err != nil {
		t.Fatalf("failed to pause queue: %v", err)
	}
	queue, err := h.store.GetQueue(ctx, "events")
	if err != nil {
		t.Fatalf("failed to get queue: %v", err)
	}
	if queue.Status != engine.QueueStatusPaused {
		t.Errorf("Expected paused queue, got %s", queue.Status)
	}

	h.hub.Publish("events", []byte(`{}`), nil)
	time.Sleep(50 * time.Millisecond)
	if q.Pending() != 1 || len(q.Acked()) != 1 {
		t.Fatalf("Expected message held while paused, got pending=%d acked=%d", q.Pending(), len(q.Acked()))
	}

	if err := h.queues.Resume(ctx, "events"); err != nil {
		t.Fatalf("failed to resume queue: %v", err)
	}
	waitFor(t, "held message acknowledged", func() bool { return len(q.Acked()) == 2 })

	if err := h.queues.Pause(ctx, "missing"); !engine.IsNotFound(err) {
		t.Errorf("Expected not found for unknown queue, got %v", err)
	}
}

func TestQueueUnknownHandlerStopsConsumer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.store.UpsertQueue(ctx, &engine.Queue{Name: "events", QueueType: "memory", MessageHandler: "cobol"}); err != nil {
		t.Fatalf("failed to add queue: %v", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- h.queues.Run(runCtx) }()
	defer func() {
		cancel()
		<-done
	}()

	waitFor(t, "queue in error", func() bool {
		queue, err := h.store.GetQueue(ctx, "events")
		return err == nil && queue.Status == engine.QueueStatusError && queue.Error != ""
	})
}

func TestSchedulerRecoversStaleExecutions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.store.UpsertRoster(ctx, &engine.Roster{Name: "r1", Type: "local"}); err != nil {
		t.Fatalf("failed to add roster: %v", err)
	}
	if err := h.store.UpsertDuty(ctx, &engine.Duty{Name: "a", Type: echo.DutyType, Backend: echo.Backend}); err != nil {
		t.Fatalf("failed to add duty: %v", err)
	}
	exec := &engine.DutyExecution{Duty: "a", Roster: "r1", StartedAt: time.Now().Add(-time.Hour)}
	if err := h.store.BeginExecution(ctx, exec); err != nil {
		t.Fatalf("failed to begin execution: %v", err)
	}

	// Without managers Run returns once recovery is done.
	if err := NewScheduler(h.store, nil, nil, time.Minute, zerolog.Nop()).Run(ctx); err != nil {
		t.Fatalf("scheduler returned error: %v", err)
	}

	got, err := h.store.GetExecution(ctx, exec.ID)
	if err != nil {
		t.Fatalf("failed to get execution: %v", err)
	}
	if got.Status != engine.ExecutionStatusFailed {
		t.Errorf("Expected stale execution failed, got %s", got.Status)
	}

	// The pair lock is released, so the pair can execute again.
	rec, err := h.converger.Converge(ctx, Pass{SourceType: engine.SourceTypeManual, SourceName: "cli", Trigger: engine.TriggerManual})
	if err != nil {
		t.Fatalf("failed to converge: %v", err)
	}
	if rec.Status != engine.ReconciliationSucceeded {
		t.Errorf("Expected succeeded reconciliation, got %s (%s)", rec.Status, rec.Error)
	}
}
