package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/g8r/g8r/pkg/engine"
	"github.com/g8r/g8r/pkg/sources"
	"github.com/g8r/g8r/pkg/stores"
	"github.com/g8r/g8r/pkg/telemetry"
)

// StackSourceFactory builds the source of a stack.
type StackSourceFactory interface {
	StackSource(stack *engine.Stack) (sources.StackSource, error)
}

// StackManager pulls stacks on their intervals, imports new revisions and
// converges the stacks' duties.
type StackManager struct {
	store           stores.Store
	sources         StackSourceFactory
	converger       *Converger
	metrics         *telemetry.Metrics
	logger          zerolog.Logger
	defaultInterval time.Duration

	// rescan is how often Run looks for added, removed or changed stacks.
	rescan time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStackManager creates a stack manager. Stacks without an interval use defaultInterval.
func NewStackManager(
	store stores.Store,
	factory StackSourceFactory,
	converger *Converger,
	metrics *telemetry.Metrics,
	logger zerolog.Logger,
	defaultInterval time.Duration,
) *StackManager {
	if defaultInterval <= 0 {
		defaultInterval = 5 * time.Minute
	}
	return &StackManager{
		store:           store,
		sources:         factory,
		converger:       converger,
		metrics:         metrics,
		logger:          logger.With().Str("component", "stack-manager").Logger(),
		defaultInterval: defaultInterval,
		rescan:          30 * time.Second,
		locks:           make(map[string]*sync.Mutex),
	}
}

// lock serializes syncs of one stack.
func (m *StackManager) lock(name string) func() {
	m.mu.Lock()
	l, ok := m.locks[name]
	if !ok {
		l = &sync.Mutex{}
		m.locks[name] = l
	}
	m.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// SyncStack fetches the stack's current revision and converges it. A new
// revision is imported first. An unchanged revision only runs a pass when
// some of the stack's duties have not converged; when force is set and
// nothing is pending, a noop reconciliation is recorded. The returned
// reconciliation is nil when nothing was recorded.
func (m *StackManager) SyncStack(ctx context.Context, name string, force bool, trigger engine.Trigger) (*engine.Reconciliation, error) {
	unlock := m.lock(name)
	defer unlock()

	stack, err := m.store.GetStack(ctx, name)
	if err != nil {
		return nil, err
	}
	logger := m.logger.With().Str("stack", name).Logger()

	src, err := m.sources.StackSource(stack)
	if err != nil {
		m.fail(ctx, stack, err)
		return nil, err
	}

	revision, err := src.Revision(ctx)
	if err != nil {
		m.fail(ctx, stack, err)
		return nil, err
	}

	pass := Pass{
		SourceType: engine.SourceTypeStack,
		SourceName: name,
		Revision:   revision,
		Trigger:    trigger,
		Stack:      name,
	}

	if revision == stack.LastSyncVersion {
		pending, err := m.pendingDuties(ctx, name)
		if err != nil {
			return nil, err
		}
		if len(pending) == 0 {
			m.metrics.RecordStackSync(name, "unchanged")
			if !force {
				logger.Debug().Str("revision", revision).Msg("Stack unchanged")
				return nil, nil
			}
			return m.converger.RecordNoop(ctx, pass)
		}
		logger.Info().Str("revision", revision).Strs("pending", pending).Msg("Retrying unconverged duties")
	} else {
		if err := m.setStatus(ctx, stack, engine.StackStatusSyncing, ""); err != nil {
			return nil, err
		}

		snapshot, err := src.Load(ctx, revision)
		if err != nil {
			m.fail(ctx, stack, err)
			return nil, err
		}

		imported, err := m.store.ImportSnapshot(ctx, name, snapshot)
		if err != nil {
			m.fail(ctx, stack, err)
			return nil, err
		}

		event := logger.Info().
			Str("revision", revision).
			Str("previous", stack.LastSyncVersion).
			Int("rosters", imported.Rosters).
			Int("duties", imported.Duties)
		if len(imported.OrphanDuties) > 0 || len(imported.OrphanRosters) > 0 {
			event = event.Strs("orphan_duties", imported.OrphanDuties).Strs("orphan_rosters", imported.OrphanRosters)
		}
		event.Msg("Imported stack revision")
	}

	rec, err := m.converger.Converge(ctx, pass)
	if err != nil {
		m.fail(ctx, stack, err)
		return nil, err
	}

	status, msg := engine.StackStatusSynced, ""
	result := "synced"
	if rec.Status == engine.ReconciliationFailed {
		status, msg, result = engine.StackStatusError, rec.Error, "failed"
	}

	err = m.store.UpdateStackSync(context.WithoutCancel(ctx), name, stores.StackSync{
		Status:          status,
		Error:           msg,
		ExpectedVersion: stack.LastSyncVersion,
		Version:         revision,
	})
	if err != nil {
		return rec, fmt.Errorf("failed to record sync of stack %s: %w", name, err)
	}
	m.metrics.RecordStackSync(name, result)
	return rec, nil
}

// DestroyStack drives every (duty, roster) pair of the stack to absent,
// dependents first. It requires confirm.
func (m *StackManager) DestroyStack(ctx context.Context, name string, confirm bool) (*engine.Reconciliation, error) {
	if !confirm {
		return nil, engine.NewPermanentError(fmt.Sprintf("destroying stack %s requires confirmation", name), nil).
			WithCode(engine.ErrCodeConfirmationRequired).
			WithResource(name)
	}

	unlock := m.lock(name)
	defer unlock()

	stack, err := m.store.GetStack(ctx, name)
	if err != nil {
		return nil, err
	}

	m.logger.Warn().Str("stack", name).Msg("Destroying stack")

	return m.converger.Converge(ctx, Pass{
		SourceType: engine.SourceTypeStack,
		SourceName: name,
		Revision:   stack.LastSyncVersion,
		Trigger:    engine.TriggerManual,
		Operation:  engine.OperationDestroy,
		Stack:      name,
	})
}

// pendingDuties returns the stack's duties that have not converged.
func (m *StackManager) pendingDuties(ctx context.Context, stack string) ([]string, error) {
	duties, err := m.store.ListDuties(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list duties: %w", err)
	}
	var pending []string
	for _, d := range duties {
		if d.Stack == stack && !d.Status.IsConverged() {
			pending = append(pending, d.Name)
		}
	}
	return pending, nil
}

func (m *StackManager) setStatus(ctx context.Context, stack *engine.Stack, status engine.StackStatus, msg string) error {
	return m.store.UpdateStackSync(ctx, stack.Name, stores.StackSync{
		Status:          status,
		Error:           msg,
		ExpectedVersion: stack.LastSyncVersion,
	})
}

// fail records a sync failure on the stack. The revision is left unchanged so
// the next tick retries.
func (m *StackManager) fail(ctx context.Context, stack *engine.Stack, cause error) {
	m.metrics.RecordStackSync(stack.Name, "error")
	m.metrics.RecordError(string(engine.ClassOf(cause)), engine.ReasonOf(cause))
	m.logger.Error().Err(cause).Str("stack", stack.Name).Msg("Stack sync failed")

	if err := m.setStatus(context.WithoutCancel(ctx), stack, engine.StackStatusError, cause.Error()); err != nil {
		m.logger.Warn().Err(err).Str("stack", stack.Name).Msg("Failed to record stack error")
	}
}

// stackLoop is the running loop of one stack.
type stackLoop struct {
	cancel   context.CancelFunc
	interval time.Duration
}

// Run syncs every stack on its interval until ctx is done. Stacks added,
// removed or re-timed while running are picked up on the next rescan.
// Sources that can watch for changes also trigger a sync on change.
func (m *StackManager) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	loops := make(map[string]stackLoop)

	refresh := func() {
		stacks, err := m.store.ListStacks(gctx)
		if err != nil {
			m.logger.Error().Err(err).Msg("Failed to list stacks")
			return
		}

		seen := make(map[string]bool, len(stacks))
		for _, stack := range stacks {
			seen[stack.Name] = true
			interval := m.interval(stack)

			if l, ok := loops[stack.Name]; ok {
				if l.interval == interval {
					continue
				}
				l.cancel()
			}

			loopCtx, cancel := context.WithCancel(gctx)
			loops[stack.Name] = stackLoop{cancel: cancel, interval: interval}
			name := stack.Name
			g.Go(func() error {
				m.runStack(loopCtx, name, interval)
				return nil
			})
		}

		for name, l := range loops {
			if !seen[name] {
				l.cancel()
				delete(loops, name)
				m.logger.Info().Str("stack", name).Msg("Stopped loop of removed stack")
			}
		}
	}

	refresh()
	ticker := time.NewTicker(m.rescan)
	defer ticker.Stop()

	for {
		select {
		case <-gctx.Done():
			for _, l := range loops {
				l.cancel()
			}
			return g.Wait()
		case <-ticker.C:
			refresh()
		}
	}
}

func (m *StackManager) interval(stack *engine.Stack) time.Duration {
	if stack.Interval > 0 {
		return stack.Interval
	}
	return m.defaultInterval
}

// runStack syncs one stack immediately, then on every tick or watched change.
func (m *StackManager) runStack(ctx context.Context, name string, interval time.Duration) {
	logger := m.logger.With().Str("stack", name).Logger()
	logger.Info().Dur("interval", interval).Msg("Starting stack loop")

	changed := make(chan struct{}, 1)
	var wg sync.WaitGroup
	defer wg.Wait()

	if stack, err := m.store.GetStack(ctx, name); err == nil {
		if src, err := m.sources.StackSource(stack); err == nil {
			if w, ok := src.(sources.Watcher); ok {
				wg.Add(1)
				go func() {
					defer wg.Done()
					err := w.Watch(ctx, func() {
						select {
						case changed <- struct{}{}:
						default:
						}
					})
					if err != nil {
						logger.Warn().Err(err).Msg("Stack watch stopped")
					}
				}()
			}
		}
	}

	syncNow := func(trigger engine.Trigger) {
		if _, err := m.SyncStack(ctx, name, false, trigger); err != nil && ctx.Err() == nil {
			logger.Debug().Err(err).Msg("Stack sync did not complete")
		}
	}

	syncNow(engine.TriggerScheduled)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("Stopping stack loop")
			return
		case <-ticker.C:
			syncNow(engine.TriggerScheduled)
		case <-changed:
			syncNow(engine.TriggerEvent)
		}
	}
}
