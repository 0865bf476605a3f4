package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/g8r/g8r/pkg/stores"
)

// Scheduler runs the pull and push ingestion loops side by side.
type Scheduler struct {
	store      stores.Store
	stacks     *StackManager
	queues     *QueueManager
	staleAfter time.Duration
	logger     zerolog.Logger
}

// NewScheduler creates a scheduler. Executions left running for longer than
// staleAfter are recovered on start; zero disables recovery.
func NewScheduler(store stores.Store, stacks *StackManager, queues *QueueManager, staleAfter time.Duration, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		store:      store,
		stacks:     stacks,
		queues:     queues,
		staleAfter: staleAfter,
		logger:     logger.With().Str("component", "scheduler").Logger(),
	}
}

// Run recovers executions abandoned by a previous process, then runs the
// stack and queue loops until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.staleAfter > 0 {
		n, err := s.store.RecoverStaleExecutions(ctx, s.staleAfter)
		if err != nil {
			return fmt.Errorf("failed to recover stale executions: %w", err)
		}
		if n > 0 {
			s.logger.Warn().Int("executions", n).Dur("older_than", s.staleAfter).Msg("Recovered stale executions")
		}
	}

	s.logger.Info().Msg("Scheduler started")

	g, gctx := errgroup.WithContext(ctx)
	if s.stacks != nil {
		g.Go(func() error { return s.stacks.Run(gctx) })
	}
	if s.queues != nil {
		g.Go(func() error { return s.queues.Run(gctx) })
	}
	err := g.Wait()

	s.logger.Info().Msg("Scheduler stopped")
	return err
}
