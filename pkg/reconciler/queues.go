package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/g8r/g8r/pkg/engine"
	"github.com/g8r/g8r/pkg/messages"
	"github.com/g8r/g8r/pkg/sources"
	"github.com/g8r/g8r/pkg/stores"
	"github.com/g8r/g8r/pkg/telemetry"
)

// QueueSourceFactory builds the transport of a queue.
type QueueSourceFactory interface {
	QueueSource(queue *engine.Queue) (engine.QueueSource, error)
}

// QueueManager consumes every active queue, turns each message into a
// convergence request through the queue's message handler and converges it.
// A message is acknowledged only after its reconciliation is recorded.
type QueueManager struct {
	store     stores.Store
	sources   QueueSourceFactory
	handlers  *messages.Registry
	converger *Converger
	metrics   *telemetry.Metrics
	logger    zerolog.Logger

	// rescan is how often Run looks for added, removed or resumed queues.
	rescan time.Duration

	// reconnectDelay and maxReconnectDelay bound the backoff after a transport failure.
	reconnectDelay    time.Duration
	maxReconnectDelay time.Duration

	mu        sync.Mutex
	consumers map[string]*consumer
	wake      chan struct{}
}

// consumer is the running consumer of one queue. done is closed once it
// has stopped and released its transport.
type consumer struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewQueueManager creates a queue manager.
func NewQueueManager(
	store stores.Store,
	factory QueueSourceFactory,
	handlers *messages.Registry,
	converger *Converger,
	metrics *telemetry.Metrics,
	logger zerolog.Logger,
) *QueueManager {
	return &QueueManager{
		store:             store,
		sources:           factory,
		handlers:          handlers,
		converger:         converger,
		metrics:           metrics,
		logger:            logger.With().Str("component", "queue-manager").Logger(),
		rescan:            30 * time.Second,
		reconnectDelay:    time.Second,
		maxReconnectDelay: time.Minute,
		consumers:         make(map[string]*consumer),
		wake:              make(chan struct{}, 1),
	}
}

// Pause stops consuming the queue and waits for a running consumer to
// release its transport. Messages stay in the transport.
func (m *QueueManager) Pause(ctx context.Context, name string) error {
	if _, err := m.store.GetQueue(ctx, name); err != nil {
		return err
	}
	if err := m.store.SetQueueStatus(ctx, name, engine.QueueStatusPaused, ""); err != nil {
		return err
	}

	m.mu.Lock()
	c, ok := m.consumers[name]
	delete(m.consumers, name)
	m.mu.Unlock()

	if ok {
		c.cancel()
		select {
		case <-c.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.logger.Info().Str("queue", name).Msg("Queue paused")
	return nil
}

// Resume marks the queue active; a running manager starts consuming it at once.
func (m *QueueManager) Resume(ctx context.Context, name string) error {
	if _, err := m.store.GetQueue(ctx, name); err != nil {
		return err
	}
	if err := m.store.SetQueueStatus(ctx, name, engine.QueueStatusActive, ""); err != nil {
		return err
	}
	m.signal()
	m.logger.Info().Str("queue", name).Msg("Queue resumed")
	return nil
}

func (m *QueueManager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Run consumes queues until ctx is done. Paused queues are skipped; queues in
// error are retried on the next rescan.
func (m *QueueManager) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	refresh := func() {
		queues, err := m.store.ListQueues(gctx)
		if err != nil {
			m.logger.Error().Err(err).Msg("Failed to list queues")
			return
		}

		m.mu.Lock()
		defer m.mu.Unlock()

		seen := make(map[string]bool, len(queues))
		for _, queue := range queues {
			if queue.Status == engine.QueueStatusPaused {
				continue
			}
			seen[queue.Name] = true
			if _, ok := m.consumers[queue.Name]; ok {
				continue
			}

			consumerCtx, cancel := context.WithCancel(gctx)
			c := &consumer{cancel: cancel, done: make(chan struct{})}
			m.consumers[queue.Name] = c
			name := queue.Name
			g.Go(func() error {
				defer close(c.done)
				m.consume(consumerCtx, name)
				cancel()

				m.mu.Lock()
				// Only forget the consumer if it has not been replaced.
				if m.consumers[name] == c {
					delete(m.consumers, name)
				}
				m.mu.Unlock()
				return nil
			})
		}

		for name, c := range m.consumers {
			if !seen[name] {
				c.cancel()
				delete(m.consumers, name)
			}
		}
	}

	refresh()
	ticker := time.NewTicker(m.rescan)
	defer ticker.Stop()

	for {
		select {
		case <-gctx.Done():
			m.mu.Lock()
			for name, c := range m.consumers {
				c.cancel()
				delete(m.consumers, name)
			}
			m.mu.Unlock()
			return g.Wait()
		case <-ticker.C:
			refresh()
		case <-m.wake:
			refresh()
		}
	}
}

// consume receives and handles messages of one queue until ctx is done,
// reconnecting with backoff after transport failures.
func (m *QueueManager) consume(ctx context.Context, name string) {
	logger := m.logger.With().Str("queue", name).Logger()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.reconnectDelay
	b.MaxInterval = m.maxReconnectDelay
	b.Reset()

	for ctx.Err() == nil {
		queue, err := m.store.GetQueue(ctx, name)
		if err != nil {
			if engine.IsNotFound(err) {
				return
			}
			logger.Error().Err(err).Msg("Failed to load queue")
		} else if queue.Status == engine.QueueStatusPaused {
			return
		} else {
			err = m.session(ctx, queue, b.Reset)
			if err == nil || ctx.Err() != nil {
				return
			}
			if engine.IsPermanent(err) {
				m.setStatus(ctx, name, engine.QueueStatusError, err.Error())
				logger.Error().Err(err).Msg("Queue consumer stopped")
				return
			}
			m.setStatus(ctx, name, engine.QueueStatusError, err.Error())
		}

		delay := b.NextBackOff()
		logger.Warn().Err(err).Dur("retry_in", delay).Msg("Queue consumer failed, reconnecting")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// session connects the transport and handles messages until ctx is done or
// the transport fails. onConnect is called after a successful connect.
func (m *QueueManager) session(ctx context.Context, queue *engine.Queue, onConnect func()) error {
	handler, err := m.handlers.Lookup(queue.MessageHandler)
	if err != nil {
		return err
	}

	src, err := m.sources.QueueSource(queue)
	if err != nil {
		return err
	}
	defer src.Close()

	if err := src.Connect(ctx); err != nil {
		return err
	}
	onConnect()
	if queue.Status != engine.QueueStatusActive {
		m.setStatus(ctx, queue.Name, engine.QueueStatusActive, "")
	}
	m.logger.Info().Str("queue", queue.Name).Str("handler", handler.Name()).Msg("Consuming queue")

	for {
		msg, err := src.Receive(ctx)
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, sources.ErrQueueClosed):
			return nil
		case err != nil:
			return err
		}

		if err := m.HandleMessage(ctx, queue, handler, src, msg); err != nil {
			return err
		}
	}
}

// HandleMessage converges one message and acknowledges it once the
// reconciliation is recorded. Messages the handler cannot interpret are
// recorded as failed reconciliations and acknowledged, since redelivery
// would fail the same way. A pass cut short by cancellation is recorded but
// not acknowledged. An error means the message was not acknowledged.
func (m *QueueManager) HandleMessage(
	ctx context.Context,
	queue *engine.Queue,
	handler engine.MessageHandler,
	src engine.QueueSource,
	msg *engine.Message,
) error {
	logger := m.logger.With().Str("queue", queue.Name).Str("message_id", msg.ID).Logger()

	pass := Pass{
		SourceType: engine.SourceTypeQueue,
		SourceName: queue.Name,
		Trigger:    engine.TriggerEvent,
	}

	req, err := handler.Handle(ctx, queue, msg)
	var rec *engine.Reconciliation
	result := "converged"
	if err != nil {
		logger.Warn().Err(err).Msg("Message rejected by handler")
		result = "rejected"
		rec, err = m.converger.RecordRejected(ctx, pass, err)
	} else {
		pass.Revision = req.Revision
		pass.Duties = req.Duties
		pass.Rosters = req.Rosters
		logger.Info().
			Strs("duties", req.Duties).
			Strs("rosters", req.Rosters).
			Str("reason", req.Reason).
			Msg("Converging queue request")
		rec, err = m.converger.Converge(ctx, pass)
		if err == nil && rec.Status == engine.ReconciliationFailed {
			result = "failed"
		}
	}
	if err != nil {
		m.metrics.RecordQueueMessage(queue.Name, "unrecorded")
		return fmt.Errorf("message %s not recorded: %w", msg.ID, err)
	}

	// A pass stopped by shutdown or pause left units undispatched; the message
	// stays unacknowledged so the source redelivers it.
	if ctx.Err() != nil || interrupted(rec) {
		m.metrics.RecordQueueMessage(queue.Name, "interrupted")
		logger.Info().Str("reconciliation_id", rec.ID).Msg("Pass interrupted, message left for redelivery")
		return fmt.Errorf("message %s: %w", msg.ID, errPassInterrupted)
	}

	if err := src.Ack(context.WithoutCancel(ctx), msg); err != nil {
		m.metrics.RecordQueueMessage(queue.Name, "unacked")
		return fmt.Errorf("failed to ack message %s: %w", msg.ID, err)
	}

	m.metrics.RecordQueueMessage(queue.Name, result)
	logger.Debug().Str("reconciliation_id", rec.ID).Str("status", string(rec.Status)).Msg("Message acknowledged")
	return nil
}

var errPassInterrupted = errors.New("convergence pass interrupted")

// interrupted reports whether any unit of the pass was skipped by cancellation.
func interrupted(rec *engine.Reconciliation) bool {
	for _, o := range rec.Outcomes {
		if o.Reason == engine.ErrCodeCancelled {
			return true
		}
	}
	return false
}

func (m *QueueManager) setStatus(ctx context.Context, name string, status engine.QueueStatus, msg string) {
	if err := m.store.SetQueueStatus(context.WithoutCancel(ctx), name, status, msg); err != nil {
		m.logger.Warn().Err(err).Str("queue", name).Msg("Failed to record queue status")
	}
}
