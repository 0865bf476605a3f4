package sources

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/g8r/g8r/pkg/engine"
)

// ErrQueueClosed is returned by Receive after Close.
var ErrQueueClosed = errors.New("queue closed")

// MemoryHub is an in-process message broker. Each named queue keeps its
// messages until they are acknowledged; unacknowledged messages are
// redelivered once the consumer closes.
type MemoryHub struct {
	mu     sync.Mutex
	queues map[string]*MemoryQueue
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{queues: make(map[string]*MemoryQueue)}
}

// Queue returns the named queue, creating it on first use.
func (h *MemoryHub) Queue(name string) *MemoryQueue {
	h.mu.Lock()
	defer h.mu.Unlock()

	q, ok := h.queues[name]
	if !ok {
		q = &MemoryQueue{
			name:     name,
			notify:   make(chan struct{}, 1),
			inflight: make(map[string]*engine.Message),
		}
		h.queues[name] = q
	}
	return q
}

// Publish appends a message to the named queue and returns its id.
func (h *MemoryHub) Publish(queue string, payload []byte, attributes map[string]string) string {
	return h.Queue(queue).publish(payload, attributes)
}

// MemoryQueue is one queue of a MemoryHub. It implements engine.QueueSource.
type MemoryQueue struct {
	name   string
	notify chan struct{}

	mu       sync.Mutex
	pending  []*engine.Message
	inflight map[string]*engine.Message
	acked    []string
	closed   bool
}

func (q *MemoryQueue) publish(payload []byte, attributes map[string]string) string {
	msg := &engine.Message{
		ID:         uuid.New().String(),
		Payload:    payload,
		Attributes: attributes,
	}

	q.mu.Lock()
	q.pending = append(q.pending, msg)
	q.mu.Unlock()

	q.signal()
	return msg.ID
}

func (q *MemoryQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Connect opens the queue for receiving.
func (q *MemoryQueue) Connect(_ context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = false
	return nil
}

// Receive blocks until a message is available or ctx is done.
func (q *MemoryQueue) Receive(ctx context.Context) (*engine.Message, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		if len(q.pending) > 0 {
			msg := q.pending[0]
			q.pending = q.pending[1:]
			msg.ReceivedAt = time.Now()
			q.inflight[msg.ID] = msg
			more := len(q.pending) > 0
			q.mu.Unlock()
			if more {
				q.signal()
			}
			return msg, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		}
	}
}

// Ack removes a received message for good.
func (q *MemoryQueue) Ack(_ context.Context, msg *engine.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.inflight[msg.ID]; !ok {
		return engine.NewNotFoundError("message", msg.ID)
	}
	delete(q.inflight, msg.ID)
	q.acked = append(q.acked, msg.ID)
	return nil
}

// Close stops receiving and returns unacknowledged messages to the front of the queue.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if len(q.inflight) > 0 {
		requeue := make([]*engine.Message, 0, len(q.inflight)+len(q.pending))
		for _, msg := range q.inflight {
			requeue = append(requeue, msg)
		}
		q.pending = append(requeue, q.pending...)
		q.inflight = make(map[string]*engine.Message)
	}
	q.closed = true
	q.mu.Unlock()

	q.signal()
	return nil
}

// Pending returns the number of messages waiting to be received.
func (q *MemoryQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Acked returns the ids of acknowledged messages in acknowledgement order.
func (q *MemoryQueue) Acked() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.acked...)
}
