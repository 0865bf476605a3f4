package sources

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/g8r/g8r/pkg/config"
	"github.com/g8r/g8r/pkg/engine"
)

// RedisQueue consumes a redis stream through a consumer group. Messages are
// acknowledged with XACK; messages delivered to this consumer but never
// acknowledged are read again after a restart.
//
// Stream entries carry the message body in the "payload" field; every other
// field becomes a message attribute.
type RedisQueue struct {
	name     string
	stream   string
	group    string
	consumer string
	block    time.Duration
	opts     *redis.Options
	logger   zerolog.Logger

	mu      sync.Mutex
	client  *redis.Client
	backlog bool
}

// NewRedisQueue creates a consumer for a queue whose config has a "stream"
// and optionally "group", "consumer", "block" and "addr" settings.
func NewRedisQueue(queue *engine.Queue, cfg config.RedisConfig, logger zerolog.Logger) (*RedisQueue, error) {
	stream := queue.Config["stream"]
	if stream == "" {
		return nil, engine.NewConfigurationError("redis queue requires a stream", nil).WithResource(queue.Name)
	}

	group := queue.Config["group"]
	if group == "" {
		group = "g8r"
	}

	consumer := queue.Config["consumer"]
	if consumer == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "g8r"
		}
		consumer = host
	}

	block := 5 * time.Second
	if v := queue.Config["block"]; v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return nil, engine.NewConfigurationError(fmt.Sprintf("invalid block duration %q", v), err).WithResource(queue.Name)
		}
		block = d
	}

	return &RedisQueue{
		name:     queue.Name,
		stream:   stream,
		group:    group,
		consumer: consumer,
		block:    block,
		opts: &redis.Options{
			Addr:     firstNonEmpty(queue.Config["addr"], cfg.Addr),
			Username: cfg.Username,
			Password: cfg.Password,
			DB:       cfg.DB,
		},
		logger: logger.With().Str("component", "redis-queue").Str("queue", queue.Name).Logger(),
	}, nil
}

// Connect dials redis and ensures the consumer group exists.
func (q *RedisQueue) Connect(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	client := redis.NewClient(q.opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return engine.NewTransientError(fmt.Sprintf("failed to connect to redis at %s", q.opts.Addr), err).
			WithResource(q.name)
	}

	err := client.XGroupCreateMkStream(ctx, q.stream, q.group, "$").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		_ = client.Close()
		return engine.NewTransientError(fmt.Sprintf("failed to create consumer group %s", q.group), err).
			WithResource(q.name)
	}

	q.client = client
	q.backlog = true

	q.logger.Info().
		Str("stream", q.stream).
		Str("group", q.group).
		Str("consumer", q.consumer).
		Msg("Connected to redis stream")
	return nil
}

// Receive returns the next message. Entries this consumer received before but
// never acknowledged are returned first.
func (q *RedisQueue) Receive(ctx context.Context) (*engine.Message, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		q.mu.Lock()
		client, backlog := q.client, q.backlog
		q.mu.Unlock()
		if client == nil {
			return nil, ErrQueueClosed
		}

		id := ">"
		block := q.block
		if backlog {
			id = "0"
			block = -1
		}

		streams, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: q.consumer,
			Streams:  []string{q.stream, id},
			Count:    1,
			Block:    block,
		}).Result()
		switch {
		case errors.Is(err, redis.Nil):
			continue
		case errors.Is(err, redis.ErrClosed):
			return nil, ErrQueueClosed
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, engine.NewTransientError("failed to read from redis stream", err).WithResource(q.name)
		}

		var entries []redis.XMessage
		if len(streams) > 0 {
			entries = streams[0].Messages
		}
		if len(entries) == 0 {
			if backlog {
				q.mu.Lock()
				q.backlog = false
				q.mu.Unlock()
			}
			continue
		}
		return toMessage(entries[0]), nil
	}
}

// Ack acknowledges a message within the consumer group.
func (q *RedisQueue) Ack(ctx context.Context, msg *engine.Message) error {
	q.mu.Lock()
	client := q.client
	q.mu.Unlock()
	if client == nil {
		return ErrQueueClosed
	}

	if err := client.XAck(ctx, q.stream, q.group, msg.ID).Err(); err != nil {
		return engine.NewTransientError(fmt.Sprintf("failed to ack message %s", msg.ID), err).WithResource(q.name)
	}
	return nil
}

// Close closes the redis connection.
func (q *RedisQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.client == nil {
		return nil
	}
	err := q.client.Close()
	q.client = nil
	return err
}

func toMessage(entry redis.XMessage) *engine.Message {
	msg := &engine.Message{
		ID:         entry.ID,
		Attributes: make(map[string]string, len(entry.Values)),
		ReceivedAt: time.Now(),
	}
	for k, v := range entry.Values {
		s := fmt.Sprint(v)
		if k == "payload" {
			msg.Payload = []byte(s)
			continue
		}
		msg.Attributes[k] = s
	}
	return msg
}
