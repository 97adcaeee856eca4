package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultOnlineKey is the Redis set holding the ids of online users.
const DefaultOnlineKey = "sharedo:presence:online"

type transition struct {
	userID string
	online bool
}

// RedisMirror copies presence transitions into a Redis set so processes
// outside the gateway can read who is online. Updates are applied by a single
// worker in the order they were published.
type RedisMirror struct {
	client  *redis.Client
	key     string
	timeout time.Duration
	queue   chan transition
	logger  zerolog.Logger
}

// NewRedisMirror connects to Redis and verifies the connection.
func NewRedisMirror(ctx context.Context, redisURL string, logger zerolog.Logger) (*RedisMirror, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	return &RedisMirror{
		client:  client,
		key:     DefaultOnlineKey,
		timeout: 2 * time.Second,
		queue:   make(chan transition, 1024),
		logger:  logger.With().Str("component", "presence_mirror").Logger(),
	}, nil
}

// Publish queues a transition. When the queue is full the transition is
// dropped and logged; realtime delivery never waits on Redis.
func (m *RedisMirror) Publish(userID string, online bool) {
	select {
	case m.queue <- transition{userID: userID, online: online}:
	default:
		m.logger.Warn().Str("user_id", userID).Bool("online", online).Msg("presence mirror queue full, dropping update")
	}
}

// Run clears the online set left by a previous process and then applies queued
// transitions until ctx is done.
func (m *RedisMirror) Run(ctx context.Context) error {
	if err := m.client.Del(ctx, m.key).Err(); err != nil {
		m.logger.Warn().Err(err).Msg("failed to reset online set")
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case tr := <-m.queue:
			m.apply(ctx, tr)
		}
	}
}

func (m *RedisMirror) apply(ctx context.Context, tr transition) {
	opCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	var err error
	if tr.online {
		err = m.client.SAdd(opCtx, m.key, tr.userID).Err()
	} else {
		err = m.client.SRem(opCtx, m.key, tr.userID).Err()
	}
	if err != nil {
		m.logger.Warn().Err(err).Str("user_id", tr.userID).Bool("online", tr.online).Msg("failed to mirror presence")
	}
}

// Ping checks the connection.
func (m *RedisMirror) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (m *RedisMirror) Close() error {
	return m.client.Close()
}
