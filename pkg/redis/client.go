package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/canopy-network/commercex/pkg/utils"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultStreamMaxLen caps the run history stream.
const DefaultStreamMaxLen = 10000

// commander is the subset of *redis.Client the notifier uses.
type commander interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// Client wraps the Redis client used for pipeline notifications.
type Client struct {
	rdb          *redis.Client
	cmd          commander
	logger       *zap.Logger
	streamMaxLen int64
}

// NewClient creates a new Redis client using environment variables for configuration.
// Environment variables:
//   - REDIS_HOST: Redis host (default: "localhost")
//   - REDIS_PORT: Redis port (default: "6379")
//   - REDIS_PASSWORD: Redis password (default: "")
//   - REDIS_DB: Redis database number (default: "0")
//   - REDIS_STREAM_MAXLEN: Max entries in the run history stream (default: 10000, 0 = unlimited)
func NewClient(ctx context.Context, logger *zap.Logger) (*Client, error) {
	host := utils.Env("REDIS_HOST", "localhost")
	port := utils.Env("REDIS_PORT", "6379")
	password := utils.Env("REDIS_PASSWORD", "")
	db := utils.EnvInt("REDIS_DB", 0)
	streamMaxLen := utils.EnvInt64("REDIS_STREAM_MAXLEN", DefaultStreamMaxLen)

	addr := fmt.Sprintf("%s:%s", host, port)

	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,

		PoolSize:     4,
		MinIdleConns: 1,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}

	logger.Info("Connected to Redis",
		zap.String("addr", addr),
		zap.Int("db", db),
		zap.Int64("streamMaxLen", streamMaxLen))

	return &Client{
		rdb:          rdb,
		cmd:          rdb,
		logger:       logger,
		streamMaxLen: streamMaxLen,
	}, nil
}

func (c *Client) Close() error {
	if c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}

// Health checks if Redis is healthy.
func (c *Client) Health(ctx context.Context) error {
	if c.rdb == nil {
		return fmt.Errorf("redis client not connected")
	}
	return c.rdb.Ping(ctx).Err()
}

// Publish JSON-encodes message onto a Pub/Sub channel.
// This is best-effort: errors are logged, never returned, so a notification
// outage cannot fail a run.
func (c *Client) Publish(ctx context.Context, channel string, message any) {
	payload, err := json.Marshal(message)
	if err != nil {
		c.logger.Warn("Failed to encode Redis message",
			zap.String("channel", channel),
			zap.Error(err))
		return
	}
	if err := c.cmd.Publish(ctx, channel, payload).Err(); err != nil {
		c.logger.Warn("Failed to publish Redis message",
			zap.String("channel", channel),
			zap.Error(err))
	}
}

// XAdd appends values to a stream, capped at the configured MAXLEN. Best-effort;
// returns the entry id or "" on failure.
func (c *Client) XAdd(ctx context.Context, stream string, values map[string]any) string {
	args := &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}
	if c.streamMaxLen > 0 {
		args.MaxLen = c.streamMaxLen
		args.Approx = true
	}

	id, err := c.cmd.XAdd(ctx, args).Result()
	if err != nil {
		c.logger.Warn("Failed to add to Redis stream",
			zap.String("stream", stream),
			zap.Error(err))
		return ""
	}
	return id
}
