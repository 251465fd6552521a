// Package queue implements the durable stream substrate between pipeline
// stages on top of Redis Streams, plus the producer and the consumer loop
// with retry, backoff and dead-lettering.
package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Stream names. The dlq stream mirrors terminal failures; the queryable copy
// lives in the dlq_entries table.
const (
	StreamPending  = "lens:signals:pending"
	StreamEnriched = "lens:signals:enriched"
	StreamDLQ      = "lens:dlq"
)

// Client wraps the Redis connection with the stream operations the pipeline
// uses. Delivery is at-least-once: an id may be redelivered after a crash
// between processing and ack.
type Client struct {
	rdb *redis.Client
}

// NewClient creates a Redis client from a redis:// URL.
func NewClient(redisURL string) (*Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	return &Client{rdb: redis.NewClient(opt)}, nil
}

// NewClientFromRedis wraps an existing go-redis client (used by tests).
func NewClientFromRedis(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

// Ping checks connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Append adds an entry to a stream and returns its monotonically
// non-decreasing id.
func (c *Client) Append(ctx context.Context, stream string, fields map[string]any) (string, error) {
	id, err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: fields,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd to %s failed: %w", stream, err)
	}
	return id, nil
}

// Message is one delivered stream entry.
type Message struct {
	ID     string
	Fields map[string]string
}

// ReadGroup blocks up to block for new entries, delivering each to exactly
// one consumer within the group until acked or claimed. Returns an empty
// slice on block timeout.
func (c *Client) ReadGroup(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]Message, error) {
	streams, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    int64(count),
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup on %s failed: %w", stream, err)
	}

	var messages []Message
	for _, s := range streams {
		for _, m := range s.Messages {
			fields := make(map[string]string, len(m.Values))
			for k, v := range m.Values {
				if str, ok := v.(string); ok {
					fields[k] = str
				} else {
					fields[k] = fmt.Sprint(v)
				}
			}
			messages = append(messages, Message{ID: m.ID, Fields: fields})
		}
	}
	return messages, nil
}

// Ack acknowledges a delivered entry.
func (c *Client) Ack(ctx context.Context, stream, group, id string) error {
	if err := c.rdb.XAck(ctx, stream, group, id).Err(); err != nil {
		return fmt.Errorf("xack %s on %s failed: %w", id, stream, err)
	}
	return nil
}

// Length returns the number of entries in a stream.
func (c *Client) Length(ctx context.Context, stream string) (int64, error) {
	n, err := c.rdb.XLen(ctx, stream).Result()
	if err != nil {
		return 0, fmt.Errorf("xlen on %s failed: %w", stream, err)
	}
	return n, nil
}

// EnsureGroup creates a consumer group at the stream head, creating the
// stream if needed. Idempotent: an existing group is not an error.
func (c *Client) EnsureGroup(ctx context.Context, stream, group string) error {
	err := c.rdb.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("xgroup create %s on %s failed: %w", group, stream, err)
	}
	return nil
}

// ZSet operations used by the sliding-window rate limiter.

// SlidingWindowCount trims entries older than the window from a sorted set,
// counts what remains, records the new request and returns the count before
// the new request.
func (c *Client) SlidingWindowCount(ctx context.Context, key string, now time.Time, window time.Duration) (int64, error) {
	windowStart := float64(now.Add(-window).UnixNano()) / 1e9
	nowScore := float64(now.UnixNano()) / 1e9

	pipe := c.rdb.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%f", windowStart))
	countCmd := pipe.ZCard(ctx, key)
	pipe.ZAdd(ctx, key, redis.Z{Score: nowScore, Member: fmt.Sprintf("%.9f", nowScore)})
	pipe.Expire(ctx, key, window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("rate limit pipeline failed: %w", err)
	}
	return countCmd.Val(), nil
}
