package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultCounterTTL expires abandoned check counts
const DefaultCounterTTL = 1800 * time.Second

// Counter tracks how many times a transaction was found incomplete
type Counter struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewCounter creates a Counter. A zero ttl uses DefaultCounterTTL.
func NewCounter(client redis.UniversalClient, ttl time.Duration) *Counter {
	if ttl <= 0 {
		ttl = DefaultCounterTTL
	}
	return &Counter{client: client, ttl: ttl}
}

func counterKey(id string) string {
	return "txn:" + id + ":check_count"
}

// Increment bumps the count and refreshes its expiry in one transaction
func (c *Counter) Increment(ctx context.Context, id string) (int, error) {
	key := counterKey(id)

	var incr *redis.IntCmd
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, c.ttl)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to increment check count for %s: %w", id, err)
	}
	return int(incr.Val()), nil
}

// Get returns the current count; ok is false when no count is stored
func (c *Counter) Get(ctx context.Context, id string) (n int, ok bool, err error) {
	n, err = c.client.Get(ctx, counterKey(id)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read check count for %s: %w", id, err)
	}
	return n, true, nil
}

// Clear removes the count
func (c *Counter) Clear(ctx context.Context, id string) error {
	if err := c.client.Del(ctx, counterKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to clear check count for %s: %w", id, err)
	}
	return nil
}
