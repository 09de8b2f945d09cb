package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
)

// Config holds the Redis connection settings
type Config struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialAttempts int           `yaml:"dial_attempts"`
	DialDelay    time.Duration `yaml:"dial_delay"`
}

// DefaultConfig points at a local Redis and retries the first ping 3 times, 5s apart
func DefaultConfig() Config {
	return Config{
		Addr:         "localhost:6379",
		DialAttempts: 3,
		DialDelay:    5 * time.Second,
	}
}

// Dial creates a client and waits until the server answers a PING
func Dial(ctx context.Context, cfg Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	attempts := cfg.DialAttempts
	if attempts < 1 {
		attempts = 1
	}
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(cfg.DialDelay), uint64(attempts-1)),
		ctx,
	)

	if err := backoff.Retry(func() error { return client.Ping(ctx).Err() }, b); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return client, nil
}
