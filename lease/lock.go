// Package lease provides the short-lived distributed locks and the
// per-transaction check counters the pipeline keeps in Redis.
package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultTTL bounds how long a crashed holder can block a key
const DefaultTTL = 1800 * time.Second

// ErrEmptyKey is returned when a lock is requested without a key
var ErrEmptyKey = errors.New("lock key must not be empty")

// acquireScript increments the lock counter. The first incrementer owns the
// lock: it sets the expiry and records its token. A counter that somehow
// lost its TTL is given one again so the key cannot stay locked forever.
// KEYS[1] = counter key, KEYS[2] = owner key
// ARGV[1] = ttl seconds, ARGV[2] = owner token
var acquireScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
    redis.call("EXPIRE", KEYS[1], ARGV[1])
    redis.call("SET", KEYS[2], ARGV[2], "EX", ARGV[1])
elseif redis.call("TTL", KEYS[1]) == -1 then
    redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// releaseScript deletes the lock only if the caller still owns it.
// KEYS[1] = counter key, KEYS[2] = owner key
// ARGV[1] = owner token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[2]) == ARGV[1] then
    redis.call("DEL", KEYS[1], KEYS[2])
    return 1
end
return 0
`)

// Lease is a held lock
type Lease struct {
	Key        string
	AcquiredAt time.Time
	token      string
}

// Locker hands out leases on arbitrary keys
type Locker struct {
	client redis.UniversalClient
	ttl    time.Duration
	logger *slog.Logger
}

// NewLocker creates a Locker. A zero ttl uses DefaultTTL.
func NewLocker(client redis.UniversalClient, ttl time.Duration, logger *slog.Logger) *Locker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Locker{client: client, ttl: ttl, logger: logger}
}

// keys share a hash tag so both land in the same cluster slot
func lockKeys(key string) []string {
	counter := "lock:{" + key + "}"
	return []string{counter, counter + ":owner"}
}

// Acquire tries to take the lock on key without waiting.
// Contention is not an error: it returns (nil, false, nil).
func (l *Locker) Acquire(ctx context.Context, key string) (*Lease, bool, error) {
	if key == "" {
		return nil, false, ErrEmptyKey
	}

	token := uuid.NewString()
	n, err := acquireScript.Run(ctx, l.client, lockKeys(key), int64(l.ttl/time.Second), token).Int64()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if n != 1 {
		l.logger.Debug("lock contended", "lock_key", key, "holders", n)
		return nil, false, nil
	}

	return &Lease{Key: key, AcquiredAt: time.Now(), token: token}, true, nil
}

// Release gives the lock back. Releasing a lease that has expired and been
// taken by someone else leaves the new holder untouched.
func (l *Locker) Release(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return nil
	}

	deleted, err := releaseScript.Run(ctx, l.client, lockKeys(lease.Key), lease.token).Int64()
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", lease.Key, err)
	}
	if deleted == 0 {
		l.logger.Warn("lock no longer owned at release", "lock_key", lease.Key, "held_for", time.Since(lease.AcquiredAt))
	}
	return nil
}

// WithLock runs fn while holding the lock on key. acquired is false when the
// key was already locked, in which case fn is not run. The lock is released
// even if ctx has been cancelled by then.
func (l *Locker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) (acquired bool, err error) {
	lease, ok, err := l.Acquire(ctx, key)
	if err != nil || !ok {
		return false, err
	}

	defer func() {
		if relErr := l.Release(context.WithoutCancel(ctx), lease); relErr != nil {
			l.logger.Error("failed to release lock", "lock_key", key, "error", relErr)
			err = errors.Join(err, relErr)
		}
	}()

	return true, fn(ctx)
}
