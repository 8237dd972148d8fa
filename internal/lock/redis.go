package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockTimeout is returned when a Redis lock could not be acquired before
// the wait budget ran out.
var ErrLockTimeout = errors.New("lock: timed out waiting for lock")

// Compare-and-delete so a holder whose TTL expired never releases a lock
// that has since been taken by someone else.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisConfig tunes a Redis locker.
type RedisConfig struct {
	Prefix       string
	TTL          time.Duration // lease; must exceed the longest critical section
	PollInterval time.Duration
	MaxWait      time.Duration
}

// DefaultRedisConfig returns settings sized for short request/response
// transitions.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Prefix:       "refunddesk:lock",
		TTL:          15 * time.Second,
		PollInterval: 25 * time.Millisecond,
		MaxWait:      5 * time.Second,
	}
}

// Redis is a lease-based distributed lock (SET NX PX + token release).
type Redis struct {
	client *redis.Client
	cfg    RedisConfig
}

// NewRedis creates a Redis-backed locker.
func NewRedis(client *redis.Client, cfg RedisConfig) *Redis {
	def := DefaultRedisConfig()
	if cfg.Prefix == "" {
		cfg.Prefix = def.Prefix
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = def.MaxWait
	}
	return &Redis{client: client, cfg: cfg}
}

// Lock implements Locker.
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	fullKey := fmt.Sprintf("%s:%s", r.cfg.Prefix, key)
	token := uuid.NewString()

	deadline := time.NewTimer(r.cfg.MaxWait)
	defer deadline.Stop()
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		ok, err := r.client.SetNX(ctx, fullKey, token, r.cfg.TTL).Result()
		if err != nil {
			return nil, fmt.Errorf("lock: acquire %s: %w", key, err)
		}
		if ok {
			return func() {
				// Release with a fresh context: the caller's may already be done.
				rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = releaseScript.Run(rctx, r.client, []string{fullKey}, token).Err()
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, ErrLockTimeout
		case <-ticker.C:
		}
	}
}

var _ Locker = (*Redis)(nil)
