package redis

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/RomanHuBoss/bybit-grid-trading-system-sub000/internal/domain"
)

// unlockLua deletes a lock key only if its value matches the caller's
// unique token, so an expired-and-reacquired lock is never released by the
// wrong owner.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// LockManager implements domain.LockManager using Redis SET NX PX with a
// wait-and-retry loop and a Lua-based conditional release.
type LockManager struct {
	rdb      *redis.Client
	unlockSc *redis.Script
	logger   *slog.Logger
}

// NewLockManager creates a LockManager backed by the given Client.
func NewLockManager(c *Client, logger *slog.Logger) *LockManager {
	return &LockManager{
		rdb:      c.Underlying(),
		unlockSc: redis.NewScript(unlockLua),
		logger:   logger.With(slog.String("component", "lock_manager")),
	}
}

func lockKey(name string) string {
	return "lock:" + name
}

// Acquire attempts to obtain the named lock, retrying every retryInterval
// (default 100ms if <= 0) until it succeeds or maxWait elapses (maxWait <= 0
// waits indefinitely). The returned unlock function is idempotent and never
// raises; release failures are only logged.
func (lm *LockManager) Acquire(ctx context.Context, name string, ttl, retryInterval, maxWait time.Duration) (func(), bool, error) {
	if retryInterval <= 0 {
		retryInterval = 100 * time.Millisecond
	}
	token := uuid.New().String()
	key := lockKey(name)

	var deadline time.Time
	hasDeadline := maxWait > 0
	if hasDeadline {
		deadline = time.Now().Add(maxWait)
	}

	for {
		ok, err := lm.rdb.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return nil, false, err
		}
		if ok {
			return lm.unlockFunc(key, token), true, nil
		}
		if hasDeadline && time.Now().After(deadline) {
			return nil, false, nil
		}

		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(retryInterval):
		}
	}
}

func (lm *LockManager) unlockFunc(key, token string) func() {
	released := false
	return func() {
		if released {
			return
		}
		released = true

		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := lm.unlockSc.Run(unlockCtx, lm.rdb, []string{key}, token).Err(); err != nil {
			lm.logger.Warn("lock release failed", slog.String("key", key), slog.String("error", err.Error()))
		}
	}
}

var _ domain.LockManager = (*LockManager)(nil)
