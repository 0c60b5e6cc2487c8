package domain

import (
	"context"
	"time"
)

// LockManager provides named distributed locking with a bounded wait loop.
// Acquire blocks retrying at retryInterval until it succeeds or maxWait
// elapses (maxWait <= 0 means wait indefinitely). The returned unlock
// function is idempotent and never raises; release failures are logged by
// the implementation, not surfaced to the caller.
type LockManager interface {
	Acquire(ctx context.Context, name string, ttl, retryInterval, maxWait time.Duration) (unlock func(), acquired bool, err error)
}

// KVStore is the shared key/value coordination store: anti-churn cooldown
// keys, last-seen WS sequence markers, kill-switch flags, and calibration
// JSON blobs. Distinct from LockManager, which owns only the lock
// namespace.
type KVStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	SetEx(ctx context.Context, key, value string, ttl time.Duration) error
	Set(ctx context.Context, key, value string) error
	Del(ctx context.Context, key string) error
}
