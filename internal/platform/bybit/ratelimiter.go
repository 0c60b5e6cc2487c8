package bybit

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"github.com/RomanHuBoss/bybit-grid-trading-system-sub000/internal/domain"
)

// bucketConfig describes one named token bucket: its capacity, its refill
// rate in tokens per second, and how long a caller is willing to wait for a
// token before giving up.
type bucketConfig struct {
	capacity float64
	ratePerS float64
	timeout  time.Duration
}

// Named buckets mirror Bybit's published v5 rate-limit tiers.
var (
	readBucketConfig  = bucketConfig{capacity: 1200, ratePerS: 1200.0 / 60.0, timeout: 5 * time.Second}
	orderBucketConfig = bucketConfig{capacity: 10, ratePerS: 10, timeout: 3 * time.Second}
	wsSubBucketConfig = bucketConfig{capacity: 30, ratePerS: 30, timeout: 2 * time.Second}
)

type bucket struct {
	mu       sync.Mutex
	cfg      bucketConfig
	tokens   float64
	lastFill time.Time
}

func newBucket(cfg bucketConfig) *bucket {
	return &bucket{cfg: cfg, tokens: cfg.capacity, lastFill: time.Now()}
}

// refill tops the bucket up based on elapsed monotonic time. Caller must
// hold b.mu.
func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastFill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.cfg.ratePerS
	if b.tokens > b.cfg.capacity {
		b.tokens = b.cfg.capacity
	}
	b.lastFill = now
}

// consume blocks, sleeping in jittered backoff increments, until weight
// tokens are available or ctx/timeout expires. The backoff delay schedule
// (0.2s, 0.4s, 0.8s, ... capped at 3s) comes from jpillora/backoff; the
// 0.9-1.1 multiplicative jitter on top of it matches the reference wait
// loop exactly.
func (b *bucket) consume(ctx context.Context, weight float64, bucketName string) error {
	deadline := time.Now().Add(b.cfg.timeout)
	boff := &backoff.Backoff{Min: 200 * time.Millisecond, Max: 3 * time.Second, Factor: 2, Jitter: false}

	for {
		b.mu.Lock()
		b.refill(time.Now())
		if b.tokens >= weight {
			b.tokens -= weight
			b.mu.Unlock()
			return nil
		}
		b.mu.Unlock()

		if time.Now().After(deadline) {
			return fmt.Errorf("%w: bucket %q exhausted after %s", domain.ErrRateLimitTimeout, bucketName, b.cfg.timeout)
		}

		delay := boff.Duration()
		jittered := time.Duration(float64(delay) * (0.9 + 0.2*rand.Float64()))
		sleepTimer := time.NewTimer(jittered)
		select {
		case <-ctx.Done():
			sleepTimer.Stop()
			return ctx.Err()
		case <-sleepTimer.C:
		}
	}
}

// RateLimiter enforces Bybit's three independent request-rate ceilings:
// general read calls, order-placement calls, and WS subscription calls.
// Each bucket refills continuously off the monotonic clock and is guarded
// by its own mutex so the three limits never contend with each other.
type RateLimiter struct {
	read  *bucket
	order *bucket
	wsSub *bucket
}

// NewRateLimiter constructs a RateLimiter with Bybit's default bucket
// parameters.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		read:  newBucket(readBucketConfig),
		order: newBucket(orderBucketConfig),
		wsSub: newBucket(wsSubBucketConfig),
	}
}

// ConsumeRead acquires weight tokens (minimum 1) from the read bucket,
// blocking until available or the bucket's wait timeout elapses.
func (r *RateLimiter) ConsumeRead(ctx context.Context, weight int) error {
	if weight < 1 {
		weight = 1
	}
	return r.read.consume(ctx, float64(weight), "read")
}

// ConsumeOrder acquires one token from the order bucket.
func (r *RateLimiter) ConsumeOrder(ctx context.Context) error {
	return r.order.consume(ctx, 1, "order")
}

// ConsumeWSSubscription acquires one token from the WS-subscription bucket.
func (r *RateLimiter) ConsumeWSSubscription(ctx context.Context) error {
	return r.wsSub.consume(ctx, 1, "ws_sub")
}
