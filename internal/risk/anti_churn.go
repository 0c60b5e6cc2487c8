package risk

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/RomanHuBoss/bybit-grid-trading-system-sub000/internal/domain"
)

// DefaultAntiChurnCooldown is the fallback cooldown applied when a
// RiskLimits snapshot carries a zero or negative AntiChurnCooldown.
const DefaultAntiChurnCooldown = 15 * time.Minute

// AntiChurnGuard blocks repeated same-direction entries into a symbol for a
// fixed cooldown window, backed by a single TTL'd key per (symbol,
// direction) pair in the shared KV store.
type AntiChurnGuard struct {
	kv domain.KVStore
}

// NewAntiChurnGuard constructs an AntiChurnGuard over the shared KV store.
func NewAntiChurnGuard(kv domain.KVStore) *AntiChurnGuard {
	return &AntiChurnGuard{kv: kv}
}

func antiChurnKey(symbol string, direction domain.Direction) string {
	return fmt.Sprintf("last_signal_time:%s:%s", strings.ToUpper(symbol), strings.ToLower(string(direction)))
}

// IsBlocked reports whether symbol/direction is currently inside its
// anti-churn cooldown window, and if so, the time at which the block
// expires. A missing or malformed stored timestamp is treated as not
// blocked.
func (g *AntiChurnGuard) IsBlocked(ctx context.Context, symbol string, direction domain.Direction, cooldown time.Duration, now time.Time) (blocked bool, blockUntil time.Time, err error) {
	if cooldown <= 0 {
		cooldown = DefaultAntiChurnCooldown
	}

	raw, found, err := g.kv.Get(ctx, antiChurnKey(symbol, direction))
	if err != nil {
		return false, time.Time{}, err
	}
	if !found {
		return false, time.Time{}, nil
	}

	tsFloat, parseErr := strconv.ParseFloat(raw, 64)
	if parseErr != nil {
		return false, time.Time{}, nil
	}
	lastTime := time.Unix(0, int64(tsFloat*float64(time.Second))).UTC()
	elapsed := now.Sub(lastTime)
	if elapsed >= cooldown {
		return false, time.Time{}, nil
	}
	return true, lastTime.Add(cooldown), nil
}

// RecordSignal stamps symbol/direction as having just produced a confirmed
// entry, starting a fresh cooldown window of length cooldown.
func (g *AntiChurnGuard) RecordSignal(ctx context.Context, symbol string, direction domain.Direction, cooldown time.Duration, now time.Time) error {
	if cooldown <= 0 {
		cooldown = DefaultAntiChurnCooldown
	}
	value := strconv.FormatFloat(float64(now.UnixNano())/float64(time.Second), 'f', -1, 64)
	return g.kv.SetEx(ctx, antiChurnKey(symbol, direction), value, cooldown)
}

// ClearBlock removes any active cooldown for symbol/direction, allowing an
// immediate re-entry. Used for operator-driven manual overrides.
func (g *AntiChurnGuard) ClearBlock(ctx context.Context, symbol string, direction domain.Direction) error {
	return g.kv.Del(ctx, antiChurnKey(symbol, direction))
}
