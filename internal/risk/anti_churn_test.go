package risk_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RomanHuBoss/bybit-grid-trading-system-sub000/internal/domain"
	"github.com/RomanHuBoss/bybit-grid-trading-system-sub000/internal/risk"
)

func TestAntiChurnGuard_NotBlockedWhenKeyMissing(t *testing.T) {
	guard := risk.NewAntiChurnGuard(newMemKV())
	blocked, _, err := guard.IsBlocked(context.Background(), "BTCUSDT", domain.DirectionLong, 15*time.Minute, time.Now())
	require.NoError(t, err)
	assert.False(t, blocked)
}

func TestAntiChurnGuard_MalformedValueTreatedAsNotBlocked(t *testing.T) {
	kv := newMemKV()
	require.NoError(t, kv.SetEx(context.Background(), "last_signal_time:BTCUSDT:long", "not-a-number", time.Minute))
	guard := risk.NewAntiChurnGuard(kv)

	blocked, _, err := guard.IsBlocked(context.Background(), "BTCUSDT", domain.DirectionLong, 15*time.Minute, time.Now())
	require.NoError(t, err)
	assert.False(t, blocked)
}

func TestAntiChurnGuard_ClearBlockRemovesCooldown(t *testing.T) {
	kv := newMemKV()
	guard := risk.NewAntiChurnGuard(kv)
	now := time.Now()

	require.NoError(t, guard.RecordSignal(context.Background(), "BTCUSDT", domain.DirectionLong, 15*time.Minute, now))
	blocked, _, err := guard.IsBlocked(context.Background(), "BTCUSDT", domain.DirectionLong, 15*time.Minute, now)
	require.NoError(t, err)
	assert.True(t, blocked)

	require.NoError(t, guard.ClearBlock(context.Background(), "BTCUSDT", domain.DirectionLong))
	blocked, _, err = guard.IsBlocked(context.Background(), "BTCUSDT", domain.DirectionLong, 15*time.Minute, now)
	require.NoError(t, err)
	assert.False(t, blocked)
}

func TestAntiChurnGuard_KeyNormalizesCaseIndependently(t *testing.T) {
	kv := newMemKV()
	guard := risk.NewAntiChurnGuard(kv)
	now := time.Now()

	require.NoError(t, guard.RecordSignal(context.Background(), "btcusdt", domain.Direction("LONG"), 15*time.Minute, now))
	blocked, _, err := guard.IsBlocked(context.Background(), "BTCUSDT", domain.DirectionLong, 15*time.Minute, now)
	require.NoError(t, err)
	assert.True(t, blocked)
}
