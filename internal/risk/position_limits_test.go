package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RomanHuBoss/bybit-grid-trading-system-sub000/internal/domain"
)

func TestCanOpenPositionForBase_RejectsWhenLimitBelowOne(t *testing.T) {
	ok, err := canOpenPositionForBase(nil, "BTCUSDT", domain.DirectionLong, 0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCanOpenPositionForBase_RejectsInvalidDirection(t *testing.T) {
	_, err := canOpenPositionForBase(nil, "BTCUSDT", domain.Direction("sideways"), 2)
	assert.Error(t, err)
}

func TestCanOpenPositionForBase_IgnoresClosedPositions(t *testing.T) {
	closed := domain.Position{Symbol: "BTCUSDT", Direction: domain.DirectionLong, Status: domain.PositionStatusClosed}
	now := time.Now()
	closed.ClosedAt = &now

	ok, err := canOpenPositionForBase([]domain.Position{closed}, "BTCUSDT", domain.DirectionLong, 2)
	require.NoError(t, err)
	assert.True(t, ok)
}
