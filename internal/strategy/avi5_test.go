package strategy_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RomanHuBoss/bybit-grid-trading-system-sub000/internal/domain"
	"github.com/RomanHuBoss/bybit-grid-trading-system-sub000/internal/strategy"
)

type stubRisk struct {
	allowed bool
	reason  string
	err     error
	calls   int
}

func (s *stubRisk) CheckWithOpenPositions(ctx context.Context, signal domain.Signal, now time.Time) (bool, string, error) {
	s.calls++
	return s.allowed, s.reason, s.err
}

type stubIndicators struct {
	atr          decimal.Decimal
	upper, lower decimal.Decimal
}

func (s stubIndicators) ATR(candles []domain.ConfirmedCandle, period int) (decimal.Decimal, error) {
	return s.atr, nil
}

func (s stubIndicators) Donchian(candles []domain.ConfirmedCandle, window int) (decimal.Decimal, decimal.Decimal, error) {
	return s.upper, s.lower, nil
}

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func cfg() strategy.AVI5Config {
	return strategy.AVI5Config{
		ATRWindow:     2,
		ATRMultiplier: decimal.RequireFromString("2"),
		MaxStake:      decimal.RequireFromString("100"),
	}
}

func mkCandle(symbol, o, h, l, c string, t time.Time) domain.ConfirmedCandle {
	return domain.ConfirmedCandle{
		Symbol: symbol,
		Open:   decimal.RequireFromString(o), High: decimal.RequireFromString(h),
		Low: decimal.RequireFromString(l), Close: decimal.RequireFromString(c),
		Volume: decimal.RequireFromString("10"), Confirmed: true,
		OpenTime: t, CloseTime: t.Add(5 * time.Minute),
	}
}

// specCandles reproduces the three-bar sequence from the end-to-end
// scenario: entry price is the last bar's close of 106.
func specCandles() []domain.ConfirmedCandle {
	base := time.Now().Add(-15 * time.Minute)
	return []domain.ConfirmedCandle{
		mkCandle("BTCUSDT", "100", "101", "99", "100", base),
		mkCandle("BTCUSDT", "100", "104", "99", "100", base.Add(5*time.Minute)),
		mkCandle("BTCUSDT", "104", "110", "103", "106", base.Add(10*time.Minute)),
	}
}

func TestGenerate_EndToEndLongBreakout(t *testing.T) {
	risk := &stubRisk{allowed: true}
	src := stubIndicators{
		atr:   decimal.RequireFromString("10"),
		upper: decimal.RequireFromString("105"),
		lower: decimal.RequireFromString("95"),
	}
	engine := strategy.NewSignalEngineWithIndicators(cfg(), risk, src, silentLogger())

	sig, err := engine.Generate(context.Background(), specCandles(), true, nil, decimal.RequireFromString("0.3"), time.Now())
	require.NoError(t, err)
	require.NotNil(t, sig)

	assert.Equal(t, domain.DirectionLong, sig.Direction)
	assert.True(t, sig.EntryPrice.Equal(decimal.RequireFromString("106")))
	assert.True(t, sig.StakeUSD.Equal(decimal.RequireFromString("30")))
	assert.True(t, sig.StopLoss.Equal(decimal.RequireFromString("86")))
	assert.True(t, sig.TP1.Equal(decimal.RequireFromString("126")))
	assert.True(t, sig.TP2.Equal(decimal.RequireFromString("146")))
	assert.True(t, sig.TP3.Equal(decimal.RequireFromString("166")))
	assert.Equal(t, 1, risk.calls)
}

func TestGenerate_EndToEndDeniedByRiskManager(t *testing.T) {
	risk := &stubRisk{allowed: false, reason: "max_concurrent"}
	src := stubIndicators{
		atr:   decimal.RequireFromString("10"),
		upper: decimal.RequireFromString("105"),
		lower: decimal.RequireFromString("95"),
	}
	engine := strategy.NewSignalEngineWithIndicators(cfg(), risk, src, silentLogger())

	sig, err := engine.Generate(context.Background(), specCandles(), true, nil, decimal.RequireFromString("0.3"), time.Now())
	require.NoError(t, err)
	assert.Nil(t, sig)
	assert.Equal(t, 1, risk.calls)
}

func TestGenerate_NoBreakoutReturnsNilAndSkipsRiskCheck(t *testing.T) {
	risk := &stubRisk{allowed: true}
	src := stubIndicators{
		atr:   decimal.RequireFromString("10"),
		upper: decimal.RequireFromString("200"),
		lower: decimal.RequireFromString("1"),
	}
	engine := strategy.NewSignalEngineWithIndicators(cfg(), risk, src, silentLogger())

	sig, err := engine.Generate(context.Background(), specCandles(), true, nil, decimal.RequireFromString("0.3"), time.Now())
	require.NoError(t, err)
	assert.Nil(t, sig)
	assert.Equal(t, 0, risk.calls)
}

func TestGenerate_UnconfirmedLastCandleSkips(t *testing.T) {
	risk := &stubRisk{allowed: true}
	src := stubIndicators{atr: decimal.RequireFromString("10"), upper: decimal.RequireFromString("105"), lower: decimal.RequireFromString("95")}
	engine := strategy.NewSignalEngineWithIndicators(cfg(), risk, src, silentLogger())

	candles := specCandles()
	candles[len(candles)-1].Confirmed = false

	sig, err := engine.Generate(context.Background(), candles, true, nil, decimal.RequireFromString("0.3"), time.Now())
	require.NoError(t, err)
	assert.Nil(t, sig)
}

func TestGenerate_SpreadFilterBlocks(t *testing.T) {
	risk := &stubRisk{allowed: true}
	src := stubIndicators{atr: decimal.RequireFromString("10"), upper: decimal.RequireFromString("105"), lower: decimal.RequireFromString("95")}
	engine := strategy.NewSignalEngineWithIndicators(cfg(), risk, src, silentLogger())

	sig, err := engine.Generate(context.Background(), specCandles(), false, nil, decimal.RequireFromString("0.3"), time.Now())
	require.NoError(t, err)
	assert.Nil(t, sig)
}

func TestGenerate_FundingFilterBlocksBelowThreshold(t *testing.T) {
	risk := &stubRisk{allowed: true}
	src := stubIndicators{atr: decimal.RequireFromString("10"), upper: decimal.RequireFromString("105"), lower: decimal.RequireFromString("95")}
	engine := strategy.NewSignalEngineWithIndicators(cfg(), risk, src, silentLogger())

	ttf := 10
	sig, err := engine.Generate(context.Background(), specCandles(), true, &ttf, decimal.RequireFromString("0.3"), time.Now())
	require.NoError(t, err)
	assert.Nil(t, sig)
}

func TestGenerate_FundingFilterAllowsAtThreshold(t *testing.T) {
	risk := &stubRisk{allowed: true}
	src := stubIndicators{atr: decimal.RequireFromString("10"), upper: decimal.RequireFromString("105"), lower: decimal.RequireFromString("95")}
	engine := strategy.NewSignalEngineWithIndicators(cfg(), risk, src, silentLogger())

	ttf := 15
	sig, err := engine.Generate(context.Background(), specCandles(), true, &ttf, decimal.RequireFromString("0.3"), time.Now())
	require.NoError(t, err)
	assert.NotNil(t, sig)
}

func TestGenerate_ShortBreakoutProducesDescendingTargets(t *testing.T) {
	risk := &stubRisk{allowed: true}
	src := stubIndicators{
		atr:   decimal.RequireFromString("10"),
		upper: decimal.RequireFromString("300"),
		lower: decimal.RequireFromString("110"),
	}
	engine := strategy.NewSignalEngineWithIndicators(cfg(), risk, src, silentLogger())

	base := time.Now().Add(-15 * time.Minute)
	candles := []domain.ConfirmedCandle{
		mkCandle("BTCUSDT", "150", "155", "140", "150", base),
		mkCandle("BTCUSDT", "150", "152", "130", "140", base.Add(5*time.Minute)),
		mkCandle("BTCUSDT", "140", "142", "95", "100", base.Add(10*time.Minute)),
	}

	sig, err := engine.Generate(context.Background(), candles, true, nil, decimal.RequireFromString("0.4"), time.Now())
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, domain.DirectionShort, sig.Direction)
	assert.True(t, sig.StopLoss.GreaterThan(sig.EntryPrice))
	assert.True(t, sig.TP1.LessThan(sig.EntryPrice))
	assert.True(t, sig.TP3.LessThan(*sig.TP2))
}

func TestGenerate_NonPositiveRiskPerUnitSkips(t *testing.T) {
	risk := &stubRisk{allowed: true}
	src := stubIndicators{atr: decimal.Zero, upper: decimal.RequireFromString("105"), lower: decimal.RequireFromString("95")}
	engine := strategy.NewSignalEngineWithIndicators(cfg(), risk, src, silentLogger())

	sig, err := engine.Generate(context.Background(), specCandles(), true, nil, decimal.RequireFromString("0.3"), time.Now())
	require.NoError(t, err)
	assert.Nil(t, sig)
}

func TestGenerate_NotEnoughCandlesSkips(t *testing.T) {
	risk := &stubRisk{allowed: true}
	src := stubIndicators{atr: decimal.RequireFromString("10"), upper: decimal.RequireFromString("105"), lower: decimal.RequireFromString("95")}
	engine := strategy.NewSignalEngineWithIndicators(cfg(), risk, src, silentLogger())

	sig, err := engine.Generate(context.Background(), specCandles()[:1], true, nil, decimal.RequireFromString("0.3"), time.Now())
	require.NoError(t, err)
	assert.Nil(t, sig)
}

func TestGenerate_ProbabilityClampsAboveOne(t *testing.T) {
	risk := &stubRisk{allowed: true}
	src := stubIndicators{atr: decimal.RequireFromString("10"), upper: decimal.RequireFromString("105"), lower: decimal.RequireFromString("95")}
	engine := strategy.NewSignalEngineWithIndicators(cfg(), risk, src, silentLogger())

	sig, err := engine.Generate(context.Background(), specCandles(), true, nil, decimal.RequireFromString("1.5"), time.Now())
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.True(t, sig.Probability.Equal(decimal.NewFromInt(1)))
}

func TestGenerate_ProbabilityClampsBelowZero(t *testing.T) {
	risk := &stubRisk{allowed: true}
	src := stubIndicators{atr: decimal.RequireFromString("10"), upper: decimal.RequireFromString("105"), lower: decimal.RequireFromString("95")}
	engine := strategy.NewSignalEngineWithIndicators(cfg(), risk, src, silentLogger())

	sig, err := engine.Generate(context.Background(), specCandles(), true, nil, decimal.RequireFromString("-0.5"), time.Now())
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.True(t, sig.Probability.Equal(decimal.Zero))
}
