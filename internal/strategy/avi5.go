// Package strategy implements the AVI-5 breakout signal engine: Donchian
// channel breakout detection with ATR-derived stop/target geometry and
// theta-driven position sizing.
package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/RomanHuBoss/bybit-grid-trading-system-sub000/internal/domain"
	"github.com/RomanHuBoss/bybit-grid-trading-system-sub000/internal/indicators"
)

// StrategyVersion is the version string stamped onto every signal this
// engine produces.
const StrategyVersion = "avi5-1.0.0"

// FundingBlockMinutes is the minimum minutes-to-funding below which entry
// is blocked outright.
const FundingBlockMinutes = 15

// AVI5Config holds the strategy's tunable parameters.
type AVI5Config struct {
	ATRWindow     int
	ATRMultiplier decimal.Decimal
	MaxStake      decimal.Decimal
}

// RiskChecker is the subset of the risk manager's interface the signal
// engine depends on: the final admission gate before a signal is emitted.
type RiskChecker interface {
	CheckWithOpenPositions(ctx context.Context, signal domain.Signal, now time.Time) (allowed bool, reason string, err error)
}

// IndicatorSource computes the ATR and Donchian values the entry rule is
// evaluated against. The production engine backs this with the indicators
// package; tests substitute deterministic stubs.
type IndicatorSource interface {
	ATR(candles []domain.ConfirmedCandle, period int) (decimal.Decimal, error)
	Donchian(candles []domain.ConfirmedCandle, window int) (upper, lower decimal.Decimal, err error)
}

type defaultIndicatorSource struct{}

func (defaultIndicatorSource) ATR(candles []domain.ConfirmedCandle, period int) (decimal.Decimal, error) {
	return indicators.ATR(candles, period)
}

func (defaultIndicatorSource) Donchian(candles []domain.ConfirmedCandle, window int) (decimal.Decimal, decimal.Decimal, error) {
	return indicators.Donchian(candles, window)
}

// SignalEngine implements the AVI-5 entry rule over a stream of confirmed
// candles for one symbol at a time. It computes candidate entry geometry,
// then defers the final open/reject decision to RiskChecker.
type SignalEngine struct {
	cfg        AVI5Config
	risk       RiskChecker
	indicators IndicatorSource
	logger     *slog.Logger
}

// NewSignalEngine constructs a SignalEngine backed by the real indicators
// package.
func NewSignalEngine(cfg AVI5Config, risk RiskChecker, logger *slog.Logger) *SignalEngine {
	return NewSignalEngineWithIndicators(cfg, risk, defaultIndicatorSource{}, logger)
}

// NewSignalEngineWithIndicators constructs a SignalEngine with an explicit
// IndicatorSource, for tests that need deterministic ATR/Donchian values
// decoupled from real candle geometry.
func NewSignalEngineWithIndicators(cfg AVI5Config, risk RiskChecker, src IndicatorSource, logger *slog.Logger) *SignalEngine {
	return &SignalEngine{
		cfg:        cfg,
		risk:       risk,
		indicators: src,
		logger:     logger.With(slog.String("component", "avi5")),
	}
}

// Generate evaluates the AVI-5 entry rule against the tail of candles
// (ordered ascending by time, last element is the most recent confirmed
// bar) and returns a candidate Signal if a breakout triggers, the sizing
// geometry is sane, and the risk manager admits it. Returns (nil, nil) for
// any filtered-out, non-triggering, or risk-rejected case — only genuine
// computation failures return a non-nil error.
func (e *SignalEngine) Generate(ctx context.Context, candles []domain.ConfirmedCandle, spreadOK bool, minutesToFunding *int, theta decimal.Decimal, now time.Time) (*domain.Signal, error) {
	if len(candles) == 0 {
		return nil, nil
	}

	last := candles[len(candles)-1]
	if !last.Confirmed {
		e.logger.DebugContext(ctx, "last candle not confirmed, skipping", slog.String("symbol", last.Symbol))
		return nil, nil
	}
	if !spreadOK {
		e.logger.DebugContext(ctx, "spread filter failed, skipping", slog.String("symbol", last.Symbol))
		return nil, nil
	}
	if minutesToFunding != nil && *minutesToFunding < FundingBlockMinutes {
		e.logger.DebugContext(ctx, "funding filter blocked signal",
			slog.String("symbol", last.Symbol), slog.Int("minutes_to_funding", *minutesToFunding))
		return nil, nil
	}

	if len(candles) < e.cfg.ATRWindow+1 || len(candles) < 2 {
		e.logger.DebugContext(ctx, "not enough candles for ATR/Donchian",
			slog.String("symbol", last.Symbol), slog.Int("candles", len(candles)), slog.Int("atr_window", e.cfg.ATRWindow))
		return nil, nil
	}
	prev := candles[len(candles)-2]

	atrValue, err := e.indicators.ATR(candles[len(candles)-(e.cfg.ATRWindow+1):], e.cfg.ATRWindow)
	if err != nil {
		e.logger.WarnContext(ctx, "failed to compute ATR, skipping signal", slog.String("symbol", last.Symbol), slog.String("error", err.Error()))
		return nil, nil
	}
	upper, lower, err := e.indicators.Donchian(candles[len(candles)-e.cfg.ATRWindow:], e.cfg.ATRWindow)
	if err != nil {
		e.logger.WarnContext(ctx, "failed to compute Donchian channel, skipping signal", slog.String("symbol", last.Symbol), slog.String("error", err.Error()))
		return nil, nil
	}

	var direction domain.Direction
	switch {
	case last.Close.GreaterThan(upper) && upper.GreaterThanOrEqual(prev.Close):
		direction = domain.DirectionLong
	case last.Close.LessThan(lower) && lower.LessThanOrEqual(prev.Close):
		direction = domain.DirectionShort
	default:
		e.logger.DebugContext(ctx, "no Donchian breakout, no signal",
			slog.String("symbol", last.Symbol), slog.String("last_close", last.Close.String()),
			slog.String("upper", upper.String()), slog.String("lower", lower.String()))
		return nil, nil
	}

	riskPerUnit := e.cfg.ATRMultiplier.Mul(atrValue).Abs()
	if !riskPerUnit.IsPositive() {
		e.logger.WarnContext(ctx, "non-positive risk_per_unit, skipping signal",
			slog.String("symbol", last.Symbol), slog.String("atr", atrValue.String()))
		return nil, nil
	}

	entryPrice := last.Close
	var stopLoss, tp1, tp2, tp3 decimal.Decimal

	if direction == domain.DirectionLong {
		stopLoss = entryPrice.Sub(riskPerUnit)
		if !stopLoss.IsPositive() {
			e.logger.WarnContext(ctx, "computed SL <= 0 for long, skipping",
				slog.String("symbol", last.Symbol), slog.String("entry", entryPrice.String()), slog.String("sl", stopLoss.String()))
			return nil, nil
		}
		tp1 = entryPrice.Add(riskPerUnit)
		tp2 = entryPrice.Add(riskPerUnit.Mul(decimal.NewFromInt(2)))
		tp3 = entryPrice.Add(riskPerUnit.Mul(decimal.NewFromInt(3)))
	} else {
		stopLoss = entryPrice.Add(riskPerUnit)
		tp1 = entryPrice.Sub(riskPerUnit)
		tp2 = entryPrice.Sub(riskPerUnit.Mul(decimal.NewFromInt(2)))
		tp3 = entryPrice.Sub(riskPerUnit.Mul(decimal.NewFromInt(3)))
		if !tp3.IsPositive() {
			e.logger.WarnContext(ctx, "computed TP3 <= 0 for short, skipping",
				slog.String("symbol", last.Symbol), slog.String("entry", entryPrice.String()), slog.String("tp3", tp3.String()))
			return nil, nil
		}
	}

	stakeUSD := e.cfg.MaxStake.Mul(theta).Abs()
	if !stakeUSD.IsPositive() {
		e.logger.WarnContext(ctx, "computed non-positive stake_usd, skipping signal",
			slog.String("symbol", last.Symbol), slog.String("max_stake", e.cfg.MaxStake.String()), slog.String("theta", theta.String()))
		return nil, nil
	}

	probability := clampProbability(theta)

	signal := domain.Signal{
		ID:              uuid.New(),
		CreatedAt:       now,
		Symbol:          last.Symbol,
		Direction:       direction,
		EntryPrice:      entryPrice,
		StakeUSD:        stakeUSD,
		Probability:     probability,
		Strategy:        "AVI-5",
		StrategyVersion: StrategyVersion,
		TP1:             &tp1,
		TP2:             &tp2,
		TP3:             &tp3,
		StopLoss:        &stopLoss,
	}

	allowed, reason, err := e.risk.CheckWithOpenPositions(ctx, signal, now)
	if err != nil {
		return nil, fmt.Errorf("strategy: risk check: %w", err)
	}
	if !allowed {
		e.logger.InfoContext(ctx, "signal rejected by risk manager",
			slog.String("symbol", signal.Symbol), slog.String("direction", string(signal.Direction)),
			slog.String("reason", reason), slog.String("signal_id", signal.ID.String()))
		return nil, nil
	}

	e.logger.InfoContext(ctx, "signal generated by AVI-5",
		slog.String("symbol", signal.Symbol), slog.String("direction", string(signal.Direction)),
		slog.String("entry", signal.EntryPrice.String()), slog.String("stake_usd", signal.StakeUSD.String()))
	return &signal, nil
}

// clampProbability clamps theta into [0,1]. This is a deliberate
// divergence from a 0.5-default-on-out-of-range fallback: the probability
// always reflects the nearest boundary of theta rather than a fixed
// midpoint.
func clampProbability(theta decimal.Decimal) decimal.Decimal {
	if theta.LessThan(decimal.Zero) {
		return decimal.Zero
	}
	if theta.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.NewFromInt(1)
	}
	return theta
}
