package execution

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/RomanHuBoss/bybit-grid-trading-system-sub000/internal/domain"
)

// SlippageConfig sets the ATR/depth-based penalties applied on top of the
// base directional slippage figure.
type SlippageConfig struct {
	ATRPercentileThreshold decimal.Decimal
	DepthThresholdUSD      decimal.Decimal
	ATRPenaltyBps          decimal.Decimal
	DepthPenaltyBps        decimal.Decimal
}

// DefaultSlippageConfig matches the documented defaults: ATR above the
// 80th percentile or depth below $1,000,000 each add a fixed bps penalty.
func DefaultSlippageConfig() SlippageConfig {
	return SlippageConfig{
		ATRPercentileThreshold: decimal.NewFromFloat(0.8),
		DepthThresholdUSD:      decimal.NewFromInt(1000000),
		ATRPenaltyBps:          decimal.NewFromInt(15),
		DepthPenaltyBps:        decimal.NewFromInt(25),
	}
}

// SlippageRecord is a DTO describing one slippage measurement, independent
// of the side-effecting Position update.
type SlippageRecord struct {
	PositionID    uuid.UUID
	Symbol        string
	Direction     domain.Direction
	ExpectedPrice decimal.Decimal
	ActualPrice   decimal.Decimal
	ExecutedAt    time.Time
}

// SlippageMonitor computes and persists directional entry/exit slippage,
// adjusted for volatility and orderbook depth when those signals are
// available.
type SlippageMonitor struct {
	positions domain.PositionStore
	config    SlippageConfig
	logger    *slog.Logger
}

// NewSlippageMonitor constructs a SlippageMonitor. A zero-value config
// falls back to DefaultSlippageConfig.
func NewSlippageMonitor(positions domain.PositionStore, config SlippageConfig, logger *slog.Logger) *SlippageMonitor {
	if config.ATRPercentileThreshold.IsZero() && config.DepthThresholdUSD.IsZero() {
		config = DefaultSlippageConfig()
	}
	return &SlippageMonitor{
		positions: positions,
		config:    config,
		logger:    logger.With(slog.String("component", "slippage_monitor")),
	}
}

// RecordEntrySlippage computes slippage against the signal's entry_price,
// applies ATR/depth adjustments, writes it onto the position, and persists
// the update.
func (m *SlippageMonitor) RecordEntrySlippage(ctx context.Context, signal domain.Signal, position domain.Position, actualPrice decimal.Decimal, atrPercentile, depthUSD *decimal.Decimal, executedAt time.Time) (SlippageRecord, error) {
	return m.record(ctx, position, signal.EntryPrice, actualPrice, atrPercentile, depthUSD, executedAt)
}

// RecordExitSlippage computes slippage against a requested TP/SL price,
// applies the same ATR/depth adjustments, and persists the update.
func (m *SlippageMonitor) RecordExitSlippage(ctx context.Context, position domain.Position, requestedPrice, actualPrice decimal.Decimal, atrPercentile, depthUSD *decimal.Decimal, executedAt time.Time) (SlippageRecord, error) {
	return m.record(ctx, position, requestedPrice, actualPrice, atrPercentile, depthUSD, executedAt)
}

func (m *SlippageMonitor) record(ctx context.Context, position domain.Position, expectedPrice, actualPrice decimal.Decimal, atrPercentile, depthUSD *decimal.Decimal, executedAt time.Time) (SlippageRecord, error) {
	baseBps, err := computeDirectionalSlippageBps(position.Direction, expectedPrice, actualPrice)
	if err != nil {
		return SlippageRecord{}, err
	}

	adjusted, err := m.applyAdjustments(baseBps, atrPercentile, depthUSD)
	if err != nil {
		return SlippageRecord{}, err
	}

	position.SlippageBps = adjusted

	m.logger.InfoContext(ctx, "recording slippage",
		slog.String("position_id", position.ID.String()),
		slog.String("symbol", position.Symbol),
		slog.String("direction", string(position.Direction)),
		slog.String("expected_price", expectedPrice.String()),
		slog.String("actual_price", actualPrice.String()),
		slog.String("base_bps", baseBps.String()),
		slog.String("adjusted_bps", adjusted.String()),
	)

	if err := m.positions.Update(ctx, position); err != nil {
		return SlippageRecord{}, fmt.Errorf("%w: update position slippage: %v", domain.ErrStorage, err)
	}

	if executedAt.IsZero() {
		executedAt = time.Now().UTC()
	}

	return SlippageRecord{
		PositionID:    position.ID,
		Symbol:        position.Symbol,
		Direction:     position.Direction,
		ExpectedPrice: expectedPrice,
		ActualPrice:   actualPrice,
		ExecutedAt:    executedAt,
	}, nil
}

// adjustForATR adds ATRPenaltyBps when atrPercentile has reached the
// configured threshold.
func (m *SlippageMonitor) adjustForATR(baseBps, atrPercentile decimal.Decimal) (decimal.Decimal, error) {
	if atrPercentile.IsNegative() || atrPercentile.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.Zero, fmt.Errorf("atr_percentile must be in [0, 1], got %s", atrPercentile)
	}
	if atrPercentile.GreaterThanOrEqual(m.config.ATRPercentileThreshold) {
		return baseBps.Add(m.config.ATRPenaltyBps), nil
	}
	return baseBps, nil
}

// adjustForDepth adds DepthPenaltyBps when depthUSD is below the
// configured liquidity threshold.
func (m *SlippageMonitor) adjustForDepth(baseBps, depthUSD decimal.Decimal) (decimal.Decimal, error) {
	if depthUSD.IsNegative() {
		return decimal.Zero, fmt.Errorf("depth_usd must be non-negative, got %s", depthUSD)
	}
	if depthUSD.LessThan(m.config.DepthThresholdUSD) {
		return baseBps.Add(m.config.DepthPenaltyBps), nil
	}
	return baseBps, nil
}

func (m *SlippageMonitor) applyAdjustments(baseBps decimal.Decimal, atrPercentile, depthUSD *decimal.Decimal) (decimal.Decimal, error) {
	adjusted := baseBps
	var err error

	if atrPercentile != nil {
		adjusted, err = m.adjustForATR(adjusted, *atrPercentile)
		if err != nil {
			return decimal.Zero, err
		}
	}
	if depthUSD != nil {
		adjusted, err = m.adjustForDepth(adjusted, *depthUSD)
		if err != nil {
			return decimal.Zero, err
		}
	}
	return adjusted, nil
}

