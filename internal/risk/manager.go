// Package risk implements the centralized pre-trade risk checks: global
// concurrency and risk-budget limits, per-base position admission, and the
// anti-churn cooldown guard.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/RomanHuBoss/bybit-grid-trading-system-sub000/internal/domain"
)

// Rejection reason codes returned by Check, matching the fixed evaluation
// order.
const (
	ReasonAntiChurnBlock = "anti_churn_block"
	ReasonMaxConcurrent  = "max_concurrent"
	ReasonPerBaseLimit   = "per_base_limit"
	ReasonMaxTotalRiskR  = "max_total_risk_r"
	ReasonPerSymbolRiskR = "per_symbol_risk_r"
)

// Manager centralizes all pre-trade admission checks over an
// atomically-swappable RiskLimits snapshot. Every open position is assumed
// to carry exactly 1R of risk, so both total and per-symbol risk budgets
// reduce to position counts.
type Manager struct {
	limits    atomic.Pointer[domain.RiskLimits]
	antiChurn *AntiChurnGuard
	positions domain.PositionStore
	logger    *slog.Logger
}

// NewManager constructs a Manager seeded with the given initial limits.
func NewManager(limits domain.RiskLimits, antiChurn *AntiChurnGuard, positions domain.PositionStore, logger *slog.Logger) *Manager {
	m := &Manager{
		antiChurn: antiChurn,
		positions: positions,
		logger:    logger.With(slog.String("component", "risk_manager")),
	}
	m.limits.Store(&limits)
	return m
}

// Limits returns the currently active risk limits snapshot.
func (m *Manager) Limits() domain.RiskLimits {
	return *m.limits.Load()
}

// UpdateLimits atomically swaps in a new risk limits snapshot, taking
// effect for all subsequent Check calls.
func (m *Manager) UpdateLimits(limits domain.RiskLimits) {
	m.limits.Store(&limits)
	m.logger.Info("risk limits updated",
		slog.Int("max_concurrent", limits.MaxConcurrent),
		slog.Int("max_total_risk_r", limits.MaxTotalRiskR),
		slog.Int("max_positions_per_base", limits.MaxPositionsPerBase),
	)
}

// Check evaluates whether a new position may be opened for signal, given
// the currently open positions, in fixed order: anti-churn, max_concurrent,
// per_base_limit, max_total_risk_r, per_symbol_risk_r. allowed is true only
// if every check passes; otherwise reason names the first check that
// failed.
func (m *Manager) Check(ctx context.Context, signal domain.Signal, openPositions []domain.Position, now time.Time) (bool, string, error) {
	limits := m.Limits()

	blocked, blockUntil, err := m.antiChurn.IsBlocked(ctx, signal.Symbol, signal.Direction, time.Duration(limits.AntiChurnCooldown)*time.Second, now)
	if err != nil {
		return false, "", fmt.Errorf("risk: anti-churn check: %w", err)
	}
	if blocked {
		m.logger.InfoContext(ctx, "signal blocked by anti-churn",
			slog.String("symbol", signal.Symbol),
			slog.String("direction", string(signal.Direction)),
			slog.Time("block_until", blockUntil),
			slog.String("signal_id", signal.ID.String()),
		)
		return false, ReasonAntiChurnBlock, nil
	}

	if !m.checkMaxConcurrent(openPositions, limits) {
		m.logger.InfoContext(ctx, "signal rejected: max_concurrent",
			slog.Int("open_positions", len(openPositions)),
			slog.Int("max_concurrent", limits.MaxConcurrent),
		)
		return false, ReasonMaxConcurrent, nil
	}

	okBase, err := canOpenPositionForBase(openPositions, signal.Symbol, signal.Direction, limits.MaxPositionsPerBase)
	if err != nil {
		return false, "", fmt.Errorf("risk: per-base check: %w", err)
	}
	if !okBase {
		m.logger.InfoContext(ctx, "signal rejected: per_base_limit",
			slog.String("symbol", signal.Symbol),
			slog.Int("max_positions_per_base", limits.MaxPositionsPerBase),
		)
		return false, ReasonPerBaseLimit, nil
	}

	if !m.checkTotalRisk(openPositions, limits) {
		m.logger.InfoContext(ctx, "signal rejected: max_total_risk_r",
			slog.Int("max_total_risk_r", limits.MaxTotalRiskR),
		)
		return false, ReasonMaxTotalRiskR, nil
	}

	if !m.checkPerSymbolRisk(openPositions, signal, limits) {
		m.logger.InfoContext(ctx, "signal rejected: per_symbol_risk_r",
			slog.String("symbol", signal.Symbol),
		)
		return false, ReasonPerSymbolRiskR, nil
	}

	return true, "", nil
}

// CheckWithOpenPositions is a convenience wrapper that loads the current
// open positions from the store before delegating to Check.
func (m *Manager) CheckWithOpenPositions(ctx context.Context, signal domain.Signal, now time.Time) (bool, string, error) {
	open, err := m.positions.ListOpen(ctx)
	if err != nil {
		return false, "", fmt.Errorf("risk: list open positions: %w", err)
	}
	return m.Check(ctx, signal, open, now)
}

// OnPositionOpened must be called after a position is actually opened, to
// start its anti-churn cooldown window.
func (m *Manager) OnPositionOpened(ctx context.Context, position domain.Position, now time.Time) error {
	limits := m.Limits()
	return m.antiChurn.RecordSignal(ctx, position.Symbol, position.Direction, time.Duration(limits.AntiChurnCooldown)*time.Second, now)
}

// OnPositionClosed is a lifecycle hook retained for future extension (e.g.
// an operator-triggered clear of the anti-churn block). It currently does
// not alter anti-churn state: the cooldown remains in effect after close.
func (m *Manager) OnPositionClosed(ctx context.Context, position domain.Position) {
	m.logger.DebugContext(ctx, "position closed",
		slog.String("position_id", position.ID.String()),
		slog.String("symbol", position.Symbol),
		slog.String("direction", string(position.Direction)),
	)
}

func (m *Manager) checkMaxConcurrent(openPositions []domain.Position, limits domain.RiskLimits) bool {
	return len(openPositions) < limits.MaxConcurrent
}

func (m *Manager) checkTotalRisk(openPositions []domain.Position, limits domain.RiskLimits) bool {
	proposed := len(openPositions) + 1
	return proposed <= limits.MaxTotalRiskR
}

func (m *Manager) checkPerSymbolRisk(openPositions []domain.Position, signal domain.Signal, limits domain.RiskLimits) bool {
	if len(limits.PerSymbolRiskR) == 0 {
		return true
	}
	symbolUpper := strings.ToUpper(signal.Symbol)
	limit, ok := limits.PerSymbolLimit(symbolUpper)
	if !ok {
		return true
	}

	count := 0
	for _, p := range openPositions {
		if strings.ToUpper(p.Symbol) == symbolUpper {
			count++
		}
	}
	return count+1 <= limit
}
