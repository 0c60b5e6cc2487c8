// Package execution implements manual order placement, fill tracking, and
// slippage recording against the live position/signal stores.
package execution

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bitly/go-simplejson"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/RomanHuBoss/bybit-grid-trading-system-sub000/internal/domain"
)

// OrderREST is the subset of the Bybit REST client the order manager needs:
// create, poll, and cancel a single order. Kept narrow and interface-typed
// so the manager can be tested against a fake without standing up HTTP.
type OrderREST interface {
	PlaceOrder(ctx context.Context, body map[string]any) (*simplejson.Json, error)
	GetOrder(ctx context.Context, symbol, orderID string) (*simplejson.Json, error)
	CancelOrder(ctx context.Context, symbol, orderID string) (*simplejson.Json, error)
}

// RiskChecker is the subset of the risk manager the order manager
// re-consults immediately before placing an order.
type RiskChecker interface {
	CheckWithOpenPositions(ctx context.Context, signal domain.Signal, now time.Time) (bool, string, error)
}

// PartialFillPolicy defines the two fill-ratio thresholds that govern
// whether a manually placed order results in an opened position.
// fill_ratio < MinFillRatioToOpen means the position is not considered
// opened at all. fill_ratio >= FullFillRatio is treated as fully filled
// and stops polling early. Between the two, the caller still gets a
// position (the accept-vs-retry choice is left to a layer above this one).
type PartialFillPolicy struct {
	MinFillRatioToOpen decimal.Decimal
	FullFillRatio      decimal.Decimal
}

// DefaultPartialFillPolicy matches the documented defaults: 0.5 to count
// as opened at all, 0.95 to count as effectively complete.
func DefaultPartialFillPolicy() PartialFillPolicy {
	return PartialFillPolicy{
		MinFillRatioToOpen: decimal.NewFromFloat(0.5),
		FullFillRatio:      decimal.NewFromFloat(0.95),
	}
}

// Bybit order statuses that terminate the fill-polling loop.
const (
	orderStatusFilled   = "FILLED"
	orderStatusCanceled = "CANCELED"
	orderStatusRejected = "REJECTED"
)

// OrderManager places a limit post-only order for a freshly generated
// signal, polls Bybit for fills over REST (no WS dependency), and either
// opens a Position or reports an underfill/timeout failure. It re-checks
// signal freshness and risk limits at the moment of manual placement,
// since both can have changed since the signal was generated.
type OrderManager struct {
	rest     OrderREST
	risk     RiskChecker
	signals  domain.SignalStore
	positions domain.PositionStore

	policy             PartialFillPolicy
	orderTimeout       time.Duration
	pollInterval       time.Duration
	signalGraceSeconds time.Duration

	logger *slog.Logger
}

// OrderManagerConfig collects the tunables NewOrderManager needs. Zero
// values fall back to the documented defaults.
type OrderManagerConfig struct {
	Policy             PartialFillPolicy
	OrderTimeout       time.Duration
	PollInterval       time.Duration
	SignalGraceSeconds time.Duration
}

// NewOrderManager constructs an OrderManager, applying default timeouts
// and the default partial-fill policy where the config leaves them zero.
func NewOrderManager(rest OrderREST, risk RiskChecker, signals domain.SignalStore, positions domain.PositionStore, cfg OrderManagerConfig, logger *slog.Logger) *OrderManager {
	policy := cfg.Policy
	if policy.MinFillRatioToOpen.IsZero() && policy.FullFillRatio.IsZero() {
		policy = DefaultPartialFillPolicy()
	}
	orderTimeout := cfg.OrderTimeout
	if orderTimeout <= 0 {
		orderTimeout = 30 * time.Second
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	grace := cfg.SignalGraceSeconds
	if grace <= 0 {
		grace = 5 * time.Second
	}
	return &OrderManager{
		rest:               rest,
		risk:               risk,
		signals:            signals,
		positions:          positions,
		policy:             policy,
		orderTimeout:       orderTimeout,
		pollInterval:       pollInterval,
		signalGraceSeconds: grace,
		logger:             logger.With(slog.String("component", "order_manager")),
	}
}

// PlaceOrder opens a position for signalID: loads the signal, checks
// freshness and risk limits, submits a limit post-only order, waits for
// fills, and either creates the Position or returns an
// ErrOrderPlacement/ErrSignalStale-wrapped error. On rejection it also
// records an error_message on the signal, mirroring the original flow's
// habit of leaving a trail on the signal row itself.
func (m *OrderManager) PlaceOrder(ctx context.Context, signalID uuid.UUID, now time.Time) (domain.Position, error) {
	signal, err := m.signals.GetByID(ctx, signalID)
	if err != nil {
		return domain.Position{}, fmt.Errorf("%w: load signal %s: %v", domain.ErrOrderPlacement, signalID, err)
	}

	if !m.validateSignalFreshness(signal, now) {
		msg := "signal expired for manual order placement"
		m.recordSignalError(ctx, signal, msg)
		return domain.Position{}, fmt.Errorf("%w: %s", domain.ErrSignalStale, msg)
	}

	allowed, reason, err := m.risk.CheckWithOpenPositions(ctx, signal, now)
	if err != nil {
		return domain.Position{}, fmt.Errorf("%w: risk check: %v", domain.ErrOrderPlacement, err)
	}
	if !allowed {
		msg := fmt.Sprintf("order rejected by risk manager: %s", reason)
		m.recordSignalError(ctx, signal, msg)
		return domain.Position{}, fmt.Errorf("%w: %s", domain.ErrOrderPlacement, msg)
	}

	qty, err := m.computeOrderSize(signal)
	if err != nil {
		m.recordSignalError(ctx, signal, err.Error())
		return domain.Position{}, err
	}

	side := "Buy"
	if signal.Direction == domain.DirectionShort {
		side = "Sell"
	}

	body := map[string]any{
		"category":    "linear",
		"symbol":      signal.Symbol,
		"side":        side,
		"orderType":   "Limit",
		"qty":         qty.String(),
		"price":       signal.EntryPrice.String(),
		"timeInForce": "PostOnly",
		"orderLinkId": signal.ID.String(),
		"reduceOnly":  false,
	}

	createResp, err := m.rest.PlaceOrder(ctx, body)
	if err != nil {
		msg := fmt.Sprintf("failed to create bybit order: %v", err)
		m.recordSignalError(ctx, signal, msg)
		return domain.Position{}, fmt.Errorf("%w: %s", domain.ErrOrderPlacement, msg)
	}

	orderID, ok := extractOrderID(createResp)
	if !ok {
		msg := "bybit create_order response missing orderId"
		m.recordSignalError(ctx, signal, msg)
		return domain.Position{}, fmt.Errorf("%w: %s", domain.ErrOrderPlacement, msg)
	}

	fillRatio, avgPrice, status, err := m.waitForFills(ctx, orderID, signal.Symbol)
	if err != nil {
		msg := fmt.Sprintf("timed out waiting for fills: %v", err)
		m.recordSignalError(ctx, signal, msg)
		return domain.Position{}, fmt.Errorf("%w: %s", domain.ErrOrderPlacement, msg)
	}

	if fillRatio.LessThan(m.policy.MinFillRatioToOpen) {
		m.logger.InfoContext(ctx, "underfill, cancelling order",
			slog.String("signal_id", signal.ID.String()),
			slog.String("order_id", orderID),
			slog.String("fill_ratio", fillRatio.String()),
			slog.String("status", status),
		)
		m.cancelOrder(ctx, signal.Symbol, orderID)

		msg := fmt.Sprintf("order underfilled: fill_ratio=%s", fillRatio)
		m.recordSignalError(ctx, signal, msg)
		return domain.Position{}, fmt.Errorf("%w: %s", domain.ErrOrderPlacement, msg)
	}

	position, err := m.createPositionFromFill(ctx, signal, fillRatio, avgPrice, now)
	if err != nil {
		return domain.Position{}, err
	}

	m.logger.InfoContext(ctx, "manual position opened",
		slog.String("position_id", position.ID.String()),
		slog.String("signal_id", position.SignalID.String()),
		slog.String("symbol", position.Symbol),
		slog.String("direction", string(position.Direction)),
		slog.String("fill_ratio", position.FillRatio.String()),
		slog.String("slippage_bps", position.SlippageBps.String()),
	)

	return position, nil
}

// validateSignalFreshness reports whether signal is still within its
// execution grace window for manual placement.
func (m *OrderManager) validateSignalFreshness(signal domain.Signal, now time.Time) bool {
	return signal.Fresh(now, m.signalGraceSeconds)
}

// waitForFills polls GET /v5/order/realtime until the order reaches a
// terminal status, the fill ratio clears FullFillRatio, or orderTimeout
// elapses.
func (m *OrderManager) waitForFills(ctx context.Context, orderID, symbol string) (decimal.Decimal, decimal.Decimal, string, error) {
	deadline := time.Now().Add(m.orderTimeout)

	lastStatus := "NEW"
	lastRatio := decimal.Zero
	lastAvgPrice := decimal.Zero

	for time.Now().Before(deadline) {
		resp, err := m.rest.GetOrder(ctx, symbol, orderID)
		if err != nil {
			return decimal.Zero, decimal.Zero, "", fmt.Errorf("query order status: %w", err)
		}

		orderData, ok := extractOrderData(resp)
		if !ok {
			m.logger.WarnContext(ctx, "order status response missing data, retrying", slog.String("order_id", orderID))
			if !sleepOrDone(ctx, m.pollInterval) {
				return lastRatio, lastAvgPrice, lastStatus, ctx.Err()
			}
			continue
		}

		qty, qtyOK := toDecimalField(orderData, "qty", "orderQty")
		cum, cumOK := toDecimalField(orderData, "cumExecQty")
		avgPrice, avgOK := toDecimalField(orderData, "avgPrice", "price")
		status := orderData.Get("orderStatus").MustString("")

		if qtyOK && cumOK && qty.IsPositive() {
			ratio := cum.Div(qty)
			if ratio.IsNegative() {
				ratio = decimal.Zero
			}
			if ratio.GreaterThan(decimal.NewFromInt(1)) {
				ratio = decimal.NewFromInt(1)
			}
			lastRatio = ratio
		}
		if status != "" {
			lastStatus = status
		}
		if avgOK && !avgPrice.IsZero() {
			lastAvgPrice = avgPrice
		}

		if lastStatus == orderStatusFilled || lastStatus == orderStatusCanceled || lastStatus == orderStatusRejected {
			break
		}
		if lastRatio.GreaterThanOrEqual(m.policy.FullFillRatio) {
			break
		}

		if !sleepOrDone(ctx, m.pollInterval) {
			return lastRatio, lastAvgPrice, lastStatus, ctx.Err()
		}
	}

	terminal := lastStatus == orderStatusFilled || lastStatus == orderStatusCanceled || lastStatus == orderStatusRejected
	if !terminal && lastRatio.LessThan(m.policy.FullFillRatio) {
		return lastRatio, lastAvgPrice, lastStatus, fmt.Errorf("order stuck in status %s with fill_ratio=%s after timeout", lastStatus, lastRatio)
	}

	return lastRatio, lastAvgPrice, lastStatus, nil
}

// createPositionFromFill builds and persists the Position resulting from
// a sufficiently filled order, computing its realized size and directional
// entry slippage.
func (m *OrderManager) createPositionFromFill(ctx context.Context, signal domain.Signal, fillRatio, avgPrice decimal.Decimal, openedAt time.Time) (domain.Position, error) {
	if !avgPrice.IsPositive() {
		return domain.Position{}, fmt.Errorf("%w: avg_price must be positive to create position", domain.ErrOrderPlacement)
	}

	nominalSizeBase := signal.StakeUSD.Div(signal.EntryPrice)
	sizeBase := nominalSizeBase.Mul(fillRatio).Abs()
	sizeQuote := sizeBase.Mul(avgPrice).Abs()

	slippageBps, err := computeDirectionalSlippageBps(signal.Direction, signal.EntryPrice, avgPrice)
	if err != nil {
		return domain.Position{}, fmt.Errorf("%w: %v", domain.ErrOrderPlacement, err)
	}

	position := domain.Position{
		ID:          uuid.New(),
		SignalID:    signal.ID,
		OpenedAt:    openedAt,
		Symbol:      signal.Symbol,
		Direction:   signal.Direction,
		EntryPrice:  avgPrice,
		SizeBase:    sizeBase,
		SizeQuote:   sizeQuote,
		FillRatio:   fillRatio,
		SlippageBps: slippageBps,
		Funding:     decimal.Zero,
		Status:      domain.PositionStatusOpen,
	}

	if err := m.positions.Create(ctx, position); err != nil {
		return domain.Position{}, fmt.Errorf("%w: save position: %v", domain.ErrOrderPlacement, err)
	}

	return position, nil
}

// computeOrderSize derives the base-asset order quantity from stake_usd
// and entry_price.
func (m *OrderManager) computeOrderSize(signal domain.Signal) (decimal.Decimal, error) {
	if !signal.EntryPrice.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: signal entry_price must be positive", domain.ErrOrderPlacement)
	}
	qty := signal.StakeUSD.Div(signal.EntryPrice).Abs()
	if !qty.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: computed order qty is non-positive", domain.ErrOrderPlacement)
	}
	return qty, nil
}

// computeDirectionalSlippageBps computes directional slippage in basis
// points: for long, positive means the fill was worse (higher) than
// expected; for short, positive means worse (lower) than expected. Shared
// by the order manager's entry fills and SlippageMonitor's entry/exit
// recording so both sides of a position use the same sign convention.
func computeDirectionalSlippageBps(direction domain.Direction, expectedPrice, actualPrice decimal.Decimal) (decimal.Decimal, error) {
	if !expectedPrice.IsPositive() || !actualPrice.IsPositive() {
		return decimal.Zero, fmt.Errorf("prices must be positive for slippage calculation")
	}

	ten000 := decimal.NewFromInt(10000)
	switch direction {
	case domain.DirectionLong:
		return actualPrice.Div(expectedPrice).Sub(decimal.NewFromInt(1)).Mul(ten000), nil
	case domain.DirectionShort:
		return expectedPrice.Div(actualPrice).Sub(decimal.NewFromInt(1)).Mul(ten000), nil
	default:
		return decimal.Zero, fmt.Errorf("unsupported direction for slippage: %q", direction)
	}
}

// cancelOrder best-effort cancels an order after an underfill. Failure is
// logged, not propagated: the position will not be created either way.
func (m *OrderManager) cancelOrder(ctx context.Context, symbol, orderID string) {
	if _, err := m.rest.CancelOrder(ctx, symbol, orderID); err != nil {
		m.logger.WarnContext(ctx, "failed to cancel order after underfill",
			slog.String("symbol", symbol),
			slog.String("order_id", orderID),
			slog.String("error", err.Error()),
		)
	}
}

// recordSignalError mutates the signal's error fields in place and
// persists it, leaving a trail of why manual placement failed.
func (m *OrderManager) recordSignalError(ctx context.Context, signal domain.Signal, message string) {
	signal.MarkError(0, message)
	if err := m.signals.Update(ctx, signal); err != nil {
		m.logger.WarnContext(ctx, "failed to record signal error",
			slog.String("signal_id", signal.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// extractOrderID pulls result.orderId out of a create_order response.
func extractOrderID(resp *simplejson.Json) (string, bool) {
	if resp == nil {
		return "", false
	}
	if _, ok := resp.CheckGet("result"); !ok {
		return "", false
	}
	orderID := resp.Get("result").Get("orderId").MustString("")
	if orderID == "" {
		return "", false
	}
	return orderID, true
}

// extractOrderData pulls the first element of result.list, falling back to
// result itself, out of a GET /v5/order/realtime response.
func extractOrderData(resp *simplejson.Json) (*simplejson.Json, bool) {
	if resp == nil {
		return nil, false
	}
	result, ok := resp.CheckGet("result")
	if !ok {
		return nil, false
	}
	if list, ok := result.CheckGet("list"); ok {
		arr, err := list.Array()
		if err == nil && len(arr) > 0 {
			return list.GetIndex(0), true
		}
	}
	return result, true
}

// toDecimalField reads the first present of the given field names off a
// simplejson object and tolerantly converts it to a decimal.
func toDecimalField(js *simplejson.Json, fields ...string) (decimal.Decimal, bool) {
	for _, field := range fields {
		if v, ok := js.CheckGet(field); ok {
			if s, err := v.String(); err == nil && s != "" {
				if d, parseErr := decimal.NewFromString(s); parseErr == nil {
					return d, true
				}
			}
			if f, err := v.Float64(); err == nil {
				return decimal.NewFromFloat(f), true
			}
		}
	}
	return decimal.Zero, false
}

// sleepOrDone waits for d, returning false early if ctx is cancelled
// first.
func sleepOrDone(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
