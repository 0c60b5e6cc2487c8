package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// quoteSuffixes enumerates known quote-asset suffixes, checked in order.
var quoteSuffixes = []string{"USDT", "USDC", "USD"}

// stripQuoteSuffix uppercases symbol and removes the first matching known
// quote suffix, leaving the base asset (e.g. "btcusdt" -> "BTC").
func stripQuoteSuffix(symbol string) string {
	upper := strings.ToUpper(symbol)
	for _, suffix := range quoteSuffixes {
		if strings.HasSuffix(upper, suffix) {
			return strings.TrimSuffix(upper, suffix)
		}
	}
	return upper
}

// PositionStatus tracks the position lifecycle: Pending -> Open ->
// (ExitFilled | ReconciledClosed).
type PositionStatus string

const (
	PositionStatusPending PositionStatus = "pending"
	PositionStatusOpen    PositionStatus = "open"
	PositionStatusClosed  PositionStatus = "closed"
)

// Position is an opened exposure, created by the order manager on
// sufficient fill. fill_ratio, size_*, slippage_bps, and closed_at are
// mutable while the position is open; fill_ratio advances monotonically.
// Retained 180 days, then archived.
type Position struct {
	ID           uuid.UUID
	SignalID     uuid.UUID
	OpenedAt     time.Time
	ClosedAt     *time.Time
	Symbol       string
	Direction    Direction
	EntryPrice   decimal.Decimal
	SizeBase     decimal.Decimal
	SizeQuote    decimal.Decimal
	FillRatio    decimal.Decimal
	SlippageBps  decimal.Decimal
	Funding      decimal.Decimal
	Status       PositionStatus
}

// IsOpen reports whether the position has not yet been closed.
func (p Position) IsOpen() bool {
	return p.ClosedAt == nil
}

// BaseSymbol strips known quote suffixes (USDT, USDC, USD) from the symbol,
// case-insensitively, to yield the underlying base asset used for per-base
// position limiting. If no known suffix matches, the uppercased symbol is
// returned verbatim.
func BaseSymbol(symbol string) string {
	return stripQuoteSuffix(symbol)
}
