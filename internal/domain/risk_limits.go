package domain

import "github.com/shopspring/decimal"

// RiskLimits is an atomically-swappable snapshot of the risk manager's
// current policy. Held by the risk manager and replaced wholesale on
// config reload.
type RiskLimits struct {
	MaxConcurrent       int
	MaxTotalRiskR       int
	MaxPositionsPerBase int
	PerSymbolRiskR      map[string]int
	AntiChurnCooldown   int // seconds
}

// PerSymbolLimit looks up the per-symbol risk limit, matching by the
// upper-cased symbol as the map is normalised to upper-case keys.
func (l RiskLimits) PerSymbolLimit(symbol string) (int, bool) {
	n, ok := l.PerSymbolRiskR[symbol]
	return n, ok
}

// PriceLevel is a single transient (price, quantity) orderbook entry. Never
// persisted by the core.
type PriceLevel struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}
