package indicators

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/RomanHuBoss/bybit-grid-trading-system-sub000/internal/domain"
)

// Imbalance computes the order-book imbalance over the first depth levels
// of each side: sum(bidQty)/(sum(bidQty)+sum(askQty)). Requires depth > 0
// and both sides non-empty after slicing to depth, non-negative
// quantities, and non-zero total volume.
func Imbalance(bids, asks []domain.PriceLevel, depth int) (decimal.Decimal, error) {
	if depth <= 0 {
		return decimal.Zero, fmt.Errorf("imbalance: depth must be > 0, got %d", depth)
	}

	bidSlice := firstN(bids, depth)
	askSlice := firstN(asks, depth)
	if len(bidSlice) == 0 || len(askSlice) == 0 {
		return decimal.Zero, fmt.Errorf("imbalance: both sides must be non-empty after slicing to depth %d", depth)
	}

	bidVol := decimal.Zero
	for _, l := range bidSlice {
		if l.Quantity.IsNegative() {
			return decimal.Zero, fmt.Errorf("imbalance: negative bid quantity %s", l.Quantity)
		}
		bidVol = bidVol.Add(l.Quantity)
	}
	askVol := decimal.Zero
	for _, l := range askSlice {
		if l.Quantity.IsNegative() {
			return decimal.Zero, fmt.Errorf("imbalance: negative ask quantity %s", l.Quantity)
		}
		askVol = askVol.Add(l.Quantity)
	}

	total := bidVol.Add(askVol)
	if total.IsZero() {
		return decimal.Zero, fmt.Errorf("imbalance: total volume is zero")
	}
	return bidVol.Div(total), nil
}

func firstN(levels []domain.PriceLevel, n int) []domain.PriceLevel {
	if n >= len(levels) {
		return levels
	}
	return levels[:n]
}
