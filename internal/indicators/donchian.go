package indicators

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/RomanHuBoss/bybit-grid-trading-system-sub000/internal/domain"
)

// Donchian computes (max(high), min(low)) over the last w candles.
// Requires w > 0 and len(candles) >= w.
func Donchian(candles []domain.ConfirmedCandle, w int) (upper, lower decimal.Decimal, err error) {
	if w <= 0 {
		return decimal.Zero, decimal.Zero, fmt.Errorf("donchian: window must be > 0, got %d", w)
	}
	if len(candles) < w {
		return decimal.Zero, decimal.Zero, fmt.Errorf("donchian: need at least %d candles, got %d", w, len(candles))
	}

	window := candles[len(candles)-w:]
	upper = window[0].High
	lower = window[0].Low
	for _, c := range window[1:] {
		if c.High.GreaterThan(upper) {
			upper = c.High
		}
		if c.Low.LessThan(lower) {
			lower = c.Low
		}
	}
	return upper, lower, nil
}
