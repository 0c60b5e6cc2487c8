package indicators

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/RomanHuBoss/bybit-grid-trading-system-sub000/internal/domain"
)

// ATR computes the Wilder average true range over the last p+1 candles:
// true range TR[i] = max(h[i]-l[i], |h[i]-c[i-1]|, |l[i]-c[i-1]|) across
// adjacent pairs, then EMA(TR, p). Requires len(candles) >= p+1.
func ATR(candles []domain.ConfirmedCandle, p int) (decimal.Decimal, error) {
	if len(candles) < p+1 {
		return decimal.Zero, fmt.Errorf("atr: need at least %d candles, got %d", p+1, len(candles))
	}

	trs := make([]decimal.Decimal, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		high, low, prevClose := candles[i].High, candles[i].Low, candles[i-1].Close

		hl := high.Sub(low)
		hc := high.Sub(prevClose).Abs()
		lc := low.Sub(prevClose).Abs()

		tr := hl
		if hc.GreaterThan(tr) {
			tr = hc
		}
		if lc.GreaterThan(tr) {
			tr = lc
		}
		trs = append(trs, tr)
	}

	return EMA(trs, p)
}
