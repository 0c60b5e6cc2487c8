// Package indicators implements pure decimal functions over candle and
// orderbook data: EMA, ATR, Donchian channel, VWAP, microprice, and
// orderbook imbalance.
package indicators

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// EMA computes the exponential moving average of values with smoothing
// period p: alpha = 2/(p+1), seeded at values[0], then
// e[t] = alpha*v[t] + (1-alpha)*e[t-1] for the remaining values. Requires
// p > 0 and len(values) >= p.
func EMA(values []decimal.Decimal, p int) (decimal.Decimal, error) {
	if p <= 0 {
		return decimal.Zero, fmt.Errorf("ema: period must be > 0, got %d", p)
	}
	if len(values) < p {
		return decimal.Zero, fmt.Errorf("ema: need at least %d values, got %d", p, len(values))
	}

	alpha := decimal.NewFromInt(2).Div(decimal.NewFromInt(int64(p) + 1))
	oneMinusAlpha := decimal.NewFromInt(1).Sub(alpha)

	result := values[0]
	for _, v := range values[1:] {
		result = alpha.Mul(v).Add(oneMinusAlpha.Mul(result))
	}
	return result, nil
}
