package indicators

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/RomanHuBoss/bybit-grid-trading-system-sub000/internal/domain"
)

// ErrZeroVolume is returned when VWAP is requested over two or more candles
// whose total volume is zero (division by zero).
var ErrZeroVolume = errors.New("vwap: total volume is zero")

// VWAP computes the volume-weighted average price. A single-candle input
// returns its close regardless of volume. For two or more candles it is
// sum(close*volume)/sum(volume); a total volume of zero is an error, as is
// any negative volume.
func VWAP(candles []domain.ConfirmedCandle) (decimal.Decimal, error) {
	if len(candles) == 0 {
		return decimal.Zero, fmt.Errorf("vwap: no candles")
	}
	for _, c := range candles {
		if c.Volume.IsNegative() {
			return decimal.Zero, fmt.Errorf("vwap: negative volume %s", c.Volume)
		}
	}
	if len(candles) == 1 {
		return candles[0].Close, nil
	}

	totalVol := decimal.Zero
	weighted := decimal.Zero
	for _, c := range candles {
		weighted = weighted.Add(c.Close.Mul(c.Volume))
		totalVol = totalVol.Add(c.Volume)
	}
	if totalVol.IsZero() {
		return decimal.Zero, ErrZeroVolume
	}
	return weighted.Div(totalVol), nil
}
