package indicators

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Microprice computes the size-weighted mid price:
// (ask*bidQty + bid*askQty) / (bidQty+askQty). Requires bidQty, askQty > 0
// and bid < ask.
func Microprice(bid, ask, bidQty, askQty decimal.Decimal) (decimal.Decimal, error) {
	if !bidQty.IsPositive() || !askQty.IsPositive() {
		return decimal.Zero, fmt.Errorf("microprice: bid_qty and ask_qty must be > 0")
	}
	if !bid.LessThan(ask) {
		return decimal.Zero, fmt.Errorf("microprice: bid %s must be < ask %s", bid, ask)
	}

	numerator := ask.Mul(bidQty).Add(bid.Mul(askQty))
	denominator := bidQty.Add(askQty)
	return numerator.Div(denominator), nil
}
