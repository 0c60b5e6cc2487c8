package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ConfirmedCandle is an immutable, finalised 5-minute OHLCV bar for one
// symbol. It is produced by the WS client on bar close and never mutated
// afterward.
type ConfirmedCandle struct {
	Symbol    string
	OpenTime  time.Time
	CloseTime time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
	Confirmed bool
}

// Validate enforces the candle sanity invariants: low <= open,close <= high,
// low <= high, volume >= 0, and (if confirmed) close_time <= now. A failing
// candle must never reach the signal engine.
func (c ConfirmedCandle) Validate(now time.Time) error {
	if c.Low.GreaterThan(c.High) {
		return fmt.Errorf("%w: low %s > high %s", ErrInvalidCandle, c.Low, c.High)
	}
	if c.Open.LessThan(c.Low) || c.Open.GreaterThan(c.High) {
		return fmt.Errorf("%w: open %s outside [low,high]", ErrInvalidCandle, c.Open)
	}
	if c.Close.LessThan(c.Low) || c.Close.GreaterThan(c.High) {
		return fmt.Errorf("%w: close %s outside [low,high]", ErrInvalidCandle, c.Close)
	}
	if c.Volume.IsNegative() {
		return fmt.Errorf("%w: negative volume %s", ErrInvalidCandle, c.Volume)
	}
	if c.Confirmed && c.CloseTime.After(now) {
		return fmt.Errorf("%w: close_time %s is in the future", ErrInvalidCandle, c.CloseTime)
	}
	return nil
}
