package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Direction is the trade direction a signal or position takes.
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// SignalStatus tracks the signal lifecycle: Generated -> RiskChecked ->
// (Rejected | Pending -> OrderPlaced -> (Filled -> PositionOpen |
// Underfilled/Timeout -> Failed)).
type SignalStatus string

const (
	SignalStatusGenerated   SignalStatus = "generated"
	SignalStatusRejected    SignalStatus = "rejected"
	SignalStatusPending     SignalStatus = "pending"
	SignalStatusOrderPlaced SignalStatus = "order_placed"
	SignalStatusFilled      SignalStatus = "filled"
	SignalStatusFailed      SignalStatus = "failed"
)

// Signal is the strategy's candidate trade output. error_* fields may be
// mutated by the order manager on rejection. Retained 90 days, then
// archived.
type Signal struct {
	ID              uuid.UUID
	CreatedAt       time.Time
	Symbol          string
	Direction       Direction
	EntryPrice      decimal.Decimal
	StakeUSD        decimal.Decimal
	Probability     decimal.Decimal
	Strategy        string
	StrategyVersion string
	QueuedUntil     *time.Time
	TP1             *decimal.Decimal
	TP2             *decimal.Decimal
	TP3             *decimal.Decimal
	StopLoss        *decimal.Decimal
	ErrorCode       *int
	ErrorMessage    *string
}

// MarkError records an error code/message on the signal in place, matching
// the order manager's mutation of error_* fields on rejection.
func (s *Signal) MarkError(code int, message string) {
	s.ErrorCode = &code
	s.ErrorMessage = &message
}

// Fresh reports whether the signal is still within its execution grace
// window: now - created_at <= grace.
func (s Signal) Fresh(now time.Time, grace time.Duration) bool {
	return now.Sub(s.CreatedAt) <= grace
}
