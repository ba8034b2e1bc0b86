package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

type OrderKind string

const (
	KindMarket OrderKind = "MARKET"
	KindLimit  OrderKind = "LIMIT"
)

type OrderStatus string

const (
	StatusPending   OrderStatus = "PENDING"
	StatusPartial   OrderStatus = "PARTIAL"
	StatusFilled    OrderStatus = "FILLED"
	StatusCancelled OrderStatus = "CANCELLED"
)

// Resting reports whether an order is still visible in the book. Only
// Pending and Partial orders participate in matching.
func (s OrderStatus) Resting() bool {
	return s == StatusPending || s == StatusPartial
}

// Order is created on intake and is terminal once Filled or Cancelled.
//
// Invariants: Limit implies LimitPrice set; Pending/Partial implies
// QtyRemaining > 0; Filled implies QtyRemaining == 0.
type Order struct {
	ID           int64            `json:"id"`
	UserID       int64            `json:"user_id"`
	InstrumentID int64            `json:"instrument_id"`
	Side         Side             `json:"side"`
	Kind         OrderKind        `json:"kind"`
	LimitPrice   *decimal.Decimal `json:"limit_price,omitempty"`
	QtyOriginal  int64            `json:"qty_original"`
	QtyRemaining int64            `json:"qty_remaining"`
	FeeAccrued   decimal.Decimal  `json:"fee_accrued"`
	Status       OrderStatus      `json:"status"`
	CreatedAt    time.Time        `json:"created_at"`
}

// EffectivePrice is the price used to evaluate hypothetical order value
// during intake validation: the limit price when set, else the
// instrument's administered current price.
func (o *Order) EffectivePrice(currentPrice decimal.Decimal) decimal.Decimal {
	if o.LimitPrice != nil {
		return *o.LimitPrice
	}
	return currentPrice
}
