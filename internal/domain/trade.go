package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade is created at settlement and is immutable thereafter.
//
// SellOrderID is nil when the company itself is the seller (inventory
// fallback or a direct buy).
type Trade struct {
	ID           int64           `json:"id"`
	BuyOrderID   int64           `json:"buy_order_id"`
	SellOrderID  *int64          `json:"sell_order_id,omitempty"`
	BuyerID      int64           `json:"buyer_id"`
	SellerID     *int64          `json:"seller_id,omitempty"`
	InstrumentID int64           `json:"instrument_id"`
	Qty          int64           `json:"qty"`
	Price        decimal.Decimal `json:"price"`
	BuyerFee     decimal.Decimal `json:"buyer_fee"`
	SellerFee    decimal.Decimal `json:"seller_fee"`
	ExecutedAt   time.Time       `json:"executed_at"`
}

// FromCompany reports whether the company (not another trader) was the
// counterparty seller.
func (t *Trade) FromCompany() bool {
	return t.SellOrderID == nil
}

// SuspensionScope distinguishes a per-instrument suspension from an
// all-instruments one.
type SuspensionScope string

const (
	ScopeInstrument SuspensionScope = "instrument"
	ScopeGlobal     SuspensionScope = "global"
)

// Suspension bars a trader from submitting orders, globally or for one
// instrument.
type Suspension struct {
	ID           int64           `json:"id"`
	TraderID     int64           `json:"trader_id"`
	InstrumentID *int64          `json:"instrument_id,omitempty"`
	Scope        SuspensionScope `json:"scope"`
	Active       bool            `json:"active"`
	Reason       string          `json:"reason"`
	CreatedAt    time.Time       `json:"created_at"`
}

// SuspiciousActivity is created by surveillance; it never aborts
// settlement, only records the trade for later regulator review.
type SuspiciousActivity struct {
	ID       int64     `json:"id"`
	TradeID  int64     `json:"trade_id"`
	Reasons  []string  `json:"reasons"`
	Reviewed bool      `json:"reviewed"`
	AddedAt  time.Time `json:"added_at"`
}

// AuditEntry is an append-only event record for order state changes and
// trade executions.
type AuditEntry struct {
	ID        int64     `json:"id"`
	EventKind string    `json:"event_kind"`
	OrderID   *int64    `json:"order_id,omitempty"`
	TradeID   *int64    `json:"trade_id,omitempty"`
	Details   string    `json:"details"` // JSON-encoded structured details
	Timestamp time.Time `json:"ts"`
}
