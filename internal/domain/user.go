package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Role gates endpoint access. A closed sum type so handlers can switch
// exhaustively instead of string-matching.
type Role string

const (
	RoleTrader       Role = "trader"
	RoleRegulator    Role = "regulator"
	RoleCompanyAdmin Role = "company_admin"
)

// User holds the two balances the engine ever mutates directly.
// Identity, OTP, and KYC live upstream — a User here is whatever the
// identity provider already authenticated.
type User struct {
	ID             int64           `json:"id"`
	Role           Role            `json:"role"`
	CashBalance    decimal.Decimal `json:"cash_balance"`
	ProfitBalance  decimal.Decimal `json:"profit_balance"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Portfolio is lazily created on a user's first trade in an instrument.
// Average cost is maintained incrementally, never recomputed from
// scratch, so that TotalInvestment == Quantity*AvgCost holds within
// ±0.01.
type Portfolio struct {
	UserID          int64           `json:"user_id"`
	InstrumentID    int64           `json:"instrument_id"`
	Quantity        int64           `json:"quantity"`
	AvgCost         decimal.Decimal `json:"avg_cost"`
	TotalInvestment decimal.Decimal `json:"total_investment"`
}
