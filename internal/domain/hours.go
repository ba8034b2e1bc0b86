package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// WorkingHours is one configured trading window per weekday. Open/Close
// are stored as minute-of-day so comparisons don't need a timezone-aware
// Time value.
type WorkingHours struct {
	Weekday     time.Weekday `json:"weekday"`
	OpenMinute  int          `json:"open_minute"`
	CloseMinute int          `json:"close_minute"`
}

// Regulation is a named numeric/string rule: daily trade count cap,
// daily traded-value cap, and similar deployment knobs. Consumers read
// by name and coerce as needed.
type Regulation struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// DividendStatus is Pending until disbursal, Disbursed (terminal) after.
type DividendStatus string

const (
	DividendPending   DividendStatus = "PENDING"
	DividendDisbursed DividendStatus = "DISBURSED"
)

// Dividend is declared by an admin for a (Company, BudgetYear) pair.
// BudgetYear "YYYY/YY" denotes the fiscal year
// [YYYY-07-01, YYYY+1-06-30] inclusive.
type Dividend struct {
	ID          int64            `json:"id"`
	CompanyID   int64            `json:"company_id"`
	BudgetYear  string           `json:"budget_year"`
	TotalAmount decimal.Decimal  `json:"total_amount"`
	Ratio       *decimal.Decimal `json:"ratio,omitempty"`
	Status      DividendStatus   `json:"status"`
	CreatedAt   time.Time        `json:"created_at"`
}

// DividendDistribution is created at disbursal, one row per eligible user.
type DividendDistribution struct {
	ID         int64           `json:"id"`
	DividendID int64           `json:"dividend_id"`
	UserID     int64           `json:"user_id"`
	Amount     decimal.Decimal `json:"amount"`
}
