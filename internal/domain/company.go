package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Company is a listed issuer. Never deleted while an Instrument
// references it.
type Company struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Sector    string    `json:"sector"`
	CreatedAt time.Time `json:"created_at"`
}

// Instrument is a tradable listing tied to a Company.
//
// Invariants: 0 <= AvailableShares <= TotalShares; CurrentPrice > 0;
// MaxDirectBuy <= TotalShares.
type Instrument struct {
	ID               int64           `json:"id"`
	Symbol           string          `json:"symbol"`
	CompanyID        int64           `json:"company_id"`
	TotalShares      int64           `json:"total_shares"`
	AvailableShares  int64           `json:"available_shares"`
	CurrentPrice     decimal.Decimal `json:"current_price"`
	MaxDirectBuy     int64           `json:"max_direct_buy"`
	LastUpdated      time.Time       `json:"last_updated"`
}

// DailyClosingPrice is the sweeper's end-of-session price snapshot for
// an instrument, kept as history rather than only the latest value.
type DailyClosingPrice struct {
	ID           int64           `json:"id"`
	InstrumentID int64           `json:"instrument_id"`
	Date         time.Time       `json:"date"`
	ClosingPrice decimal.Decimal `json:"closing_price"`
}
