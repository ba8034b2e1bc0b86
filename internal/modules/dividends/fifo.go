// Package dividends reconstructs per-user FIFO lots from trade history
// and allocates a declared dividend pro-rata over day-weighted holding
// values, plus the fifonet holdings projection behind
// GET /stocks/{id}/fifonet_holdings.
package dividends

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/aristath/exchange-sim/internal/domain"
)

// Lot is one FIFO interval of ownership: Qty shares bought on BuyDate and
// either sold on SellDate or still open (SellDate zero).
type Lot struct {
	Qty      int64
	BuyDate  time.Time
	SellDate time.Time // zero while the lot is open
}

// Closed reports whether the lot has been fully consumed by later sells.
func (l Lot) Closed() bool {
	return !l.SellDate.IsZero()
}

// ReconstructLots walks a single user's trades in one instrument in
// chronological order. Each buy opens a lot; each sell consumes the
// oldest open lot(s), splitting a lot when the sell covers only part of
// it. The engine does not prevent self-matches; a trade where the user
// is both buyer and seller moves no shares and leaves the lots as they are.
func ReconstructLots(userID int64, trades []*domain.Trade) []Lot {
	var lots []Lot
	for _, t := range trades {
		switch {
		case t.BuyerID == userID && t.SellerID != nil && *t.SellerID == userID:
			// self-trade: no net change in holdings
		case t.BuyerID == userID:
			lots = append(lots, Lot{Qty: t.Qty, BuyDate: t.ExecutedAt})
		case t.SellerID != nil && *t.SellerID == userID:
			lots = consume(lots, t.Qty, t.ExecutedAt)
		}
	}
	return lots
}

// consume closes qty shares against the oldest open lots, oldest first.
func consume(lots []Lot, qty int64, sellDate time.Time) []Lot {
	for i := range lots {
		if qty == 0 {
			break
		}
		if lots[i].Closed() {
			continue
		}
		if lots[i].Qty <= qty {
			qty -= lots[i].Qty
			lots[i].SellDate = sellDate
			continue
		}
		// Partial consumption: split the lot into a closed head and an
		// open tail, preserving the original buy date on both.
		closed := Lot{Qty: qty, BuyDate: lots[i].BuyDate, SellDate: sellDate}
		lots[i].Qty -= qty
		qty = 0
		lots = append(lots[:i], append([]Lot{closed}, lots[i:]...)...)
	}
	return lots
}

// DaysHeld counts the calendar days a lot interval overlaps the window
// [windowStart, windowEnd], both endpoints inclusive. An open lot's end
// is the window end. Both the buy day and the final day count, so a
// same-day round trip is one day held, not zero.
func (l Lot) DaysHeld(windowStart, windowEnd time.Time) int64 {
	start := dateOnly(l.BuyDate)
	if ws := dateOnly(windowStart); start.Before(ws) {
		start = ws
	}
	end := dateOnly(windowEnd)
	if l.Closed() {
		if se := dateOnly(l.SellDate); se.Before(end) {
			end = se
		}
	}
	if end.Before(start) {
		return 0
	}
	return int64(end.Sub(start).Hours()/24) + 1
}

func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

var daysPerYear = decimal.NewFromInt(365)

// WeightedValue is (days_held / 365) × qty × price for one lot clipped
// to the window. Unrounded; rounding happens once, at the credited
// amount.
func (l Lot) WeightedValue(windowStart, windowEnd time.Time, price decimal.Decimal) decimal.Decimal {
	days := l.DaysHeld(windowStart, windowEnd)
	if days <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(days).
		Div(daysPerYear).
		Mul(decimal.NewFromInt(l.Qty)).
		Mul(price)
}
