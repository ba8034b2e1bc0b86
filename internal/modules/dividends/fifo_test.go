package dividends

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/aristath/exchange-sim/internal/domain"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 10, 0, 0, 0, time.UTC)
}

func buy(userID, qty int64, at time.Time) *domain.Trade {
	return &domain.Trade{BuyerID: userID, Qty: qty, ExecutedAt: at}
}

func sell(userID, qty int64, at time.Time) *domain.Trade {
	other := int64(999)
	return &domain.Trade{BuyerID: other, SellerID: &userID, Qty: qty, ExecutedAt: at}
}

func TestReconstructLots_BuysOnly(t *testing.T) {
	lots := ReconstructLots(1, []*domain.Trade{
		buy(1, 100, day(2024, time.January, 1)),
		buy(1, 50, day(2024, time.February, 1)),
	})
	require.Len(t, lots, 2)
	require.Equal(t, int64(100), lots[0].Qty)
	require.False(t, lots[0].Closed())
	require.Equal(t, int64(50), lots[1].Qty)
}

func TestReconstructLots_SellConsumesOldestFirst(t *testing.T) {
	lots := ReconstructLots(1, []*domain.Trade{
		buy(1, 100, day(2024, time.January, 1)),
		buy(1, 50, day(2024, time.February, 1)),
		sell(1, 100, day(2024, time.March, 1)),
	})
	require.Len(t, lots, 2)
	require.True(t, lots[0].Closed())
	require.Equal(t, day(2024, time.March, 1), lots[0].SellDate)
	require.False(t, lots[1].Closed(), "newer lot must survive the sell")
	require.Equal(t, int64(50), lots[1].Qty)
}

func TestReconstructLots_PartialConsumptionSplitsLot(t *testing.T) {
	lots := ReconstructLots(1, []*domain.Trade{
		buy(1, 100, day(2024, time.January, 1)),
		sell(1, 30, day(2024, time.March, 1)),
	})
	require.Len(t, lots, 2)

	require.True(t, lots[0].Closed())
	require.Equal(t, int64(30), lots[0].Qty)
	require.Equal(t, day(2024, time.January, 1), lots[0].BuyDate)

	require.False(t, lots[1].Closed())
	require.Equal(t, int64(70), lots[1].Qty)

	// Remaining open quantity stays FIFO-consistent and non-negative.
	var open int64
	for _, l := range lots {
		if !l.Closed() {
			open += l.Qty
		}
	}
	require.Equal(t, int64(70), open)
}

func TestReconstructLots_SellSpansMultipleLots(t *testing.T) {
	lots := ReconstructLots(1, []*domain.Trade{
		buy(1, 10, day(2024, time.January, 1)),
		buy(1, 10, day(2024, time.February, 1)),
		sell(1, 15, day(2024, time.March, 1)),
	})
	require.Len(t, lots, 3)
	require.True(t, lots[0].Closed())
	require.Equal(t, int64(10), lots[0].Qty)
	require.True(t, lots[1].Closed())
	require.Equal(t, int64(5), lots[1].Qty)
	require.False(t, lots[2].Closed())
	require.Equal(t, int64(5), lots[2].Qty)
}

func TestDaysHeld_InclusiveEndpoints(t *testing.T) {
	windowStart := time.Date(2023, time.July, 1, 0, 0, 0, 0, time.UTC)
	windowEnd := time.Date(2024, time.June, 30, 0, 0, 0, 0, time.UTC)

	// Bought 2024-01-01, still open at window end: 182 days in a leap year.
	open := Lot{Qty: 100, BuyDate: day(2024, time.January, 1)}
	require.Equal(t, int64(182), open.DaysHeld(windowStart, windowEnd))

	// Same-day round trip counts one day, not zero.
	roundTrip := Lot{Qty: 10, BuyDate: day(2024, time.March, 5), SellDate: day(2024, time.March, 5)}
	require.Equal(t, int64(1), roundTrip.DaysHeld(windowStart, windowEnd))

	// Entirely before the window contributes nothing.
	before := Lot{Qty: 10, BuyDate: day(2022, time.January, 1), SellDate: day(2022, time.June, 1)}
	require.Equal(t, int64(0), before.DaysHeld(windowStart, windowEnd))

	// Bought before the window, still open: clipped to the full window.
	early := Lot{Qty: 10, BuyDate: day(2023, time.January, 1)}
	require.Equal(t, int64(366), early.DaysHeld(windowStart, windowEnd))
}

func TestWeightedValue(t *testing.T) {
	windowStart := time.Date(2023, time.July, 1, 0, 0, 0, 0, time.UTC)
	windowEnd := time.Date(2024, time.June, 30, 0, 0, 0, 0, time.UTC)
	price := decimal.NewFromInt(50)

	lot := Lot{Qty: 100, BuyDate: day(2024, time.January, 1)}
	w := lot.WeightedValue(windowStart, windowEnd, price)

	// (182/365) × 100 × 50 = 2493.150684...
	want := decimal.NewFromInt(182).Div(decimal.NewFromInt(365)).Mul(decimal.NewFromInt(5000))
	require.True(t, w.Equal(want), "got %s want %s", w, want)
	require.Equal(t, "2493.15", domain.Round2(w).String())
}
