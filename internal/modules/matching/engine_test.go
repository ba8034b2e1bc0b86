package matching

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/aristath/exchange-sim/internal/database"
	"github.com/aristath/exchange-sim/internal/domain"
	"github.com/aristath/exchange-sim/internal/locking"
	"github.com/aristath/exchange-sim/internal/modules/audit"
	"github.com/aristath/exchange-sim/internal/modules/calendar"
	"github.com/aristath/exchange-sim/internal/modules/instruments"
	"github.com/aristath/exchange-sim/internal/modules/ledger"
	"github.com/aristath/exchange-sim/internal/modules/notifications"
	"github.com/aristath/exchange-sim/internal/modules/regulations"
	"github.com/aristath/exchange-sim/internal/modules/surveillance"
	"github.com/aristath/exchange-sim/pkg/logger"
)

type fixture struct {
	t      *testing.T
	db     *database.DB
	engine *Engine
	orders *OrderRepository
	trades *TradeRepository
	instr  *instruments.Repository
	ledger *ledger.Repository
	cal    *calendar.Repository
	regs   *regulations.Repository
	audit  *audit.Log
}

// newFixture opens a fresh on-disk SQLite database with the full schema
// and the market open all day every day, so submissions pass the window
// check regardless of when the tests run.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "exchange.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate())

	log := logger.New(logger.Config{Level: "error", Pretty: false})
	conn := db.Conn()
	locks := locking.New(2 * time.Second)

	orders := NewOrderRepository(conn, log)
	trades := NewTradeRepository(conn)
	instr := instruments.NewRepository(conn, log)
	ldg := ledger.NewRepository(conn, log)
	cal := calendar.NewRepository(conn, log)
	regs := regulations.NewRepository(conn, log)
	auditLog := audit.New(conn)
	notify := notifications.New(conn, log)
	monitor := surveillance.New(conn, instr, regs)

	engine := New(conn, locks, orders, trades, instr, ldg, cal, regs, auditLog, notify, monitor, log)

	for wd := 0; wd < 7; wd++ {
		require.NoError(t, cal.Set(domain.WorkingHours{Weekday: time.Weekday(wd), OpenMinute: 0, CloseMinute: 1439}))
	}

	return &fixture{
		t: t, db: db, engine: engine, orders: orders, trades: trades,
		instr: instr, ledger: ldg, cal: cal, regs: regs, audit: auditLog,
	}
}

func (f *fixture) user(cash string) *domain.User {
	f.t.Helper()
	u, err := f.ledger.CreateUser(domain.RoleTrader, dec(cash))
	require.NoError(f.t, err)
	return u
}

func (f *fixture) instrument(symbol string, total, available int64, price string) *domain.Instrument {
	f.t.Helper()
	c, err := f.instr.CreateCompany(symbol+" Corp", "tech")
	require.NoError(f.t, err)
	in, err := f.instr.CreateInstrument(&domain.Instrument{
		Symbol: symbol, CompanyID: c.ID, TotalShares: total, AvailableShares: available,
		CurrentPrice: dec(price), MaxDirectBuy: total,
	})
	require.NoError(f.t, err)
	return in
}

func (f *fixture) cash(userID int64) decimal.Decimal {
	f.t.Helper()
	u, err := f.ledger.GetUser(userID)
	require.NoError(f.t, err)
	return u.CashBalance
}

// conservation asserts available_shares + Σ portfolio quantities equals
// the shares ever taken out of inventory plus what's still in it.
func (f *fixture) conservation(in *domain.Instrument) {
	f.t.Helper()
	current, err := f.instr.Get(in.ID)
	require.NoError(f.t, err)

	var held int64
	rows, err := f.db.Query(`SELECT COALESCE(SUM(quantity), 0) FROM portfolios WHERE instrument_id = ?`, in.ID)
	require.NoError(f.t, err)
	defer rows.Close()
	require.True(f.t, rows.Next())
	require.NoError(f.t, rows.Scan(&held))

	require.Equal(f.t, in.AvailableShares, current.AvailableShares+held,
		"shares leaked: started %d available, now %d available + %d held",
		in.AvailableShares, current.AvailableShares, held)
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func limitPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func TestSubmit_SimpleCross_RestingSideDictatesPrice(t *testing.T) {
	f := newFixture(t)
	in := f.instrument("ACME", 1000, 1000, "110")
	u1 := f.user("2000")
	u2 := f.user("2000")

	// U2 pre-holds 10 shares bought from inventory at 110.
	_, err := f.engine.DirectBuy(DirectBuyRequest{UserID: u2.ID, InstrumentID: in.ID, Qty: 10})
	require.NoError(t, err)

	// U1's bid rests: limit 100 < current 110 keeps the inventory
	// fallback out of reach, and the book is empty.
	res, err := f.engine.Submit(SubmitRequest{
		UserID: u1.ID, InstrumentID: in.ID, Side: domain.SideBuy, Kind: domain.KindLimit,
		LimitPrice: limitPtr("100"), Qty: 10,
	})
	require.NoError(t, err)
	require.Empty(t, res.Trades)
	require.Equal(t, domain.StatusPending, res.Order.Status)

	// U2 sells at 95: crosses the resting bid, which dictates price 100.
	res, err = f.engine.Submit(SubmitRequest{
		UserID: u2.ID, InstrumentID: in.ID, Side: domain.SideSell, Kind: domain.KindLimit,
		LimitPrice: limitPtr("95"), Qty: 10,
	})
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)
	require.Equal(t, domain.StatusFilled, res.Order.Status)

	trade := res.Trades[0]
	require.Equal(t, int64(10), trade.Qty)
	require.True(t, trade.Price.Equal(dec("100")), "price %s, want resting bid's 100", trade.Price)
	require.True(t, trade.BuyerFee.Equal(dec("10")))

	// U1: 2000 - 1000 - 10 fee. U2: direct buy cost 1100 + 11 fee, then
	// sale credits 1000 - 10 fee.
	require.True(t, f.cash(u1.ID).Equal(dec("990")), "buyer cash %s", f.cash(u1.ID))
	require.True(t, f.cash(u2.ID).Equal(dec("1879")), "seller cash %s", f.cash(u2.ID))

	p1, err := f.ledger.GetPortfolio(u1.ID, in.ID)
	require.NoError(t, err)
	require.Equal(t, int64(10), p1.Quantity)
	require.True(t, p1.AvgCost.Equal(dec("100")))

	p2, err := f.ledger.GetPortfolio(u2.ID, in.ID)
	require.NoError(t, err)
	require.Equal(t, int64(0), p2.Quantity)
	require.True(t, p2.AvgCost.Equal(dec("0")), "position sold to zero resets avg cost")

	f.conservation(in)

	// Every status transition left an audit trail, in order.
	entries, err := f.audit.ForOrder(res.Order.ID)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(entries), 2)
	require.Equal(t, "OrderCreated", entries[0].EventKind)
}

func TestSubmit_PartialFillThenInventoryFallback(t *testing.T) {
	f := newFixture(t)
	in := f.instrument("BETA", 1000, 25, "110")
	seller := f.user("2000")
	u3 := f.user("5000")

	// Seller acquires 5 shares, then asks 5 @ 120.
	_, err := f.engine.DirectBuy(DirectBuyRequest{UserID: seller.ID, InstrumentID: in.ID, Qty: 5})
	require.NoError(t, err)
	_, err = f.engine.Submit(SubmitRequest{
		UserID: seller.ID, InstrumentID: in.ID, Side: domain.SideSell, Kind: domain.KindLimit,
		LimitPrice: limitPtr("120"), Qty: 5,
	})
	require.NoError(t, err)

	// Market buy 12: 5 from the ask at 120, 7 from inventory at 110.
	res, err := f.engine.Submit(SubmitRequest{
		UserID: u3.ID, InstrumentID: in.ID, Side: domain.SideBuy, Kind: domain.KindMarket, Qty: 12,
	})
	require.NoError(t, err)
	require.Len(t, res.Trades, 2)
	require.Equal(t, domain.StatusFilled, res.Order.Status)

	require.Equal(t, int64(5), res.Trades[0].Qty)
	require.True(t, res.Trades[0].Price.Equal(dec("120")))
	require.NotNil(t, res.Trades[0].SellOrderID)

	require.Equal(t, int64(7), res.Trades[1].Qty)
	require.True(t, res.Trades[1].Price.Equal(dec("110")), "inventory trades at current_price")
	require.Nil(t, res.Trades[1].SellOrderID, "company is the seller")

	current, err := f.instr.Get(in.ID)
	require.NoError(t, err)
	require.Equal(t, int64(13), current.AvailableShares)

	p, err := f.ledger.GetPortfolio(u3.ID, in.ID)
	require.NoError(t, err)
	require.Equal(t, int64(12), p.Quantity)

	// 5×120 + 6 fee + 7×110 + 7.7 fee = 1383.70
	require.True(t, f.cash(u3.ID).Equal(dec("3616.30")), "buyer cash %s", f.cash(u3.ID))

	f.conservation(in)
}

func TestSubmit_MarketBuyResidualCancelled(t *testing.T) {
	f := newFixture(t)
	in := f.instrument("GAMA", 100, 3, "50")
	u := f.user("1000")

	// Empty book, only 3 shares of inventory: residual 7 is cancelled.
	res, err := f.engine.Submit(SubmitRequest{
		UserID: u.ID, InstrumentID: in.ID, Side: domain.SideBuy, Kind: domain.KindMarket, Qty: 10,
	})
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)
	require.Equal(t, int64(3), res.Trades[0].Qty)
	require.Equal(t, domain.StatusCancelled, res.Order.Status)
	require.Equal(t, int64(7), res.Order.QtyRemaining)
}

func TestSubmit_MarketSellResidualStaysPending(t *testing.T) {
	f := newFixture(t)
	in := f.instrument("DLTA", 1000, 100, "50")
	u := f.user("10000")

	_, err := f.engine.DirectBuy(DirectBuyRequest{UserID: u.ID, InstrumentID: in.ID, Qty: 10})
	require.NoError(t, err)

	// No bids: the whole market sell rests as Pending until swept.
	res, err := f.engine.Submit(SubmitRequest{
		UserID: u.ID, InstrumentID: in.ID, Side: domain.SideSell, Kind: domain.KindMarket, Qty: 10,
	})
	require.NoError(t, err)
	require.Empty(t, res.Trades)
	require.Equal(t, domain.StatusPending, res.Order.Status)
	require.Equal(t, int64(10), res.Order.QtyRemaining)
}

func TestSubmit_IntakeRejections(t *testing.T) {
	f := newFixture(t)
	in := f.instrument("EPSL", 1000, 100, "50")
	u := f.user("100")

	// Buy beyond cash.
	_, err := f.engine.Submit(SubmitRequest{
		UserID: u.ID, InstrumentID: in.ID, Side: domain.SideBuy, Kind: domain.KindLimit,
		LimitPrice: limitPtr("50"), Qty: 10,
	})
	require.ErrorIs(t, err, domain.ErrInsufficientCash)

	// Sell without holdings.
	_, err = f.engine.Submit(SubmitRequest{
		UserID: u.ID, InstrumentID: in.ID, Side: domain.SideSell, Kind: domain.KindLimit,
		LimitPrice: limitPtr("50"), Qty: 1,
	})
	require.ErrorIs(t, err, domain.ErrInsufficientShares)

	// Limit order without a price.
	_, err = f.engine.Submit(SubmitRequest{
		UserID: u.ID, InstrumentID: in.ID, Side: domain.SideBuy, Kind: domain.KindLimit, Qty: 1,
	})
	require.ErrorIs(t, err, domain.ErrValidation)

	// Unknown instrument.
	_, err = f.engine.Submit(SubmitRequest{
		UserID: u.ID, InstrumentID: 9999, Side: domain.SideBuy, Kind: domain.KindMarket, Qty: 1,
	})
	require.ErrorIs(t, err, domain.ErrUnknownInstrument)

	// Intake failures leave no orders behind.
	orders, err := f.orders.ByUser(u.ID)
	require.NoError(t, err)
	require.Empty(t, orders)
}

func TestSubmit_SuspendedTraderRejected(t *testing.T) {
	f := newFixture(t)
	in := f.instrument("ZETA", 1000, 100, "50")
	u := f.user("1000")

	_, err := f.regs.Suspend(u.ID, nil, domain.ScopeGlobal, "market abuse")
	require.NoError(t, err)

	_, err = f.engine.Submit(SubmitRequest{
		UserID: u.ID, InstrumentID: in.ID, Side: domain.SideBuy, Kind: domain.KindMarket, Qty: 1,
	})
	require.ErrorIs(t, err, domain.ErrSuspendedTrader)
}

func TestSubmit_DailyAmountCap(t *testing.T) {
	f := newFixture(t)
	in := f.instrument("ETAA", 1000, 1000, "100")
	u4 := f.user("20000")

	require.NoError(t, f.regs.Set("DailyTradeAmountLimit", "10000"))

	// U4 has already traded 9500 today.
	_, err := f.engine.DirectBuy(DirectBuyRequest{UserID: u4.ID, InstrumentID: in.ID, Qty: 95})
	require.NoError(t, err)

	// A further 600 breaches the 10000 cap.
	_, err = f.engine.Submit(SubmitRequest{
		UserID: u4.ID, InstrumentID: in.ID, Side: domain.SideBuy, Kind: domain.KindLimit,
		LimitPrice: limitPtr("60"), Qty: 10,
	})
	require.ErrorIs(t, err, domain.ErrDailyAmountExceed)

	orders, err := f.orders.ByUser(u4.ID)
	require.NoError(t, err)
	require.Len(t, orders, 1, "rejected submission must not create an order")
}

func TestSubmit_DailyCountCap(t *testing.T) {
	f := newFixture(t)
	in := f.instrument("THTA", 1000, 1000, "10")
	u := f.user("10000")

	require.NoError(t, f.regs.Set("DailyTradeLimit", "2"))

	for i := 0; i < 2; i++ {
		_, err := f.engine.Submit(SubmitRequest{
			UserID: u.ID, InstrumentID: in.ID, Side: domain.SideBuy, Kind: domain.KindLimit,
			LimitPrice: limitPtr("5"), Qty: 1,
		})
		require.NoError(t, err)
	}

	_, err := f.engine.Submit(SubmitRequest{
		UserID: u.ID, InstrumentID: in.ID, Side: domain.SideBuy, Kind: domain.KindLimit,
		LimitPrice: limitPtr("5"), Qty: 1,
	})
	require.ErrorIs(t, err, domain.ErrDailyCountExceeded)
}

func TestSubmit_OutsideWindowRejected(t *testing.T) {
	// A bare fixture minus the working-hours rows: market closed.
	db, err := database.New(filepath.Join(t.TempDir(), "exchange.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate())

	log := logger.New(logger.Config{Level: "error", Pretty: false})
	conn := db.Conn()
	locks := locking.New(2 * time.Second)
	orders := NewOrderRepository(conn, log)
	trades := NewTradeRepository(conn)
	instr := instruments.NewRepository(conn, log)
	ldg := ledger.NewRepository(conn, log)
	cal := calendar.NewRepository(conn, log)
	regs := regulations.NewRepository(conn, log)
	engine := New(conn, locks, orders, trades, instr, ldg, cal, regs,
		audit.New(conn), notifications.New(conn, log), surveillance.New(conn, instr, regs), log)

	c, err := instr.CreateCompany("Closed Corp", "tech")
	require.NoError(t, err)
	in, err := instr.CreateInstrument(&domain.Instrument{
		Symbol: "CLSD", CompanyID: c.ID, TotalShares: 100, AvailableShares: 100,
		CurrentPrice: dec("10"), MaxDirectBuy: 100,
	})
	require.NoError(t, err)
	u, err := ldg.CreateUser(domain.RoleTrader, dec("1000"))
	require.NoError(t, err)

	_, err = engine.Submit(SubmitRequest{
		UserID: u.ID, InstrumentID: in.ID, Side: domain.SideBuy, Kind: domain.KindMarket, Qty: 1,
	})
	require.ErrorIs(t, err, domain.ErrOutsideWindow)

	// Direct buy is also rejected unless flagged administrative.
	_, err = engine.DirectBuy(DirectBuyRequest{UserID: u.ID, InstrumentID: in.ID, Qty: 1})
	require.ErrorIs(t, err, domain.ErrOutsideWindow)

	res, err := engine.DirectBuy(DirectBuyRequest{UserID: u.ID, InstrumentID: in.ID, Qty: 1, Administrative: true})
	require.NoError(t, err)
	require.Equal(t, domain.StatusFilled, res.Order.Status)
}

func TestDirectBuy_CapsAndInventory(t *testing.T) {
	f := newFixture(t)
	c, err := f.instr.CreateCompany("Iota Corp", "tech")
	require.NoError(t, err)
	in, err := f.instr.CreateInstrument(&domain.Instrument{
		Symbol: "IOTA", CompanyID: c.ID, TotalShares: 100, AvailableShares: 10,
		CurrentPrice: dec("10"), MaxDirectBuy: 5,
	})
	require.NoError(t, err)
	u := f.user("1000")

	_, err = f.engine.DirectBuy(DirectBuyRequest{UserID: u.ID, InstrumentID: in.ID, Qty: 6})
	require.ErrorIs(t, err, domain.ErrValidation, "max_direct_buy exceeded")

	_, err = f.engine.DirectBuy(DirectBuyRequest{UserID: u.ID, InstrumentID: in.ID, Qty: 5})
	require.NoError(t, err)

	// Drain the rest, then one more must fail on inventory.
	_, err = f.engine.DirectBuy(DirectBuyRequest{UserID: u.ID, InstrumentID: in.ID, Qty: 5})
	require.NoError(t, err)
	_, err = f.engine.DirectBuy(DirectBuyRequest{UserID: u.ID, InstrumentID: in.ID, Qty: 1})
	require.ErrorIs(t, err, domain.ErrInventoryExhausted)
}

func TestCancel_RestingOrder(t *testing.T) {
	f := newFixture(t)
	in := f.instrument("KPPA", 1000, 0, "110")
	u := f.user("2000")

	res, err := f.engine.Submit(SubmitRequest{
		UserID: u.ID, InstrumentID: in.ID, Side: domain.SideBuy, Kind: domain.KindLimit,
		LimitPrice: limitPtr("100"), Qty: 5,
	})
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, res.Order.Status)

	require.NoError(t, f.engine.Cancel(res.Order.ID))

	o, err := f.orders.Get(res.Order.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCancelled, o.Status)

	// A terminal order can't be cancelled twice.
	err = f.engine.Cancel(res.Order.ID)
	require.True(t, errors.Is(err, domain.ErrConflict))
}

func TestMatchPending_CrossesRestingOrders(t *testing.T) {
	f := newFixture(t)
	in := f.instrument("LMDA", 1000, 0, "200")
	buyer := f.user("5000")
	seller := f.user("5000")

	// Seller pre-holds shares via a seeded trade so the intake check
	// passes without touching inventory (available stays 0 so nothing
	// falls through to the company).
	seedHolding(t, f, seller.ID, in.ID, 10)

	// The bid rests normally (ask side empty, no inventory).
	res, err := f.engine.Submit(SubmitRequest{
		UserID: buyer.ID, InstrumentID: in.ID, Side: domain.SideBuy, Kind: domain.KindLimit,
		LimitPrice: limitPtr("100"), Qty: 10,
	})
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, res.Order.Status)

	// Insert a crossing ask directly into the orders table, bypassing
	// Submit — the crossed-book state a restart or a cleared suspension
	// can leave behind.
	tx, err := f.db.Begin()
	require.NoError(t, err)
	ask, err := f.orders.Create(tx, &domain.Order{
		UserID: seller.ID, InstrumentID: in.ID, Side: domain.SideSell, Kind: domain.KindLimit,
		LimitPrice: limitPtr("95"), QtyOriginal: 10, QtyRemaining: 10,
		FeeAccrued: decimal.Zero, Status: domain.StatusPending,
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	// MatchPending walks resting orders from the table, so it finds the
	// ask the cached book never saw and plays it against the resting bid.
	executed, err := f.engine.MatchPending(in.ID)
	require.NoError(t, err)
	require.Equal(t, 1, executed)

	bidAfter, err := f.orders.Get(res.Order.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusFilled, bidAfter.Status)

	askAfter, err := f.orders.Get(ask.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusFilled, askAfter.Status)
}

// seedHolding fabricates a historical inventory purchase so a user
// passes the net-long intake check without going through DirectBuy.
func seedHolding(t *testing.T, f *fixture, userID, instrumentID, qty int64) {
	t.Helper()
	tx, err := f.db.Begin()
	require.NoError(t, err)
	o, err := f.orders.Create(tx, &domain.Order{
		UserID: userID, InstrumentID: instrumentID, Side: domain.SideBuy, Kind: domain.KindMarket,
		QtyOriginal: qty, QtyRemaining: 0, FeeAccrued: decimal.Zero, Status: domain.StatusFilled,
	})
	require.NoError(t, err)
	_, err = tx.Exec(`
		INSERT INTO trades (buy_order_id, buyer_id, instrument_id, qty, price, buyer_fee, seller_fee, executed_at)
		VALUES (?, ?, ?, ?, ?, '0', '0', datetime('now', '-10 days'))
	`, o.ID, userID, instrumentID, qty, "100")
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	_, err = f.db.Exec(`
		INSERT INTO portfolios (user_id, instrument_id, quantity, avg_cost, total_investment)
		VALUES (?, ?, ?, '100', ?)
	`, userID, instrumentID, qty, qty*100)
	require.NoError(t, err)
}
