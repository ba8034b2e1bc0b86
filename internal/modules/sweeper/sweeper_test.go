package sweeper

import (
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
	"github.com/aristath/exchange-sim/internal/modules/matching"
	"github.com/aristath/exchange-sim/internal/modules/notifications"
	"github.com/aristath/exchange-sim/internal/modules/regulations"
	"github.com/aristath/exchange-sim/internal/modules/surveillance"
	"github.com/aristath/exchange-sim/pkg/logger"
)

type fixture struct {
	t      *testing.T
	db     *database.DB
	svc    *Service
	engine *matching.Engine
	orders *matching.OrderRepository
	instr  *instruments.Repository
	ledger *ledger.Repository
	audit  *audit.Log
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "exchange.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate())

	log := logger.New(logger.Config{Level: "error", Pretty: false})
	conn := db.Conn()
	locks := locking.New(2 * time.Second)

	orders := matching.NewOrderRepository(conn, log)
	trades := matching.NewTradeRepository(conn)
	instr := instruments.NewRepository(conn, log)
	ldg := ledger.NewRepository(conn, log)
	cal := calendar.NewRepository(conn, log)
	regs := regulations.NewRepository(conn, log)
	auditLog := audit.New(conn)

	engine := matching.New(conn, locks, orders, trades, instr, ldg, cal, regs,
		auditLog, notifications.New(conn, log), surveillance.New(conn, instr, regs), log)

	for wd := 0; wd < 7; wd++ {
		require.NoError(t, cal.Set(domain.WorkingHours{Weekday: time.Weekday(wd), OpenMinute: 0, CloseMinute: 1439}))
	}

	return &fixture{
		t: t, db: db,
		svc:    New(conn, locks, engine, orders, instr, auditLog, log),
		engine: engine, orders: orders, instr: instr, ledger: ldg, audit: auditLog,
	}
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func (f *fixture) instrument(symbol string, available int64, price string) *domain.Instrument {
	f.t.Helper()
	c, err := f.instr.CreateCompany(symbol+" Corp", "tech")
	require.NoError(f.t, err)
	in, err := f.instr.CreateInstrument(&domain.Instrument{
		Symbol: symbol, CompanyID: c.ID, TotalShares: 10000, AvailableShares: available,
		CurrentPrice: dec(price), MaxDirectBuy: 10000,
	})
	require.NoError(f.t, err)
	return in
}

func TestCancelPendingOrders(t *testing.T) {
	f := newFixture(t)
	in := f.instrument("SWPA", 0, "110")
	u, err := f.ledger.CreateUser(domain.RoleTrader, dec("10000"))
	require.NoError(t, err)

	limit := dec("100")
	var resting []int64
	for i := 0; i < 3; i++ {
		res, err := f.engine.Submit(matching.SubmitRequest{
			UserID: u.ID, InstrumentID: in.ID, Side: domain.SideBuy, Kind: domain.KindLimit,
			LimitPrice: &limit, Qty: 2,
		})
		require.NoError(t, err)
		resting = append(resting, res.Order.ID)
	}

	cancelled, err := f.svc.CancelPendingOrders()
	require.NoError(t, err)
	require.Equal(t, 3, cancelled)

	for _, id := range resting {
		o, err := f.orders.Get(id)
		require.NoError(t, err)
		require.Equal(t, domain.StatusCancelled, o.Status)

		entries, err := f.audit.ForOrder(id)
		require.NoError(t, err)
		last := entries[len(entries)-1]
		require.Equal(t, "OrderStatusChanged", last.EventKind)
		require.Contains(t, last.Details, "end-of-session")
	}

	// Nothing resting anywhere afterwards.
	remaining, err := f.orders.AllResting()
	require.NoError(t, err)
	require.Empty(t, remaining)

	// Re-running finds nothing to do.
	cancelled, err = f.svc.CancelPendingOrders()
	require.NoError(t, err)
	require.Zero(t, cancelled)
}

func TestUpdateClosingPrices_MaxOfDay(t *testing.T) {
	f := newFixture(t)
	in := f.instrument("SWPB", 1000, "100")
	u, err := f.ledger.CreateUser(domain.RoleTrader, dec("100000"))
	require.NoError(t, err)

	// Two inventory purchases at different administered prices: the
	// day's max (120) becomes the closing price.
	_, err = f.engine.DirectBuy(matching.DirectBuyRequest{UserID: u.ID, InstrumentID: in.ID, Qty: 5})
	require.NoError(t, err)

	tx, err := f.db.Begin()
	require.NoError(t, err)
	require.NoError(t, f.instr.SetCurrentPrice(tx, in.ID, dec("120")))
	require.NoError(t, tx.Commit())

	_, err = f.engine.DirectBuy(matching.DirectBuyRequest{UserID: u.ID, InstrumentID: in.ID, Qty: 5})
	require.NoError(t, err)

	snapshotted, err := f.svc.UpdateClosingPrices(time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, snapshotted)

	prices, err := f.svc.ClosingPrices(in.ID)
	require.NoError(t, err)
	require.Len(t, prices, 1)
	require.True(t, prices[0].ClosingPrice.Equal(dec("120")), "closing %s, want max 120", prices[0].ClosingPrice)

	// Idempotent: a second run upserts the same row.
	_, err = f.svc.UpdateClosingPrices(time.Now())
	require.NoError(t, err)
	prices, err = f.svc.ClosingPrices(in.ID)
	require.NoError(t, err)
	require.Len(t, prices, 1)
}

func TestUpdateClosingPrices_SkipsUntradedInstruments(t *testing.T) {
	f := newFixture(t)
	f.instrument("SWPC", 1000, "100")

	snapshotted, err := f.svc.UpdateClosingPrices(time.Now())
	require.NoError(t, err)
	require.Zero(t, snapshotted)
}

func TestSessionCloseJob(t *testing.T) {
	f := newFixture(t)
	in := f.instrument("SWPD", 100, "50")
	u, err := f.ledger.CreateUser(domain.RoleTrader, dec("10000"))
	require.NoError(t, err)

	_, err = f.engine.DirectBuy(matching.DirectBuyRequest{UserID: u.ID, InstrumentID: in.ID, Qty: 2})
	require.NoError(t, err)

	limit := dec("40")
	_, err = f.engine.Submit(matching.SubmitRequest{
		UserID: u.ID, InstrumentID: in.ID, Side: domain.SideBuy, Kind: domain.KindLimit,
		LimitPrice: &limit, Qty: 1,
	})
	require.NoError(t, err)

	job := NewSessionCloseJob(f.svc)
	require.Equal(t, "session_close", job.Name())
	require.NoError(t, job.Run())

	remaining, err := f.orders.AllResting()
	require.NoError(t, err)
	require.Empty(t, remaining)

	prices, err := f.svc.ClosingPrices(in.ID)
	require.NoError(t, err)
	require.Len(t, prices, 1)
}
