package surveillance

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/aristath/exchange-sim/internal/database"
	"github.com/aristath/exchange-sim/internal/domain"
	"github.com/aristath/exchange-sim/internal/modules/instruments"
	"github.com/aristath/exchange-sim/internal/modules/regulations"
	"github.com/aristath/exchange-sim/pkg/logger"
)

type fixture struct {
	t       *testing.T
	db      *database.DB
	monitor *Monitor
	instr   *instruments.Repository
	regs    *regulations.Repository
	tradeID int64
	orderID int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "exchange.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate())

	log := logger.New(logger.Config{Level: "error", Pretty: false})
	conn := db.Conn()
	instr := instruments.NewRepository(conn, log)
	regs := regulations.NewRepository(conn, log)

	return &fixture{
		t: t, db: db,
		monitor: New(conn, instr, regs),
		instr:   instr, regs: regs,
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
		Symbol: symbol, CompanyID: c.ID, TotalShares: 100000, AvailableShares: available,
		CurrentPrice: dec(price), MaxDirectBuy: 100000,
	})
	require.NoError(f.t, err)
	return in
}

// trade inserts a settled trade directly and returns it as the engine
// would hand it to Evaluate.
func (f *fixture) trade(buyerID, instrumentID, qty int64, price string, at time.Time) *domain.Trade {
	f.t.Helper()
	f.orderID++
	_, err := f.db.Exec(`INSERT OR IGNORE INTO users (id, role) VALUES (?, 'trader')`, buyerID)
	require.NoError(f.t, err)
	_, err = f.db.Exec(`
		INSERT INTO orders (id, user_id, instrument_id, side, kind, qty_original, qty_remaining, fee_accrued, status)
		VALUES (?, ?, ?, 'BUY', 'MARKET', ?, 0, '0', 'FILLED')
	`, f.orderID, buyerID, instrumentID, qty)
	require.NoError(f.t, err)

	res, err := f.db.Exec(`
		INSERT INTO trades (buy_order_id, buyer_id, instrument_id, qty, price, buyer_fee, seller_fee, executed_at)
		VALUES (?, ?, ?, ?, ?, '0', '0', ?)
	`, f.orderID, buyerID, instrumentID, qty, price, at.UTC().Format("2006-01-02 15:04:05"))
	require.NoError(f.t, err)
	id, err := res.LastInsertId()
	require.NoError(f.t, err)
	f.tradeID = id

	return &domain.Trade{
		ID: id, BuyOrderID: f.orderID, BuyerID: buyerID, InstrumentID: instrumentID,
		Qty: qty, Price: dec(price), ExecutedAt: at.UTC(),
	}
}

func (f *fixture) activities(tradeID int64) []string {
	f.t.Helper()
	rows, err := f.db.Query(`SELECT reasons FROM suspicious_activities WHERE trade_id = ?`, tradeID)
	require.NoError(f.t, err)
	defer rows.Close()

	var out []string
	for rows.Next() {
		var r string
		require.NoError(f.t, rows.Scan(&r))
		out = append(out, r)
	}
	return out
}

func TestEvaluate_FrequencyRule(t *testing.T) {
	f := newFixture(t)
	in := f.instrument("FREQ", 100000, "100")
	now := time.Now()

	t1 := f.trade(1, in.ID, 10, "100", now.Add(-5*time.Minute))
	require.NoError(t, f.monitor.Evaluate(t1))
	require.Empty(t, f.activities(t1.ID), "first trade is below the frequency threshold")

	// Second trade of the same instrument within 10 minutes trips the rule.
	t2 := f.trade(1, in.ID, 10, "100", now)
	require.NoError(t, f.monitor.Evaluate(t2))

	reasons := f.activities(t2.ID)
	require.Len(t, reasons, 1)
	require.Contains(t, reasons[0], "frequency")
}

func TestEvaluate_FrequencyWindowExpires(t *testing.T) {
	f := newFixture(t)
	in := f.instrument("FRQW", 100000, "100")
	now := time.Now()

	t1 := f.trade(1, in.ID, 10, "100", now.Add(-30*time.Minute))
	require.NoError(t, f.monitor.Evaluate(t1))

	t2 := f.trade(1, in.ID, 10, "100", now)
	require.NoError(t, f.monitor.Evaluate(t2))
	require.Empty(t, f.activities(t2.ID), "a trade 30 minutes ago is outside the window")
}

func TestEvaluate_VolumeRule(t *testing.T) {
	f := newFixture(t)
	in := f.instrument("VOLM", 100, "100")
	now := time.Now()

	// qty 50 > 0.10 × (100 available + 50 historical incl. this trade).
	tr := f.trade(1, in.ID, 50, "100", now)
	require.NoError(t, f.monitor.Evaluate(tr))

	reasons := f.activities(tr.ID)
	require.Len(t, reasons, 1)
	require.Contains(t, reasons[0], "unusual volume")
}

func TestEvaluate_PriceDeviationRule(t *testing.T) {
	f := newFixture(t)
	in := f.instrument("PDEV", 100000, "100")
	now := time.Now()

	t1 := f.trade(1, in.ID, 1, "100", now.Add(-2*time.Hour))
	require.NoError(t, f.monitor.Evaluate(t1))
	require.Empty(t, f.activities(t1.ID))

	// avg(100, 100, 200) = 133.33; |200 − 133.33| > 20% of 133.33.
	t2 := f.trade(2, in.ID, 1, "100", now.Add(-1*time.Hour))
	require.NoError(t, f.monitor.Evaluate(t2))

	t3 := f.trade(3, in.ID, 1, "200", now)
	require.NoError(t, f.monitor.Evaluate(t3))

	reasons := f.activities(t3.ID)
	require.Len(t, reasons, 1)
	require.Contains(t, reasons[0], "price deviation")
}

func TestEvaluate_ConfigurableThresholds(t *testing.T) {
	f := newFixture(t)
	in := f.instrument("CNFG", 100000, "100")
	now := time.Now()

	// Raise the frequency threshold so two quick trades stay clean.
	require.NoError(t, f.regs.Set("FreqThreshold", "5"))

	t1 := f.trade(1, in.ID, 10, "100", now.Add(-1*time.Minute))
	require.NoError(t, f.monitor.Evaluate(t1))
	t2 := f.trade(1, in.ID, 10, "100", now)
	require.NoError(t, f.monitor.Evaluate(t2))
	require.Empty(t, f.activities(t2.ID))
}

func TestMarkReviewed(t *testing.T) {
	f := newFixture(t)
	in := f.instrument("RVWD", 100, "100")

	tr := f.trade(1, in.ID, 50, "100", time.Now())
	require.NoError(t, f.monitor.Evaluate(tr))

	reasons := f.activities(tr.ID)
	require.Len(t, reasons, 1)

	var id int64
	require.NoError(t, f.db.QueryRow(`SELECT id FROM suspicious_activities WHERE trade_id = ?`, tr.ID).Scan(&id))

	sa, err := f.monitor.Get(id)
	require.NoError(t, err)
	require.False(t, sa.Reviewed)

	require.NoError(t, f.monitor.MarkReviewed(id))
	sa, err = f.monitor.Get(id)
	require.NoError(t, err)
	require.True(t, sa.Reviewed)
}
