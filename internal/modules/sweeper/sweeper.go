// Package sweeper runs the end-of-session housekeeping: cancel every
// still-resting order and snapshot each instrument's daily closing
// price. Both operations also back the schedulable CLI jobs
// (cancel-pending-orders, update-closing-prices), so each is idempotent —
// a second run on the same day finds nothing left to do.
package sweeper

import (
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/exchange-sim/internal/domain"
	"github.com/aristath/exchange-sim/internal/locking"
	"github.com/aristath/exchange-sim/internal/modules/instruments"
	"github.com/aristath/exchange-sim/internal/modules/matching"
)

type auditLog interface {
	Append(tx *sql.Tx, eventKind string, orderID, tradeID *int64, details interface{}) error
}

type Service struct {
	db          *sql.DB
	locks       *locking.Manager
	engine      *matching.Engine
	orders      *matching.OrderRepository
	instruments *instruments.Repository
	audit       auditLog
	log         zerolog.Logger
}

func New(
	db *sql.DB,
	locks *locking.Manager,
	engine *matching.Engine,
	orders *matching.OrderRepository,
	instr *instruments.Repository,
	auditLog auditLog,
	log zerolog.Logger,
) *Service {
	return &Service{
		db:          db,
		locks:       locks,
		engine:      engine,
		orders:      orders,
		instruments: instr,
		audit:       auditLog,
		log:         log.With().Str("component", "sweeper").Logger(),
	}
}

// CancelPendingOrders transitions every order in {Pending, Partial} to
// Cancelled with an end-of-session audit entry. Per-order failures are
// logged and the sweep continues. Returns the number of orders
// cancelled.
func (s *Service) CancelPendingOrders() (int, error) {
	resting, err := s.orders.AllResting()
	if err != nil {
		return 0, err
	}

	cancelled := 0
	for _, o := range resting {
		if err := s.cancelOne(o); err != nil {
			s.log.Error().Err(err).Int64("order_id", o.ID).Msg("end-of-session cancel failed, continuing")
			continue
		}
		cancelled++
	}
	s.log.Info().Int("cancelled", cancelled).Int("resting", len(resting)).Msg("session sweep complete")
	return cancelled, nil
}

func (s *Service) cancelOne(o *domain.Order) error {
	key := locking.InstrumentKey(o.InstrumentID)
	if err := s.locks.Acquire(key); err != nil {
		return err
	}
	defer s.locks.Release(key)

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin sweep tx: %w", err)
	}
	if err := s.orders.Cancel(tx, o.ID); err != nil {
		tx.Rollback()
		return err
	}
	if err := s.audit.Append(tx, "OrderStatusChanged", &o.ID, nil, map[string]interface{}{
		"reason": "end-of-session", "from": o.Status, "to": domain.StatusCancelled,
	}); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit sweep tx: %w", err)
	}

	book, err := s.engine.Book(o.InstrumentID)
	if err != nil {
		return err
	}
	book.Cancel(o.ID)
	return nil
}

// UpdateClosingPrices snapshots, for every instrument that traded on
// day, closing_price = max(trade.price that day) — the day's high, not
// its last print. Instruments are processed concurrently; each snapshot
// touches only its own rows. Returns the number of instruments
// snapshotted.
func (s *Service) UpdateClosingPrices(day time.Time) (int, error) {
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	dayEnd := dayStart.Add(24 * time.Hour)

	all, err := s.instruments.All()
	if err != nil {
		return 0, err
	}

	var snapshotted atomic.Int64
	var g errgroup.Group
	g.SetLimit(4)
	for _, in := range all {
		in := in
		g.Go(func() error {
			price, traded, err := s.maxTradePrice(in.ID, dayStart, dayEnd)
			if err != nil {
				s.log.Error().Err(err).Int64("instrument_id", in.ID).Msg("closing price query failed, continuing")
				return nil
			}
			if !traded {
				return nil
			}
			if err := s.recordClosingPrice(in.ID, dayStart, price); err != nil {
				s.log.Error().Err(err).Int64("instrument_id", in.ID).Msg("closing price write failed, continuing")
				return nil
			}
			snapshotted.Add(1)
			return nil
		})
	}
	g.Wait()
	s.log.Info().Int64("snapshotted", snapshotted.Load()).Str("date", dayStart.Format("2006-01-02")).Msg("closing prices updated")
	return int(snapshotted.Load()), nil
}

func (s *Service) maxTradePrice(instrumentID int64, from, to time.Time) (decimal.Decimal, bool, error) {
	rows, err := s.db.Query(`
		SELECT price FROM trades WHERE instrument_id = ? AND executed_at >= ? AND executed_at < ?
	`, instrumentID, from, to)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("query day trades: %w", err)
	}
	defer rows.Close()

	// The max is taken in Go: prices are stored as TEXT for decimal
	// exactness, so SQL MAX() would compare them lexicographically.
	max := decimal.Zero
	traded := false
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return decimal.Zero, false, fmt.Errorf("scan day trade: %w", err)
		}
		price, err := decimal.NewFromString(raw)
		if err != nil {
			return decimal.Zero, false, fmt.Errorf("parse day trade price: %w", err)
		}
		if !traded || price.GreaterThan(max) {
			max = price
		}
		traded = true
	}
	return max, traded, rows.Err()
}

func (s *Service) recordClosingPrice(instrumentID int64, date time.Time, price decimal.Decimal) error {
	_, err := s.db.Exec(`
		INSERT INTO daily_closing_prices (instrument_id, date, closing_price)
		VALUES (?, ?, ?)
		ON CONFLICT(instrument_id, date) DO UPDATE SET closing_price = excluded.closing_price
	`, instrumentID, date.Format("2006-01-02"), price.String())
	if err != nil {
		return fmt.Errorf("record closing price: %w", err)
	}
	return nil
}

// ClosingPrices lists an instrument's snapshot history, newest first.
func (s *Service) ClosingPrices(instrumentID int64) ([]domain.DailyClosingPrice, error) {
	rows, err := s.db.Query(`
		SELECT id, instrument_id, date, closing_price FROM daily_closing_prices
		WHERE instrument_id = ? ORDER BY date DESC
	`, instrumentID)
	if err != nil {
		return nil, fmt.Errorf("list closing prices: %w", err)
	}
	defer rows.Close()

	var out []domain.DailyClosingPrice
	for rows.Next() {
		var cp domain.DailyClosingPrice
		var date, price string
		if err := rows.Scan(&cp.ID, &cp.InstrumentID, &date, &price); err != nil {
			return nil, fmt.Errorf("scan closing price: %w", err)
		}
		if cp.Date, err = time.Parse(time.RFC3339, date); err != nil {
			if cp.Date, err = time.Parse("2006-01-02", date); err != nil {
				return nil, fmt.Errorf("parse closing date: %w", err)
			}
		}
		if cp.ClosingPrice, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("parse closing price: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// MatchPendingOrders walks every instrument and asks the engine to cross
// any resting orders that have become marryable. Per-instrument failures
// are logged and the walk continues.
func (s *Service) MatchPendingOrders() (int, error) {
	all, err := s.instruments.All()
	if err != nil {
		return 0, err
	}
	executed := 0
	for _, in := range all {
		n, err := s.engine.MatchPending(in.ID)
		executed += n
		if err != nil {
			s.log.Error().Err(err).Int64("instrument_id", in.ID).Msg("pending match failed, continuing")
		}
	}
	return executed, nil
}
