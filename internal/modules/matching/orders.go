// Package matching implements order intake, the price-time priority
// crossing algorithm, and the settlement writes the crossing produces.
// The two halves are inseparable: every submit runs inside one
// transaction, so splitting them into independently callable packages
// would just move the coupling around.
package matching

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/exchange-sim/internal/database/repositories"
	"github.com/aristath/exchange-sim/internal/domain"
)

type OrderRepository struct {
	*repositories.BaseRepository
}

func NewOrderRepository(db *sql.DB, log zerolog.Logger) *OrderRepository {
	return &OrderRepository{
		BaseRepository: repositories.NewBase(db, log.With().Str("repo", "orders").Logger()),
	}
}

func (r *OrderRepository) Create(tx *sql.Tx, o *domain.Order) (*domain.Order, error) {
	var limitPrice interface{}
	if o.LimitPrice != nil {
		limitPrice = o.LimitPrice.String()
	}
	res, err := tx.Exec(`
		INSERT INTO orders (user_id, instrument_id, side, kind, limit_price, qty_original, qty_remaining, fee_accrued, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.UserID, o.InstrumentID, o.Side, o.Kind, limitPrice, o.QtyOriginal, o.QtyRemaining, o.FeeAccrued.String(), o.Status)
	if err != nil {
		return nil, fmt.Errorf("insert order: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("order id: %w", err)
	}
	return r.GetTx(tx, id)
}

func (r *OrderRepository) Get(id int64) (*domain.Order, error) {
	return r.scanOne(r.DB().QueryRow(orderSelect+` WHERE id = ?`, id))
}

func (r *OrderRepository) GetTx(tx *sql.Tx, id int64) (*domain.Order, error) {
	return r.scanOne(tx.QueryRow(orderSelect+` WHERE id = ?`, id))
}

const orderSelect = `SELECT id, user_id, instrument_id, side, kind, limit_price, qty_original, qty_remaining, fee_accrued, status, created_at FROM orders`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (r *OrderRepository) scanOne(row rowScanner) (*domain.Order, error) {
	var o domain.Order
	var limitPrice sql.NullString
	var fee string
	err := row.Scan(&o.ID, &o.UserID, &o.InstrumentID, &o.Side, &o.Kind, &limitPrice,
		&o.QtyOriginal, &o.QtyRemaining, &fee, &o.Status, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: order", domain.ErrValidation)
	}
	if err != nil {
		return nil, fmt.Errorf("scan order: %w", err)
	}
	if limitPrice.Valid {
		d, err := decimal.NewFromString(limitPrice.String)
		if err != nil {
			return nil, fmt.Errorf("parse limit price: %w", err)
		}
		o.LimitPrice = &d
	}
	if o.FeeAccrued, err = decimal.NewFromString(fee); err != nil {
		return nil, fmt.Errorf("parse fee accrued: %w", err)
	}
	return &o, nil
}

// UpdateFill applies a fill of qty at this point in the match, persisting
// the order's new remaining quantity, fee accrual, and status.
func (r *OrderRepository) UpdateFill(tx *sql.Tx, orderID, qtyRemaining int64, feeAccrued decimal.Decimal, status domain.OrderStatus) error {
	_, err := tx.Exec(`UPDATE orders SET qty_remaining = ?, fee_accrued = ?, status = ? WHERE id = ?`,
		qtyRemaining, feeAccrued.String(), status, orderID)
	if err != nil {
		return fmt.Errorf("update order fill: %w", err)
	}
	return nil
}

// ApplyFill reduces a resting order's remaining quantity by fillQty,
// accrues fee on top of whatever it had accumulated already, and moves
// status to Partial, or Filled once nothing remains.
func (r *OrderRepository) ApplyFill(tx *sql.Tx, orderID, fillQty int64, fee decimal.Decimal) error {
	o, err := r.GetTx(tx, orderID)
	if err != nil {
		return err
	}
	newRemaining := o.QtyRemaining - fillQty
	newFee := o.FeeAccrued.Add(fee)
	status := domain.StatusPartial
	if newRemaining <= 0 {
		newRemaining = 0
		status = domain.StatusFilled
	}
	return r.UpdateFill(tx, orderID, newRemaining, newFee, status)
}

func (r *OrderRepository) Cancel(tx *sql.Tx, orderID int64) error {
	_, err := tx.Exec(`UPDATE orders SET status = ? WHERE id = ?`, domain.StatusCancelled, orderID)
	if err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}
	return nil
}

// RestingByInstrument lists every Pending/Partial order for an
// instrument, best used to rebuild the in-memory book on startup.
func (r *OrderRepository) RestingByInstrument(instrumentID int64) ([]*domain.Order, error) {
	rows, err := r.DB().Query(orderSelect+` WHERE instrument_id = ? AND status IN ('PENDING','PARTIAL') ORDER BY created_at ASC`, instrumentID)
	if err != nil {
		return nil, fmt.Errorf("list resting orders: %w", err)
	}
	defer rows.Close()
	return r.scanAll(rows)
}

// AllResting lists every Pending/Partial order across all instruments,
// for the session sweeper.
func (r *OrderRepository) AllResting() ([]*domain.Order, error) {
	rows, err := r.DB().Query(orderSelect + ` WHERE status IN ('PENDING','PARTIAL') ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list resting orders: %w", err)
	}
	defer rows.Close()
	return r.scanAll(rows)
}

func (r *OrderRepository) scanAll(rows *sql.Rows) ([]*domain.Order, error) {
	var out []*domain.Order
	for rows.Next() {
		var o domain.Order
		var limitPrice sql.NullString
		var fee string
		if err := rows.Scan(&o.ID, &o.UserID, &o.InstrumentID, &o.Side, &o.Kind, &limitPrice,
			&o.QtyOriginal, &o.QtyRemaining, &fee, &o.Status, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		if limitPrice.Valid {
			d, err := decimal.NewFromString(limitPrice.String)
			if err != nil {
				return nil, fmt.Errorf("parse limit price: %w", err)
			}
			o.LimitPrice = &d
		}
		var err error
		if o.FeeAccrued, err = decimal.NewFromString(fee); err != nil {
			return nil, fmt.Errorf("parse fee accrued: %w", err)
		}
		out = append(out, &o)
	}
	return out, rows.Err()
}

// ByUser lists a user's orders, most recent first.
func (r *OrderRepository) ByUser(userID int64) ([]*domain.Order, error) {
	rows, err := r.DB().Query(orderSelect+` WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list user orders: %w", err)
	}
	defer rows.Close()
	return r.scanAll(rows)
}

// DailyCount returns how many orders userID has created since the start
// of t's calendar day, for the daily trade count cap.
func (r *OrderRepository) DailyCount(userID int64, t time.Time) (int64, error) {
	dayStart := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	var count int64
	err := r.DB().QueryRow(`SELECT COUNT(*) FROM orders WHERE user_id = ? AND created_at >= ?`, userID, dayStart).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("daily order count: %w", err)
	}
	return count, nil
}

// DailyTradedAmount sums the notional value of userID's trades (as buyer
// or seller) since the start of t's calendar day, for the daily traded
// value cap.
func (r *OrderRepository) DailyTradedAmount(userID int64, t time.Time) (decimal.Decimal, error) {
	dayStart := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	rows, err := r.DB().Query(`
		SELECT qty, price FROM trades WHERE (buyer_id = ? OR seller_id = ?) AND executed_at >= ?
	`, userID, userID, dayStart)
	if err != nil {
		return decimal.Zero, fmt.Errorf("daily traded amount: %w", err)
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var qty int64
		var price string
		if err := rows.Scan(&qty, &price); err != nil {
			return decimal.Zero, fmt.Errorf("scan trade amount: %w", err)
		}
		priceDec, err := decimal.NewFromString(price)
		if err != nil {
			return decimal.Zero, fmt.Errorf("parse trade price: %w", err)
		}
		total = total.Add(domain.Notional(decimal.NewFromInt(qty), priceDec))
	}
	return total, rows.Err()
}

// NetLongPosition sums signed trade quantities for userID in instrumentID
// (buys positive, sells negative), used to validate a Sell's coverage
// without depending on the portfolio cache.
func (r *OrderRepository) NetLongPosition(userID, instrumentID int64) (int64, error) {
	var net sql.NullInt64
	err := r.DB().QueryRow(`
		SELECT SUM(CASE WHEN buyer_id = ? THEN qty ELSE -qty END)
		FROM trades WHERE instrument_id = ? AND (buyer_id = ? OR seller_id = ?)
	`, userID, instrumentID, userID, userID).Scan(&net)
	if err != nil {
		return 0, fmt.Errorf("net position: %w", err)
	}
	return net.Int64, nil
}
