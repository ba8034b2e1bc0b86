// Package ledger owns user cash/profit balances and per-instrument
// portfolio positions, including the incremental average-cost arithmetic
// settlement applies on every fill.
package ledger

import (
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/exchange-sim/internal/database/repositories"
	"github.com/aristath/exchange-sim/internal/domain"
)

type Repository struct {
	*repositories.BaseRepository
}

func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		BaseRepository: repositories.NewBase(db, log.With().Str("repo", "ledger").Logger()),
	}
}

func (r *Repository) GetUser(id int64) (*domain.User, error) {
	var u domain.User
	var cash, profit string
	err := r.DB().QueryRow(`SELECT id, role, cash_balance, profit_balance, created_at FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Role, &cash, &profit, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: user %d", domain.ErrUnknownUser, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if u.CashBalance, err = decimal.NewFromString(cash); err != nil {
		return nil, fmt.Errorf("parse cash balance: %w", err)
	}
	if u.ProfitBalance, err = decimal.NewFromString(profit); err != nil {
		return nil, fmt.Errorf("parse profit balance: %w", err)
	}
	return &u, nil
}

func (r *Repository) CreateUser(role domain.Role, openingCash decimal.Decimal) (*domain.User, error) {
	res, err := r.DB().Exec(`INSERT INTO users (role, cash_balance, profit_balance) VALUES (?, ?, '0')`,
		role, openingCash.String())
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("user id: %w", err)
	}
	return r.GetUser(id)
}

// AdjustCash applies delta (signed) to a user's cash balance within tx,
// rejecting the update if it would go negative.
// The read-modify-write happens entirely in Go, on decimal.Decimal, so no
// intermediate float64 ever touches the balance — SQLite's own
// transaction isolation is what keeps this safe against concurrent
// writers on the same connection.
func (r *Repository) AdjustCash(tx *sql.Tx, userID int64, delta decimal.Decimal) error {
	var current string
	err := tx.QueryRow(`SELECT cash_balance FROM users WHERE id = ?`, userID).Scan(&current)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: user %d", domain.ErrUnknownUser, userID)
	}
	if err != nil {
		return fmt.Errorf("read cash balance: %w", err)
	}
	currentDec, err := decimal.NewFromString(current)
	if err != nil {
		return fmt.Errorf("parse cash balance: %w", err)
	}
	updated := domain.Round2(currentDec.Add(delta))
	if updated.IsNegative() {
		return fmt.Errorf("%w: user %d", domain.ErrInsufficientCash, userID)
	}
	if _, err := tx.Exec(`UPDATE users SET cash_balance = ? WHERE id = ?`, updated.String(), userID); err != nil {
		return fmt.Errorf("adjust cash: %w", err)
	}
	return nil
}

// AdjustProfit applies delta to a user's profit balance (dividend
// credits and the capitalize/withdraw flows).
func (r *Repository) AdjustProfit(tx *sql.Tx, userID int64, delta decimal.Decimal) error {
	var current string
	if err := tx.QueryRow(`SELECT profit_balance FROM users WHERE id = ?`, userID).Scan(&current); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: user %d", domain.ErrUnknownUser, userID)
		}
		return fmt.Errorf("read profit balance: %w", err)
	}
	currentDec, err := decimal.NewFromString(current)
	if err != nil {
		return fmt.Errorf("parse profit balance: %w", err)
	}
	updated := domain.Round2(currentDec.Add(delta))
	if updated.IsNegative() {
		return fmt.Errorf("%w: user %d", domain.ErrInsufficientCash, userID)
	}
	if _, err := tx.Exec(`UPDATE users SET profit_balance = ? WHERE id = ?`, updated.String(), userID); err != nil {
		return fmt.Errorf("adjust profit: %w", err)
	}
	return nil
}

func (r *Repository) GetPortfolio(userID, instrumentID int64) (*domain.Portfolio, error) {
	var p domain.Portfolio
	var avgCost, totalInv string
	err := r.DB().QueryRow(`
		SELECT user_id, instrument_id, quantity, avg_cost, total_investment
		FROM portfolios WHERE user_id = ? AND instrument_id = ?
	`, userID, instrumentID).Scan(&p.UserID, &p.InstrumentID, &p.Quantity, &avgCost, &totalInv)
	if err == sql.ErrNoRows {
		return &domain.Portfolio{UserID: userID, InstrumentID: instrumentID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get portfolio: %w", err)
	}
	if p.AvgCost, err = decimal.NewFromString(avgCost); err != nil {
		return nil, fmt.Errorf("parse avg cost: %w", err)
	}
	if p.TotalInvestment, err = decimal.NewFromString(totalInv); err != nil {
		return nil, fmt.Errorf("parse total investment: %w", err)
	}
	return &p, nil
}

func (r *Repository) ListPortfolios(userID int64) ([]*domain.Portfolio, error) {
	rows, err := r.DB().Query(`
		SELECT user_id, instrument_id, quantity, avg_cost, total_investment
		FROM portfolios WHERE user_id = ? AND quantity > 0
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list portfolios: %w", err)
	}
	defer rows.Close()

	var out []*domain.Portfolio
	for rows.Next() {
		var p domain.Portfolio
		var avgCost, totalInv string
		if err := rows.Scan(&p.UserID, &p.InstrumentID, &p.Quantity, &avgCost, &totalInv); err != nil {
			return nil, fmt.Errorf("scan portfolio: %w", err)
		}
		if p.AvgCost, err = decimal.NewFromString(avgCost); err != nil {
			return nil, fmt.Errorf("parse avg cost: %w", err)
		}
		if p.TotalInvestment, err = decimal.NewFromString(totalInv); err != nil {
			return nil, fmt.Errorf("parse total investment: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// ApplyBuy folds qty@price into a portfolio's running average cost:
//
//	new_total_investment = total_investment + qty*price
//	new_quantity          = quantity + qty
//	new_avg_cost          = new_total_investment / new_quantity
func (r *Repository) ApplyBuy(tx *sql.Tx, userID, instrumentID, qty int64, price decimal.Decimal) error {
	p, err := r.getForUpdate(tx, userID, instrumentID)
	if err != nil {
		return err
	}
	added := domain.Notional(decimal.NewFromInt(qty), price)
	newQty := p.Quantity + qty
	newInvestment := p.TotalInvestment.Add(added)
	newAvg := domain.Round2(newInvestment.Div(decimal.NewFromInt(newQty)))

	_, err = tx.Exec(`
		INSERT INTO portfolios (user_id, instrument_id, quantity, avg_cost, total_investment)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, instrument_id) DO UPDATE SET
			quantity = excluded.quantity,
			avg_cost = excluded.avg_cost,
			total_investment = excluded.total_investment
	`, userID, instrumentID, newQty, newAvg.String(), domain.Round2(newInvestment).String())
	if err != nil {
		return fmt.Errorf("apply buy: %w", err)
	}
	return nil
}

// ApplySell reduces a portfolio position by qty, proportionally reducing
// total_investment while leaving avg_cost unchanged — selling doesn't
// change the cost basis of the shares that remain. A position sold down
// to zero resets avg_cost to zero along with it.
func (r *Repository) ApplySell(tx *sql.Tx, userID, instrumentID, qty int64) error {
	p, err := r.getForUpdate(tx, userID, instrumentID)
	if err != nil {
		return err
	}
	if p.Quantity < qty {
		return fmt.Errorf("%w: user %d holds %d of instrument %d, sell requests %d",
			domain.ErrInsufficientShares, userID, p.Quantity, instrumentID, qty)
	}
	newQty := p.Quantity - qty
	newInvestment := domain.Round2(p.AvgCost.Mul(decimal.NewFromInt(newQty)))
	newAvg := p.AvgCost
	if newQty == 0 {
		newAvg = decimal.Zero
	}

	_, err = tx.Exec(`
		UPDATE portfolios SET quantity = ?, avg_cost = ?, total_investment = ? WHERE user_id = ? AND instrument_id = ?
	`, newQty, newAvg.String(), newInvestment.String(), userID, instrumentID)
	if err != nil {
		return fmt.Errorf("apply sell: %w", err)
	}
	return nil
}

func (r *Repository) getForUpdate(tx *sql.Tx, userID, instrumentID int64) (*domain.Portfolio, error) {
	var p domain.Portfolio
	var avgCost, totalInv string
	err := tx.QueryRow(`
		SELECT quantity, avg_cost, total_investment FROM portfolios WHERE user_id = ? AND instrument_id = ?
	`, userID, instrumentID).Scan(&p.Quantity, &avgCost, &totalInv)
	if err == sql.ErrNoRows {
		return &domain.Portfolio{UserID: userID, InstrumentID: instrumentID, AvgCost: decimal.Zero, TotalInvestment: decimal.Zero}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock portfolio: %w", err)
	}
	p.UserID, p.InstrumentID = userID, instrumentID
	if p.AvgCost, err = decimal.NewFromString(avgCost); err != nil {
		return nil, fmt.Errorf("parse avg cost: %w", err)
	}
	if p.TotalInvestment, err = decimal.NewFromString(totalInv); err != nil {
		return nil, fmt.Errorf("parse total investment: %w", err)
	}
	return &p, nil
}
