// Package instruments manages companies and their tradable instruments,
// including the company-held inventory the matching engine draws against
// when the book can't fill a buy.
package instruments

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
		BaseRepository: repositories.NewBase(db, log.With().Str("repo", "instruments").Logger()),
	}
}

func (r *Repository) CreateCompany(name, sector string) (*domain.Company, error) {
	res, err := r.DB().Exec(`INSERT INTO companies (name, sector) VALUES (?, ?)`, name, sector)
	if err != nil {
		return nil, fmt.Errorf("insert company: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("company id: %w", err)
	}
	return r.GetCompany(id)
}

func (r *Repository) GetCompany(id int64) (*domain.Company, error) {
	var c domain.Company
	err := r.DB().QueryRow(`SELECT id, name, sector, created_at FROM companies WHERE id = ?`, id).
		Scan(&c.ID, &c.Name, &c.Sector, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: company %d", domain.ErrUnknownInstrument, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get company: %w", err)
	}
	return &c, nil
}

func (r *Repository) CreateInstrument(in *domain.Instrument) (*domain.Instrument, error) {
	res, err := r.DB().Exec(`
		INSERT INTO instruments (symbol, company_id, total_shares, available_shares, current_price, max_direct_buy)
		VALUES (?, ?, ?, ?, ?, ?)
	`, in.Symbol, in.CompanyID, in.TotalShares, in.AvailableShares, in.CurrentPrice.String(), in.MaxDirectBuy)
	if err != nil {
		return nil, fmt.Errorf("insert instrument: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("instrument id: %w", err)
	}
	return r.Get(id)
}

func (r *Repository) Get(id int64) (*domain.Instrument, error) {
	return r.scanOne(`SELECT id, symbol, company_id, total_shares, available_shares, current_price, max_direct_buy, last_updated
		FROM instruments WHERE id = ?`, id)
}

// GetTx reads an instrument within an in-flight transaction, so matching
// sees a consistent snapshot of current_price and available_shares for
// the duration of the settlement it's part of.
func (r *Repository) GetTx(tx *sql.Tx, id int64) (*domain.Instrument, error) {
	var in domain.Instrument
	var price string
	err := tx.QueryRow(`SELECT id, symbol, company_id, total_shares, available_shares, current_price, max_direct_buy, last_updated
		FROM instruments WHERE id = ?`, id).Scan(
		&in.ID, &in.Symbol, &in.CompanyID, &in.TotalShares, &in.AvailableShares,
		&price, &in.MaxDirectBuy, &in.LastUpdated,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: instrument %d", domain.ErrUnknownInstrument, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get instrument: %w", err)
	}
	if in.CurrentPrice, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("parse instrument price: %w", err)
	}
	return &in, nil
}

func (r *Repository) GetBySymbol(symbol string) (*domain.Instrument, error) {
	return r.scanOne(`SELECT id, symbol, company_id, total_shares, available_shares, current_price, max_direct_buy, last_updated
		FROM instruments WHERE symbol = ?`, symbol)
}

func (r *Repository) scanOne(query string, arg interface{}) (*domain.Instrument, error) {
	var in domain.Instrument
	var price string
	err := r.DB().QueryRow(query, arg).Scan(
		&in.ID, &in.Symbol, &in.CompanyID, &in.TotalShares, &in.AvailableShares,
		&price, &in.MaxDirectBuy, &in.LastUpdated,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: instrument", domain.ErrUnknownInstrument)
	}
	if err != nil {
		return nil, fmt.Errorf("get instrument: %w", err)
	}
	in.CurrentPrice, err = decimal.NewFromString(price)
	if err != nil {
		return nil, fmt.Errorf("parse instrument price: %w", err)
	}
	return &in, nil
}

func (r *Repository) All() ([]*domain.Instrument, error) {
	rows, err := r.DB().Query(`SELECT id FROM instruments`)
	if err != nil {
		return nil, fmt.Errorf("list instruments: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*domain.Instrument, 0, len(ids))
	for _, id := range ids {
		in, err := r.Get(id)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, nil
}

// DecrementInventory takes qty shares out of the company's available pool
// within tx, returning domain.ErrInventoryExhausted if it would go
// negative.
func (r *Repository) DecrementInventory(tx *sql.Tx, instrumentID, qty int64) error {
	res, err := tx.Exec(`
		UPDATE instruments SET available_shares = available_shares - ?
		WHERE id = ? AND available_shares >= ?
	`, qty, instrumentID, qty)
	if err != nil {
		return fmt.Errorf("decrement inventory: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("decrement inventory rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: instrument %d", domain.ErrInventoryExhausted, instrumentID)
	}
	return nil
}

// SetCurrentPrice updates the administered price used for market orders
// and sweeper closing-price comparisons.
func (r *Repository) SetCurrentPrice(tx *sql.Tx, instrumentID int64, price decimal.Decimal) error {
	_, err := tx.Exec(`UPDATE instruments SET current_price = ?, last_updated = CURRENT_TIMESTAMP WHERE id = ?`,
		price.String(), instrumentID)
	if err != nil {
		return fmt.Errorf("set current price: %w", err)
	}
	return nil
}
