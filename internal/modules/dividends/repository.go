package dividends

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
		BaseRepository: repositories.NewBase(db, log.With().Str("repo", "dividends").Logger()),
	}
}

// Create records a Pending dividend for a (company, budget_year) pair.
// The UNIQUE constraint makes a second declaration for the same pair a
// Conflict rather than a silent duplicate.
func (r *Repository) Create(companyID int64, budgetYear string, totalAmount decimal.Decimal) (*domain.Dividend, error) {
	res, err := r.DB().Exec(`
		INSERT INTO dividends (company_id, budget_year, total_amount, status)
		VALUES (?, ?, ?, ?)
	`, companyID, budgetYear, totalAmount.String(), domain.DividendPending)
	if err != nil {
		return nil, fmt.Errorf("%w: dividend for company %d year %s: %v", domain.ErrConflict, companyID, budgetYear, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("dividend id: %w", err)
	}
	return r.Get(id)
}

func (r *Repository) Get(id int64) (*domain.Dividend, error) {
	var d domain.Dividend
	var total string
	var ratio sql.NullString
	err := r.DB().QueryRow(`
		SELECT id, company_id, budget_year, total_amount, ratio, status, created_at
		FROM dividends WHERE id = ?
	`, id).Scan(&d.ID, &d.CompanyID, &d.BudgetYear, &total, &ratio, &d.Status, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: dividend %d", domain.ErrValidation, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get dividend: %w", err)
	}
	if d.TotalAmount, err = decimal.NewFromString(total); err != nil {
		return nil, fmt.Errorf("parse dividend amount: %w", err)
	}
	if ratio.Valid {
		parsed, err := decimal.NewFromString(ratio.String)
		if err != nil {
			return nil, fmt.Errorf("parse dividend ratio: %w", err)
		}
		d.Ratio = &parsed
	}
	return &d, nil
}

// GetTx is Get within an in-flight disbursal transaction, so the status
// check and the Disbursed write can't race a concurrent disbursal.
func (r *Repository) GetTx(tx *sql.Tx, id int64) (*domain.Dividend, error) {
	var d domain.Dividend
	var total string
	var ratio sql.NullString
	err := tx.QueryRow(`
		SELECT id, company_id, budget_year, total_amount, ratio, status, created_at
		FROM dividends WHERE id = ?
	`, id).Scan(&d.ID, &d.CompanyID, &d.BudgetYear, &total, &ratio, &d.Status, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: dividend %d", domain.ErrValidation, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get dividend: %w", err)
	}
	if d.TotalAmount, err = decimal.NewFromString(total); err != nil {
		return nil, fmt.Errorf("parse dividend amount: %w", err)
	}
	if ratio.Valid {
		parsed, err := decimal.NewFromString(ratio.String)
		if err != nil {
			return nil, fmt.Errorf("parse dividend ratio: %w", err)
		}
		d.Ratio = &parsed
	}
	return &d, nil
}

// MarkDisbursed persists the computed ratio and flips status, the last
// write of a disbursal transaction.
func (r *Repository) MarkDisbursed(tx *sql.Tx, id int64, ratio decimal.Decimal) error {
	_, err := tx.Exec(`UPDATE dividends SET ratio = ?, status = ? WHERE id = ?`,
		ratio.String(), domain.DividendDisbursed, id)
	if err != nil {
		return fmt.Errorf("mark dividend disbursed: %w", err)
	}
	return nil
}

func (r *Repository) InsertDistribution(tx *sql.Tx, dividendID, userID int64, amount decimal.Decimal) error {
	_, err := tx.Exec(`
		INSERT INTO dividend_distributions (dividend_id, user_id, amount) VALUES (?, ?, ?)
	`, dividendID, userID, amount.String())
	if err != nil {
		return fmt.Errorf("insert distribution: %w", err)
	}
	return nil
}

// Distributions lists a dividend's per-user payouts.
func (r *Repository) Distributions(dividendID int64) ([]*domain.DividendDistribution, error) {
	rows, err := r.DB().Query(`
		SELECT id, dividend_id, user_id, amount FROM dividend_distributions WHERE dividend_id = ?
	`, dividendID)
	if err != nil {
		return nil, fmt.Errorf("list distributions: %w", err)
	}
	defer rows.Close()

	var out []*domain.DividendDistribution
	for rows.Next() {
		var dd domain.DividendDistribution
		var amount string
		if err := rows.Scan(&dd.ID, &dd.DividendID, &dd.UserID, &amount); err != nil {
			return nil, fmt.Errorf("scan distribution: %w", err)
		}
		if dd.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("parse distribution amount: %w", err)
		}
		out = append(out, &dd)
	}
	return out, rows.Err()
}
