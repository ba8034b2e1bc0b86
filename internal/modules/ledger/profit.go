package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/aristath/exchange-sim/internal/domain"
)

// DefaultProfitTaxRate is the flat tax applied when profit leaves the
// profit balance, by capitalization or withdrawal.
const DefaultProfitTaxRate = "0.15"

// CapitalizeProfit moves amount out of a user's profit balance into cash,
// net of tax. Returns the amount actually credited to cash.
func (r *Repository) CapitalizeProfit(userID int64, amount, taxRate decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: amount must be positive", domain.ErrValidation)
	}
	net := domain.Round2(amount.Mul(decimal.NewFromInt(1).Sub(taxRate)))

	tx, err := r.DB().Begin()
	if err != nil {
		return decimal.Zero, fmt.Errorf("begin capitalize tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	if err := r.AdjustProfit(tx, userID, amount.Neg()); err != nil {
		return decimal.Zero, err
	}
	if err := r.AdjustCash(tx, userID, net); err != nil {
		return decimal.Zero, err
	}
	if err := tx.Commit(); err != nil {
		return decimal.Zero, fmt.Errorf("commit capitalize tx: %w", err)
	}
	committed = true
	return net, nil
}

// WithdrawProfit removes amount from a user's profit balance for external
// payout, net of tax. The exchange holds no record of where the money
// goes — real money movement is out of scope — so the return value is
// what the payout channel should transfer.
func (r *Repository) WithdrawProfit(userID int64, amount, taxRate decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: amount must be positive", domain.ErrValidation)
	}
	net := domain.Round2(amount.Mul(decimal.NewFromInt(1).Sub(taxRate)))

	tx, err := r.DB().Begin()
	if err != nil {
		return decimal.Zero, fmt.Errorf("begin withdraw tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	if err := r.AdjustProfit(tx, userID, amount.Neg()); err != nil {
		return decimal.Zero, err
	}
	if err := tx.Commit(); err != nil {
		return decimal.Zero, fmt.Errorf("commit withdraw tx: %w", err)
	}
	committed = true
	return net, nil
}
