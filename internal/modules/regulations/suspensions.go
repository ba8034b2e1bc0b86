package regulations

import (
	"database/sql"
	"fmt"

	"github.com/aristath/exchange-sim/internal/domain"
)

// Suspend records a new active suspension. instrumentID is nil for a
// global, all-instruments suspension.
func (r *Repository) Suspend(traderID int64, instrumentID *int64, scope domain.SuspensionScope, reason string) (*domain.Suspension, error) {
	res, err := r.DB().Exec(`
		INSERT INTO suspensions (trader_id, instrument_id, scope, active, reason)
		VALUES (?, ?, ?, 1, ?)
	`, traderID, instrumentID, scope, reason)
	if err != nil {
		return nil, fmt.Errorf("insert suspension: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("suspension id: %w", err)
	}
	return r.GetSuspension(id)
}

// GetSuspension loads a suspension by id.
func (r *Repository) GetSuspension(id int64) (*domain.Suspension, error) {
	var s domain.Suspension
	var active int
	err := r.DB().QueryRow(`
		SELECT id, trader_id, instrument_id, scope, active, reason, created_at
		FROM suspensions WHERE id = ?
	`, id).Scan(&s.ID, &s.TraderID, &s.InstrumentID, &s.Scope, &active, &s.Reason, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: suspension %d", domain.ErrValidation, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get suspension: %w", err)
	}
	s.Active = active != 0
	return &s, nil
}

// IsSuspended reports whether traderID is currently barred from trading
// instrumentID, checking both an instrument-scoped and a global active
// suspension.
func (r *Repository) IsSuspended(traderID, instrumentID int64) (bool, error) {
	var count int
	err := r.DB().QueryRow(`
		SELECT COUNT(*) FROM suspensions
		WHERE trader_id = ? AND active = 1
		  AND (scope = 'global' OR (scope = 'instrument' AND instrument_id = ?))
	`, traderID, instrumentID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check suspension: %w", err)
	}
	return count > 0, nil
}
