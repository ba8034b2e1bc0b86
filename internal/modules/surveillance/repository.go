package surveillance

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/aristath/exchange-sim/internal/domain"
)

// Get loads a SuspiciousActivity by id, for the regulator-facing
// suspend-trader endpoint.
func (m *Monitor) Get(id int64) (*domain.SuspiciousActivity, error) {
	var sa domain.SuspiciousActivity
	var reasons string
	var reviewed int
	err := m.db.QueryRow(`
		SELECT id, trade_id, reasons, reviewed, added_at FROM suspicious_activities WHERE id = ?
	`, id).Scan(&sa.ID, &sa.TradeID, &reasons, &reviewed, &sa.AddedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: suspicious activity %d", domain.ErrValidation, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get suspicious activity: %w", err)
	}
	sa.Reviewed = reviewed != 0
	sa.Reasons = strings.Split(reasons, "; ")
	return &sa, nil
}

// MarkReviewed flips the reviewed flag once a regulator has acted on it.
func (m *Monitor) MarkReviewed(id int64) error {
	_, err := m.db.Exec(`UPDATE suspicious_activities SET reviewed = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark suspicious activity reviewed: %w", err)
	}
	return nil
}
