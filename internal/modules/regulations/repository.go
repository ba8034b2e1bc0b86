// Package regulations holds named numeric knobs (daily trade caps,
// surveillance thresholds) and trader suspensions.
package regulations

import (
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/exchange-sim/internal/database/repositories"
	"github.com/aristath/exchange-sim/internal/domain"
)

// Defaults for every named knob; a deployment overrides them by writing
// rows into the regulations table.
const (
	DefaultDailyTradeCount   = "20"
	DefaultDailyTradedAmount = "100000"
	DefaultVolumeRatio       = "0.10"
	DefaultPriceDeviation    = "0.20"
	DefaultFreqThreshold     = "2"
	DefaultFreqWindowMinutes = "10"
	DefaultDividendMinDays   = "180"
)

type Repository struct {
	*repositories.BaseRepository
}

func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		BaseRepository: repositories.NewBase(db, log.With().Str("repo", "regulations").Logger()),
	}
}

// Get reads a named regulation, falling back to def when unset.
func (r *Repository) Get(name, def string) (string, error) {
	var value string
	err := r.DB().QueryRow(`SELECT value FROM regulations WHERE name = ?`, name).Scan(&value)
	if err == sql.ErrNoRows {
		return def, nil
	}
	if err != nil {
		return "", fmt.Errorf("get regulation %q: %w", name, err)
	}
	return value, nil
}

// GetDecimal is Get parsed as a decimal, for numeric thresholds.
func (r *Repository) GetDecimal(name, def string) (decimal.Decimal, error) {
	raw, err := r.Get(name, def)
	if err != nil {
		return decimal.Decimal{}, err
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: regulation %q is not numeric: %v", domain.ErrValidation, name, err)
	}
	return d, nil
}

// GetInt is Get parsed as an int.
func (r *Repository) GetInt(name, def string) (int64, error) {
	d, err := r.GetDecimal(name, def)
	if err != nil {
		return 0, err
	}
	return d.IntPart(), nil
}

// Set upserts a named regulation.
func (r *Repository) Set(name, value string) error {
	_, err := r.DB().Exec(`
		INSERT INTO regulations (name, value) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value
	`, name, value)
	if err != nil {
		return fmt.Errorf("set regulation %q: %w", name, err)
	}
	return nil
}
