// Package calendar tracks the configured trading windows that the
// matching engine and order intake consult before accepting a submission.
package calendar

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/exchange-sim/internal/database/repositories"
	"github.com/aristath/exchange-sim/internal/domain"
)

type Repository struct {
	*repositories.BaseRepository
}

func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		BaseRepository: repositories.NewBase(db, log.With().Str("repo", "calendar").Logger()),
	}
}

// All returns every configured window, one row per weekday present.
func (r *Repository) All() ([]domain.WorkingHours, error) {
	rows, err := r.DB().Query(`SELECT weekday, open_minute, close_minute FROM working_hours`)
	if err != nil {
		return nil, fmt.Errorf("query working hours: %w", err)
	}
	defer rows.Close()

	var out []domain.WorkingHours
	for rows.Next() {
		var wh domain.WorkingHours
		var weekday int
		if err := rows.Scan(&weekday, &wh.OpenMinute, &wh.CloseMinute); err != nil {
			return nil, fmt.Errorf("scan working hours: %w", err)
		}
		wh.Weekday = time.Weekday(weekday)
		out = append(out, wh)
	}
	return out, rows.Err()
}

// Set upserts the window for a single weekday.
func (r *Repository) Set(wh domain.WorkingHours) error {
	_, err := r.DB().Exec(`
		INSERT INTO working_hours (weekday, open_minute, close_minute)
		VALUES (?, ?, ?)
		ON CONFLICT(weekday) DO UPDATE SET open_minute = excluded.open_minute, close_minute = excluded.close_minute
	`, int(wh.Weekday), wh.OpenMinute, wh.CloseMinute)
	if err != nil {
		return fmt.Errorf("set working hours: %w", err)
	}
	return nil
}

// IsWithinWindow reports whether t falls inside a configured trading
// window for its weekday, close inclusive. Absence of any row for a
// given weekday means the market is closed that day.
func (r *Repository) IsWithinWindow(t time.Time) (bool, error) {
	minute := t.Hour()*60 + t.Minute()
	var count int
	err := r.DB().QueryRow(`
		SELECT COUNT(*) FROM working_hours
		WHERE weekday = ? AND open_minute <= ? AND ? <= close_minute
	`, int(t.Weekday()), minute, minute).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check trading window: %w", err)
	}
	return count > 0, nil
}
