// Package notifications is the write-only downstream sink: a
// notification never rolls settlement back, so dispatch happens after
// the settlement transaction commits; a failure is logged and returned,
// and the settlement path only logs it and carries on. Rows are persisted as an
// inbox, so a trader has something to list even when no downstream
// channel (email, websocket push) is configured in this deployment.
package notifications

import (
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aristath/exchange-sim/internal/domain"
)

type Sink struct {
	db  *sql.DB
	log zerolog.Logger
}

func New(db *sql.DB, log zerolog.Logger) *Sink {
	return &Sink{db: db, log: log.With().Str("component", "notifications").Logger()}
}

// Notify persists a notification outside any caller transaction. Errors
// are logged here and also returned; callers in the settlement path use
// the returned error for logging only, never for control flow.
func (s *Sink) Notify(userID int64, kind, message string) error {
	_, err := s.db.Exec(`INSERT INTO notifications (user_id, kind, message) VALUES (?, ?, ?)`, userID, kind, message)
	if err != nil {
		s.log.Error().Err(err).Int64("user_id", userID).Str("kind", kind).Msg("notification dispatch failed")
		return fmt.Errorf("notify: %w", err)
	}
	return nil
}

// MarkRead flips a single inbox entry to read.
func (s *Sink) MarkRead(id int64) error {
	res, err := s.db.Exec(`UPDATE notifications SET read = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: notification %d", domain.ErrValidation, id)
	}
	return nil
}

func (s *Sink) ListForUser(userID int64) ([]*domain.Notification, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, kind, message, read, created_at FROM notifications
		WHERE user_id = ? ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var out []*domain.Notification
	for rows.Next() {
		var n domain.Notification
		var read int
		if err := rows.Scan(&n.ID, &n.UserID, &n.Kind, &n.Message, &read, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		n.Read = read != 0
		out = append(out, &n)
	}
	return out, rows.Err()
}
