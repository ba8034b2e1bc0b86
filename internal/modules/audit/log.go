// Package audit is the append-only event log: one row per order state
// change and trade execution, written inside the same transaction as the
// change it records so the log can never drift from the state it
// describes.
package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type Log struct {
	db *sql.DB
}

func New(db *sql.DB) *Log {
	return &Log{db: db}
}

// Append writes one audit entry. details is marshalled to JSON; pass a
// map or struct built from the caller's domain types.
func (l *Log) Append(tx *sql.Tx, eventKind string, orderID, tradeID *int64, details interface{}) error {
	payload, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("marshal audit details: %w", err)
	}
	_, err = tx.Exec(`
		INSERT INTO audit_entries (event_kind, order_id, trade_id, details) VALUES (?, ?, ?, ?)
	`, eventKind, orderID, tradeID, string(payload))
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

type Entry struct {
	ID        int64
	EventKind string
	OrderID   *int64
	TradeID   *int64
	Details   string
	Timestamp time.Time
}

// ForOrder returns every audit entry touching an order, oldest first.
// Entries for one order are non-decreasing in timestamp, with the id as
// tiebreak within a transaction.
func (l *Log) ForOrder(orderID int64) ([]Entry, error) {
	rows, err := l.db.Query(`
		SELECT id, event_kind, order_id, trade_id, details, ts FROM audit_entries
		WHERE order_id = ? ORDER BY ts ASC, id ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.EventKind, &e.OrderID, &e.TradeID, &e.Details, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
