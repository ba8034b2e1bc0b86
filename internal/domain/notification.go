package domain

import "time"

// Notification is a persisted inbox entry backing the fire-and-forget
// downstream dispatch with something a trader can actually list later.
// Dispatch failures never block settlement or surveillance; they're
// logged and the row is kept for retry/inspection.
type Notification struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
}
