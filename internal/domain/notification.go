package domain

import "time"

// Notification is an outbound chat message that could not be delivered
// on the first try and waits for redelivery.
type Notification struct {
	ID            string
	ChatID        int64
	Text          string
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	DeliveredAt   *time.Time
	CreatedAt     time.Time
}
