package domain

import (
	"time"

	"github.com/google/uuid"
)

type NotificationType string

const (
	NotificationPaymentSent      NotificationType = "payment_sent"
	NotificationRequestSent      NotificationType = "request_sent"
	NotificationRequestAccepted  NotificationType = "request_accepted"
	NotificationRequestDeclined  NotificationType = "request_declined"
	NotificationRequestCancelled NotificationType = "request_cancelled"
)

// Notification records that something happened to ToAccountID. Only Read ever changes.
type Notification struct {
	ID            string           `json:"id"`
	FromAccountID string           `json:"from_account_id"`
	ToAccountID   string           `json:"to_account_id"`
	Type          NotificationType `json:"type"`
	Message       string           `json:"message"`
	RequestID     string           `json:"request_id,omitempty"`
	TransferID    string           `json:"transfer_id,omitempty"`
	Read          bool             `json:"read"`
	CreatedAt     time.Time        `json:"created_at"`
}

func NewNotification(t NotificationType, fromID, toID, message string) *Notification {
	return &Notification{
		ID:            uuid.NewString(),
		FromAccountID: fromID,
		ToAccountID:   toID,
		Type:          t,
		Message:       message,
		CreatedAt:     time.Now().UTC(),
	}
}
