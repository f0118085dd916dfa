package ledger

import (
	"context"

	"payledger/internal/domain"
)

func (e *Engine) ListNotifications(ctx context.Context, accountID string, unreadOnly bool) ([]*domain.Notification, error) {
	if _, err := e.accounts.Get(ctx, accountID); err != nil {
		return nil, err
	}
	return e.store.Notifications().ListByAccount(ctx, accountID, unreadOnly)
}

func (e *Engine) UnreadCount(ctx context.Context, accountID string) (int, error) {
	return e.store.Notifications().CountUnread(ctx, accountID)
}

// MarkNotificationRead marks a notification addressed to accountID as read.
// Notifications addressed to anyone else are reported as not found.
func (e *Engine) MarkNotificationRead(ctx context.Context, accountID, notificationID string) error {
	return e.store.Notifications().MarkRead(ctx, accountID, notificationID)
}
