package memory

import (
	"context"
	"fmt"

	"payledger/internal/domain"
)

type NotificationRepository struct {
	s *Store
}

func (r *NotificationRepository) ListByAccount(ctx context.Context, accountID string, unreadOnly bool) ([]*domain.Notification, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var result []*domain.Notification
	for _, id := range page(r.s.notificationIndex[accountID], 0, 0) {
		n := *r.s.notifications[id]
		if unreadOnly && n.Read {
			continue
		}
		result = append(result, &n)
	}
	return result, nil
}

func (r *NotificationRepository) CountUnread(ctx context.Context, accountID string) (int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	count := 0
	for _, id := range r.s.notificationIndex[accountID] {
		if !r.s.notifications[id].Read {
			count++
		}
	}
	return count, nil
}

func (r *NotificationRepository) MarkRead(ctx context.Context, accountID, notificationID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	n, exists := r.s.notifications[notificationID]
	if !exists || n.ToAccountID != accountID {
		return fmt.Errorf("%w: notification %s", domain.ErrNotificationNotFound, notificationID)
	}

	r.s.markRead(notificationID)
	return nil
}

// markRead must be called with s.mu held for writing.
func (s *Store) markRead(id string) {
	n := s.notifications[id]
	if n.Read {
		return
	}
	updated := *n
	updated.Read = true
	s.notifications[id] = &updated
}
