package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"payledger/internal/domain"
	"payledger/internal/repository"

	"github.com/shopspring/decimal"
)

var errLockOrder = errors.New("lock order violation")

type readMark struct {
	requestID string
	typ       domain.NotificationType
}

type tx struct {
	s    *Store
	held []string

	accountsLocked bool
	accounts       map[string]*domain.Account
	requests       map[string]*domain.Request

	newRequests   []*domain.Request
	transfers     []*domain.Transfer
	notifications []*domain.Notification
	readMarks     []readMark
}

// WithinTx runs fn in a unit of work. Staged writes are published under the
// store's write lock only if fn succeeds and ctx is still live.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t := &tx{
		s:        s,
		accounts: make(map[string]*domain.Account),
		requests: make(map[string]*domain.Request),
	}
	defer t.release()

	if err := fn(ctx, t); err != nil {
		return err
	}

	return t.commit(ctx)
}

func (t *tx) release() {
	for i := len(t.held) - 1; i >= 0; i-- {
		t.s.locks.release(t.held[i])
	}
	t.held = nil
}

func (t *tx) lock(ctx context.Context, key string) error {
	if err := t.s.locks.acquire(ctx, key, t.s.lockTimeout); err != nil {
		return err
	}
	t.held = append(t.held, key)
	return nil
}

func (t *tx) LockRequest(ctx context.Context, id string) (*domain.Request, error) {
	if t.accountsLocked || len(t.requests) > 0 {
		return nil, fmt.Errorf("%w: request %s must be the first lock", errLockOrder, id)
	}
	if err := t.lock(ctx, requestKey(id)); err != nil {
		return nil, err
	}

	t.s.mu.RLock()
	req, exists := t.s.requests[id]
	t.s.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("%w: request %s", domain.ErrRequestNotFound, id)
	}

	staged := *req
	t.requests[id] = &staged
	out := staged
	return &out, nil
}

func (t *tx) LockAccounts(ctx context.Context, ids ...string) (map[string]*domain.Account, error) {
	if t.accountsLocked {
		return nil, fmt.Errorf("%w: accounts already locked", errLockOrder)
	}
	t.accountsLocked = true

	ordered := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ordered = append(ordered, id)
	}
	sort.Strings(ordered)

	for _, id := range ordered {
		if err := t.lock(ctx, accountKey(id)); err != nil {
			return nil, err
		}
	}

	t.s.mu.RLock()
	defer t.s.mu.RUnlock()

	out := make(map[string]*domain.Account, len(ordered))
	for _, id := range ordered {
		a, exists := t.s.accounts[id]
		if !exists {
			return nil, fmt.Errorf("%w: account %s", domain.ErrAccountNotFound, id)
		}
		staged := *a
		t.accounts[id] = &staged
		view := staged
		out[id] = &view
	}
	return out, nil
}

func (t *tx) locked(accountID string) (*domain.Account, error) {
	a, ok := t.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("%w: account %s is not locked", errLockOrder, accountID)
	}
	return a, nil
}

func (t *tx) Debit(ctx context.Context, accountID string, amount decimal.Decimal) (*domain.Account, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: debit of %s", domain.ErrInvalidAmount, amount)
	}
	a, err := t.locked(accountID)
	if err != nil {
		return nil, err
	}
	if a.Balance.LessThan(amount) {
		return nil, fmt.Errorf("%w: account %s has %s, needs %s", domain.ErrInsufficientBalance, accountID, a.Balance, amount)
	}

	a.Balance = a.Balance.Sub(amount)
	out := *a
	return &out, nil
}

func (t *tx) Credit(ctx context.Context, accountID string, amount decimal.Decimal) (*domain.Account, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: credit of %s", domain.ErrInvalidAmount, amount)
	}
	a, err := t.locked(accountID)
	if err != nil {
		return nil, err
	}
	if a.Balance.Add(amount).GreaterThan(domain.MaxAmount) {
		return nil, fmt.Errorf("%w: balance of account %s would exceed %s", domain.ErrInvalidAmount, accountID, domain.MaxAmount)
	}

	a.Balance = a.Balance.Add(amount)
	out := *a
	return &out, nil
}

func (t *tx) InsertTransfer(ctx context.Context, tr *domain.Transfer) error {
	staged := *tr
	t.transfers = append(t.transfers, &staged)
	return nil
}

func (t *tx) InsertRequest(ctx context.Context, r *domain.Request) error {
	staged := *r
	t.newRequests = append(t.newRequests, &staged)
	return nil
}

func (t *tx) UpdateRequestStatus(ctx context.Context, id string, from, to domain.RequestStatus, transferID string) error {
	req, ok := t.requests[id]
	if !ok {
		return fmt.Errorf("%w: request %s is not locked", errLockOrder, id)
	}
	if req.Status != from {
		return fmt.Errorf("%w: request %s is %s, expected %s", domain.ErrInvalidStateTransition, id, req.Status, from)
	}

	req.Status = to
	req.TransferID = transferID
	req.UpdatedAt = time.Now().UTC()
	return nil
}

func (t *tx) InsertNotification(ctx context.Context, n *domain.Notification) error {
	staged := *n
	t.notifications = append(t.notifications, &staged)
	return nil
}

func (t *tx) MarkRequestNotificationsRead(ctx context.Context, requestID string, typ domain.NotificationType) error {
	t.readMarks = append(t.readMarks, readMark{requestID: requestID, typ: typ})
	return nil
}

func (t *tx) commit(ctx context.Context) error {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("commit aborted: %w", err)
	}

	for _, r := range t.newRequests {
		if _, exists := s.requests[r.ID]; exists {
			return fmt.Errorf("%w: request %s", domain.ErrDuplicate, r.ID)
		}
	}
	for _, tr := range t.transfers {
		if _, exists := s.transfers[tr.ID]; exists {
			return fmt.Errorf("%w: transfer %s", domain.ErrDuplicate, tr.ID)
		}
	}

	now := time.Now().UTC()

	// Only balances are owned by the unit; status may have changed meanwhile.
	for id, staged := range t.accounts {
		current := *s.accounts[id]
		if current.Balance.Equal(staged.Balance) {
			continue
		}
		current.Balance = staged.Balance
		current.UpdatedAt = now
		s.accounts[id] = &current
	}

	for id, staged := range t.requests {
		s.requests[id] = staged
	}

	for _, r := range t.newRequests {
		s.requests[r.ID] = r
		s.requestOrder = append(s.requestOrder, r.ID)
		s.requestIndex[r.RequesterID] = append(s.requestIndex[r.RequesterID], r.ID)
		s.requestIndex[r.PayerID] = append(s.requestIndex[r.PayerID], r.ID)
	}

	for _, tr := range t.transfers {
		s.transfers[tr.ID] = tr
		s.transferOrder = append(s.transferOrder, tr.ID)
		s.transferIndex[tr.SenderID] = append(s.transferIndex[tr.SenderID], tr.ID)
		s.transferIndex[tr.ReceiverID] = append(s.transferIndex[tr.ReceiverID], tr.ID)
	}

	for _, m := range t.readMarks {
		for _, id := range s.requestNotes[m.requestID] {
			if s.notifications[id].Type == m.typ {
				s.markRead(id)
			}
		}
	}

	for _, n := range t.notifications {
		s.notifications[n.ID] = n
		s.notificationIndex[n.ToAccountID] = append(s.notificationIndex[n.ToAccountID], n.ID)
		if n.RequestID != "" {
			s.requestNotes[n.RequestID] = append(s.requestNotes[n.RequestID], n.ID)
		}
	}

	return nil
}
