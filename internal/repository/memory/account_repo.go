package memory

import (
	"context"
	"fmt"
	"time"

	"payledger/internal/domain"
)

type AccountRepository struct {
	s *Store
}

func (r *AccountRepository) Create(ctx context.Context, account *domain.Account) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, exists := r.s.accounts[account.ID]; exists {
		return fmt.Errorf("%w: account %s", domain.ErrDuplicate, account.ID)
	}
	if account.Balance.IsNegative() {
		return fmt.Errorf("%w: opening balance %s", domain.ErrInvalidAmount, account.Balance)
	}

	now := time.Now().UTC()
	account.CreatedAt = now
	account.UpdatedAt = now

	stored := *account
	r.s.accounts[account.ID] = &stored
	r.s.accountOrder = append(r.s.accountOrder, account.ID)

	return nil
}

func (r *AccountRepository) GetByID(ctx context.Context, id string) (*domain.Account, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	account, exists := r.s.accounts[id]
	if !exists {
		return nil, fmt.Errorf("%w: account %s", domain.ErrAccountNotFound, id)
	}
	out := *account
	return &out, nil
}

func (r *AccountRepository) List(ctx context.Context) ([]*domain.Account, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	result := make([]*domain.Account, 0, len(r.s.accountOrder))
	for _, id := range r.s.accountOrder {
		a := *r.s.accounts[id]
		result = append(result, &a)
	}
	return result, nil
}

func (r *AccountRepository) UpdateStatus(ctx context.Context, id string, status domain.AccountStatus) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	account, exists := r.s.accounts[id]
	if !exists {
		return fmt.Errorf("%w: account %s", domain.ErrAccountNotFound, id)
	}

	updated := *account
	updated.Status = status
	updated.UpdatedAt = time.Now().UTC()
	r.s.accounts[id] = &updated

	return nil
}
