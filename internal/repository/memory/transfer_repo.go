package memory

import (
	"context"
	"fmt"

	"payledger/internal/domain"
)

type TransferRepository struct {
	s *Store
}

func (r *TransferRepository) GetByID(ctx context.Context, id string) (*domain.Transfer, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	t, exists := r.s.transfers[id]
	if !exists {
		return nil, fmt.Errorf("%w: transfer %s", domain.ErrTransferNotFound, id)
	}
	out := *t
	return &out, nil
}

func (r *TransferRepository) ListByAccount(ctx context.Context, accountID string, limit, offset int) ([]*domain.Transfer, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	return r.collect(page(r.s.transferIndex[accountID], limit, offset)), nil
}

func (r *TransferRepository) List(ctx context.Context, limit, offset int) ([]*domain.Transfer, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	return r.collect(page(r.s.transferOrder, limit, offset)), nil
}

func (r *TransferRepository) collect(ids []string) []*domain.Transfer {
	result := make([]*domain.Transfer, 0, len(ids))
	for _, id := range ids {
		t := *r.s.transfers[id]
		result = append(result, &t)
	}
	return result
}
