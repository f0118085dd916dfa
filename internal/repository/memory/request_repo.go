package memory

import (
	"context"
	"fmt"

	"payledger/internal/domain"
)

type RequestRepository struct {
	s *Store
}

func (r *RequestRepository) GetByID(ctx context.Context, id string) (*domain.Request, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	req, exists := r.s.requests[id]
	if !exists {
		return nil, fmt.Errorf("%w: request %s", domain.ErrRequestNotFound, id)
	}
	out := *req
	return &out, nil
}

func (r *RequestRepository) ListByAccount(ctx context.Context, accountID string, status domain.RequestStatus) ([]*domain.Request, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var result []*domain.Request
	for _, id := range page(r.s.requestIndex[accountID], 0, 0) {
		req := *r.s.requests[id]
		if status != "" && req.Status != status {
			continue
		}
		result = append(result, &req)
	}
	return result, nil
}

func (r *RequestRepository) List(ctx context.Context, limit, offset int) ([]*domain.Request, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	ids := page(r.s.requestOrder, limit, offset)
	result := make([]*domain.Request, 0, len(ids))
	for _, id := range ids {
		req := *r.s.requests[id]
		result = append(result, &req)
	}
	return result, nil
}
