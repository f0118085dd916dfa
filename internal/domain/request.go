package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestAccepted  RequestStatus = "accepted"
	RequestDeclined  RequestStatus = "declined"
	RequestCancelled RequestStatus = "cancelled"
)

func (s RequestStatus) Terminal() bool {
	return s == RequestAccepted || s == RequestDeclined || s == RequestCancelled
}

// Request is a pull payment. RequesterID asks PayerID for Amount, denominated in
// the requester's currency.
type Request struct {
	ID          string          `json:"id"`
	RequesterID string          `json:"requester_id"`
	PayerID     string          `json:"payer_id"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    Currency        `json:"currency"`
	Status      RequestStatus   `json:"status"`
	TransferID  string          `json:"transfer_id,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

func NewRequest(requesterID, payerID string, amount decimal.Decimal, currency Currency) *Request {
	now := time.Now().UTC()
	return &Request{
		ID:          uuid.NewString(),
		RequesterID: requesterID,
		PayerID:     payerID,
		Amount:      amount,
		Currency:    currency,
		Status:      RequestPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Transition checks that the request may move to next. Only pending requests move,
// and only into a terminal state.
func (r *Request) Transition(next RequestStatus) error {
	if r.Status != RequestPending || !next.Terminal() {
		return fmt.Errorf("%w: request %s is %s, cannot become %s", ErrInvalidStateTransition, r.ID, r.Status, next)
	}
	return nil
}
