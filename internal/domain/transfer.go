package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type TransferType string

const (
	TypeTransfer   TransferType = "transfer"
	TypeSettlement TransferType = "request"
)

// Transfer is an append-only ledger entry. Amount is what left the sender's
// account, in the sender's currency; CreditedAmount is what reached the receiver.
type Transfer struct {
	ID               string          `json:"id"`
	SenderID         string          `json:"sender_id"`
	ReceiverID       string          `json:"receiver_id"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         Currency        `json:"currency"`
	CreditedAmount   decimal.Decimal `json:"credited_amount"`
	CreditedCurrency Currency        `json:"credited_currency"`
	Type             TransferType    `json:"type"`
	RequestID        string          `json:"request_id,omitempty"`
	Signature        string          `json:"signature,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

func NewTransfer(t TransferType, senderID, receiverID string) *Transfer {
	return &Transfer{
		ID:         uuid.NewString(),
		SenderID:   senderID,
		ReceiverID: receiverID,
		Type:       t,
		CreatedAt:  time.Now().UTC(),
	}
}

func (t *Transfer) WithDebit(amount decimal.Decimal, currency Currency) *Transfer {
	t.Amount = amount
	t.Currency = currency
	return t
}

func (t *Transfer) WithCredit(amount decimal.Decimal, currency Currency) *Transfer {
	t.CreditedAmount = amount
	t.CreditedCurrency = currency
	return t
}

func (t *Transfer) WithRequest(requestID string) *Transfer {
	t.RequestID = requestID
	return t
}

// Involves reports whether accountID is either side of the transfer.
func (t *Transfer) Involves(accountID string) bool {
	return t.SenderID == accountID || t.ReceiverID == accountID
}
