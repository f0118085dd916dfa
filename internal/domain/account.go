package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type AccountStatus string

const (
	AccountActive    AccountStatus = "active"
	AccountInactive  AccountStatus = "inactive"
	AccountSuspended AccountStatus = "suspended"
)

func (s AccountStatus) Valid() bool {
	switch s {
	case AccountActive, AccountInactive, AccountSuspended:
		return true
	}
	return false
}

type Account struct {
	ID        string          `json:"id"`
	Owner     string          `json:"owner"`
	Balance   decimal.Decimal `json:"balance"`
	Currency  Currency        `json:"currency"`
	Status    AccountStatus   `json:"status"`
	Admin     bool            `json:"admin"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (a *Account) Active() bool {
	return a.Status == AccountActive
}
