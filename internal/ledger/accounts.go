package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"payledger/internal/currency"
	"payledger/internal/domain"
	"payledger/internal/repository"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AccountStore is the single-account view of the ledger. Debit and Credit
// each run as their own unit of work and never leave a balance below zero.
type AccountStore struct {
	store repository.Store
}

func NewAccountStore(store repository.Store) *AccountStore {
	return &AccountStore{store: store}
}

func (a *AccountStore) Get(ctx context.Context, id string) (*domain.Account, error) {
	return a.store.Accounts().GetByID(ctx, id)
}

func (a *AccountStore) Debit(ctx context.Context, id string, amount decimal.Decimal) (*domain.Account, error) {
	return a.apply(ctx, id, amount, repository.Tx.Debit)
}

func (a *AccountStore) Credit(ctx context.Context, id string, amount decimal.Decimal) (*domain.Account, error) {
	return a.apply(ctx, id, amount, repository.Tx.Credit)
}

func (a *AccountStore) apply(
	ctx context.Context,
	id string,
	amount decimal.Decimal,
	op func(repository.Tx, context.Context, string, decimal.Decimal) (*domain.Account, error),
) (*domain.Account, error) {
	if err := domain.ValidAmount(amount); err != nil {
		return nil, err
	}

	var updated *domain.Account
	err := a.store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		if _, err := tx.LockAccounts(ctx, id); err != nil {
			return err
		}
		acc, err := op(tx, ctx, id, amount)
		if err != nil {
			return err
		}
		updated = acc
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// OpenAccount creates an active account seeded with the configured starting
// balance, converted from the base currency into cur.
func (e *Engine) OpenAccount(ctx context.Context, owner string, cur domain.Currency, admin bool) (acc *domain.Account, err error) {
	ctx, span := e.startSpan(ctx, "ledger.OpenAccount")
	defer func() { finishSpan(span, err) }()

	owner = strings.TrimSpace(owner)
	if owner == "" {
		return nil, fmt.Errorf("%w: owner is required", domain.ErrInvalidInput)
	}
	cur, err = e.validator.ValidateCurrency(string(cur))
	if err != nil {
		return nil, err
	}
	if !currency.Supports(e.converter, cur) {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedCurrency, cur)
	}

	opening, err := e.convert(ctx, e.cfg.BaseCurrency, cur, e.cfg.StartingBalance)
	if err != nil {
		return nil, err
	}

	acc = &domain.Account{
		ID:       uuid.NewString(),
		Owner:    owner,
		Balance:  opening,
		Currency: cur,
		Status:   domain.AccountActive,
		Admin:    admin,
	}
	if err := e.store.Accounts().Create(ctx, acc); err != nil {
		return nil, err
	}

	e.metrics.UpdateAccountBalance(acc.ID, string(acc.Currency), acc.Balance.InexactFloat64())
	e.logger.InfoContext(ctx, "Account opened",
		slog.String("account_id", acc.ID),
		slog.String("currency", string(acc.Currency)),
		slog.String("balance", acc.Balance.String()),
		slog.Bool("admin", admin))

	return acc, nil
}

func (e *Engine) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	return e.accounts.Get(ctx, id)
}

func (e *Engine) ListAccounts(ctx context.Context) ([]*domain.Account, error) {
	return e.store.Accounts().List(ctx)
}

func (e *Engine) SetAccountStatus(ctx context.Context, id string, status domain.AccountStatus) (*domain.Account, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: account status %q", domain.ErrInvalidInput, status)
	}
	if err := e.store.Accounts().UpdateStatus(ctx, id, status); err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "Account status changed",
		slog.String("account_id", id),
		slog.String("status", string(status)))

	return e.accounts.Get(ctx, id)
}

// TopUp credits amount, in the account's currency, without a counterparty.
func (e *Engine) TopUp(ctx context.Context, id string, amount decimal.Decimal) (acc *domain.Account, err error) {
	ctx, span := e.startSpan(ctx, "ledger.TopUp")
	defer func() { finishSpan(span, err) }()

	acc, err = e.accounts.Credit(ctx, id, amount)
	if err != nil {
		return nil, err
	}

	e.metrics.UpdateAccountBalance(acc.ID, string(acc.Currency), acc.Balance.InexactFloat64())
	e.logger.InfoContext(ctx, "Account topped up",
		slog.String("account_id", id),
		slog.String("amount", amount.String()),
		slog.String("balance", acc.Balance.String()))

	return acc, nil
}
