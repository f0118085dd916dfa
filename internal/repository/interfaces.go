package repository

import (
	"context"

	"payledger/internal/domain"

	"github.com/shopspring/decimal"
)

type AccountRepository interface {
	Create(ctx context.Context, account *domain.Account) error
	GetByID(ctx context.Context, id string) (*domain.Account, error)
	List(ctx context.Context) ([]*domain.Account, error)
	UpdateStatus(ctx context.Context, id string, status domain.AccountStatus) error
}

type TransferRepository interface {
	GetByID(ctx context.Context, id string) (*domain.Transfer, error)
	ListByAccount(ctx context.Context, accountID string, limit, offset int) ([]*domain.Transfer, error)
	List(ctx context.Context, limit, offset int) ([]*domain.Transfer, error)
}

type RequestRepository interface {
	GetByID(ctx context.Context, id string) (*domain.Request, error)
	// ListByAccount returns requests where accountID is either party. An empty
	// status returns every status.
	ListByAccount(ctx context.Context, accountID string, status domain.RequestStatus) ([]*domain.Request, error)
	List(ctx context.Context, limit, offset int) ([]*domain.Request, error)
}

type NotificationRepository interface {
	ListByAccount(ctx context.Context, accountID string, unreadOnly bool) ([]*domain.Notification, error)
	CountUnread(ctx context.Context, accountID string) (int, error)
	// MarkRead flips the read flag of a notification addressed to accountID.
	MarkRead(ctx context.Context, accountID, notificationID string) error
}

// Tx is one atomic unit of ledger work. Locks are taken at most once per Tx:
// the request row first, then every account involved in ascending id order.
// Mutations become visible to other units only after commit.
type Tx interface {
	LockRequest(ctx context.Context, id string) (*domain.Request, error)
	LockAccounts(ctx context.Context, ids ...string) (map[string]*domain.Account, error)

	Debit(ctx context.Context, accountID string, amount decimal.Decimal) (*domain.Account, error)
	Credit(ctx context.Context, accountID string, amount decimal.Decimal) (*domain.Account, error)

	InsertTransfer(ctx context.Context, t *domain.Transfer) error
	InsertRequest(ctx context.Context, r *domain.Request) error
	// UpdateRequestStatus moves a request from one status to another and fails with
	// domain.ErrInvalidStateTransition when the stored status is not from.
	UpdateRequestStatus(ctx context.Context, id string, from, to domain.RequestStatus, transferID string) error
	InsertNotification(ctx context.Context, n *domain.Notification) error
	MarkRequestNotificationsRead(ctx context.Context, requestID string, t domain.NotificationType) error
}

// UnitOfWork runs fn inside one Tx. The Tx commits when fn returns nil and rolls
// back otherwise, or when ctx is done before commit.
type UnitOfWork interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Store bundles everything the ledger needs from a backing store.
type Store interface {
	UnitOfWork
	Accounts() AccountRepository
	Transfers() TransferRepository
	Requests() RequestRepository
	Notifications() NotificationRepository
	Close()
}
