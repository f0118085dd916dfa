//go:build integration

package postgres

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"payledger/internal/domain"
	"payledger/internal/repository"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupStore starts a disposable PostgreSQL container, migrates it and returns
// a store bound to it. The container is terminated through t.Cleanup.
func setupStore(t *testing.T, lockTimeout time.Duration) *Store {
	t.Helper()

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("ledger"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, container.Terminate(ctx))
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	store, err := Connect(ctx, Config{DSN: dsn, MaxConns: 20, LockTimeout: lockTimeout}, nil)
	require.NoError(t, err)
	t.Cleanup(store.Close)

	require.NoError(t, store.Migrate(ctx))
	require.NoError(t, store.Migrate(ctx), "second run must be a no-op")

	return store
}

func createAccount(t *testing.T, s *Store, id, balance string) {
	t.Helper()
	err := s.Accounts().Create(context.Background(), &domain.Account{
		ID:       id,
		Owner:    "owner-" + id,
		Balance:  decimal.RequireFromString(balance),
		Currency: domain.GBP,
		Status:   domain.AccountActive,
	})
	require.NoError(t, err)
}

func move(ctx context.Context, s *Store, from, to string, amount decimal.Decimal) error {
	return s.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		if _, err := tx.LockAccounts(ctx, from, to); err != nil {
			return err
		}
		if _, err := tx.Debit(ctx, from, amount); err != nil {
			return err
		}
		if _, err := tx.Credit(ctx, to, amount); err != nil {
			return err
		}
		return tx.InsertTransfer(ctx, domain.NewTransfer(domain.TypeTransfer, from, to).
			WithDebit(amount, domain.GBP).
			WithCredit(amount, domain.GBP))
	})
}

func TestIntegration_Store_AccountRoundTrip(t *testing.T) {
	s := setupStore(t, time.Second)
	ctx := context.Background()

	createAccount(t, s, "a", "12.34")

	got, err := s.Accounts().GetByID(ctx, "a")
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(decimal.RequireFromString("12.34")))
	assert.Equal(t, domain.GBP, got.Currency)

	_, err = s.Accounts().GetByID(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)

	err = s.Accounts().Create(ctx, &domain.Account{ID: "a", Owner: "x", Currency: domain.GBP, Status: domain.AccountActive})
	assert.ErrorIs(t, err, domain.ErrDuplicate)
}

func TestIntegration_Store_RacingDebitsNeverOverdraw(t *testing.T) {
	s := setupStore(t, 5*time.Second)
	createAccount(t, s, "payer", "100.00")
	createAccount(t, s, "payee", "0.00")

	const workers = 10
	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := move(context.Background(), s, "payer", "payee", decimal.RequireFromString("30")); err == nil {
				succeeded.Add(1)
			} else {
				assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(3), succeeded.Load())
	payer, err := s.Accounts().GetByID(context.Background(), "payer")
	require.NoError(t, err)
	assert.True(t, payer.Balance.Equal(decimal.RequireFromString("10")), "got %s", payer.Balance)

	transfers, err := s.Transfers().ListByAccount(context.Background(), "payee", 0, 0)
	require.NoError(t, err)
	assert.Len(t, transfers, 3)
}

func TestIntegration_Store_LockTimeoutIsLedgerBusy(t *testing.T) {
	s := setupStore(t, 100*time.Millisecond)
	createAccount(t, s, "a", "10")
	createAccount(t, s, "b", "10")

	holding := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.WithinTx(context.Background(), func(ctx context.Context, tx repository.Tx) error {
			if _, err := tx.LockAccounts(ctx, "a"); err != nil {
				return err
			}
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding

	err := move(context.Background(), s, "a", "b", decimal.RequireFromString("1"))
	assert.ErrorIs(t, err, domain.ErrLedgerBusy)

	close(release)
	require.NoError(t, <-done)

	a, err := s.Accounts().GetByID(context.Background(), "a")
	require.NoError(t, err)
	assert.True(t, a.Balance.Equal(decimal.RequireFromString("10")))
}

func TestIntegration_Store_RequestCompareAndSet(t *testing.T) {
	s := setupStore(t, time.Second)
	ctx := context.Background()
	createAccount(t, s, "req", "0")
	createAccount(t, s, "pay", "0")

	r := domain.NewRequest("req", "pay", decimal.RequireFromString("5"), domain.GBP)
	n := domain.NewNotification(domain.NotificationRequestSent, "req", "pay", "pay me")
	n.RequestID = r.ID
	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		if err := tx.InsertRequest(ctx, r); err != nil {
			return err
		}
		return tx.InsertNotification(ctx, n)
	}))

	decline := func() error {
		return s.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
			if _, err := tx.LockRequest(ctx, r.ID); err != nil {
				return err
			}
			if err := tx.UpdateRequestStatus(ctx, r.ID, domain.RequestPending, domain.RequestDeclined, ""); err != nil {
				return err
			}
			return tx.MarkRequestNotificationsRead(ctx, r.ID, domain.NotificationRequestSent)
		})
	}

	require.NoError(t, decline())
	assert.ErrorIs(t, decline(), domain.ErrInvalidStateTransition)

	got, err := s.Requests().GetByID(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RequestDeclined, got.Status)

	unread, err := s.Notifications().CountUnread(ctx, "pay")
	require.NoError(t, err)
	assert.Zero(t, unread)
}
