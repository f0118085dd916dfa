// Package postgres is the PostgreSQL ledger store. Every unit of work is a
// READ COMMITTED transaction that row-locks what it mutates with
// SELECT ... FOR UPDATE and waits at most lock_timeout for those locks.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"payledger/internal/domain"
	"payledger/internal/repository"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	_ repository.Store                  = (*Store)(nil)
	_ repository.AccountRepository      = (*AccountRepository)(nil)
	_ repository.TransferRepository     = (*TransferRepository)(nil)
	_ repository.RequestRepository      = (*RequestRepository)(nil)
	_ repository.NotificationRepository = (*NotificationRepository)(nil)
)

type Config struct {
	DSN         string
	MaxConns    int32
	LockTimeout time.Duration
}

type Store struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
	logger      *slog.Logger
}

// Connect opens a pool and verifies it with a ping.
func Connect(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errors.New("postgres dsn is not set")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database URL: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}

	return NewStore(pool, cfg.LockTimeout, logger), nil
}

func NewStore(pool *pgxpool.Pool, lockTimeout time.Duration, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if lockTimeout <= 0 {
		lockTimeout = 2 * time.Second
	}
	return &Store{pool: pool, lockTimeout: lockTimeout, logger: logger}
}

func (s *Store) Accounts() repository.AccountRepository {
	return &AccountRepository{db: s.pool}
}

func (s *Store) Transfers() repository.TransferRepository {
	return &TransferRepository{db: s.pool}
}

func (s *Store) Requests() repository.RequestRepository {
	return &RequestRepository{db: s.pool}
}

func (s *Store) Notifications() repository.NotificationRepository {
	return &NotificationRepository{db: s.pool}
}

func (s *Store) Close() {
	s.pool.Close()
}

// querier is satisfied by both the pool and a pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const (
	codeLockNotAvailable = "55P03"
	codeDeadlockDetected = "40P01"
	codeQueryCanceled    = "57014"
	codeSerialization    = "40001"
	codeUniqueViolation  = "23505"
	codeCheckViolation   = "23514"
	codeNumericOverflow  = "22003"
	codeForeignKey       = "23503"
)

const balanceCheckConstraint = "accounts_balance_non_negative"

// mapError translates driver failures into ledger errors.
func mapError(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}

	switch pgErr.Code {
	case codeLockNotAvailable, codeDeadlockDetected, codeQueryCanceled, codeSerialization:
		return fmt.Errorf("%w: %s", domain.ErrLedgerBusy, pgErr.Message)
	case codeUniqueViolation:
		return fmt.Errorf("%w: %s", domain.ErrDuplicate, pgErr.ConstraintName)
	case codeCheckViolation:
		if pgErr.ConstraintName == balanceCheckConstraint {
			return fmt.Errorf("%w: %s", domain.ErrInsufficientBalance, pgErr.Message)
		}
		return fmt.Errorf("%w: %s", domain.ErrInvalidAmount, pgErr.Message)
	case codeNumericOverflow:
		return fmt.Errorf("%w: %s", domain.ErrInvalidAmount, pgErr.Message)
	case codeForeignKey:
		return fmt.Errorf("%w: %s", domain.ErrAccountNotFound, pgErr.Detail)
	}
	return err
}
