// Package memory is an in-process ledger store. Committed state lives in maps
// behind one RWMutex; units of work serialize on per-key locks and publish their
// staged writes in a single critical section at commit.
package memory

import (
	"log/slog"
	"sync"
	"time"

	"payledger/internal/domain"
	"payledger/internal/repository"
)

var (
	_ repository.Store                  = (*Store)(nil)
	_ repository.AccountRepository      = (*AccountRepository)(nil)
	_ repository.TransferRepository     = (*TransferRepository)(nil)
	_ repository.RequestRepository      = (*RequestRepository)(nil)
	_ repository.NotificationRepository = (*NotificationRepository)(nil)
	_ repository.Tx                     = (*tx)(nil)
)

const DefaultLockTimeout = 2 * time.Second

type Store struct {
	mu sync.RWMutex

	accounts     map[string]*domain.Account
	accountOrder []string

	transfers     map[string]*domain.Transfer
	transferOrder []string
	transferIndex map[string][]string

	requests     map[string]*domain.Request
	requestOrder []string
	requestIndex map[string][]string

	notifications     map[string]*domain.Notification
	notificationIndex map[string][]string
	requestNotes      map[string][]string

	locks       *lockTable
	lockTimeout time.Duration
	logger      *slog.Logger

	accountRepo      *AccountRepository
	transferRepo     *TransferRepository
	requestRepo      *RequestRepository
	notificationRepo *NotificationRepository
}

func NewStore(lockTimeout time.Duration, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}

	s := &Store{
		accounts:          make(map[string]*domain.Account),
		transfers:         make(map[string]*domain.Transfer),
		transferIndex:     make(map[string][]string),
		requests:          make(map[string]*domain.Request),
		requestIndex:      make(map[string][]string),
		notifications:     make(map[string]*domain.Notification),
		notificationIndex: make(map[string][]string),
		requestNotes:      make(map[string][]string),
		locks:             newLockTable(),
		lockTimeout:       lockTimeout,
		logger:            logger,
	}
	s.accountRepo = &AccountRepository{s: s}
	s.transferRepo = &TransferRepository{s: s}
	s.requestRepo = &RequestRepository{s: s}
	s.notificationRepo = &NotificationRepository{s: s}

	return s
}

func (s *Store) Accounts() repository.AccountRepository {
	return s.accountRepo
}

func (s *Store) Transfers() repository.TransferRepository {
	return s.transferRepo
}

func (s *Store) Requests() repository.RequestRepository {
	return s.requestRepo
}

func (s *Store) Notifications() repository.NotificationRepository {
	return s.notificationRepo
}

func (s *Store) Close() {}

// page slices ids newest first. limit <= 0 means no limit.
func page(ids []string, limit, offset int) []string {
	if offset < 0 {
		offset = 0
	}
	n := len(ids)
	if offset >= n {
		return nil
	}

	out := make([]string, 0, n-offset)
	for i := n - 1 - offset; i >= 0; i-- {
		out = append(out, ids[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}
