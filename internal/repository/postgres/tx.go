package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"payledger/internal/domain"
	"payledger/internal/repository"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

var _ repository.Tx = (*tx)(nil)

var errLockOrder = errors.New("lock order violation")

type tx struct {
	q              pgx.Tx
	requestLocked  bool
	accountsLocked bool
	locked         map[string]struct{}
}

// WithinTx runs fn in a READ COMMITTED transaction bounded by lock_timeout.
// Commit is not interrupted by ctx once fn has returned and ctx is still live.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}

	pgTx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return mapError(err)
	}
	defer func() {
		if err != nil {
			if rbErr := pgTx.Rollback(context.WithoutCancel(ctx)); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				s.logger.WarnContext(ctx, "Rollback failed", slog.String("error", rbErr.Error()))
			}
		}
	}()

	// SET does not accept bind parameters.
	if _, err = pgTx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())); err != nil {
		return mapError(err)
	}

	if err = fn(ctx, &tx{q: pgTx, locked: make(map[string]struct{})}); err != nil {
		return err
	}

	if err = ctx.Err(); err != nil {
		return fmt.Errorf("commit aborted: %w", err)
	}
	if err = pgTx.Commit(context.WithoutCancel(ctx)); err != nil {
		return mapError(err)
	}
	return nil
}

func (t *tx) LockRequest(ctx context.Context, id string) (*domain.Request, error) {
	if t.accountsLocked || t.requestLocked {
		return nil, fmt.Errorf("%w: request %s must be the first lock", errLockOrder, id)
	}
	t.requestLocked = true

	r, err := scanRequest(t.q.QueryRow(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: request %s", domain.ErrRequestNotFound, id)
	}
	if err != nil {
		return nil, mapError(err)
	}
	return r, nil
}

func (t *tx) LockAccounts(ctx context.Context, ids ...string) (map[string]*domain.Account, error) {
	if t.accountsLocked {
		return nil, fmt.Errorf("%w: accounts already locked", errLockOrder)
	}
	t.accountsLocked = true

	unique := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := t.locked[id]; ok {
			continue
		}
		t.locked[id] = struct{}{}
		unique = append(unique, id)
	}
	sort.Strings(unique)

	// COLLATE "C" keeps the row lock order identical to Go's byte order.
	rows, err := t.q.Query(ctx, `
		SELECT `+accountColumns+` FROM accounts
		WHERE id = ANY($1)
		ORDER BY id COLLATE "C"
		FOR UPDATE`, unique)
	if err != nil {
		return nil, mapError(err)
	}
	list, err := collect(rows, scanAccount)
	if err != nil {
		return nil, mapError(err)
	}

	out := make(map[string]*domain.Account, len(list))
	for _, a := range list {
		out[a.ID] = a
	}
	for _, id := range unique {
		if _, ok := out[id]; !ok {
			return nil, fmt.Errorf("%w: account %s", domain.ErrAccountNotFound, id)
		}
	}
	return out, nil
}

func (t *tx) ensureLocked(accountID string) error {
	if _, ok := t.locked[accountID]; !ok {
		return fmt.Errorf("%w: account %s is not locked", errLockOrder, accountID)
	}
	return nil
}

func (t *tx) Debit(ctx context.Context, accountID string, amount decimal.Decimal) (*domain.Account, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: debit of %s", domain.ErrInvalidAmount, amount)
	}
	if err := t.ensureLocked(accountID); err != nil {
		return nil, err
	}

	a, err := scanAccount(t.q.QueryRow(ctx, `
		UPDATE accounts SET balance = balance - $2::numeric, updated_at = now()
		WHERE id = $1 AND balance >= $2::numeric
		RETURNING `+accountColumns, accountID, amount.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		var balance string
		if err := t.q.QueryRow(ctx, `SELECT balance::text FROM accounts WHERE id = $1`, accountID).Scan(&balance); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, fmt.Errorf("%w: account %s", domain.ErrAccountNotFound, accountID)
			}
			return nil, mapError(err)
		}
		return nil, fmt.Errorf("%w: account %s has %s, needs %s", domain.ErrInsufficientBalance, accountID, balance, amount)
	}
	if err != nil {
		return nil, mapError(err)
	}
	return a, nil
}

func (t *tx) Credit(ctx context.Context, accountID string, amount decimal.Decimal) (*domain.Account, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: credit of %s", domain.ErrInvalidAmount, amount)
	}
	if err := t.ensureLocked(accountID); err != nil {
		return nil, err
	}

	a, err := scanAccount(t.q.QueryRow(ctx, `
		UPDATE accounts SET balance = balance + $2::numeric, updated_at = now()
		WHERE id = $1
		RETURNING `+accountColumns, accountID, amount.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: account %s", domain.ErrAccountNotFound, accountID)
	}
	if err != nil {
		return nil, mapError(err)
	}
	return a, nil
}

func (t *tx) InsertTransfer(ctx context.Context, tr *domain.Transfer) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO transfers (id, sender_id, receiver_id, amount, currency, credited_amount,
			credited_currency, type, request_id, signature, created_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6::numeric, $7, $8, $9, $10, $11)`,
		tr.ID, tr.SenderID, tr.ReceiverID, tr.Amount.String(), string(tr.Currency), tr.CreditedAmount.String(),
		string(tr.CreditedCurrency), string(tr.Type), tr.RequestID, tr.Signature, tr.CreatedAt)
	return mapError(err)
}

func (t *tx) InsertRequest(ctx context.Context, r *domain.Request) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO requests (id, requester_id, payer_id, amount, currency, status, transfer_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8, $9)`,
		r.ID, r.RequesterID, r.PayerID, r.Amount.String(), string(r.Currency), string(r.Status), r.TransferID,
		r.CreatedAt, r.UpdatedAt)
	return mapError(err)
}

func (t *tx) UpdateRequestStatus(ctx context.Context, id string, from, to domain.RequestStatus, transferID string) error {
	if !t.requestLocked {
		return fmt.Errorf("%w: request %s is not locked", errLockOrder, id)
	}

	tag, err := t.q.Exec(ctx, `
		UPDATE requests SET status = $3, transfer_id = $4, updated_at = now()
		WHERE id = $1 AND status = $2`, id, string(from), string(to), transferID)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: request %s is not %s", domain.ErrInvalidStateTransition, id, from)
	}
	return nil
}

func (t *tx) InsertNotification(ctx context.Context, n *domain.Notification) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO notifications (id, from_account_id, to_account_id, type, message, request_id, transfer_id, read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		n.ID, n.FromAccountID, n.ToAccountID, string(n.Type), n.Message, n.RequestID, n.TransferID, n.Read, n.CreatedAt)
	return mapError(err)
}

func (t *tx) MarkRequestNotificationsRead(ctx context.Context, requestID string, typ domain.NotificationType) error {
	_, err := t.q.Exec(ctx, `
		UPDATE notifications SET read = TRUE
		WHERE request_id = $1 AND type = $2 AND NOT read`, requestID, string(typ))
	return mapError(err)
}
