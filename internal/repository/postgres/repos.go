package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"payledger/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const (
	accountColumns      = `id, owner, balance::text, currency, status, admin, created_at, updated_at`
	transferColumns     = `id, sender_id, receiver_id, amount::text, currency, credited_amount::text, credited_currency, type, request_id, signature, created_at`
	requestColumns      = `id, requester_id, payer_id, amount::text, currency, status, transfer_id, created_at, updated_at`
	notificationColumns = `id, from_account_id, to_account_id, type, message, request_id, transfer_id, read, created_at`
)

func parseDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("decode numeric %q: %w", s, err)
	}
	return d, nil
}

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var (
		a                    domain.Account
		balance, cur, status string
	)
	if err := row.Scan(&a.ID, &a.Owner, &balance, &cur, &status, &a.Admin, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	b, err := parseDecimal(balance)
	if err != nil {
		return nil, err
	}
	a.Balance = b
	a.Currency = domain.Currency(strings.TrimSpace(cur))
	a.Status = domain.AccountStatus(status)
	return &a, nil
}

func scanTransfer(row pgx.Row) (*domain.Transfer, error) {
	var (
		t                                  domain.Transfer
		amount, cur, credited, creditedCur string
		typ                                string
	)
	if err := row.Scan(&t.ID, &t.SenderID, &t.ReceiverID, &amount, &cur, &credited, &creditedCur,
		&typ, &t.RequestID, &t.Signature, &t.CreatedAt); err != nil {
		return nil, err
	}
	var err error
	if t.Amount, err = parseDecimal(amount); err != nil {
		return nil, err
	}
	if t.CreditedAmount, err = parseDecimal(credited); err != nil {
		return nil, err
	}
	t.Currency = domain.Currency(strings.TrimSpace(cur))
	t.CreditedCurrency = domain.Currency(strings.TrimSpace(creditedCur))
	t.Type = domain.TransferType(typ)
	return &t, nil
}

func scanRequest(row pgx.Row) (*domain.Request, error) {
	var (
		r                   domain.Request
		amount, cur, status string
	)
	if err := row.Scan(&r.ID, &r.RequesterID, &r.PayerID, &amount, &cur, &status, &r.TransferID,
		&r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	a, err := parseDecimal(amount)
	if err != nil {
		return nil, err
	}
	r.Amount = a
	r.Currency = domain.Currency(strings.TrimSpace(cur))
	r.Status = domain.RequestStatus(status)
	return &r, nil
}

func scanNotification(row pgx.Row) (*domain.Notification, error) {
	var (
		n   domain.Notification
		typ string
	)
	if err := row.Scan(&n.ID, &n.FromAccountID, &n.ToAccountID, &typ, &n.Message, &n.RequestID,
		&n.TransferID, &n.Read, &n.CreatedAt); err != nil {
		return nil, err
	}
	n.Type = domain.NotificationType(typ)
	return &n, nil
}

func collect[T any](rows pgx.Rows, scan func(pgx.Row) (*T, error)) ([]*T, error) {
	defer rows.Close()

	var result []*T
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}
	return result, nil
}

// limitArg turns a non-positive limit into "no limit".
func limitArg(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

type AccountRepository struct {
	db querier
}

func (r *AccountRepository) Create(ctx context.Context, account *domain.Account) error {
	row := r.db.QueryRow(ctx, `
		INSERT INTO accounts (id, owner, balance, currency, status, admin)
		VALUES ($1, $2, $3::numeric, $4, $5, $6)
		RETURNING created_at, updated_at`,
		account.ID, account.Owner, account.Balance.String(), string(account.Currency), string(account.Status), account.Admin)

	if err := row.Scan(&account.CreatedAt, &account.UpdatedAt); err != nil {
		err = mapError(err)
		if errors.Is(err, domain.ErrDuplicate) {
			return fmt.Errorf("%w: account %s", domain.ErrDuplicate, account.ID)
		}
		return err
	}
	return nil
}

func (r *AccountRepository) GetByID(ctx context.Context, id string) (*domain.Account, error) {
	a, err := scanAccount(r.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: account %s", domain.ErrAccountNotFound, id)
	}
	return a, mapError(err)
}

func (r *AccountRepository) List(ctx context.Context) ([]*domain.Account, error) {
	rows, err := r.db.Query(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY seq`)
	if err != nil {
		return nil, mapError(err)
	}
	return collect(rows, scanAccount)
}

func (r *AccountRepository) UpdateStatus(ctx context.Context, id string, status domain.AccountStatus) error {
	tag, err := r.db.Exec(ctx, `UPDATE accounts SET status = $2, updated_at = now() WHERE id = $1`, id, string(status))
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: account %s", domain.ErrAccountNotFound, id)
	}
	return nil
}

type TransferRepository struct {
	db querier
}

func (r *TransferRepository) GetByID(ctx context.Context, id string) (*domain.Transfer, error) {
	t, err := scanTransfer(r.db.QueryRow(ctx, `SELECT `+transferColumns+` FROM transfers WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: transfer %s", domain.ErrTransferNotFound, id)
	}
	return t, mapError(err)
}

func (r *TransferRepository) ListByAccount(ctx context.Context, accountID string, limit, offset int) ([]*domain.Transfer, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+transferColumns+` FROM transfers
		WHERE sender_id = $1 OR receiver_id = $1
		ORDER BY seq DESC
		LIMIT $2 OFFSET $3`, accountID, limitArg(limit), max(offset, 0))
	if err != nil {
		return nil, mapError(err)
	}
	return collect(rows, scanTransfer)
}

func (r *TransferRepository) List(ctx context.Context, limit, offset int) ([]*domain.Transfer, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+transferColumns+` FROM transfers
		ORDER BY seq DESC
		LIMIT $1 OFFSET $2`, limitArg(limit), max(offset, 0))
	if err != nil {
		return nil, mapError(err)
	}
	return collect(rows, scanTransfer)
}

type RequestRepository struct {
	db querier
}

func (r *RequestRepository) GetByID(ctx context.Context, id string) (*domain.Request, error) {
	req, err := scanRequest(r.db.QueryRow(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: request %s", domain.ErrRequestNotFound, id)
	}
	return req, mapError(err)
}

func (r *RequestRepository) ListByAccount(ctx context.Context, accountID string, status domain.RequestStatus) ([]*domain.Request, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+requestColumns+` FROM requests
		WHERE (requester_id = $1 OR payer_id = $1) AND ($2 = '' OR status = $2)
		ORDER BY seq DESC`, accountID, string(status))
	if err != nil {
		return nil, mapError(err)
	}
	return collect(rows, scanRequest)
}

func (r *RequestRepository) List(ctx context.Context, limit, offset int) ([]*domain.Request, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+requestColumns+` FROM requests
		ORDER BY seq DESC
		LIMIT $1 OFFSET $2`, limitArg(limit), max(offset, 0))
	if err != nil {
		return nil, mapError(err)
	}
	return collect(rows, scanRequest)
}

type NotificationRepository struct {
	db querier
}

func (r *NotificationRepository) ListByAccount(ctx context.Context, accountID string, unreadOnly bool) ([]*domain.Notification, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+notificationColumns+` FROM notifications
		WHERE to_account_id = $1 AND (NOT $2 OR NOT read)
		ORDER BY seq DESC`, accountID, unreadOnly)
	if err != nil {
		return nil, mapError(err)
	}
	return collect(rows, scanNotification)
}

func (r *NotificationRepository) CountUnread(ctx context.Context, accountID string) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `SELECT count(*) FROM notifications WHERE to_account_id = $1 AND NOT read`, accountID).Scan(&count)
	return count, mapError(err)
}

func (r *NotificationRepository) MarkRead(ctx context.Context, accountID, notificationID string) error {
	tag, err := r.db.Exec(ctx, `UPDATE notifications SET read = TRUE WHERE id = $1 AND to_account_id = $2`, notificationID, accountID)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: notification %s", domain.ErrNotificationNotFound, notificationID)
	}
	return nil
}
