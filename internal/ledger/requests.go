package ledger

import (
	"context"
	"log/slog"
	"time"

	"payledger/internal/domain"
	"payledger/internal/repository"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

// MakeRequest records that requesterID asks payerID for amount, in the
// requester's currency, and notifies the payer.
func (e *Engine) MakeRequest(ctx context.Context, requesterID, payerID string, amount decimal.Decimal) (req *domain.Request, err error) {
	ctx, span := e.startSpan(ctx, "ledger.MakeRequest",
		attribute.String("requester_id", requesterID),
		attribute.String("payer_id", payerID),
		attribute.String("amount", amount.String()))
	defer func() { finishSpan(span, err) }()

	if err := e.validator.ValidateRequest(requesterID, payerID, amount); err != nil {
		return nil, err
	}

	requester, err := e.activeAccount(ctx, requesterID)
	if err != nil {
		return nil, err
	}
	payer, err := e.activeAccount(ctx, payerID)
	if err != nil {
		return nil, err
	}
	if err := e.validator.ValidateAmount(amount, requester.Currency); err != nil {
		return nil, err
	}

	req = domain.NewRequest(requester.ID, payer.ID, amount, requester.Currency)
	note := domain.NewNotification(domain.NotificationRequestSent, requester.ID, payer.ID,
		requestSentMessage(requester.Owner, payer.Owner, req))
	note.RequestID = req.ID

	err = e.store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		if err := tx.InsertRequest(ctx, req); err != nil {
			return err
		}
		return tx.InsertNotification(ctx, note)
	})
	if err != nil {
		return nil, err
	}

	e.metrics.RecordRequestTransition("created")
	e.logger.InfoContext(ctx, "Payment request created",
		slog.String("request_id", req.ID),
		slog.String("requester_id", requester.ID),
		slog.String("payer_id", payer.ID),
		slog.String("amount", money(amount, req.Currency)))
	e.publish(ctx, note)

	return req, nil
}

// AcceptRequest settles a pending request: the requester is credited the
// requested amount and the payer debited its conversion. On any failure,
// including insufficient balance, the request stays pending.
func (e *Engine) AcceptRequest(ctx context.Context, requestID string) (t *domain.Transfer, err error) {
	ctx, span := e.startSpan(ctx, "ledger.AcceptRequest", attribute.String("request_id", requestID))
	defer func() { finishSpan(span, err) }()

	req, err := e.store.Requests().GetByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if err := req.Transition(domain.RequestAccepted); err != nil {
		return nil, err
	}

	t, err = e.settle(ctx, settlement{
		payerID: req.PayerID,
		payeeID: req.RequesterID,
		amount:  req.Amount,
		stated:  StatedByPayee,
		kind:    domain.TypeSettlement,
		request: req,
	})
	if err != nil {
		return nil, err
	}

	e.metrics.RecordRequestTransition(string(domain.RequestAccepted))
	return t, nil
}

func (e *Engine) DeclineRequest(ctx context.Context, requestID string) (req *domain.Request, err error) {
	ctx, span := e.startSpan(ctx, "ledger.DeclineRequest", attribute.String("request_id", requestID))
	defer func() { finishSpan(span, err) }()

	return e.closeRequest(ctx, requestID, domain.RequestDeclined)
}

// CancelRequest withdraws a pending request. The payer's request notification
// is marked read since there is nothing left to act on.
func (e *Engine) CancelRequest(ctx context.Context, requestID string) (req *domain.Request, err error) {
	ctx, span := e.startSpan(ctx, "ledger.CancelRequest", attribute.String("request_id", requestID))
	defer func() { finishSpan(span, err) }()

	return e.closeRequest(ctx, requestID, domain.RequestCancelled)
}

// closeRequest moves a pending request to declined or cancelled without
// touching any balance.
func (e *Engine) closeRequest(ctx context.Context, requestID string, to domain.RequestStatus) (*domain.Request, error) {
	req, err := e.store.Requests().GetByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if err := req.Transition(to); err != nil {
		return nil, err
	}

	var note *domain.Notification
	switch to {
	case domain.RequestDeclined:
		note = domain.NewNotification(domain.NotificationRequestDeclined, req.PayerID, req.RequesterID,
			requestDeclinedMessage(e.ownerName(ctx, req.PayerID), req))
	default:
		note = domain.NewNotification(domain.NotificationRequestCancelled, req.RequesterID, req.PayerID,
			requestCancelledMessage(e.ownerName(ctx, req.RequesterID), req))
	}
	note.RequestID = req.ID

	var closed domain.Request
	err = e.store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		locked, err := tx.LockRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if err := tx.UpdateRequestStatus(ctx, requestID, domain.RequestPending, to, ""); err != nil {
			return err
		}
		if err := tx.InsertNotification(ctx, note); err != nil {
			return err
		}
		if err := tx.MarkRequestNotificationsRead(ctx, requestID, domain.NotificationRequestSent); err != nil {
			return err
		}
		closed = *locked
		return nil
	})
	if err != nil {
		e.logger.WarnContext(ctx, "Request transition rejected",
			slog.String("request_id", requestID),
			slog.String("to", string(to)),
			slog.String("error", err.Error()))
		return nil, err
	}

	closed.Status = to
	closed.UpdatedAt = time.Now().UTC()

	e.metrics.RecordRequestTransition(string(to))
	e.logger.InfoContext(ctx, "Request closed",
		slog.String("request_id", requestID),
		slog.String("status", string(to)))
	e.publish(ctx, note)

	return &closed, nil
}

func (e *Engine) ownerName(ctx context.Context, accountID string) string {
	a, err := e.accounts.Get(ctx, accountID)
	if err != nil {
		return accountID
	}
	return a.Owner
}

func (e *Engine) GetRequest(ctx context.Context, id string) (*domain.Request, error) {
	return e.store.Requests().GetByID(ctx, id)
}

// ListRequests returns requests where accountID is either party, optionally
// filtered by status.
func (e *Engine) ListRequests(ctx context.Context, accountID string, status domain.RequestStatus) ([]*domain.Request, error) {
	if _, err := e.accounts.Get(ctx, accountID); err != nil {
		return nil, err
	}
	return e.store.Requests().ListByAccount(ctx, accountID, status)
}

func (e *Engine) ListAllRequests(ctx context.Context, limit, offset int) ([]*domain.Request, error) {
	return e.store.Requests().List(ctx, limit, offset)
}
