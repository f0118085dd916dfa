// Package ledger moves money between accounts. Every balance change goes
// through one settle routine, which converts outside any lock and then debits,
// credits and records inside a single unit of work.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"payledger/internal/currency"
	"payledger/internal/domain"
	"payledger/internal/repository"
	"payledger/pkg/crypto"
	"payledger/pkg/metrics"
	"payledger/pkg/validator"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "payledger/internal/ledger"

// Notifier receives notification records after they are committed.
type Notifier interface {
	Publish(ctx context.Context, n *domain.Notification) error
}

type Config struct {
	// BaseCurrency and StartingBalance define the opening balance of new
	// accounts, converted into the account currency.
	BaseCurrency    domain.Currency
	StartingBalance decimal.Decimal
	// Limits caps a single debit or request in the given currency.
	Limits map[domain.Currency]decimal.Decimal
}

type Engine struct {
	store     repository.Store
	converter currency.Converter
	validator *validator.TransferValidator
	accounts  *AccountStore
	signer    *crypto.Signer
	notifier  Notifier
	metrics   *metrics.MetricsCollector
	tracer    trace.Tracer
	cfg       Config
	logger    *slog.Logger
}

func NewEngine(store repository.Store, converter currency.Converter, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaseCurrency == "" {
		cfg.BaseCurrency = domain.GBP
	}
	if cfg.StartingBalance.IsZero() {
		cfg.StartingBalance = decimal.NewFromInt(1000)
	}

	v := validator.NewTransferValidator()
	for cur, max := range cfg.Limits {
		v.WithLimit(cur, max)
	}

	return &Engine{
		store:     store,
		converter: converter,
		validator: v,
		accounts:  NewAccountStore(store),
		tracer:    otel.Tracer(tracerName),
		cfg:       cfg,
		logger:    logger,
	}
}

// WithSigner seals every new transfer record with s.
func (e *Engine) WithSigner(s *crypto.Signer) *Engine {
	e.signer = s
	return e
}

func (e *Engine) WithNotifier(n Notifier) *Engine {
	e.notifier = n
	return e
}

func (e *Engine) WithMetrics(m *metrics.MetricsCollector) *Engine {
	e.metrics = m
	return e
}

func (e *Engine) WithTracerProvider(tp trace.TracerProvider) *Engine {
	e.tracer = tp.Tracer(tracerName)
	return e
}

func (e *Engine) Accounts() *AccountStore {
	return e.accounts
}

type Balance struct {
	AccountID string          `json:"account_id"`
	Amount    decimal.Decimal `json:"balance"`
	Currency  domain.Currency `json:"currency"`
}

// GetBalance reads the last committed balance without taking any lock.
func (e *Engine) GetBalance(ctx context.Context, accountID string) (*Balance, error) {
	account, err := e.accounts.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return &Balance{AccountID: account.ID, Amount: account.Balance, Currency: account.Currency}, nil
}

// ExecuteTransfer moves amount, in the sender's currency, to receiverID.
func (e *Engine) ExecuteTransfer(ctx context.Context, senderID, receiverID string, amount decimal.Decimal) (t *domain.Transfer, err error) {
	ctx, span := e.startSpan(ctx, "ledger.ExecuteTransfer",
		attribute.String("sender_id", senderID),
		attribute.String("receiver_id", receiverID),
		attribute.String("amount", amount.String()))
	defer func() { finishSpan(span, err) }()

	return e.settle(ctx, settlement{
		payerID: senderID,
		payeeID: receiverID,
		amount:  amount,
		stated:  StatedByPayer,
		kind:    domain.TypeTransfer,
	})
}

func (e *Engine) GetTransfer(ctx context.Context, id string) (*domain.Transfer, error) {
	return e.store.Transfers().GetByID(ctx, id)
}

// ListTransfers returns transfers where accountID is sender or receiver, newest first.
func (e *Engine) ListTransfers(ctx context.Context, accountID string, limit, offset int) ([]*domain.Transfer, error) {
	if _, err := e.accounts.Get(ctx, accountID); err != nil {
		return nil, err
	}
	return e.store.Transfers().ListByAccount(ctx, accountID, limit, offset)
}

func (e *Engine) ListAllTransfers(ctx context.Context, limit, offset int) ([]*domain.Transfer, error) {
	return e.store.Transfers().List(ctx, limit, offset)
}

// Signing reports whether new transfers are sealed.
func (e *Engine) Signing() bool {
	return e.signer != nil
}

// VerifyTransfer checks the record's seal. Without a signer nothing can be
// verified and the result is false with no error.
func (e *Engine) VerifyTransfer(t *domain.Transfer) (bool, error) {
	if e.signer == nil {
		return false, nil
	}
	return e.signer.VerifyTransfer(t)
}

// Stated says which side's currency the settlement amount is expressed in.
type Stated int

const (
	// StatedByPayer debits the amount and credits its conversion.
	StatedByPayer Stated = iota
	// StatedByPayee credits the amount and debits its conversion.
	StatedByPayee
)

type settlement struct {
	payerID string
	payeeID string
	amount  decimal.Decimal
	stated  Stated
	kind    domain.TransferType
	request *domain.Request
}

func (e *Engine) settle(ctx context.Context, s settlement) (*domain.Transfer, error) {
	start := time.Now()
	kind := string(s.kind)

	transfer, err := e.doSettle(ctx, s)
	e.recordOutcome(kind, start, err)
	if err != nil {
		e.logger.WarnContext(ctx, "Settlement rejected",
			slog.String("kind", kind),
			slog.String("payer_id", s.payerID),
			slog.String("payee_id", s.payeeID),
			slog.String("amount", s.amount.String()),
			slog.String("error", err.Error()))
		return nil, err
	}

	e.logger.InfoContext(ctx, "Transfer recorded",
		slog.String("transfer_id", transfer.ID),
		slog.String("kind", kind),
		slog.String("sender_id", transfer.SenderID),
		slog.String("receiver_id", transfer.ReceiverID),
		slog.String("debited", transfer.Amount.StringFixed(domain.Scale)+" "+string(transfer.Currency)),
		slog.String("credited", transfer.CreditedAmount.StringFixed(domain.Scale)+" "+string(transfer.CreditedCurrency)),
		slog.Duration("duration", time.Since(start)))

	return transfer, nil
}

func (e *Engine) doSettle(ctx context.Context, s settlement) (*domain.Transfer, error) {
	// Validating
	if err := e.validator.ValidateTransfer(s.payerID, s.payeeID, s.amount); err != nil {
		return nil, err
	}

	payer, err := e.activeAccount(ctx, s.payerID)
	if err != nil {
		return nil, err
	}
	payee, err := e.activeAccount(ctx, s.payeeID)
	if err != nil {
		return nil, err
	}

	// Converting, outside any lock.
	debit, credit := s.amount, s.amount
	switch s.stated {
	case StatedByPayer:
		credit, err = e.convert(ctx, payer.Currency, payee.Currency, s.amount)
	case StatedByPayee:
		from := payee.Currency
		if s.request != nil {
			from = s.request.Currency
		}
		debit, err = e.convert(ctx, from, payer.Currency, s.amount)
	}
	if err != nil {
		return nil, err
	}
	if !debit.IsPositive() || !credit.IsPositive() {
		return nil, fmt.Errorf("%w: %s %s converts to nothing", domain.ErrInvalidAmount, s.amount, payer.Currency)
	}
	if err := e.validator.ValidateAmount(debit, payer.Currency); err != nil {
		return nil, err
	}

	transfer := domain.NewTransfer(s.kind, payer.ID, payee.ID).
		WithDebit(debit, payer.Currency).
		WithCredit(credit, payee.Currency)
	if s.request != nil {
		transfer.WithRequest(s.request.ID)
	}
	if e.signer != nil {
		transfer.Signature = e.signer.SignTransfer(transfer)
	}

	var note *domain.Notification
	if s.request != nil {
		note = domain.NewNotification(domain.NotificationRequestAccepted, payer.ID, payee.ID,
			requestAcceptedMessage(payer.Owner, s.request))
		note.RequestID = s.request.ID
	} else {
		note = domain.NewNotification(domain.NotificationPaymentSent, payer.ID, payee.ID,
			paymentSentMessage(payer.Owner, payee.Owner, debit, payer.Currency))
	}
	note.TransferID = transfer.ID

	var balances []*domain.Account
	err = e.store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		if s.request != nil {
			req, err := tx.LockRequest(ctx, s.request.ID)
			if err != nil {
				return err
			}
			if err := req.Transition(domain.RequestAccepted); err != nil {
				return err
			}
		}

		locked, err := tx.LockAccounts(ctx, payer.ID, payee.ID)
		if err != nil {
			return err
		}
		for _, id := range []string{payer.ID, payee.ID} {
			if !locked[id].Active() {
				return fmt.Errorf("%w: account %s is %s", domain.ErrAccountInactive, id, locked[id].Status)
			}
		}

		// Debiting, then Crediting.
		debited, err := tx.Debit(ctx, payer.ID, debit)
		if err != nil {
			return err
		}
		credited, err := tx.Credit(ctx, payee.ID, credit)
		if err != nil {
			return err
		}

		if err := tx.InsertTransfer(ctx, transfer); err != nil {
			return err
		}
		if err := tx.InsertNotification(ctx, note); err != nil {
			return err
		}

		if s.request != nil {
			if err := tx.UpdateRequestStatus(ctx, s.request.ID, domain.RequestPending, domain.RequestAccepted, transfer.ID); err != nil {
				return err
			}
			if err := tx.MarkRequestNotificationsRead(ctx, s.request.ID, domain.NotificationRequestSent); err != nil {
				return err
			}
		}

		balances = []*domain.Account{debited, credited}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Recorded
	for _, a := range balances {
		e.metrics.UpdateAccountBalance(a.ID, string(a.Currency), a.Balance.InexactFloat64())
	}
	e.publish(ctx, note)

	return transfer, nil
}

func (e *Engine) activeAccount(ctx context.Context, id string) (*domain.Account, error) {
	account, err := e.accounts.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !account.Active() {
		return nil, fmt.Errorf("%w: account %s is %s", domain.ErrAccountInactive, id, account.Status)
	}
	return account, nil
}

func (e *Engine) convert(ctx context.Context, from, to domain.Currency, amount decimal.Decimal) (decimal.Decimal, error) {
	out, err := e.converter.Convert(ctx, from, to, amount)
	if err != nil {
		e.metrics.RecordConversion(outcome(err))
		return decimal.Zero, err
	}
	e.metrics.RecordConversion(metrics.OutcomeSuccess)
	return out, nil
}

func (e *Engine) publish(ctx context.Context, notes ...*domain.Notification) {
	if e.notifier == nil {
		return
	}
	for _, n := range notes {
		if err := e.notifier.Publish(ctx, n); err != nil {
			e.logger.WarnContext(ctx, "Notification not dispatched",
				slog.String("notification_id", n.ID),
				slog.String("error", err.Error()))
		}
	}
}

func (e *Engine) recordOutcome(kind string, start time.Time, err error) {
	o := outcome(err)
	if o == metrics.OutcomeBusy {
		e.metrics.RecordBusy()
	}
	e.metrics.RecordTransfer(kind, o, time.Since(start))
}

func outcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case errors.Is(err, domain.ErrLedgerBusy):
		return metrics.OutcomeBusy
	case domain.Code(err) != "INTERNAL" && !errors.Is(err, domain.ErrConversionUnavailable):
		return metrics.OutcomeRejected
	default:
		return metrics.OutcomeError
	}
}

func (e *Engine) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("error.code", domain.Code(err)))
	}
	span.End()
}
