package ledger

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"payledger/internal/currency"
	"payledger/internal/domain"
	"payledger/internal/repository"
	"payledger/internal/repository/memory"
	"payledger/pkg/crypto"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []*domain.Notification
}

func (r *recordingNotifier) Publish(_ context.Context, n *domain.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
	return nil
}

func (r *recordingNotifier) types() []domain.NotificationType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.NotificationType, 0, len(r.notes))
	for _, n := range r.notes {
		out = append(out, n.Type)
	}
	return out
}

func reciprocal(t *testing.T) currency.Converter {
	t.Helper()
	table, err := currency.ReciprocalTable(domain.GBP, map[domain.Currency]decimal.Decimal{
		domain.USD: dec("1.33"),
		domain.EUR: dec("1.12"),
	})
	require.NoError(t, err)
	return currency.NewStaticConverter(table)
}

func newTestEngine(t *testing.T, conv currency.Converter) (*Engine, *memory.Store) {
	t.Helper()
	if conv == nil {
		conv = currency.NewStaticConverter(currency.DefaultRates())
	}
	store := memory.NewStore(5*time.Second, nil)
	return NewEngine(store, conv, Config{}, nil), store
}

func seed(t *testing.T, store *memory.Store, id string, cur domain.Currency, balance string) {
	t.Helper()
	require.NoError(t, store.Accounts().Create(context.Background(), &domain.Account{
		ID:       id,
		Owner:    id,
		Balance:  dec(balance),
		Currency: cur,
		Status:   domain.AccountActive,
	}))
}

func balanceOf(t *testing.T, e *Engine, id string) decimal.Decimal {
	t.Helper()
	b, err := e.GetBalance(context.Background(), id)
	require.NoError(t, err)
	return b.Amount
}

func TestExecuteTransfer_ConvertsAtReferenceRate(t *testing.T) {
	e, store := newTestEngine(t, nil)
	seed(t, store, "alice", domain.GBP, "100.00")
	seed(t, store, "bob", domain.USD, "0")

	tr, err := e.ExecuteTransfer(context.Background(), "alice", "bob", dec("100.00"))

	require.NoError(t, err)
	assert.True(t, tr.Amount.Equal(dec("100.00")), "debited %s", tr.Amount)
	assert.Equal(t, domain.GBP, tr.Currency)
	assert.True(t, tr.CreditedAmount.Equal(dec("133.00")), "credited %s", tr.CreditedAmount)
	assert.Equal(t, domain.USD, tr.CreditedCurrency)
	assert.Equal(t, domain.TypeTransfer, tr.Type)
	assert.True(t, balanceOf(t, e, "alice").IsZero())
	assert.True(t, balanceOf(t, e, "bob").Equal(dec("133.00")))

	stored, err := e.GetTransfer(context.Background(), tr.ID)
	require.NoError(t, err)
	assert.True(t, stored.Amount.Equal(dec("100.00")))
}

func TestExecuteTransfer_RoundsHalfAwayFromZero(t *testing.T) {
	e, store := newTestEngine(t, nil)
	seed(t, store, "us", domain.USD, "10.00")
	seed(t, store, "eu", domain.EUR, "0")

	tr, err := e.ExecuteTransfer(context.Background(), "us", "eu", dec("4.20"))

	require.NoError(t, err)
	assert.True(t, tr.CreditedAmount.Equal(dec("3.57")), "credited %s", tr.CreditedAmount)
	assert.True(t, balanceOf(t, e, "us").Equal(dec("5.80")))
}

func TestExecuteTransfer_SameCurrencyIsExact(t *testing.T) {
	e, store := newTestEngine(t, nil)
	seed(t, store, "a", domain.EUR, "10.00")
	seed(t, store, "b", domain.EUR, "0.01")

	_, err := e.ExecuteTransfer(context.Background(), "a", "b", dec("9.99"))

	require.NoError(t, err)
	assert.True(t, balanceOf(t, e, "a").Equal(dec("0.01")))
	assert.True(t, balanceOf(t, e, "b").Equal(dec("10.00")))
}

func TestExecuteTransfer_Rejections(t *testing.T) {
	e, store := newTestEngine(t, nil)
	seed(t, store, "a", domain.GBP, "50.00")
	seed(t, store, "b", domain.GBP, "0")
	seed(t, store, "frozen", domain.GBP, "0")
	_, err := e.SetAccountStatus(context.Background(), "frozen", domain.AccountSuspended)
	require.NoError(t, err)

	tests := []struct {
		name     string
		sender   string
		receiver string
		amount   string
		want     error
	}{
		{"self transfer", "a", "a", "10", domain.ErrSelfTransferNotAllowed},
		{"self transfer with bad amount", "a", "a", "-1", domain.ErrSelfTransferNotAllowed},
		{"zero amount", "a", "b", "0", domain.ErrInvalidAmount},
		{"negative amount", "a", "b", "-5", domain.ErrInvalidAmount},
		{"too many decimals", "a", "b", "1.005", domain.ErrInvalidAmount},
		{"insufficient balance", "a", "b", "50.01", domain.ErrInsufficientBalance},
		{"unknown receiver", "a", "nobody", "1", domain.ErrAccountNotFound},
		{"unknown sender", "nobody", "b", "1", domain.ErrAccountNotFound},
		{"suspended receiver", "a", "frozen", "1", domain.ErrAccountInactive},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, err := e.ExecuteTransfer(context.Background(), tt.sender, tt.receiver, dec(tt.amount))
			assert.ErrorIs(t, err, tt.want)
			assert.Nil(t, tr)
		})
	}

	all, err := e.ListAllTransfers(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.True(t, balanceOf(t, e, "a").Equal(dec("50.00")))
}

func TestExecuteTransfer_UnsupportedCurrency(t *testing.T) {
	e, store := newTestEngine(t, nil)
	seed(t, store, "a", domain.GBP, "50.00")
	seed(t, store, "j", domain.Currency("JPY"), "0")

	_, err := e.ExecuteTransfer(context.Background(), "a", "j", dec("1"))

	assert.ErrorIs(t, err, domain.ErrUnsupportedCurrency)
	assert.True(t, balanceOf(t, e, "a").Equal(dec("50.00")))
}

func TestExecuteTransfer_ConcurrentOverdraftOnlyOneWins(t *testing.T) {
	e, store := newTestEngine(t, nil)
	seed(t, store, "payer", domain.GBP, "100.00")
	seed(t, store, "x", domain.GBP, "0")
	seed(t, store, "y", domain.GBP, "0")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, to := range []string{"x", "y"} {
		wg.Add(1)
		go func(i int, to string) {
			defer wg.Done()
			_, errs[i] = e.ExecuteTransfer(context.Background(), "payer", to, dec("60.00"))
		}(i, to)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
	}
	assert.Equal(t, 1, succeeded)
	assert.True(t, balanceOf(t, e, "payer").Equal(dec("40.00")))
}

func TestExecuteTransfer_RacingDebitsNeverOverdraw(t *testing.T) {
	e, store := newTestEngine(t, nil)
	seed(t, store, "payer", domain.GBP, "100.00")
	seed(t, store, "a", domain.GBP, "0")
	seed(t, store, "b", domain.USD, "0")

	const n = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			to := "a"
			if i%2 == 1 {
				to = "b"
			}
			if _, err := e.ExecuteTransfer(context.Background(), "payer", to, dec("30.00")); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 3, succeeded)
	assert.True(t, balanceOf(t, e, "payer").Equal(dec("10.00")))
	assert.False(t, balanceOf(t, e, "payer").IsNegative())

	all, err := e.ListAllTransfers(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestExecuteTransfer_OppositeDirectionsDoNotDeadlock(t *testing.T) {
	e, store := newTestEngine(t, nil)
	seed(t, store, "a", domain.GBP, "1000.00")
	seed(t, store, "b", domain.GBP, "1000.00")

	const pairs = 100
	errs := make(chan error, 2*pairs)
	var wg sync.WaitGroup
	for i := 0; i < pairs; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := e.ExecuteTransfer(context.Background(), "a", "b", dec("1.00"))
			errs <- err
		}()
		go func() {
			defer wg.Done()
			_, err := e.ExecuteTransfer(context.Background(), "b", "a", dec("1.00"))
			errs <- err
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("opposite-direction transfers did not finish")
	}
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.True(t, balanceOf(t, e, "a").Equal(dec("1000.00")))
	assert.True(t, balanceOf(t, e, "b").Equal(dec("1000.00")))

	all, err := e.ListAllTransfers(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2*pairs)
}

func TestExecuteTransfer_ConversionTimeoutLeavesNoTrace(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer slow.Close()

	conv := currency.NewRemoteConverter(currency.RemoteConfig{
		BaseURL:    slow.URL,
		Timeout:    50 * time.Millisecond,
		Currencies: []domain.Currency{domain.GBP, domain.USD},
	}, nil, nil)
	notifier := &recordingNotifier{}
	e, store := newTestEngine(t, conv)
	e.WithNotifier(notifier)
	seed(t, store, "alice", domain.GBP, "100.00")
	seed(t, store, "bob", domain.USD, "0")

	_, err := e.ExecuteTransfer(context.Background(), "alice", "bob", dec("10.00"))

	require.ErrorIs(t, err, domain.ErrConversionUnavailable)
	assert.True(t, domain.Retryable(err))
	assert.True(t, balanceOf(t, e, "alice").Equal(dec("100.00")))
	assert.True(t, balanceOf(t, e, "bob").Equal(dec("0")))

	transfers, err := e.ListAllTransfers(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.Empty(t, transfers)

	notes, err := e.ListNotifications(context.Background(), "bob", false)
	require.NoError(t, err)
	assert.Empty(t, notes)
	assert.Empty(t, notifier.types())
}

func TestExecuteTransfer_BusyWhenAccountLockIsHeld(t *testing.T) {
	store := memory.NewStore(50*time.Millisecond, nil)
	e := NewEngine(store, currency.NewStaticConverter(nil), Config{}, nil)
	seed(t, store, "a", domain.GBP, "100.00")
	seed(t, store, "b", domain.GBP, "0")

	locked := make(chan struct{})
	release := make(chan struct{})
	held := make(chan error, 1)
	go func() {
		held <- store.WithinTx(context.Background(), func(ctx context.Context, tx repository.Tx) error {
			if _, err := tx.LockAccounts(ctx, "a"); err != nil {
				close(locked)
				return err
			}
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked

	_, err := e.ExecuteTransfer(context.Background(), "a", "b", dec("1.00"))

	assert.ErrorIs(t, err, domain.ErrLedgerBusy)
	assert.True(t, domain.Retryable(err))

	close(release)
	require.NoError(t, <-held)

	assert.True(t, balanceOf(t, e, "a").Equal(dec("100.00")))
	_, err = e.ExecuteTransfer(context.Background(), "a", "b", dec("1.00"))
	require.NoError(t, err)
	assert.True(t, balanceOf(t, e, "b").Equal(dec("1.00")))
}

func TestEngine_CurrencyLimits(t *testing.T) {
	store := memory.NewStore(time.Second, nil)
	e := NewEngine(store, currency.NewStaticConverter(nil), Config{
		Limits: map[domain.Currency]decimal.Decimal{
			domain.GBP: dec("50.00"),
			domain.USD: dec("20.00"),
		},
	}, nil)
	seed(t, store, "gbp", domain.GBP, "1000.00")
	seed(t, store, "usd", domain.USD, "0")
	ctx := context.Background()

	_, err := e.ExecuteTransfer(ctx, "gbp", "usd", dec("50.01"))
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
	_, err = e.ExecuteTransfer(ctx, "gbp", "usd", dec("50.00"))
	require.NoError(t, err)

	_, err = e.MakeRequest(ctx, "usd", "gbp", dec("20.01"))
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	// 20.00 USD settles as a 15.00 GBP debit, inside the GBP cap.
	req, err := e.MakeRequest(ctx, "usd", "gbp", dec("20.00"))
	require.NoError(t, err)
	tr, err := e.AcceptRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.True(t, tr.Amount.Equal(dec("15.00")))
}

func TestExecuteTransfer_ConservesValueUnderReciprocalRates(t *testing.T) {
	conv := reciprocal(t)
	e, store := newTestEngine(t, conv)
	seed(t, store, "gb", domain.GBP, "10000.00")
	seed(t, store, "us", domain.USD, "0")

	for _, amount := range []string{"0.01", "1.00", "3.33", "17.49", "250.05", "999.99"} {
		tr, err := e.ExecuteTransfer(context.Background(), "gb", "us", dec(amount))
		require.NoError(t, err)

		back, err := conv.Convert(context.Background(), domain.USD, domain.GBP, tr.CreditedAmount)
		require.NoError(t, err)
		assert.True(t, back.Sub(tr.Amount).Abs().LessThanOrEqual(dec("0.01")),
			"%s GBP credited %s USD, worth %s GBP", tr.Amount, tr.CreditedAmount, back)
	}
}

func TestExecuteTransfer_RoundTripStaysWithinTwoPence(t *testing.T) {
	conv := reciprocal(t)

	for _, amount := range []string{"1.00", "2.57", "10.10", "123.45", "5000.00"} {
		e, store := newTestEngine(t, conv)
		seed(t, store, "gb", domain.GBP, amount)
		seed(t, store, "eu", domain.EUR, "0")

		out, err := e.ExecuteTransfer(context.Background(), "gb", "eu", dec(amount))
		require.NoError(t, err)
		_, err = e.ExecuteTransfer(context.Background(), "eu", "gb", out.CreditedAmount)
		require.NoError(t, err)

		got := balanceOf(t, e, "gb")
		assert.True(t, got.Sub(dec(amount)).Abs().LessThanOrEqual(dec("0.02")),
			"started with %s, ended with %s", amount, got)
		assert.True(t, balanceOf(t, e, "eu").IsZero())
	}
}

func TestExecuteTransfer_PublishesAndPersistsNotification(t *testing.T) {
	e, store := newTestEngine(t, nil)
	n := &recordingNotifier{}
	e.WithNotifier(n)
	seed(t, store, "alice", domain.GBP, "20.00")
	seed(t, store, "bob", domain.GBP, "0")

	tr, err := e.ExecuteTransfer(context.Background(), "alice", "bob", dec("5"))
	require.NoError(t, err)

	assert.Equal(t, []domain.NotificationType{domain.NotificationPaymentSent}, n.types())

	notes, err := e.ListNotifications(context.Background(), "bob", true)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, "alice sent 5.00 GBP to bob", notes[0].Message)
	assert.Equal(t, tr.ID, notes[0].TransferID)
	assert.Equal(t, "alice", notes[0].FromAccountID)

	require.NoError(t, e.MarkNotificationRead(context.Background(), "bob", notes[0].ID))
	count, err := e.UnreadCount(context.Background(), "bob")
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.ErrorIs(t, e.MarkNotificationRead(context.Background(), "alice", notes[0].ID), domain.ErrNotificationNotFound)
}

func TestExecuteTransfer_SignsRecords(t *testing.T) {
	e, store := newTestEngine(t, nil)
	e.WithSigner(crypto.NewSigner("audit-key", nil))
	seed(t, store, "a", domain.GBP, "20.00")
	seed(t, store, "b", domain.USD, "0")

	tr, err := e.ExecuteTransfer(context.Background(), "a", "b", dec("7.77"))
	require.NoError(t, err)
	require.NotEmpty(t, tr.Signature)

	stored, err := e.GetTransfer(context.Background(), tr.ID)
	require.NoError(t, err)
	ok, err := e.VerifyTransfer(stored)
	require.NoError(t, err)
	assert.True(t, ok)

	stored.CreditedAmount = stored.CreditedAmount.Add(dec("1"))
	ok, _ = e.VerifyTransfer(stored)
	assert.False(t, ok)
}

func TestExecuteTransfer_RecordsSpans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	e, store := newTestEngine(t, nil)
	e.WithTracerProvider(tp)
	seed(t, store, "a", domain.GBP, "20.00")
	seed(t, store, "b", domain.GBP, "0")

	_, err := e.ExecuteTransfer(context.Background(), "a", "b", dec("1"))
	require.NoError(t, err)
	_, err = e.ExecuteTransfer(context.Background(), "a", "a", dec("1"))
	require.Error(t, err)

	spans := sr.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "ledger.ExecuteTransfer", spans[0].Name())
	assert.Equal(t, codes.Unset, spans[0].Status().Code)
	assert.Equal(t, codes.Error, spans[1].Status().Code)
}

func TestAccountStore_DebitAndCredit(t *testing.T) {
	e, store := newTestEngine(t, nil)
	seed(t, store, "a", domain.GBP, "10.00")
	accounts := e.Accounts()

	_, err := accounts.Debit(context.Background(), "a", dec("10.01"))
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)

	acc, err := accounts.Debit(context.Background(), "a", dec("10.00"))
	require.NoError(t, err)
	assert.True(t, acc.Balance.IsZero())

	acc, err = accounts.Credit(context.Background(), "a", dec("2.50"))
	require.NoError(t, err)
	assert.True(t, acc.Balance.Equal(dec("2.50")))

	_, err = accounts.Credit(context.Background(), "a", dec("-1"))
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
	_, err = accounts.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
}

func TestOpenAccount_SeedsConvertedStartingBalance(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	gbp, err := e.OpenAccount(context.Background(), "Grace", "gbp", false)
	require.NoError(t, err)
	assert.Equal(t, domain.GBP, gbp.Currency)
	assert.True(t, gbp.Balance.Equal(dec("1000")))
	assert.Equal(t, domain.AccountActive, gbp.Status)

	usd, err := e.OpenAccount(context.Background(), "Ursula", domain.USD, true)
	require.NoError(t, err)
	assert.True(t, usd.Balance.Equal(dec("1330.00")))
	assert.True(t, usd.Admin)

	_, err = e.OpenAccount(context.Background(), "Jun", "JPY", false)
	assert.ErrorIs(t, err, domain.ErrUnsupportedCurrency)
	_, err = e.OpenAccount(context.Background(), "  ", domain.GBP, false)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	all, err := e.ListAccounts(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestTopUp(t *testing.T) {
	e, store := newTestEngine(t, nil)
	seed(t, store, "a", domain.EUR, "1.00")

	acc, err := e.TopUp(context.Background(), "a", dec("99.00"))

	require.NoError(t, err)
	assert.True(t, acc.Balance.Equal(dec("100.00")))
	_, err = e.TopUp(context.Background(), "a", dec("0"))
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func TestSetAccountStatus_Invalid(t *testing.T) {
	e, store := newTestEngine(t, nil)
	seed(t, store, "a", domain.EUR, "1.00")

	_, err := e.SetAccountStatus(context.Background(), "a", "closed")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = e.SetAccountStatus(context.Background(), "missing", domain.AccountInactive)
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
}
