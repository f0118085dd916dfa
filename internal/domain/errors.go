package domain

import "errors"

var (
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrSelfTransferNotAllowed = errors.New("cannot transfer to the same account")
	ErrSelfRequestNotAllowed  = errors.New("cannot request money from the same account")
	ErrInsufficientBalance    = errors.New("insufficient balance")
	ErrAccountNotFound        = errors.New("account not found")
	ErrUnsupportedCurrency    = errors.New("unsupported currency")
	ErrConversionUnavailable  = errors.New("currency conversion unavailable")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrLedgerBusy             = errors.New("ledger busy")

	ErrAccountInactive      = errors.New("account is not active")
	ErrRequestNotFound      = errors.New("request not found")
	ErrTransferNotFound     = errors.New("transfer not found")
	ErrNotificationNotFound = errors.New("notification not found")
	ErrDuplicate            = errors.New("duplicate entry")
	ErrForbidden            = errors.New("forbidden")
	ErrInvalidInput         = errors.New("invalid input")
)

var codes = []struct {
	err  error
	code string
}{
	{ErrInvalidAmount, "INVALID_AMOUNT"},
	{ErrSelfTransferNotAllowed, "SELF_TRANSFER_NOT_ALLOWED"},
	{ErrSelfRequestNotAllowed, "SELF_REQUEST_NOT_ALLOWED"},
	{ErrInsufficientBalance, "INSUFFICIENT_BALANCE"},
	{ErrAccountNotFound, "ACCOUNT_NOT_FOUND"},
	{ErrUnsupportedCurrency, "UNSUPPORTED_CURRENCY"},
	{ErrConversionUnavailable, "CONVERSION_UNAVAILABLE"},
	{ErrInvalidStateTransition, "INVALID_STATE_TRANSITION"},
	{ErrLedgerBusy, "LEDGER_BUSY"},
	{ErrAccountInactive, "ACCOUNT_INACTIVE"},
	{ErrRequestNotFound, "REQUEST_NOT_FOUND"},
	{ErrTransferNotFound, "TRANSFER_NOT_FOUND"},
	{ErrNotificationNotFound, "NOTIFICATION_NOT_FOUND"},
	{ErrDuplicate, "DUPLICATE"},
	{ErrForbidden, "FORBIDDEN"},
	{ErrInvalidInput, "INVALID_INPUT"},
}

// Code returns a stable machine-readable code for a ledger error, or "INTERNAL".
func Code(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "INTERNAL"
}

// Retryable reports whether the caller may retry the operation unchanged.
func Retryable(err error) bool {
	return errors.Is(err, ErrLedgerBusy) || errors.Is(err, ErrConversionUnavailable)
}
