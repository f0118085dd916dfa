package validator

import (
	"fmt"
	"regexp"
	"strings"

	"payledger/internal/domain"

	"github.com/shopspring/decimal"
)

// TransferValidator checks ledger intents before any account is touched. It
// keeps no state and is safe for concurrent use.
type TransferValidator struct {
	currencyRegex *regexp.Regexp
	limits        map[domain.Currency]decimal.Decimal
}

func NewTransferValidator() *TransferValidator {
	return &TransferValidator{
		currencyRegex: regexp.MustCompile(`^[A-Z]{3}$`),
		limits:        make(map[domain.Currency]decimal.Decimal),
	}
}

// WithLimit caps single movements in currency below the column maximum.
func (v *TransferValidator) WithLimit(currency domain.Currency, max decimal.Decimal) *TransferValidator {
	v.limits[currency] = max
	return v
}

func (v *TransferValidator) ValidateTransfer(senderID, receiverID string, amount decimal.Decimal) error {
	if err := v.validateParties(senderID, receiverID); err != nil {
		return err
	}
	if senderID == receiverID {
		return fmt.Errorf("%w: account %s", domain.ErrSelfTransferNotAllowed, senderID)
	}
	return domain.ValidAmount(amount)
}

func (v *TransferValidator) ValidateRequest(requesterID, payerID string, amount decimal.Decimal) error {
	if err := v.validateParties(requesterID, payerID); err != nil {
		return err
	}
	if requesterID == payerID {
		return fmt.Errorf("%w: account %s", domain.ErrSelfRequestNotAllowed, requesterID)
	}
	return domain.ValidAmount(amount)
}

func (v *TransferValidator) validateParties(ids ...string) error {
	for _, id := range ids {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("%w: empty account id", domain.ErrAccountNotFound)
		}
	}
	return nil
}

func (v *TransferValidator) ValidateCurrency(code string) (domain.Currency, error) {
	c := strings.ToUpper(strings.TrimSpace(code))
	if !v.currencyRegex.MatchString(c) {
		return "", fmt.Errorf("%w: %q", domain.ErrUnsupportedCurrency, code)
	}
	return domain.Currency(c), nil
}

// ValidateAmount applies the ledger amount rules plus any per-currency limit.
func (v *TransferValidator) ValidateAmount(amount decimal.Decimal, currency domain.Currency) error {
	if err := domain.ValidAmount(amount); err != nil {
		return err
	}
	if max, exists := v.limits[currency]; exists && amount.GreaterThan(max) {
		return fmt.Errorf("%w: amount exceeds maximum limit for %s: %s", domain.ErrInvalidAmount, currency, max)
	}
	return nil
}
