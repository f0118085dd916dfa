package domain

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

type Currency string

const (
	USD Currency = "USD"
	EUR Currency = "EUR"
	GBP Currency = "GBP"
)

// Scale is the number of fractional digits kept for every stored amount.
const Scale int32 = 2

// MaxAmount mirrors a NUMERIC(10,2) column.
var MaxAmount = decimal.RequireFromString("99999999.99")

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

// NormalizeCurrency upper-cases and validates a currency code.
func NormalizeCurrency(code string) (Currency, error) {
	c := strings.ToUpper(strings.TrimSpace(code))
	if !currencyPattern.MatchString(c) {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedCurrency, code)
	}
	return Currency(c), nil
}

// Round applies the ledger rounding policy: two decimal places, half away from zero.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(Scale)
}

// ValidAmount reports whether d can be moved by the ledger.
func ValidAmount(d decimal.Decimal) error {
	if !d.IsPositive() {
		return fmt.Errorf("%w: %s must be greater than zero", ErrInvalidAmount, d.String())
	}
	if !d.Equal(d.Truncate(Scale)) {
		return fmt.Errorf("%w: %s has more than %d decimal places", ErrInvalidAmount, d.String(), Scale)
	}
	if d.GreaterThan(MaxAmount) {
		return fmt.Errorf("%w: %s exceeds %s", ErrInvalidAmount, d.String(), MaxAmount.String())
	}
	return nil
}

// ParseAmount parses user input into an amount that passes ValidAmount.
func ParseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if err := ValidAmount(d); err != nil {
		return decimal.Zero, err
	}
	return d, nil
}
