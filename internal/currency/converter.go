// Package currency converts amounts between account currencies, either from a
// fixed rate table or through the remote conversion service.
package currency

import (
	"context"
	"fmt"
	"strings"

	"payledger/internal/domain"

	"github.com/shopspring/decimal"
)

// Converter converts amount from one currency to another. Implementations must
// return the amount unchanged when from and to are equal, round every other
// result to two decimal places and never hide a failure behind a default value.
type Converter interface {
	Convert(ctx context.Context, from, to domain.Currency, amount decimal.Decimal) (decimal.Decimal, error)
	Currencies() []domain.Currency
}

// StaticConverter converts with a fixed RateTable. It holds no mutable state.
type StaticConverter struct {
	table *RateTable
}

func NewStaticConverter(table *RateTable) *StaticConverter {
	if table == nil {
		table = DefaultRates()
	}
	return &StaticConverter{table: table}
}

func (c *StaticConverter) Convert(_ context.Context, from, to domain.Currency, amount decimal.Decimal) (decimal.Decimal, error) {
	if sameCurrency(from, to) {
		return amount, nil
	}

	f := domain.Currency(strings.ToUpper(string(from)))
	t := domain.Currency(strings.ToUpper(string(to)))

	rate, ok := c.table.Rate(f, t)
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s->%s", domain.ErrUnsupportedCurrency, f, t)
	}

	return domain.Round(amount.Mul(rate)), nil
}

func (c *StaticConverter) Currencies() []domain.Currency {
	return c.table.Currencies()
}

func (c *StaticConverter) Table() *RateTable {
	return c.table
}

func sameCurrency(a, b domain.Currency) bool {
	return strings.EqualFold(string(a), string(b))
}

// Supports reports whether c knows about currency.
func Supports(c Converter, currency domain.Currency) bool {
	for _, known := range c.Currencies() {
		if sameCurrency(known, currency) {
			return true
		}
	}
	return false
}
