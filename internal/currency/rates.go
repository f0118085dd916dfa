package currency

import (
	"fmt"
	"sort"

	"payledger/internal/domain"

	"github.com/shopspring/decimal"
)

// crossRatePrecision is the number of decimal places kept for derived rates.
const crossRatePrecision int32 = 10

// RateTable is a directed exchange-rate table: rates[from][to].
// It is not assumed to be symmetric or transitive.
type RateTable struct {
	rates map[domain.Currency]map[domain.Currency]decimal.Decimal
}

// DefaultRates returns the reference table used by the conversion service.
func DefaultRates() *RateTable {
	t, err := NewRateTable(map[string]map[string]string{
		"USD": {"EUR": "0.85", "GBP": "0.75"},
		"EUR": {"USD": "1.18", "GBP": "0.89"},
		"GBP": {"USD": "1.33", "EUR": "1.12"},
	})
	if err != nil {
		panic(err)
	}
	return t
}

// NewRateTable builds a table from string rates, as they come out of configuration.
func NewRateTable(raw map[string]map[string]string) (*RateTable, error) {
	t := &RateTable{rates: make(map[domain.Currency]map[domain.Currency]decimal.Decimal, len(raw))}
	for from, row := range raw {
		f, err := domain.NormalizeCurrency(from)
		if err != nil {
			return nil, err
		}
		for to, rate := range row {
			c, err := domain.NormalizeCurrency(to)
			if err != nil {
				return nil, err
			}
			r, err := decimal.NewFromString(rate)
			if err != nil {
				return nil, fmt.Errorf("invalid rate %s->%s: %q", f, c, rate)
			}
			if err := t.set(f, c, r); err != nil {
				return nil, err
			}
		}
	}
	return t, nil
}

// ReciprocalTable derives every cross rate from rates quoted against base, so that
// converting A->B->A only loses what 2 d.p. rounding loses.
func ReciprocalTable(base domain.Currency, quotes map[domain.Currency]decimal.Decimal) (*RateTable, error) {
	all := map[domain.Currency]decimal.Decimal{base: decimal.NewFromInt(1)}
	for c, r := range quotes {
		if !r.IsPositive() {
			return nil, fmt.Errorf("invalid rate %s->%s: %s", base, c, r)
		}
		all[c] = r
	}

	t := &RateTable{rates: make(map[domain.Currency]map[domain.Currency]decimal.Decimal, len(all))}
	for from, rf := range all {
		for to, rt := range all {
			if from == to {
				continue
			}
			if err := t.set(from, to, rt.DivRound(rf, crossRatePrecision)); err != nil {
				return nil, err
			}
		}
	}
	return t, nil
}

func (t *RateTable) set(from, to domain.Currency, rate decimal.Decimal) error {
	if !rate.IsPositive() {
		return fmt.Errorf("invalid rate %s->%s: %s", from, to, rate)
	}
	row, ok := t.rates[from]
	if !ok {
		row = make(map[domain.Currency]decimal.Decimal)
		t.rates[from] = row
	}
	row[to] = rate
	return nil
}

// Rate returns the directed rate from -> to.
func (t *RateTable) Rate(from, to domain.Currency) (decimal.Decimal, bool) {
	row, ok := t.rates[from]
	if !ok {
		return decimal.Zero, false
	}
	r, ok := row[to]
	return r, ok
}

// Currencies lists every currency that appears in the table, sorted.
func (t *RateTable) Currencies() []domain.Currency {
	seen := make(map[domain.Currency]struct{})
	for from, row := range t.rates {
		seen[from] = struct{}{}
		for to := range row {
			seen[to] = struct{}{}
		}
	}
	out := make([]domain.Currency, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Raw renders the table back into configuration form.
func (t *RateTable) Raw() map[string]map[string]string {
	out := make(map[string]map[string]string, len(t.rates))
	for from, row := range t.rates {
		r := make(map[string]string, len(row))
		for to, rate := range row {
			r[string(to)] = rate.String()
		}
		out[string(from)] = r
	}
	return out
}
