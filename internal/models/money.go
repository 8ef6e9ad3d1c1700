package models

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// minor units per supported ISO 4217 code
var currencyScale = map[string]int32{
	"JPY": 0,
	"KRW": 0,
	"USD": 2,
	"EUR": 2,
	"GBP": 2,
	"AUD": 2,
	"CAD": 2,
	"SGD": 2,
}

// IsSupportedCurrency reports whether code is a known currency.
func IsSupportedCurrency(code string) bool {
	_, ok := currencyScale[code]
	return ok
}

// Money is an immutable decimal amount in one currency. Arithmetic is only
// defined between equal currencies and never rounds.
type Money struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

// NewMoney validates the currency and that amount has no more fractional
// digits than the currency allows.
func NewMoney(amount decimal.Decimal, currency string) (Money, error) {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	scale, ok := currencyScale[currency]
	if !ok {
		return Money{}, NewValidationError("currency", fmt.Sprintf("unsupported currency %q", currency))
	}
	if !amount.Equal(amount.Truncate(scale)) {
		return Money{}, NewValidationError("amount", fmt.Sprintf("%s allows at most %d fractional digits", currency, scale))
	}
	return Money{Amount: amount, Currency: currency}, nil
}

// MustMoney is NewMoney for constants known to be valid.
func MustMoney(amount string, currency string) Money {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		panic(err)
	}
	m, err := NewMoney(d, currency)
	if err != nil {
		panic(err)
	}
	return m
}

// Zero returns a zero amount in currency.
func Zero(currency string) Money {
	return Money{Amount: decimal.Zero, Currency: currency}
}

func (m Money) sameCurrency(o Money) error {
	if m.Currency != o.Currency {
		return &RuleError{Rule: RuleCurrencyMismatch, Requested: o.Currency, Limit: m.Currency}
	}
	return nil
}

func (m Money) Add(o Money) (Money, error) {
	if err := m.sameCurrency(o); err != nil {
		return Money{}, err
	}
	return Money{Amount: m.Amount.Add(o.Amount), Currency: m.Currency}, nil
}

func (m Money) Sub(o Money) (Money, error) {
	if err := m.sameCurrency(o); err != nil {
		return Money{}, err
	}
	return Money{Amount: m.Amount.Sub(o.Amount), Currency: m.Currency}, nil
}

// Mul multiplies by an integer quantity.
func (m Money) Mul(qty int64) Money {
	return Money{Amount: m.Amount.Mul(decimal.NewFromInt(qty)), Currency: m.Currency}
}

// Cmp compares two amounts of the same currency.
func (m Money) Cmp(o Money) (int, error) {
	if err := m.sameCurrency(o); err != nil {
		return 0, err
	}
	return m.Amount.Cmp(o.Amount), nil
}

func (m Money) Equal(o Money) bool {
	return m.Currency == o.Currency && m.Amount.Equal(o.Amount)
}

func (m Money) IsZero() bool     { return m.Amount.IsZero() }
func (m Money) IsNegative() bool { return m.Amount.IsNegative() }
func (m Money) IsPositive() bool { return m.Amount.IsPositive() }

// WithAmount returns a copy carrying a different amount.
func (m Money) WithAmount(amount decimal.Decimal) Money {
	return Money{Amount: amount, Currency: m.Currency}
}

func (m Money) String() string {
	scale := currencyScale[m.Currency]
	return fmt.Sprintf("%s %s", m.Amount.StringFixed(scale), m.Currency)
}

// SumMoney adds amounts that all share currency.
func SumMoney(currency string, amounts ...Money) (Money, error) {
	total := Zero(currency)
	for _, a := range amounts {
		var err error
		if total, err = total.Add(a); err != nil {
			return Money{}, err
		}
	}
	return total, nil
}
