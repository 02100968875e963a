// Package money provides a fixed-point monetary value type.
//
// All amounts are non-negative decimals with a currency code. Every derived
// value is rounded once, half-up, to two decimal places.
package money

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Scale is the number of decimal places kept after rounding.
const Scale = 2

// DefaultCurrency is used when no currency is supplied.
const DefaultCurrency = "USD"

var (
	ErrNegativeAmount   = errors.New("money: amount must not be negative")
	ErrNegativeResult   = errors.New("money: result would be negative")
	ErrCurrencyMismatch = errors.New("money: currency mismatch")
	ErrInvalidAmount    = errors.New("money: invalid amount")
)

// Money is an immutable non-negative amount in a single currency.
type Money struct {
	amount   decimal.Decimal
	currency string
}

// New creates a Money value. The amount is rounded to Scale places.
func New(amount decimal.Decimal, currency string) (Money, error) {
	if amount.IsNegative() {
		return Money{}, ErrNegativeAmount
	}
	return Money{amount: Round(amount), currency: normalizeCurrency(currency)}, nil
}

// FromString parses a decimal string such as "1250.50".
func FromString(s, currency string) (Money, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return Money{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return New(d, currency)
}

// MustFromString is FromString for constants and tests.
func MustFromString(s, currency string) Money {
	m, err := FromString(s, currency)
	if err != nil {
		panic(err)
	}
	return m
}

// Zero returns a zero amount in the given currency.
func Zero(currency string) Money {
	return Money{amount: decimal.Zero, currency: normalizeCurrency(currency)}
}

// Round applies the rounding policy: half-up to Scale places.
// decimal.Round rounds half away from zero, which is half-up for the
// non-negative values this package deals in.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(Scale)
}

// ClampZero returns d, or zero if d is negative.
func ClampZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

func (m Money) Amount() decimal.Decimal { return m.amount }
func (m Money) Currency() string        { return m.currency }
func (m Money) IsZero() bool            { return m.amount.IsZero() }

// Add returns m + o.
func (m Money) Add(o Money) (Money, error) {
	if err := m.sameCurrency(o); err != nil {
		return Money{}, err
	}
	return Money{amount: m.amount.Add(o.amount), currency: m.currency}, nil
}

// Sub returns m - o, failing with ErrNegativeResult if o > m.
func (m Money) Sub(o Money) (Money, error) {
	if err := m.sameCurrency(o); err != nil {
		return Money{}, err
	}
	r := m.amount.Sub(o.amount)
	if r.IsNegative() {
		return Money{}, ErrNegativeResult
	}
	return Money{amount: r, currency: m.currency}, nil
}

// MulRate multiplies by a non-negative rate and rounds the result.
func (m Money) MulRate(rate decimal.Decimal) Money {
	return Money{amount: ClampZero(Round(m.amount.Mul(rate))), currency: m.currency}
}

// Cmp compares amounts; currencies are assumed equal.
func (m Money) Cmp(o Money) int {
	return m.amount.Cmp(o.amount)
}

// Equal reports whether both amount and currency match.
func (m Money) Equal(o Money) bool {
	return m.currency == o.currency && m.amount.Equal(o.amount)
}

// Cents returns the amount in minor units.
func (m Money) Cents() int64 {
	return m.amount.Shift(Scale).Round(0).IntPart()
}

func (m Money) String() string {
	return m.amount.StringFixed(Scale) + " " + m.currency
}

type moneyJSON struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(moneyJSON{Amount: m.amount.StringFixed(Scale), Currency: m.currency})
}

func (m *Money) UnmarshalJSON(data []byte) error {
	var raw moneyJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := FromString(raw.Amount, raw.Currency)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

func (m Money) sameCurrency(o Money) error {
	if m.currency != o.currency {
		return fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.currency, o.currency)
	}
	return nil
}

func normalizeCurrency(c string) string {
	c = strings.ToUpper(strings.TrimSpace(c))
	if c == "" {
		return DefaultCurrency
	}
	return c
}
