// Package money provides a fixed-point amount type for wallet accounting.
//
// Amounts are stored as int64 minor units (1 NOK = 100 øre) tagged with a
// currency code. All ledger arithmetic happens on minor units; the decimal
// string form ("575.00") is used at JSON and SQL boundaries. Floats are
// never used.
package money

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Decimals is the number of decimal places for all supported currencies.
const Decimals = 2

// DefaultCurrency is used when a caller does not specify one.
const DefaultCurrency = "nok"

var (
	ErrInvalidAmount    = errors.New("money: invalid amount")
	ErrCurrencyMismatch = errors.New("money: currency mismatch")
	ErrNegativeResult   = errors.New("money: negative result")
)

// Money is an amount in minor units of a currency.
type Money struct {
	amount   int64
	currency string
}

// New returns a Money of the given minor units and currency.
func New(minorUnits int64, currency string) Money {
	return Money{amount: minorUnits, currency: normalize(currency)}
}

// Zero returns the zero amount in the given currency.
func Zero(currency string) Money {
	return New(0, currency)
}

// Parse converts a decimal string (e.g. "575.00", "10", "0.5") into Money.
//
// Rules:
//   - Negative amounts are rejected
//   - More than 2 fractional digits are rejected (no silent truncation of money)
//   - Empty string parses as zero
func Parse(s, currency string) (Money, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Zero(currency), nil
	}
	if strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return Money{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return Money{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}
	if len(frac) > Decimals {
		return Money{}, fmt.Errorf("%w: %q has more than %d decimal places", ErrInvalidAmount, s, Decimals)
	}
	for len(frac) < Decimals {
		frac += "0"
	}
	if whole == "" {
		whole = "0"
	}

	n, err := strconv.ParseInt(whole+frac, 10, 64)
	if err != nil {
		return Money{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return New(n, currency), nil
}

// MustParse is Parse that panics on error. Test fixtures only.
func MustParse(s, currency string) Money {
	m, err := Parse(s, currency)
	if err != nil {
		panic(err)
	}
	return m
}

// MinorUnits returns the amount in minor units (øre, cents).
// This is the gateway-boundary representation; internal callers should
// stay on Money.
func (m Money) MinorUnits() int64 { return m.amount }

// Currency returns the lower-case currency code.
func (m Money) Currency() string { return m.currency }

// String renders the amount as a decimal with exactly 2 places ("575.00").
func (m Money) String() string {
	neg := m.amount < 0
	abs := m.amount
	if neg {
		abs = -abs
	}
	s := fmt.Sprintf("%d.%02d", abs/100, abs%100)
	if neg {
		s = "-" + s
	}
	return s
}

func (m Money) IsZero() bool     { return m.amount == 0 }
func (m Money) IsPositive() bool { return m.amount > 0 }
func (m Money) IsNegative() bool { return m.amount < 0 }

// Add returns m+n, failing on currency mismatch.
func (m Money) Add(n Money) (Money, error) {
	if m.currency != n.currency {
		return Money{}, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.currency, n.currency)
	}
	return New(m.amount+n.amount, m.currency), nil
}

// Sub returns m-n, failing on currency mismatch or a negative result.
func (m Money) Sub(n Money) (Money, error) {
	if m.currency != n.currency {
		return Money{}, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.currency, n.currency)
	}
	if m.amount < n.amount {
		return Money{}, ErrNegativeResult
	}
	return New(m.amount-n.amount, m.currency), nil
}

// ApplyBPS returns amount * bps / 10000, truncated toward zero.
// Used for the service fee and cashback rates (basis points).
func (m Money) ApplyBPS(bps int64) Money {
	return New(m.amount*bps/10000, m.currency)
}

// Cmp compares two amounts of the same currency: -1, 0, or +1.
func (m Money) Cmp(n Money) (int, error) {
	if m.currency != n.currency {
		return 0, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.currency, n.currency)
	}
	switch {
	case m.amount < n.amount:
		return -1, nil
	case m.amount > n.amount:
		return 1, nil
	}
	return 0, nil
}

// MarshalJSON renders the amount as its decimal string ("575.00").
// Currency is carried separately in API payloads.
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(m.String())), nil
}

// UnmarshalJSON parses a decimal string in the default currency.
func (m *Money) UnmarshalJSON(data []byte) error {
	s, err := strconv.Unquote(string(data))
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, data)
	}
	parsed, err := Parse(s, DefaultCurrency)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

func normalize(currency string) string {
	if currency == "" {
		return DefaultCurrency
	}
	return strings.ToLower(currency)
}
