// Package amount defines the monetary value carried by every payment: an
// amount string, a currency tag and a denomination. Amounts are compared and
// added as integers in BASE units; conversion to MAIN units is a plugin
// concern and never happens here.
package amount

import (
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Denomination says which unit the amount string is expressed in.
type Denomination string

const (
	// Base is the smallest unit of the currency, e.g. satoshi for BTC
	Base Denomination = "BASE"
	// Main is the display unit of the currency, e.g. whole bitcoin
	Main Denomination = "MAIN"
)

// Defaults applied by New when the caller leaves the fields empty.
const (
	DefaultCurrency     = "BTC"
	DefaultDenomination = Base
)

var (
	ErrAmountRequired      = errors.New("amount must be a non-negative decimal string")
	ErrCurrencyRequired    = errors.New("currency must be a non-empty string")
	ErrInvalidDenomination = errors.New(`denomination must be "BASE" or "MAIN"`)
)

// Amount is a validated (amount, currency, denomination) triple.
type Amount struct {
	Amount       string       `json:"amount"`
	Currency     string       `json:"currency"`
	Denomination Denomination `json:"denomination"`
}

// New validates the given fields and returns an Amount, applying the BTC/BASE
// defaults for empty currency and denomination.
func New(value, currency string, denomination Denomination) (Amount, error) {
	if currency == "" {
		currency = DefaultCurrency
	}
	if denomination == "" {
		denomination = DefaultDenomination
	}
	a := Amount{
		Amount:       value,
		Currency:     currency,
		Denomination: denomination,
	}
	if err := a.Validate(); err != nil {
		return Amount{}, err
	}
	return a, nil
}

// MustNew is New, panicking on invalid input. For tests and constants.
func MustNew(value, currency string, denomination Denomination) Amount {
	a, err := New(value, currency, denomination)
	if err != nil {
		panic(err)
	}
	return a
}

// Validate checks that the amount parses as a non-negative decimal, the
// currency is non-empty and the denomination is one of BASE/MAIN.
func (a Amount) Validate() error {
	parsed, err := decimal.NewFromString(a.Amount)
	if err != nil {
		return errors.Wrapf(ErrAmountRequired, "%q", a.Amount)
	}
	if parsed.IsNegative() {
		return errors.Wrapf(ErrAmountRequired, "%q", a.Amount)
	}
	if a.Currency == "" {
		return ErrCurrencyRequired
	}
	if a.Denomination != Base && a.Denomination != Main {
		return errors.Wrapf(ErrInvalidDenomination, "%q", a.Denomination)
	}
	return nil
}

// Decimal returns the parsed amount. The amount must have been validated.
func (a Amount) Decimal() decimal.Decimal {
	d, err := decimal.NewFromString(a.Amount)
	if err != nil {
		// New/Validate guarantee the string parses
		panic(errors.Wrapf(err, "unvalidated amount %q", a.Amount))
	}
	return d
}

// Add returns a new Amount with the value of other added to a. Currency and
// denomination of a are kept; mixing them is the caller's bug to avoid.
func (a Amount) Add(other Amount) Amount {
	sum := a.Decimal().Add(other.Decimal())
	return Amount{
		Amount:       sum.String(),
		Currency:     a.Currency,
		Denomination: a.Denomination,
	}
}

// Sub returns a new Amount with the value of other subtracted from a.
func (a Amount) Sub(other Amount) Amount {
	diff := a.Decimal().Sub(other.Decimal())
	return Amount{
		Amount:       diff.String(),
		Currency:     a.Currency,
		Denomination: a.Denomination,
	}
}

// Cmp compares the numeric values: -1 if a < other, 0 if equal, 1 if a > other.
func (a Amount) Cmp(other Amount) int {
	return a.Decimal().Cmp(other.Decimal())
}

// IsZero reports whether the numeric value is zero.
func (a Amount) IsZero() bool {
	return a.Decimal().IsZero()
}

// Serialize returns the three-field wire form of the amount.
func (a Amount) Serialize() map[string]interface{} {
	return map[string]interface{}{
		"amount":       a.Amount,
		"currency":     a.Currency,
		"denomination": string(a.Denomination),
	}
}

func (a Amount) String() string {
	out, _ := json.Marshal(a)
	return string(out)
}
