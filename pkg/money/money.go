// Package money holds monetary amounts as integer cents. Decimal strings only
// appear at the API boundary.
package money

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Cents is an amount in the smallest currency unit (scale 2).
type Cents int64

var (
	ErrNegative     = errors.New("amount must not be negative")
	ErrPrecision    = errors.New("amount must have at most two decimal places")
	ErrRateRange    = errors.New("rate must be between 0 and 1")
	ErrInvalidInput = errors.New("invalid decimal amount")
)

var hundred = decimal.NewFromInt(100)

// Parse converts a decimal string such as "40.00" to cents.
func Parse(s string) (Cents, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidInput, s)
	}
	return FromDecimal(d)
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Cents {
	c, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return c
}

func FromDecimal(d decimal.Decimal) (Cents, error) {
	if d.IsNegative() {
		return 0, ErrNegative
	}
	scaled := d.Mul(hundred)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, ErrPrecision
	}
	return Cents(scaled.IntPart()), nil
}

func (c Cents) Decimal() decimal.Decimal {
	return decimal.New(int64(c), -2)
}

// String formats with exactly two decimals, e.g. "30.00".
func (c Cents) String() string {
	return c.Decimal().StringFixed(2)
}

func (c Cents) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

func (c *Cents) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		// plain JSON numbers are accepted as decimal amounts too
		var d decimal.Decimal
		if err := d.UnmarshalJSON(b); err != nil {
			return ErrInvalidInput
		}
		v, err := FromDecimal(d)
		if err != nil {
			return err
		}
		*c = v
		return nil
	}
	v, err := Parse(s)
	if err != nil {
		return err
	}
	*c = v
	return nil
}

func (c Cents) Value() (driver.Value, error) {
	return int64(c), nil
}

func (c *Cents) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*c = 0
	case int64:
		*c = Cents(v)
	case int32:
		*c = Cents(v)
	case []byte:
		return c.scanString(string(v))
	case string:
		return c.scanString(v)
	default:
		return fmt.Errorf("money: cannot scan %T", src)
	}
	return nil
}

func (c *Cents) scanString(s string) error {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return err
	}
	*c = Cents(d.IntPart())
	return nil
}

// ParseRate parses a fractional rate such as "0.25" and checks it is in [0, 1].
func ParseRate(s string) (decimal.Decimal, error) {
	r, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid rate %q: %w", s, err)
	}
	if r.IsNegative() || r.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.Zero, ErrRateRange
	}
	return r, nil
}

// Split divides gross into the platform commission and the creator share.
// Commission is rounded half away from zero to whole cents and the creator
// share is the remainder, so commission + creator == gross.
func Split(gross Cents, rate decimal.Decimal) (commission, creator Cents, err error) {
	if gross < 0 {
		return 0, 0, ErrNegative
	}
	if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) {
		return 0, 0, ErrRateRange
	}

	commission = Cents(decimal.NewFromInt(int64(gross)).Mul(rate).Round(0).IntPart())
	creator = gross - commission
	return commission, creator, nil
}
