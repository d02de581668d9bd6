// Package money provides exact decimal amounts for cost aggregation.
package money

import (
	"database/sql/driver"
	"fmt"
	"strconv"

	"github.com/cockroachdb/apd/v3"
	"github.com/rotisserie/eris"
)

// Precision is the number of significant digits kept during arithmetic.
const Precision = 34

// Places is the number of decimal places used when amounts are emitted.
const Places = 2

var ctx = apd.BaseContext.WithPrecision(Precision)

// Amount is an exact decimal value. The zero value is 0.
type Amount struct {
	d apd.Decimal
}

// Zero returns a zero amount.
func Zero() Amount {
	return Amount{}
}

// FromInt returns the amount for a whole number.
func FromInt(i int64) Amount {
	var a Amount
	a.d.SetInt64(i)
	return a
}

// Parse reads an amount from its decimal string form.
func Parse(s string) (Amount, error) {
	var a Amount
	if _, _, err := a.d.SetString(s); err != nil {
		return Amount{}, eris.Wrapf(err, "money: parse %q", s)
	}
	if a.d.Form != apd.Finite {
		return Amount{}, eris.Errorf("money: %q is not a finite amount", s)
	}
	return a, nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Add returns a + b.
func (a Amount) Add(b Amount) Amount {
	var out Amount
	ctx.Add(&out.d, &a.d, &b.d)
	return out
}

// Sub returns a - b.
func (a Amount) Sub(b Amount) Amount {
	var out Amount
	ctx.Sub(&out.d, &a.d, &b.d)
	return out
}

// DivInt divides a into n equal shares. n must be positive.
func (a Amount) DivInt(n int64) Amount {
	if n <= 0 {
		panic(fmt.Sprintf("money: divide by %d", n))
	}
	var divisor apd.Decimal
	divisor.SetInt64(n)
	var out Amount
	ctx.Quo(&out.d, &a.d, &divisor)
	return out
}

// Round rounds half away from zero to the given number of decimal places.
func (a Amount) Round(places int32) Amount {
	rc := ctx.WithPrecision(Precision)
	rc.Rounding = apd.RoundHalfUp
	var out Amount
	rc.Quantize(&out.d, &a.d, -places)
	if out.d.IsZero() {
		out.d.Negative = false
	}
	return out
}

// Cmp compares a and b and returns -1, 0 or 1.
func (a Amount) Cmp(b Amount) int {
	return a.d.Cmp(&b.d)
}

// IsZero reports whether a is zero.
func (a Amount) IsZero() bool {
	return a.d.IsZero()
}

// Abs returns |a|.
func (a Amount) Abs() Amount {
	var out Amount
	ctx.Abs(&out.d, &a.d)
	return out
}

// Float64 returns the nearest float64. Use it for ratios only.
func (a Amount) Float64() float64 {
	f, err := a.d.Float64()
	if err != nil {
		return 0
	}
	return f
}

// String returns the plain decimal form without exponent.
func (a Amount) String() string {
	return a.d.Text('f')
}

// Fixed returns the amount rounded to Places, in plain decimal form.
func (a Amount) Fixed() string {
	return a.Round(Places).String()
}

// MarshalText implements encoding.TextMarshaler.
func (a Amount) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Amount) UnmarshalText(b []byte) error {
	p, err := Parse(string(b))
	if err != nil {
		return err
	}
	*a = p
	return nil
}

// MarshalJSON encodes the amount as a JSON number.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.String()), nil
}

// Value implements driver.Valuer. Amounts are sent as decimal text so
// numeric and text columns both store them exactly.
func (a Amount) Value() (driver.Value, error) {
	return a.String(), nil
}

// Scan implements sql.Scanner.
func (a *Amount) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*a = Amount{}
		return nil
	case string:
		return a.UnmarshalText([]byte(v))
	case []byte:
		return a.UnmarshalText(v)
	case int64:
		*a = FromInt(v)
		return nil
	case float64:
		return a.UnmarshalText([]byte(strconv.FormatFloat(v, 'f', -1, 64)))
	default:
		return eris.Errorf("money: cannot scan %T", src)
	}
}

// Sum adds all amounts at full precision.
func Sum(amounts ...Amount) Amount {
	var total Amount
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}
