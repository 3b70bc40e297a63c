// Package money wraps shopspring/decimal so that every monetary field in the
// engine uses exact decimal arithmetic rounded half-up to the currency's minor
// unit.
package money

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// MinorUnits is the number of fractional digits kept after rounding.
const MinorUnits int32 = 2

var hundred = decimal.NewFromInt(100)

type Money struct {
	d decimal.Decimal
}

func Zero() Money {
	return Money{}
}

func FromDecimal(d decimal.Decimal) Money {
	return Money{d: d}
}

func FromInt(units int64) Money {
	return Money{d: decimal.NewFromInt(units)}
}

// FromMinor builds a value from an integer count of minor units (cents).
func FromMinor(minor int64) Money {
	return Money{d: decimal.New(minor, -MinorUnits)}
}

func Parse(raw string) (Money, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Zero(), nil
	}
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return Money{}, fmt.Errorf("parse money %q: %w", raw, err)
	}
	return Money{d: d}, nil
}

func MustParse(raw string) Money {
	m, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return m
}

func (m Money) Decimal() decimal.Decimal { return m.d }

func (m Money) Add(o Money) Money { return Money{d: m.d.Add(o.d)} }

func (m Money) Sub(o Money) Money { return Money{d: m.d.Sub(o.d)} }

func (m Money) MulQty(qty int64) Money {
	return Money{d: m.d.Mul(decimal.NewFromInt(qty))}
}

func (m Money) Mul(factor decimal.Decimal) Money {
	return Money{d: m.d.Mul(factor)}
}

// Percent returns pct percent of m, unrounded.
func (m Money) Percent(pct decimal.Decimal) Money {
	return Money{d: m.d.Mul(pct).Div(hundred)}
}

// Round rounds half away from zero to MinorUnits. Amounts in the engine are
// never negative, so this is round-half-up.
func (m Money) Round() Money {
	return Money{d: m.d.Round(MinorUnits)}
}

func (m Money) Cmp(o Money) int { return m.d.Cmp(o.d) }

func (m Money) Equal(o Money) bool { return m.d.Equal(o.d) }

func (m Money) GreaterThan(o Money) bool { return m.d.GreaterThan(o.d) }

func (m Money) LessThan(o Money) bool { return m.d.LessThan(o.d) }

func (m Money) IsZero() bool { return m.d.IsZero() }

func (m Money) IsNegative() bool { return m.d.IsNegative() }

func (m Money) IsPositive() bool { return m.d.IsPositive() }

// ClampZero returns m, or zero when m is negative.
func (m Money) ClampZero() Money {
	if m.d.IsNegative() {
		return Zero()
	}
	return m
}

func Min(a, b Money) Money {
	if a.LessThan(b) {
		return a
	}
	return b
}

func Max(a, b Money) Money {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

func Sum(values ...Money) Money {
	total := Zero()
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}

func (m Money) String() string {
	return m.d.StringFixed(MinorUnits)
}

func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

func (m *Money) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		// Accept bare JSON numbers from older clients.
		var num json.Number
		if errNum := json.Unmarshal(data, &num); errNum != nil {
			return fmt.Errorf("money: %w", err)
		}
		raw = num.String()
	}
	parsed, err := Parse(raw)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
