// Package money provides fixed-point monetary amounts.
// Amounts are stored in currency minor units (cents, kuruş, ...) as int64;
// no binary floating point is ever used for stored values.
package money

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// Amount is a monetary value in minor units of a currency (value type).
type Amount struct {
	Units    int64  // minor units, e.g. cents
	Currency string // ISO 4217 code, upper case
}

// minorDigits maps currency codes to their minor-unit exponent.
// Currencies not listed default to 2.
var minorDigits = map[string]int{
	"JPY": 0,
	"KRW": 0,
	"VND": 0,
	"BHD": 3,
	"KWD": 3,
	"OMR": 3,
}

// Digits returns the minor-unit exponent for a currency code.
func Digits(currency string) int {
	if d, ok := minorDigits[strings.ToUpper(currency)]; ok {
		return d
	}
	return 2
}

// New creates an amount from minor units.
func New(units int64, currency string) Amount {
	return Amount{Units: units, Currency: strings.ToUpper(currency)}
}

// Zero returns the zero amount in a currency.
func Zero(currency string) Amount {
	return New(0, currency)
}

// FromMajor converts a major-unit value (e.g. 12.34) into an Amount,
// rounding half away from zero at the currency's minor precision.
// Intended for config and pricing-table input, not for arithmetic on
// stored values.
func FromMajor(value float64, currency string) Amount {
	scale := math.Pow10(Digits(currency))
	return New(int64(math.Round(value*scale)), currency)
}

// Major returns the amount expressed in major units.
// Display/reporting only; never feed the result back into arithmetic.
func (a Amount) Major() float64 {
	return float64(a.Units) / math.Pow10(Digits(a.Currency))
}

// IsZero reports whether the amount is zero.
func (a Amount) IsZero() bool {
	return a.Units == 0
}

// Add returns a + b. The currencies must match.
func (a Amount) Add(b Amount) (Amount, error) {
	if a.Currency == "" {
		return b, nil
	}
	if b.Currency == "" {
		return a, nil
	}
	if a.Currency != b.Currency {
		return Amount{}, fmt.Errorf("currency mismatch: %s + %s", a.Currency, b.Currency)
	}
	return New(a.Units+b.Units, a.Currency), nil
}

// MustAdd is Add for callers that have already checked currencies.
// Mismatched currencies keep the receiver unchanged.
func (a Amount) MustAdd(b Amount) Amount {
	sum, err := a.Add(b)
	if err != nil {
		return a
	}
	return sum
}

// MulInt returns the amount multiplied by an integer factor.
func (a Amount) MulInt(n int64) Amount {
	return New(a.Units*n, a.Currency)
}

// MulRate scales the amount by a rate, rounding half away from zero.
// Used for FX conversion and commission application.
func (a Amount) MulRate(rate float64) Amount {
	return New(int64(math.Round(float64(a.Units)*rate)), a.Currency)
}

// Convert converts the amount into another currency at the given rate
// (1 unit of a.Currency = rate units of target). Precision is adjusted
// to the target currency's minor digits.
func (a Amount) Convert(target string, rate float64) Amount {
	major := a.Major() * rate
	return FromMajor(major, target)
}

// Cmp returns -1, 0 or 1 comparing a to b in units.
// Currencies are the caller's responsibility.
func (a Amount) Cmp(b Amount) int {
	switch {
	case a.Units < b.Units:
		return -1
	case a.Units > b.Units:
		return 1
	default:
		return 0
	}
}

// IsNegative reports a negative amount. Costs must never be negative.
func (a Amount) IsNegative() bool {
	return a.Units < 0
}

// String formats the amount with its minor precision, e.g. "12.34 USD".
func (a Amount) String() string {
	d := Digits(a.Currency)
	if d == 0 {
		return fmt.Sprintf("%d %s", a.Units, a.Currency)
	}
	scale := int64(math.Pow10(d))
	units := a.Units
	sign := ""
	if units < 0 {
		sign = "-"
		units = -units
	}
	return fmt.Sprintf("%s%d.%0*d %s", sign, units/scale, d, units%scale, a.Currency)
}

// MarshalJSON encodes the amount as {"amount":"12.34","currency":"USD"}.
func (a Amount) MarshalJSON() ([]byte, error) {
	d := Digits(a.Currency)
	scale := int64(math.Pow10(d))
	units := a.Units
	sign := ""
	if units < 0 {
		sign = "-"
		units = -units
	}
	var s string
	if d == 0 {
		s = fmt.Sprintf("%s%d", sign, units)
	} else {
		s = fmt.Sprintf("%s%d.%0*d", sign, units/scale, d, units%scale)
	}
	return []byte(fmt.Sprintf(`{"amount":%q,"currency":%q}`, s, a.Currency)), nil
}

// UnmarshalJSON decodes {"amount":"12.34","currency":"USD"}.
func (a *Amount) UnmarshalJSON(data []byte) error {
	var raw struct {
		Amount   string `json:"amount"`
		Currency string `json:"currency"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := Parse(raw.Amount, raw.Currency)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Parse parses a decimal string like "12.34" into an Amount.
// Fractional digits beyond the currency's precision are rejected.
func Parse(s, currency string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Zero(currency), nil
	}
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	d := Digits(currency)
	whole, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
	}
	if len(frac) > d {
		return Amount{}, fmt.Errorf("parse amount %q: more than %d fractional digits for %s", s, d, currency)
	}
	for len(frac) < d {
		frac += "0"
	}
	var units int64
	for _, part := range []string{whole, frac} {
		for _, c := range part {
			if c < '0' || c > '9' {
				return Amount{}, fmt.Errorf("parse amount %q: invalid character", s)
			}
			units = units*10 + int64(c-'0')
		}
	}
	if neg {
		units = -units
	}
	return New(units, currency), nil
}
