package events

import (
	"bytes"
	"encoding/json"
	"math/big"
	"strconv"

	"github.com/pkg/errors"
)

// MinorUnits is the number of minor units in one major unit of the billing
// currency. Peers exchange amounts as decimals with two fraction digits.
const MinorUnits = 100

// Amount is a money value held in integer minor units. On the wire it is a
// decimal number of major units, so 5800.50 decodes to 580050.
type Amount int64

var (
	minorUnits = big.NewInt(MinorUnits)
	half       = big.NewRat(1, 2)
)

// ParseAmount converts a decimal major-unit string to minor units. Digits
// past the second fraction digit are rounded half away from zero.
func ParseAmount(s string) (Amount, error) {
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return 0, errors.Errorf("invalid amount %q", s)
	}
	r.Mul(r, new(big.Rat).SetInt(minorUnits))

	neg := r.Sign() < 0
	if neg {
		r.Neg(r)
	}
	r.Add(r, half)
	n := new(big.Int).Quo(r.Num(), r.Denom())
	if neg {
		n.Neg(n)
	}
	if !n.IsInt64() {
		return 0, errors.Errorf("amount %q out of range", s)
	}
	return Amount(n.Int64()), nil
}

func (a Amount) String() string {
	v := int64(a)
	sign := ""
	if v < 0 {
		sign, v = "-", -v
	}
	whole := strconv.FormatInt(v/MinorUnits, 10)
	if frac := v % MinorUnits; frac != 0 {
		return sign + whole + "." + strconv.FormatInt(100+frac, 10)[1:]
	}
	return sign + whole
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalJSON accepts a JSON number or a numeric string
func (a *Amount) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	var n json.Number
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		n = json.Number(s)
	} else if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	v, err := ParseAmount(n.String())
	if err != nil {
		return err
	}
	*a = v
	return nil
}
