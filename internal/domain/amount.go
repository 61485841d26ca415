package domain

import (
	"fmt"
	"math/big"

	"github.com/cockroachdb/apd/v3"
)

// weiExponent is the decimal exponent of one wei relative to one ether.
const weiExponent = 18

// FormatEther renders a wei amount as a reduced decimal ether string, e.g.
// 100000000000000000 -> "0.1". A nil amount renders as "0".
func FormatEther(wei *big.Int) string {
	if wei == nil || wei.Sign() == 0 {
		return "0"
	}
	d, _, err := apd.NewFromString(fmt.Sprintf("%sE-%d", wei.String(), weiExponent))
	if err != nil {
		return wei.String() + " wei"
	}
	d.Reduce(d)
	return d.Text('f')
}

// ParseEther converts a decimal ether string ("0.1") to wei. Fractions finer
// than one wei are rejected.
func ParseEther(s string) (*big.Int, error) {
	d, _, err := apd.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("parse ether %q: %w", s, err)
	}
	if d.Negative {
		return nil, fmt.Errorf("parse ether %q: negative", s)
	}
	wei := new(apd.Decimal)
	if _, err := apd.BaseContext.WithPrecision(100).Mul(wei, d, apd.New(1, weiExponent)); err != nil {
		return nil, fmt.Errorf("parse ether %q: %w", s, err)
	}
	var integral apd.Decimal
	frac := new(apd.Decimal)
	wei.Modf(&integral, frac)
	if !frac.IsZero() {
		return nil, fmt.Errorf("parse ether %q: below one wei", s)
	}
	return ParseAmount(integral.Text('f'))
}
