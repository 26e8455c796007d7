// Package tax converts tax-exclusive prices into tax-inclusive ones.
package tax

import (
	"fmt"

	"github.com/shopspring/decimal"

	"carbonsplit/internal/core"
)

// DefaultRate is the standard French VAT rate applied to carbon credits.
var DefaultRate = decimal.RequireFromString("0.20")

// VAT applies a flat rate: TTC = HT x (1 + rate), rounded to the cent.
type VAT struct {
	rate decimal.Decimal
}

func NewVAT(rate decimal.Decimal) (VAT, error) {
	if rate.IsNegative() {
		return VAT{}, fmt.Errorf("negative VAT rate %s", rate)
	}
	return VAT{rate: rate}, nil
}

// ParseRate accepts "0.2" or "20%".
func ParseRate(s string) (decimal.Decimal, error) {
	if n := len(s); n > 0 && s[n-1] == '%' {
		d, err := decimal.NewFromString(s[:n-1])
		if err != nil {
			return decimal.Zero, fmt.Errorf("parse VAT rate %q: %w", s, err)
		}
		return d.Div(decimal.NewFromInt(100)), nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse VAT rate %q: %w", s, err)
	}
	return d, nil
}

func (v VAT) Rate() decimal.Decimal {
	return v.rate
}

func (v VAT) TaxInclusive(price core.Money) core.Money {
	return core.MoneyFromDecimal(price.Decimal().Mul(decimal.NewFromInt(1).Add(v.rate)))
}
